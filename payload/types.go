// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package payload defines the execution-payload envelope and its canonical
// SSZ encoding, the header/body split used by the block store, the
// length-prefixed streamed proposal-part codec, and the opaque commit
// certificate wrapper.
package payload

import (
	"github.com/1Money-Co/emerald/common"
	"github.com/holiman/uint256"
)

// Withdrawal is a single validator withdrawal carried in a payload.
type Withdrawal struct {
	Index          uint64
	ValidatorIndex uint64
	Address        common.Address
	AmountGwei     uint64
}

// ExecutionPayload is the post-merge execution-layer block envelope: header
// fields plus transactions and withdrawals. Field order is the SSZ
// container's canonical order and must not be reordered without bumping the
// codec version.
type ExecutionPayload struct {
	ParentHash    common.Hash
	FeeRecipient  common.Address
	StateRoot     common.Hash
	ReceiptsRoot  common.Hash
	LogsBloom     [256]byte
	PrevRandao    common.Hash
	BlockNumber   uint64
	GasLimit      uint64
	GasUsed       uint64
	Timestamp     uint64
	ExtraData     []byte // max 32 bytes
	BaseFeePerGas *uint256.Int
	BlockHash     common.Hash
	Transactions  [][]byte // opaque RLP-encoded transactions, max 1<<20 each
	Withdrawals   []Withdrawal
	BlobGasUsed   uint64
	ExcessBlobGas uint64

	ParentBeaconBlockRoot common.Hash
}

// Header is the execution-payload envelope with transactions and
// withdrawals stripped: enough to recompute the full block once combined
// with a Body.
type Header struct {
	ParentHash            common.Hash
	FeeRecipient          common.Address
	StateRoot             common.Hash
	ReceiptsRoot          common.Hash
	LogsBloom             [256]byte
	PrevRandao            common.Hash
	BlockNumber           uint64
	GasLimit              uint64
	GasUsed               uint64
	Timestamp             uint64
	ExtraData             []byte
	BaseFeePerGas         *uint256.Int
	BlockHash             common.Hash
	BlobGasUsed           uint64
	ExcessBlobGas         uint64
	ParentBeaconBlockRoot common.Hash
}

// Body is the stripped transaction list and withdrawal list.
type Body struct {
	Transactions [][]byte
	Withdrawals  []Withdrawal
}

// Split separates a full payload into its Header and Body.
func (p *ExecutionPayload) Split() (Header, Body) {
	h := Header{
		ParentHash:            p.ParentHash,
		FeeRecipient:          p.FeeRecipient,
		StateRoot:             p.StateRoot,
		ReceiptsRoot:          p.ReceiptsRoot,
		LogsBloom:             p.LogsBloom,
		PrevRandao:            p.PrevRandao,
		BlockNumber:           p.BlockNumber,
		GasLimit:              p.GasLimit,
		GasUsed:               p.GasUsed,
		Timestamp:             p.Timestamp,
		ExtraData:             append([]byte(nil), p.ExtraData...),
		BaseFeePerGas:         p.BaseFeePerGas,
		BlockHash:             p.BlockHash,
		BlobGasUsed:           p.BlobGasUsed,
		ExcessBlobGas:         p.ExcessBlobGas,
		ParentBeaconBlockRoot: p.ParentBeaconBlockRoot,
	}
	b := Body{
		Transactions: p.Transactions,
		Withdrawals:  p.Withdrawals,
	}
	return h, b
}

// Join reconstructs a full ExecutionPayload from a Header and its Body.
func Join(h Header, b Body) *ExecutionPayload {
	return &ExecutionPayload{
		ParentHash:            h.ParentHash,
		FeeRecipient:          h.FeeRecipient,
		StateRoot:             h.StateRoot,
		ReceiptsRoot:          h.ReceiptsRoot,
		LogsBloom:             h.LogsBloom,
		PrevRandao:            h.PrevRandao,
		BlockNumber:           h.BlockNumber,
		GasLimit:              h.GasLimit,
		GasUsed:               h.GasUsed,
		Timestamp:             h.Timestamp,
		ExtraData:             h.ExtraData,
		BaseFeePerGas:         h.BaseFeePerGas,
		BlockHash:             h.BlockHash,
		Transactions:          b.Transactions,
		Withdrawals:           b.Withdrawals,
		BlobGasUsed:           h.BlobGasUsed,
		ExcessBlobGas:         h.ExcessBlobGas,
		ParentBeaconBlockRoot: h.ParentBeaconBlockRoot,
	}
}

// CommitCertificate is an opaque binary produced by the consensus library;
// Emerald never interprets its contents beyond round-tripping it.
type CommitCertificate []byte
