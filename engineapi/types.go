// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package engineapi is the JWT-authenticated JSON-RPC client for the
// execution layer's Engine API and standard Ethereum RPC surface: typed
// operations with bounded retry, mirroring the shape of go-ethereum's own
// RPC client code but against the post-merge Engine-API method set.
package engineapi

import (
	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/payload"
)

// Status is the verdict the EL returns from newPayload/forkchoiceUpdated.
type Status string

const (
	StatusValid    Status = "VALID"
	StatusInvalid  Status = "INVALID"
	StatusSyncing  Status = "SYNCING"
	StatusAccepted Status = "ACCEPTED"
)

// PayloadID identifies an in-progress payload build, returned by
// forkchoiceUpdated when attrs is present and consumed by getPayload.
type PayloadID [8]byte

func (id PayloadID) Hex() string { return "0x" + hexEncode(id[:]) }

// ForkchoiceState is the EL's {head, safe, finalized} triple.
type ForkchoiceState struct {
	HeadBlockHash      common.Hash
	SafeBlockHash      common.Hash
	FinalizedBlockHash common.Hash
}

// PayloadAttributes describes the block the EL should build when passed
// alongside a ForkchoiceState.
type PayloadAttributes struct {
	Timestamp             uint64
	PrevRandao            common.Hash
	SuggestedFeeRecipient common.Address
	Withdrawals           []payload.Withdrawal
	ParentBeaconBlockRoot common.Hash
}

// ForkchoiceUpdatedResult is engine_forkchoiceUpdatedV3's reply.
type ForkchoiceUpdatedResult struct {
	PayloadStatus     PayloadStatusV1
	PayloadID         *PayloadID
}

// PayloadStatusV1 is the status envelope shared by forkchoiceUpdated and
// newPayload.
type PayloadStatusV1 struct {
	Status          Status
	LatestValidHash *common.Hash
	ValidationError string
}

// BlockHeaderAndBody is the standard-RPC eth_getBlockByNumber reply, split
// into the pieces the adapter cares about.
type BlockHeaderAndBody struct {
	Header payload.Header
	Body   payload.Body
	Hash   common.Hash
	Number uint64
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
