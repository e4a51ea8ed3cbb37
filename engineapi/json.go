// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package engineapi

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/payload"
	"github.com/holiman/uint256"
)

// hexQuantity and hexBytes mirror go-ethereum's hexutil.Uint64/Bytes JSON
// encoding: "0x"-prefixed, minimal-digit for quantities, full-byte for
// byte strings.
type hexQuantity uint64
type hexBytes []byte
type hexHash common.Hash
type hexAddress common.Address
type hexBloom [256]byte

func (q hexQuantity) MarshalJSON() ([]byte, error) {
	return []byte(`"0x` + strconv.FormatUint(uint64(q), 16) + `"`), nil
}

func (q *hexQuantity) UnmarshalJSON(b []byte) error {
	s, err := unquote(b)
	if err != nil {
		return err
	}
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		s = "0"
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("decode hex quantity %q: %w", s, err)
	}
	*q = hexQuantity(v)
	return nil
}

func (b hexBytes) MarshalJSON() ([]byte, error) {
	return []byte(`"0x` + hex.EncodeToString(b) + `"`), nil
}

func (b *hexBytes) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	*b = common.FromHex(s)
	return nil
}

func (h hexHash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + common.Hash(h).Hex() + `"`), nil
}

func (h *hexHash) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	*h = hexHash(common.HexToHash(s))
	return nil
}

func (a hexAddress) MarshalJSON() ([]byte, error) {
	return []byte(`"` + common.Address(a).Hex() + `"`), nil
}

func (a *hexAddress) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	*a = hexAddress(common.HexToAddress(s))
	return nil
}

func (b hexBloom) MarshalJSON() ([]byte, error) {
	return []byte(`"0x` + hex.EncodeToString(b[:]) + `"`), nil
}

func (b *hexBloom) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	copy(b[:], common.FromHex(s))
	return nil
}

func unquote(b []byte) (string, error) {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return "", fmt.Errorf("expected a JSON string, got %q", string(b))
	}
	return string(b[1 : len(b)-1]), nil
}

// jsonWithdrawal is the engine_getPayload/engine_newPayload wire shape for
// a withdrawal entry.
type jsonWithdrawal struct {
	Index          hexQuantity `json:"index"`
	ValidatorIndex hexQuantity `json:"validatorIndex"`
	Address        hexAddress  `json:"address"`
	Amount         hexQuantity `json:"amount"`
}

// jsonExecutionPayload is the engine_getPayloadV3/engine_newPayloadV3 wire
// shape of ExecutionPayload.
type jsonExecutionPayload struct {
	ParentHash    hexHash          `json:"parentHash"`
	FeeRecipient  hexAddress       `json:"feeRecipient"`
	StateRoot     hexHash          `json:"stateRoot"`
	ReceiptsRoot  hexHash          `json:"receiptsRoot"`
	LogsBloom     hexBloom         `json:"logsBloom"`
	PrevRandao    hexHash          `json:"prevRandao"`
	BlockNumber   hexQuantity      `json:"blockNumber"`
	GasLimit      hexQuantity      `json:"gasLimit"`
	GasUsed       hexQuantity      `json:"gasUsed"`
	Timestamp     hexQuantity      `json:"timestamp"`
	ExtraData     hexBytes         `json:"extraData"`
	BaseFeePerGas string           `json:"baseFeePerGas"`
	BlockHash     hexHash          `json:"blockHash"`
	Transactions  []hexBytes       `json:"transactions"`
	Withdrawals   []jsonWithdrawal `json:"withdrawals"`
	BlobGasUsed   hexQuantity      `json:"blobGasUsed"`
	ExcessBlobGas hexQuantity      `json:"excessBlobGas"`
}

func toJSONPayload(p *payload.ExecutionPayload) (*jsonExecutionPayload, error) {
	baseFee := p.BaseFeePerGas
	if baseFee == nil {
		baseFee = uint256.NewInt(0)
	}
	txs := make([]hexBytes, len(p.Transactions))
	for i, tx := range p.Transactions {
		txs[i] = tx
	}
	wds := make([]jsonWithdrawal, len(p.Withdrawals))
	for i, w := range p.Withdrawals {
		wds[i] = jsonWithdrawal{
			Index:          hexQuantity(w.Index),
			ValidatorIndex: hexQuantity(w.ValidatorIndex),
			Address:        hexAddress(w.Address),
			Amount:         hexQuantity(w.AmountGwei),
		}
	}
	return &jsonExecutionPayload{
		ParentHash:    hexHash(p.ParentHash),
		FeeRecipient:  hexAddress(p.FeeRecipient),
		StateRoot:     hexHash(p.StateRoot),
		ReceiptsRoot:  hexHash(p.ReceiptsRoot),
		LogsBloom:     hexBloom(p.LogsBloom),
		PrevRandao:    hexHash(p.PrevRandao),
		BlockNumber:   hexQuantity(p.BlockNumber),
		GasLimit:      hexQuantity(p.GasLimit),
		GasUsed:       hexQuantity(p.GasUsed),
		Timestamp:     hexQuantity(p.Timestamp),
		ExtraData:     p.ExtraData,
		BaseFeePerGas: baseFee.Hex(),
		BlockHash:     hexHash(p.BlockHash),
		Transactions:  txs,
		Withdrawals:   wds,
		BlobGasUsed:   hexQuantity(p.BlobGasUsed),
		ExcessBlobGas: hexQuantity(p.ExcessBlobGas),
	}, nil
}

func fromJSONPayload(j *jsonExecutionPayload) (*payload.ExecutionPayload, error) {
	baseFee, err := parseUint256(j.BaseFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("parse baseFeePerGas: %w", err)
	}
	txs := make([][]byte, len(j.Transactions))
	for i, tx := range j.Transactions {
		txs[i] = tx
	}
	wds := make([]payload.Withdrawal, len(j.Withdrawals))
	for i, w := range j.Withdrawals {
		wds[i] = payload.Withdrawal{
			Index:          uint64(w.Index),
			ValidatorIndex: uint64(w.ValidatorIndex),
			Address:        common.Address(w.Address),
			AmountGwei:     uint64(w.Amount),
		}
	}
	return &payload.ExecutionPayload{
		ParentHash:    common.Hash(j.ParentHash),
		FeeRecipient:  common.Address(j.FeeRecipient),
		StateRoot:     common.Hash(j.StateRoot),
		ReceiptsRoot:  common.Hash(j.ReceiptsRoot),
		LogsBloom:     [256]byte(j.LogsBloom),
		PrevRandao:    common.Hash(j.PrevRandao),
		BlockNumber:   uint64(j.BlockNumber),
		GasLimit:      uint64(j.GasLimit),
		GasUsed:       uint64(j.GasUsed),
		Timestamp:     uint64(j.Timestamp),
		ExtraData:     []byte(j.ExtraData),
		BaseFeePerGas: baseFee,
		BlockHash:     common.Hash(j.BlockHash),
		Transactions:  txs,
		Withdrawals:   wds,
		BlobGasUsed:   uint64(j.BlobGasUsed),
		ExcessBlobGas: uint64(j.ExcessBlobGas),
	}, nil
}

func parseUint256(s string) (*uint256.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		s = "0"
	}
	v, err := uint256.FromHex("0x" + s)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// jsonBlock is the eth_getBlockByNumber wire shape for a post-merge block,
// field-renamed relative to jsonExecutionPayload where the standard RPC
// and the Engine API disagree (miner vs. feeRecipient, mixHash vs.
// prevRandao, hash/number vs. blockHash/blockNumber).
type jsonBlock struct {
	Number                hexQuantity      `json:"number"`
	Hash                  hexHash          `json:"hash"`
	ParentHash            hexHash          `json:"parentHash"`
	FeeRecipient          hexAddress       `json:"miner"`
	StateRoot             hexHash          `json:"stateRoot"`
	ReceiptsRoot          hexHash          `json:"receiptsRoot"`
	LogsBloom             hexBloom         `json:"logsBloom"`
	PrevRandao            hexHash          `json:"mixHash"`
	GasLimit              hexQuantity      `json:"gasLimit"`
	GasUsed               hexQuantity      `json:"gasUsed"`
	Timestamp             hexQuantity      `json:"timestamp"`
	ExtraData             hexBytes         `json:"extraData"`
	BaseFeePerGas         string           `json:"baseFeePerGas"`
	Transactions          []hexBytes       `json:"transactions"`
	Withdrawals           []jsonWithdrawal `json:"withdrawals"`
	BlobGasUsed           hexQuantity      `json:"blobGasUsed"`
	ExcessBlobGas         hexQuantity      `json:"excessBlobGas"`
	ParentBeaconBlockRoot hexHash          `json:"parentBeaconBlockRoot"`
}

func fromJSONBlock(b *jsonBlock) (*payload.ExecutionPayload, error) {
	baseFee, err := parseUint256(b.BaseFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("parse baseFeePerGas: %w", err)
	}
	txs := make([][]byte, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = tx
	}
	wds := make([]payload.Withdrawal, len(b.Withdrawals))
	for i, w := range b.Withdrawals {
		wds[i] = payload.Withdrawal{
			Index:          uint64(w.Index),
			ValidatorIndex: uint64(w.ValidatorIndex),
			Address:        common.Address(w.Address),
			AmountGwei:     uint64(w.Amount),
		}
	}
	return &payload.ExecutionPayload{
		ParentHash:            common.Hash(b.ParentHash),
		FeeRecipient:          common.Address(b.FeeRecipient),
		StateRoot:             common.Hash(b.StateRoot),
		ReceiptsRoot:          common.Hash(b.ReceiptsRoot),
		LogsBloom:             [256]byte(b.LogsBloom),
		PrevRandao:            common.Hash(b.PrevRandao),
		BlockNumber:           uint64(b.Number),
		GasLimit:              uint64(b.GasLimit),
		GasUsed:               uint64(b.GasUsed),
		Timestamp:             uint64(b.Timestamp),
		ExtraData:             []byte(b.ExtraData),
		BaseFeePerGas:         baseFee,
		BlockHash:             common.Hash(b.Hash),
		Transactions:          txs,
		Withdrawals:           wds,
		BlobGasUsed:           uint64(b.BlobGasUsed),
		ExcessBlobGas:         uint64(b.ExcessBlobGas),
		ParentBeaconBlockRoot: common.Hash(b.ParentBeaconBlockRoot),
	}, nil
}

type jsonForkchoiceState struct {
	HeadBlockHash      hexHash `json:"headBlockHash"`
	SafeBlockHash      hexHash `json:"safeBlockHash"`
	FinalizedBlockHash hexHash `json:"finalizedBlockHash"`
}

type jsonPayloadAttributes struct {
	Timestamp             hexQuantity      `json:"timestamp"`
	PrevRandao            hexHash          `json:"prevRandao"`
	SuggestedFeeRecipient hexAddress       `json:"suggestedFeeRecipient"`
	Withdrawals           []jsonWithdrawal `json:"withdrawals"`
	ParentBeaconBlockRoot hexHash          `json:"parentBeaconBlockRoot"`
}

type jsonPayloadStatus struct {
	Status          Status   `json:"status"`
	LatestValidHash *hexHash `json:"latestValidHash"`
	ValidationError *string  `json:"validationError"`
}

type jsonForkchoiceUpdatedResult struct {
	PayloadStatus jsonPayloadStatus `json:"payloadStatus"`
	PayloadID     *hexBytes         `json:"payloadId"`
}
