// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package payload

import (
	"fmt"

	"github.com/1Money-Co/emerald/common"
	ssz "github.com/ferranbt/fastssz"
	"github.com/holiman/uint256"
)

// withdrawalSize is the SSZ-fixed-size encoding of a single Withdrawal:
// index(8) + validatorIndex(8) + address(20) + amountGwei(8).
const withdrawalSize = 8 + 8 + common.AddressLength + 8

// fixedHeaderSize is the size, in bytes, of ExecutionPayload's fixed region:
// every fixed-size field plus the three 4-byte offsets of the variable-size
// fields (ExtraData, Transactions, Withdrawals).
const fixedHeaderSize = common.HashLength + // ParentHash
	common.AddressLength + // FeeRecipient
	common.HashLength + // StateRoot
	common.HashLength + // ReceiptsRoot
	256 + // LogsBloom
	common.HashLength + // PrevRandao
	8 + 8 + 8 + 8 + // BlockNumber, GasLimit, GasUsed, Timestamp
	4 + // ExtraData offset
	32 + // BaseFeePerGas
	common.HashLength + // BlockHash
	4 + // Transactions offset
	4 + // Withdrawals offset
	8 + 8 + // BlobGasUsed, ExcessBlobGas
	common.HashLength // ParentBeaconBlockRoot

const maxExtraDataLength = 32

// Marshal produces the canonical SSZ encoding of p.
func Marshal(p *ExecutionPayload) ([]byte, error) {
	if len(p.ExtraData) > maxExtraDataLength {
		return nil, fmt.Errorf("extra data exceeds %d bytes", maxExtraDataLength)
	}
	baseFee := p.BaseFeePerGas
	if baseFee == nil {
		baseFee = uint256.NewInt(0)
	}

	fixed := make([]byte, 0, fixedHeaderSize)
	fixed = append(fixed, p.ParentHash[:]...)
	fixed = append(fixed, p.FeeRecipient[:]...)
	fixed = append(fixed, p.StateRoot[:]...)
	fixed = append(fixed, p.ReceiptsRoot[:]...)
	fixed = append(fixed, p.LogsBloom[:]...)
	fixed = append(fixed, p.PrevRandao[:]...)
	fixed = ssz.MarshalUint64(fixed, p.BlockNumber)
	fixed = ssz.MarshalUint64(fixed, p.GasLimit)
	fixed = ssz.MarshalUint64(fixed, p.GasUsed)
	fixed = ssz.MarshalUint64(fixed, p.Timestamp)

	extraDataOffset := fixedHeaderSize
	fixed = ssz.WriteOffset(fixed, extraDataOffset)

	var beBytes [32]byte
	baseFee.WriteToArray32(&beBytes)
	// SSZ basic types are little-endian; uint256 writes big-endian, so flip.
	leBytes := reverse32(beBytes)
	fixed = append(fixed, leBytes[:]...)

	fixed = append(fixed, p.BlockHash[:]...)

	txOffset := extraDataOffset + len(p.ExtraData)
	fixed = ssz.WriteOffset(fixed, txOffset)

	txSection, err := marshalTransactions(p.Transactions)
	if err != nil {
		return nil, err
	}
	withdrawalsOffset := txOffset + len(txSection)
	fixed = ssz.WriteOffset(fixed, withdrawalsOffset)

	fixed = ssz.MarshalUint64(fixed, p.BlobGasUsed)
	fixed = ssz.MarshalUint64(fixed, p.ExcessBlobGas)
	fixed = append(fixed, p.ParentBeaconBlockRoot[:]...)

	if len(fixed) != fixedHeaderSize {
		return nil, fmt.Errorf("internal error: fixed region is %d bytes, want %d", len(fixed), fixedHeaderSize)
	}

	out := make([]byte, 0, len(fixed)+len(p.ExtraData)+len(txSection)+len(p.Withdrawals)*withdrawalSize)
	out = append(out, fixed...)
	out = append(out, p.ExtraData...)
	out = append(out, txSection...)
	out = append(out, marshalWithdrawals(p.Withdrawals)...)
	return out, nil
}

// Unmarshal decodes buf into an ExecutionPayload. Any trailing bytes, short
// read, or offset/field-count inconsistency is a decode error.
func Unmarshal(buf []byte) (*ExecutionPayload, error) {
	if len(buf) < fixedHeaderSize {
		return nil, fmt.Errorf("payload too short: %d bytes, want at least %d", len(buf), fixedHeaderSize)
	}

	p := &ExecutionPayload{}
	off := 0
	read := func(n int) []byte {
		b := buf[off : off+n]
		off += n
		return b
	}

	copy(p.ParentHash[:], read(common.HashLength))
	copy(p.FeeRecipient[:], read(common.AddressLength))
	copy(p.StateRoot[:], read(common.HashLength))
	copy(p.ReceiptsRoot[:], read(common.HashLength))
	copy(p.LogsBloom[:], read(256))
	copy(p.PrevRandao[:], read(common.HashLength))
	p.BlockNumber = ssz.UnmarshallUint64(read(8))
	p.GasLimit = ssz.UnmarshallUint64(read(8))
	p.GasUsed = ssz.UnmarshallUint64(read(8))
	p.Timestamp = ssz.UnmarshallUint64(read(8))

	extraDataOffset := int(ssz.ReadOffset(read(4)))

	var be [32]byte
	le := read(32)
	for i := 0; i < 32; i++ {
		be[i] = le[31-i]
	}
	p.BaseFeePerGas = new(uint256.Int).SetBytes(be[:])

	copy(p.BlockHash[:], read(common.HashLength))

	txOffset := int(ssz.ReadOffset(read(4)))
	withdrawalsOffset := int(ssz.ReadOffset(read(4)))

	p.BlobGasUsed = ssz.UnmarshallUint64(read(8))
	p.ExcessBlobGas = ssz.UnmarshallUint64(read(8))
	copy(p.ParentBeaconBlockRoot[:], read(common.HashLength))

	if off != fixedHeaderSize {
		return nil, fmt.Errorf("internal error: read %d of %d fixed bytes", off, fixedHeaderSize)
	}
	if extraDataOffset != fixedHeaderSize || txOffset < extraDataOffset || withdrawalsOffset < txOffset || withdrawalsOffset > len(buf) {
		return nil, fmt.Errorf("malformed offsets: extraData=%d tx=%d withdrawals=%d len=%d", extraDataOffset, txOffset, withdrawalsOffset, len(buf))
	}

	p.ExtraData = append([]byte(nil), buf[extraDataOffset:txOffset]...)
	if len(p.ExtraData) > maxExtraDataLength {
		return nil, fmt.Errorf("extra data exceeds %d bytes", maxExtraDataLength)
	}

	txs, err := unmarshalTransactions(buf[txOffset:withdrawalsOffset])
	if err != nil {
		return nil, err
	}
	p.Transactions = txs

	withdrawals, err := unmarshalWithdrawals(buf[withdrawalsOffset:])
	if err != nil {
		return nil, err
	}
	p.Withdrawals = withdrawals

	return p, nil
}

// marshalTransactions encodes a variable-length list of variable-length
// byte strings as a 4-byte count followed by (4-byte length, bytes) pairs.
func marshalTransactions(txs [][]byte) ([]byte, error) {
	out := ssz.MarshalUint32(nil, uint32(len(txs)))
	for _, tx := range txs {
		out = ssz.MarshalUint32(out, uint32(len(tx)))
		out = append(out, tx...)
	}
	return out, nil
}

func unmarshalTransactions(buf []byte) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("transactions section too short")
	}
	count := ssz.UnmarshallUint32(buf[:4])
	off := 4
	txs := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("transaction %d length header truncated", i)
		}
		l := int(ssz.UnmarshallUint32(buf[off : off+4]))
		off += 4
		if off+l > len(buf) {
			return nil, fmt.Errorf("transaction %d body truncated", i)
		}
		txs = append(txs, append([]byte(nil), buf[off:off+l]...))
		off += l
	}
	if off != len(buf) {
		return nil, fmt.Errorf("trailing bytes after transactions: %d", len(buf)-off)
	}
	return txs, nil
}

func marshalWithdrawals(ws []Withdrawal) []byte {
	out := ssz.MarshalUint32(nil, uint32(len(ws)))
	for _, w := range ws {
		out = ssz.MarshalUint64(out, w.Index)
		out = ssz.MarshalUint64(out, w.ValidatorIndex)
		out = append(out, w.Address[:]...)
		out = ssz.MarshalUint64(out, w.AmountGwei)
	}
	return out
}

func unmarshalWithdrawals(buf []byte) ([]Withdrawal, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("withdrawals section too short")
	}
	count := ssz.UnmarshallUint32(buf[:4])
	off := 4
	want := 4 + int(count)*withdrawalSize
	if want != len(buf) {
		return nil, fmt.Errorf("withdrawals length mismatch: have %d bytes, want %d for %d entries", len(buf), want, count)
	}
	ws := make([]Withdrawal, 0, count)
	for i := uint32(0); i < count; i++ {
		w := Withdrawal{}
		w.Index = ssz.UnmarshallUint64(buf[off : off+8])
		off += 8
		w.ValidatorIndex = ssz.UnmarshallUint64(buf[off : off+8])
		off += 8
		copy(w.Address[:], buf[off:off+common.AddressLength])
		off += common.AddressLength
		w.AmountGwei = ssz.UnmarshallUint64(buf[off : off+8])
		off += 8
		ws = append(ws, w)
	}
	return ws, nil
}

func reverse32(in [32]byte) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = in[31-i]
	}
	return out
}

// Hash returns the keccak-256 digest over the canonical SSZ encoding of p,
// the identity used in forkchoiceUpdated.
func Hash(p *ExecutionPayload) (common.Hash, error) {
	enc, err := Marshal(p)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Keccak256(enc), nil
}
