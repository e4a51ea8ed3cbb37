// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package payload

import (
	"fmt"

	"github.com/1Money-Co/emerald/common"
	ssz "github.com/ferranbt/fastssz"
	"github.com/holiman/uint256"
)

// headerFixedSize is Header's fixed region: every field except the
// ExtraData bytes themselves, which follow immediately after.
const headerFixedSize = common.HashLength + // ParentHash
	common.AddressLength + // FeeRecipient
	common.HashLength + // StateRoot
	common.HashLength + // ReceiptsRoot
	256 + // LogsBloom
	common.HashLength + // PrevRandao
	8 + 8 + 8 + 8 + // BlockNumber, GasLimit, GasUsed, Timestamp
	4 + // ExtraData offset
	32 + // BaseFeePerGas
	common.HashLength + // BlockHash
	8 + 8 + // BlobGasUsed, ExcessBlobGas
	common.HashLength // ParentBeaconBlockRoot

// MarshalHeader encodes a Header alone, the record stored under the store's
// hdr/ key family.
func MarshalHeader(h *Header) ([]byte, error) {
	if len(h.ExtraData) > maxExtraDataLength {
		return nil, fmt.Errorf("extra data exceeds %d bytes", maxExtraDataLength)
	}
	baseFee := h.BaseFeePerGas
	if baseFee == nil {
		baseFee = uint256.NewInt(0)
	}

	out := make([]byte, 0, headerFixedSize+len(h.ExtraData))
	out = append(out, h.ParentHash[:]...)
	out = append(out, h.FeeRecipient[:]...)
	out = append(out, h.StateRoot[:]...)
	out = append(out, h.ReceiptsRoot[:]...)
	out = append(out, h.LogsBloom[:]...)
	out = append(out, h.PrevRandao[:]...)
	out = ssz.MarshalUint64(out, h.BlockNumber)
	out = ssz.MarshalUint64(out, h.GasLimit)
	out = ssz.MarshalUint64(out, h.GasUsed)
	out = ssz.MarshalUint64(out, h.Timestamp)
	out = ssz.WriteOffset(out, headerFixedSize)

	var be [32]byte
	baseFee.WriteToArray32(&be)
	le := reverse32(be)
	out = append(out, le[:]...)

	out = append(out, h.BlockHash[:]...)
	out = ssz.MarshalUint64(out, h.BlobGasUsed)
	out = ssz.MarshalUint64(out, h.ExcessBlobGas)
	out = append(out, h.ParentBeaconBlockRoot[:]...)

	if len(out) != headerFixedSize {
		return nil, fmt.Errorf("internal error: header fixed region is %d bytes, want %d", len(out), headerFixedSize)
	}
	out = append(out, h.ExtraData...)
	return out, nil
}

// UnmarshalHeader decodes the encoding MarshalHeader produces.
func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < headerFixedSize {
		return nil, fmt.Errorf("header too short: %d bytes, want at least %d", len(buf), headerFixedSize)
	}
	h := &Header{}
	off := 0
	read := func(n int) []byte {
		b := buf[off : off+n]
		off += n
		return b
	}
	copy(h.ParentHash[:], read(common.HashLength))
	copy(h.FeeRecipient[:], read(common.AddressLength))
	copy(h.StateRoot[:], read(common.HashLength))
	copy(h.ReceiptsRoot[:], read(common.HashLength))
	copy(h.LogsBloom[:], read(256))
	copy(h.PrevRandao[:], read(common.HashLength))
	h.BlockNumber = ssz.UnmarshallUint64(read(8))
	h.GasLimit = ssz.UnmarshallUint64(read(8))
	h.GasUsed = ssz.UnmarshallUint64(read(8))
	h.Timestamp = ssz.UnmarshallUint64(read(8))
	extraOffset := int(ssz.ReadOffset(read(4)))

	var be [32]byte
	le := read(32)
	for i := 0; i < 32; i++ {
		be[i] = le[31-i]
	}
	h.BaseFeePerGas = new(uint256.Int).SetBytes(be[:])

	copy(h.BlockHash[:], read(common.HashLength))
	h.BlobGasUsed = ssz.UnmarshallUint64(read(8))
	h.ExcessBlobGas = ssz.UnmarshallUint64(read(8))
	copy(h.ParentBeaconBlockRoot[:], read(common.HashLength))

	if off != headerFixedSize || extraOffset != headerFixedSize {
		return nil, fmt.Errorf("malformed header: read %d fixed bytes, extraData offset %d, want %d", off, extraOffset, headerFixedSize)
	}
	h.ExtraData = append([]byte(nil), buf[off:]...)
	if len(h.ExtraData) > maxExtraDataLength {
		return nil, fmt.Errorf("extra data exceeds %d bytes", maxExtraDataLength)
	}
	return h, nil
}

// MarshalBody encodes a Body alone, the record stored under the store's
// body/ key family.
func MarshalBody(b *Body) ([]byte, error) {
	txSection, err := marshalTransactions(b.Transactions)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(txSection)+4+len(b.Withdrawals)*withdrawalSize)
	out = append(out, txSection...)
	out = append(out, marshalWithdrawals(b.Withdrawals)...)
	return out, nil
}

// UnmarshalBody decodes the encoding MarshalBody produces.
func UnmarshalBody(buf []byte) (*Body, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("body too short")
	}
	count := ssz.UnmarshallUint32(buf[:4])
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("transaction %d length header truncated", i)
		}
		l := int(ssz.UnmarshallUint32(buf[off : off+4]))
		off += 4
		if off+l > len(buf) {
			return nil, fmt.Errorf("transaction %d body truncated", i)
		}
		off += l
	}
	txs, err := unmarshalTransactions(buf[:off])
	if err != nil {
		return nil, err
	}
	withdrawals, err := unmarshalWithdrawals(buf[off:])
	if err != nil {
		return nil, err
	}
	return &Body{Transactions: txs, Withdrawals: withdrawals}, nil
}
