// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package payload

import (
	"testing"

	"github.com/1Money-Co/emerald/common"
	fuzz "github.com/google/gofuzz"
	"github.com/holiman/uint256"
	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

func samplePayload() *ExecutionPayload {
	p := &ExecutionPayload{
		ParentHash:    common.HexToHash("0x01"),
		FeeRecipient:  common.HexToAddress("0x02"),
		StateRoot:     common.HexToHash("0x03"),
		ReceiptsRoot:  common.HexToHash("0x04"),
		PrevRandao:    common.HexToHash("0x05"),
		BlockNumber:   7,
		GasLimit:      30_000_000,
		GasUsed:       21_000,
		Timestamp:     1_700_000_000,
		ExtraData:     []byte("emerald"),
		BaseFeePerGas: uint256.NewInt(1_000_000_000),
		BlockHash:     common.HexToHash("0x06"),
		Transactions: [][]byte{
			{0x01, 0x02, 0x03},
			{},
			{0xff, 0xff, 0xff, 0xff, 0xff},
		},
		Withdrawals: []Withdrawal{
			{Index: 1, ValidatorIndex: 2, Address: common.HexToAddress("0x07"), AmountGwei: 32},
		},
		BlobGasUsed:           131072,
		ExcessBlobGas:         0,
		ParentBeaconBlockRoot: common.HexToHash("0x08"),
	}
	p.LogsBloom[0] = 0xAB
	p.LogsBloom[255] = 0xCD
	return p
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := samplePayload()
	enc, err := Marshal(p)
	require.NoError(t, err)

	got, err := Unmarshal(enc)
	require.NoError(t, err)

	if diff := pretty.Compare(p, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	p := samplePayload()
	enc, err := Marshal(p)
	require.NoError(t, err)

	_, err = Unmarshal(append(enc, 0xde, 0xad))
	require.Error(t, err)
}

func TestUnmarshalRejectsShortBuffer(t *testing.T) {
	p := samplePayload()
	enc, err := Marshal(p)
	require.NoError(t, err)

	_, err = Unmarshal(enc[:len(enc)-10])
	require.Error(t, err)
}

func TestUnmarshalRejectsTruncatedTransaction(t *testing.T) {
	p := samplePayload()
	enc, err := Marshal(p)
	require.NoError(t, err)

	_, err = Unmarshal(enc[:fixedHeaderSize+len(p.ExtraData)+8])
	require.Error(t, err)
}

func TestHashIsDeterministic(t *testing.T) {
	p := samplePayload()
	h1, err := Hash(p)
	require.NoError(t, err)
	h2, err := Hash(p)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	p2 := samplePayload()
	p2.GasUsed++
	h3, err := Hash(p2)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

// TestMarshalUnmarshalRoundTripFuzz exercises Marshal/Unmarshal against a
// few hundred randomly populated payloads, catching field-order or
// offset mistakes a single hand-written fixture wouldn't.
func TestMarshalUnmarshalRoundTripFuzz(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 4).Funcs(
		func(v **uint256.Int, c fuzz.Continue) {
			*v = uint256.NewInt(c.Uint64())
		},
		func(tx *[]byte, c fuzz.Continue) {
			n := c.Intn(16)
			*tx = make([]byte, n)
			c.Read(*tx)
		},
	)

	for i := 0; i < 200; i++ {
		var p ExecutionPayload
		f.Fuzz(&p)
		if len(p.ExtraData) > maxExtraDataLength {
			p.ExtraData = p.ExtraData[:maxExtraDataLength]
		}
		if len(p.ExtraData) == 0 {
			p.ExtraData = nil // Unmarshal never produces a non-nil empty slice here
		}

		enc, err := Marshal(&p)
		require.NoError(t, err)
		got, err := Unmarshal(enc)
		require.NoError(t, err)
		if diff := pretty.Compare(&p, got); diff != "" {
			t.Fatalf("round trip mismatch on fuzz iteration %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestHeaderBodySplitJoinRoundTrip(t *testing.T) {
	p := samplePayload()
	hdr, body := p.Split()
	got := Join(hdr, body)
	if diff := pretty.Compare(p, got); diff != "" {
		t.Fatalf("split/join mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalUnmarshalHeaderRoundTrip(t *testing.T) {
	p := samplePayload()
	hdr, _ := p.Split()
	enc, err := MarshalHeader(&hdr)
	require.NoError(t, err)
	got, err := UnmarshalHeader(enc)
	require.NoError(t, err)
	if diff := pretty.Compare(hdr, *got); diff != "" {
		t.Fatalf("header round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalUnmarshalBodyRoundTrip(t *testing.T) {
	p := samplePayload()
	_, body := p.Split()
	enc, err := MarshalBody(&body)
	require.NoError(t, err)
	got, err := UnmarshalBody(enc)
	require.NoError(t, err)
	if diff := pretty.Compare(body, *got); diff != "" {
		t.Fatalf("body round trip mismatch (-want +got):\n%s", diff)
	}
}
