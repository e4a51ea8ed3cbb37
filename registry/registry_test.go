// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package registry

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/1Money-Co/emerald/common"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

func genValidator(t *testing.T, seed byte, power uint64) common.ValidatorEntry {
	t.Helper()
	var sk [32]byte
	for i := range sk {
		sk[i] = seed + byte(i)
	}
	pub := secp256k1.PrivKeyFromBytes(sk[:]).PubKey().SerializeUncompressed()
	id, err := common.NewValidatorId(pub)
	require.NoError(t, err)
	return common.ValidatorEntry{Id: id, Power: common.Power(power)}
}

// fakeRegistry is a minimal in-memory implementation of the registry
// contract's ABI surface, used to exercise the Reader without a real EL.
type fakeRegistry struct {
	entries    []common.ValidatorEntry
	totalPower uint64
	calls      int
}

func word32(v uint64) []byte {
	var w [32]byte
	binary.BigEndian.PutUint64(w[24:], v)
	return w[:]
}

func (f *fakeRegistry) Call(ctx context.Context, to common.Address, data []byte, blockTag any) ([]byte, error) {
	f.calls++
	var sel [4]byte
	copy(sel[:], data[:4])
	switch sel {
	case selGetValidatorCount:
		return word32(uint64(len(f.entries))), nil
	case selGetTotalPower:
		return word32(f.totalPower), nil
	case selGetValidatorByIndex:
		idx := binary.BigEndian.Uint64(data[4+24:])
		e := f.entries[idx]
		pk := e.Id.Bytes()
		out := make([]byte, 0, 96+32+len(pk)+32)
		out = append(out, word32(96)...) // pubkey offset
		out = append(out, word32(uint64(e.Power))...)
		addr := e.Id.Address()
		var addrWord [32]byte
		copy(addrWord[12:], addr[:])
		out = append(out, addrWord[:]...)
		out = append(out, word32(uint64(len(pk)))...)
		out = append(out, pk...)
		// pad to 32-byte boundary
		if rem := len(pk) % 32; rem != 0 {
			out = append(out, make([]byte, 32-rem)...)
		}
		return out, nil
	case selIsValidator:
		addr := common.BytesToAddress(data[4+12:])
		for _, e := range f.entries {
			if e.Id.Address() == addr {
				var w [32]byte
				w[31] = 1
				return w[:], nil
			}
		}
		return make([]byte, 32), nil
	}
	return nil, nil
}

func TestValidatorSetDecodesAllEntries(t *testing.T) {
	f := &fakeRegistry{
		entries:    []common.ValidatorEntry{genValidator(t, 1, 10), genValidator(t, 2, 20)},
		totalPower: 30,
	}
	r := New(f, 1<<20)

	set, total, err := r.ValidatorSet(context.Background(), 5, "latest")
	require.NoError(t, err)
	require.Equal(t, common.Power(30), total)
	require.Len(t, set.Entries, 2)
	require.Equal(t, common.Power(10), set.Entries[0].Power)
	require.Equal(t, common.Power(20), set.Entries[1].Power)
}

func TestValidatorSetIsCachedPerHeight(t *testing.T) {
	f := &fakeRegistry{entries: []common.ValidatorEntry{genValidator(t, 3, 5)}, totalPower: 5}
	r := New(f, 1<<20)

	_, _, err := r.ValidatorSet(context.Background(), 1, "latest")
	require.NoError(t, err)
	firstCalls := f.calls
	require.Greater(t, firstCalls, 0)

	_, _, err = r.ValidatorSet(context.Background(), 1, "latest")
	require.NoError(t, err)
	require.Equal(t, firstCalls, f.calls, "second read at the same height must hit the cache")

	_, _, err = r.ValidatorSet(context.Background(), 2, "latest")
	require.NoError(t, err)
	require.Greater(t, f.calls, firstCalls, "a different height must miss the cache")
}

func TestEvictBelowDropsOnlyOlderHeights(t *testing.T) {
	f := &fakeRegistry{entries: []common.ValidatorEntry{genValidator(t, 4, 1)}, totalPower: 1}
	r := New(f, 1<<20)

	for h := common.Height(1); h <= 3; h++ {
		_, _, err := r.ValidatorSet(context.Background(), h, "latest")
		require.NoError(t, err)
	}
	calls := f.calls
	r.EvictBelow(3)

	_, _, err := r.ValidatorSet(context.Background(), 1, "latest")
	require.NoError(t, err)
	require.Greater(t, f.calls, calls, "evicted height must re-fetch")

	calls = f.calls
	_, _, err = r.ValidatorSet(context.Background(), 3, "latest")
	require.NoError(t, err)
	require.Equal(t, calls, f.calls, "un-evicted height must still be cached")
}

func TestIsValidatorBypassesCache(t *testing.T) {
	v := genValidator(t, 9, 1)
	f := &fakeRegistry{entries: []common.ValidatorEntry{v}}
	r := New(f, 1<<20)

	ok, err := r.IsValidator(context.Background(), v.Id.Address(), "latest")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.IsValidator(context.Background(), common.Address{}, "latest")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEncodeDecodeSnapshotRoundTrip(t *testing.T) {
	snap := snapshot{
		set:        common.ValidatorSet{Entries: []common.ValidatorEntry{genValidator(t, 5, 7), genValidator(t, 6, 8)}},
		totalPower: 15,
	}
	buf := encodeSnapshot(snap)
	got, err := decodeSnapshot(buf)
	require.NoError(t, err)
	require.Equal(t, snap.totalPower, got.totalPower)
	require.Len(t, got.set.Entries, 2)
	require.Equal(t, snap.set.Entries[0].Power, got.set.Entries[0].Power)
}

func TestDecodeSnapshotRejectsTrailingBytes(t *testing.T) {
	snap := snapshot{set: common.ValidatorSet{Entries: []common.ValidatorEntry{genValidator(t, 1, 1)}}, totalPower: 1}
	buf := append(encodeSnapshot(snap), 0xff)
	_, err := decodeSnapshot(buf)
	require.Error(t, err)
}
