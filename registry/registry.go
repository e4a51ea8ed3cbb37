// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package registry reads the validator set and total power from the
// on-chain validator-registry contract via eth_call, caching results per
// height the way a trie or state reader caches per-block results.
//
// ValidatorSet is cached by height, so reads must be pinned to the exact
// block whose state the cached entry reflects: callers pass a block-hash
// tag rather than "latest", or two different heights can end up sharing
// whatever "latest" happened to resolve to on the first query.
package registry

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/engineapi"
	"github.com/VictoriaMetrics/fastcache"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentValidatorCalls bounds how many getValidatorByIndex calls
// ValidatorSet fans out at once, so a large registry doesn't open one
// connection per validator.
const maxConcurrentValidatorCalls = 8

// Address is the fixed address of the validator-registry contract.
var Address = common.HexToAddress("0x0000000000000000000000000000000000002000")

// Selectors are the first 4 bytes of keccak256("<signature>") for each
// registry method used here.
var (
	selGetValidatorCount   = [4]byte{0x70, 0x71, 0x68, 0x8a} // getValidatorCount()
	selGetValidatorByIndex = [4]byte{0x30, 0xaf, 0x41, 0xb3} // getValidatorByIndex(uint256)
	selIsValidator         = [4]byte{0xfa, 0xcd, 0x74, 0x3b} // isValidator(address)
	selGetTotalPower       = [4]byte{0x53, 0x97, 0x6a, 0x26} // getTotalPower()
	selHasRole             = [4]byte{0x91, 0xd1, 0x48, 0x54} // hasRole(bytes32,address)
)

// Caller is the subset of the engine client's standard-RPC surface the
// registry reader needs. engineapi.Client satisfies it. blockTag is either
// the string "latest" or a block-hash tag object (see eth_call's
// block-parameter encoding).
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte, blockTag any) ([]byte, error)
}

// Reader reads validator-set snapshots from the registry contract,
// caching one (set, total power) pair per height.
type Reader struct {
	caller Caller
	cache  *fastcache.Cache
}

// New builds a Reader backed by a maxBytes-bounded in-memory cache.
func New(caller Caller, maxCacheBytes int) *Reader {
	return &Reader{caller: caller, cache: fastcache.New(maxCacheBytes)}
}

// snapshot is the cached (set, total power) pair for a height, serialized
// with a fixed-width encoding so it rides directly in fastcache's byte
// slices.
type snapshot struct {
	set        common.ValidatorSet
	totalPower common.Power
}

func cacheKey(h common.Height) []byte {
	var k [9]byte
	k[0] = 'v'
	binary.BigEndian.PutUint64(k[1:], uint64(h))
	return k[:]
}

// ValidatorSet returns the validator set effective at blockTag, cached
// under height h, consulting the cache first.
func (r *Reader) ValidatorSet(ctx context.Context, h common.Height, blockTag any) (common.ValidatorSet, common.Power, error) {
	if buf := r.cache.Get(nil, cacheKey(h)); buf != nil {
		snap, err := decodeSnapshot(buf)
		if err == nil {
			return snap.set, snap.totalPower, nil
		}
	}

	count, err := r.validatorCount(ctx, blockTag)
	if err != nil {
		return common.ValidatorSet{}, 0, fmt.Errorf("getValidatorCount at height %d: %w", h, err)
	}

	entries := make([]common.ValidatorEntry, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentValidatorCalls)
	for i := uint64(0); i < count; i++ {
		i := i
		g.Go(func() error {
			entry, err := r.validatorByIndex(gctx, i, blockTag)
			if err != nil {
				return fmt.Errorf("getValidatorByIndex(%d) at height %d: %w", i, h, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return common.ValidatorSet{}, 0, err
	}

	total, err := r.totalPower(ctx, blockTag)
	if err != nil {
		return common.ValidatorSet{}, 0, fmt.Errorf("getTotalPower at height %d: %w", h, err)
	}

	set := common.ValidatorSet{Entries: entries}
	r.cache.Set(cacheKey(h), encodeSnapshot(snapshot{set: set, totalPower: total}))
	return set, total, nil
}

// IsValidator calls isValidator(addr) directly, bypassing the cache: used
// for one-off membership checks rather than full-set materialization.
func (r *Reader) IsValidator(ctx context.Context, addr common.Address, blockTag any) (bool, error) {
	data := append(selIsValidator[:], encodeAddress(addr)...)
	out, err := r.caller.Call(ctx, Address, data, blockTag)
	if err != nil {
		return false, err
	}
	return decodeBool(out)
}

// HasRole calls hasRole(role, addr).
func (r *Reader) HasRole(ctx context.Context, role common.Hash, addr common.Address, blockTag any) (bool, error) {
	data := append(append([]byte{}, selHasRole[:]...), role[:]...)
	data = append(data, encodeAddress(addr)...)
	out, err := r.caller.Call(ctx, Address, data, blockTag)
	if err != nil {
		return false, err
	}
	return decodeBool(out)
}

// EvictBelow drops every cached snapshot for heights strictly below floor,
// called when the certificate floor advances past them.
func (r *Reader) EvictBelow(floor common.Height) {
	if floor <= 1 {
		return
	}
	for h := common.Height(1); h < floor; h++ {
		r.cache.Del(cacheKey(h))
	}
}

func (r *Reader) validatorCount(ctx context.Context, blockTag any) (uint64, error) {
	out, err := r.caller.Call(ctx, Address, selGetValidatorCount[:], blockTag)
	if err != nil {
		return 0, err
	}
	return decodeUint256AsUint64(out)
}

func (r *Reader) totalPower(ctx context.Context, blockTag any) (common.Power, error) {
	out, err := r.caller.Call(ctx, Address, selGetTotalPower[:], blockTag)
	if err != nil {
		return 0, err
	}
	v, err := decodeUint256AsUint64(out)
	return common.Power(v), err
}

func (r *Reader) validatorByIndex(ctx context.Context, index uint64, blockTag any) (common.ValidatorEntry, error) {
	data := append(append([]byte{}, selGetValidatorByIndex[:]...), encodeUint256(index)...)
	out, err := r.caller.Call(ctx, Address, data, blockTag)
	if err != nil {
		return common.ValidatorEntry{}, err
	}
	// ABI return layout: pubkey (bytes, dynamic, offset-prefixed), power (uint256), address (address).
	if len(out) < 96 {
		return common.ValidatorEntry{}, fmt.Errorf("getValidatorByIndex returned %d bytes, want at least 96", len(out))
	}
	pubkeyOffset := decodeUint256Raw(out[0:32])
	power, err := decodeUint256AsUint64(out[32:64])
	if err != nil {
		return common.ValidatorEntry{}, err
	}
	addr := common.BytesToAddress(out[64:96])

	if pubkeyOffset+32 > uint64(len(out)) {
		return common.ValidatorEntry{}, fmt.Errorf("getValidatorByIndex pubkey offset %d out of range", pubkeyOffset)
	}
	pkLen := decodeUint256Raw(out[pubkeyOffset : pubkeyOffset+32])
	pkStart := pubkeyOffset + 32
	if pkStart+pkLen > uint64(len(out)) {
		return common.ValidatorEntry{}, fmt.Errorf("getValidatorByIndex pubkey length %d out of range", pkLen)
	}
	pubkey := out[pkStart : pkStart+pkLen]

	id, err := common.NewValidatorId(pubkey)
	if err != nil {
		return common.ValidatorEntry{}, fmt.Errorf("decode validator pubkey: %w", err)
	}
	if id.Address() != addr {
		return common.ValidatorEntry{}, fmt.Errorf("registry address %s does not match derived address %s", addr, id.Address())
	}
	return common.ValidatorEntry{Id: id, Power: common.Power(power)}, nil
}

func encodeAddress(addr common.Address) []byte {
	var word [32]byte
	copy(word[12:], addr[:])
	return word[:]
}

func encodeUint256(v uint64) []byte {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], v)
	return word[:]
}

func decodeUint256Raw(word []byte) uint64 {
	return binary.BigEndian.Uint64(word[len(word)-8:])
}

func decodeUint256AsUint64(out []byte) (uint64, error) {
	if len(out) < 32 {
		return 0, fmt.Errorf("expected a 32-byte word, got %d bytes", len(out))
	}
	for _, b := range out[:24] {
		if b != 0 {
			return 0, fmt.Errorf("uint256 return value overflows uint64")
		}
	}
	return decodeUint256Raw(out[:32]), nil
}

func decodeBool(out []byte) (bool, error) {
	if len(out) < 32 {
		return false, fmt.Errorf("expected a 32-byte word, got %d bytes", len(out))
	}
	return out[31] != 0, nil
}

func encodeSnapshot(s snapshot) []byte {
	buf := make([]byte, 0, 8+4+len(s.set.Entries)*(64+8))
	buf = appendUint64(buf, uint64(s.totalPower))
	buf = appendUint32(buf, uint32(len(s.set.Entries)))
	for _, e := range s.set.Entries {
		buf = append(buf, e.Id.Bytes()...)
		buf = appendUint64(buf, uint64(e.Power))
	}
	return buf
}

func decodeSnapshot(buf []byte) (snapshot, error) {
	if len(buf) < 12 {
		return snapshot{}, fmt.Errorf("snapshot too short")
	}
	total := binary.BigEndian.Uint64(buf[:8])
	count := binary.BigEndian.Uint32(buf[8:12])
	off := 12
	entries := make([]common.ValidatorEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+64+8 > len(buf) {
			return snapshot{}, fmt.Errorf("snapshot entry %d truncated", i)
		}
		id, err := common.NewValidatorId(buf[off : off+64])
		if err != nil {
			return snapshot{}, err
		}
		off += 64
		power := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		entries = append(entries, common.ValidatorEntry{Id: id, Power: common.Power(power)})
	}
	if off != len(buf) {
		return snapshot{}, fmt.Errorf("trailing bytes in cached snapshot")
	}
	return snapshot{set: common.ValidatorSet{Entries: entries}, totalPower: common.Power(total)}, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}
