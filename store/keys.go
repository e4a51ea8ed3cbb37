// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package store is Emerald's durable key-height store: a pebble-backed
// embedded ordered key-value database holding per-height headers,
// certificates, bodies, and the transient undecided-proposal slots, plus
// the two independent pruners described in the block-store design.
package store

import (
	"encoding/binary"

	"github.com/1Money-Co/emerald/common"
)

var (
	certPrefix      = []byte("cert/")
	hdrPrefix       = []byte("hdr/")
	bodyPrefix      = []byte("body/")
	metaPrefix      = []byte("meta/")
	undecidedPrefix = []byte("undecided/")
)

const (
	metaCommittedHeight         = "committed_height"
	metaEarliestCertHeight      = "earliest_certificate_height"
	metaEarliestUnprunedHeight  = "earliest_unpruned_height"
	metaChainID                 = "chain_id"
	metaCommitsSincePrune       = "commits_since_prune"
)

func heightKey(prefix []byte, h common.Height) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(h))
	return k
}

func certKey(h common.Height) []byte { return heightKey(certPrefix, h) }
func hdrKey(h common.Height) []byte  { return heightKey(hdrPrefix, h) }
func bodyKey(h common.Height) []byte { return heightKey(bodyPrefix, h) }

func metaKey(name string) []byte {
	return append(append([]byte(nil), metaPrefix...), []byte(name)...)
}

// undecidedKey encodes the (height, round, hash) triple the undecided/
// key family is keyed by.
func undecidedKey(h common.Height, r common.Round, hash common.Hash) []byte {
	k := make([]byte, len(undecidedPrefix)+8+8+common.HashLength)
	off := copy(k, undecidedPrefix)
	binary.BigEndian.PutUint64(k[off:], uint64(h))
	off += 8
	binary.BigEndian.PutUint64(k[off:], uint64(r))
	off += 8
	copy(k[off:], hash[:])
	return k
}

// undecidedHeightPrefix returns the key prefix common to every undecided
// entry at height h, for range-scoped deletion when h decides.
func undecidedHeightPrefix(h common.Height) []byte {
	k := make([]byte, len(undecidedPrefix)+8)
	off := copy(k, undecidedPrefix)
	binary.BigEndian.PutUint64(k[off:], uint64(h))
	return k
}

// undecidedHeightRoundPrefix returns the key prefix common to every
// undecided entry at (h, r), regardless of hash.
func undecidedHeightRoundPrefix(h common.Height, r common.Round) []byte {
	k := make([]byte, len(undecidedPrefix)+8+8)
	off := copy(k, undecidedPrefix)
	binary.BigEndian.PutUint64(k[off:], uint64(h))
	off += 8
	binary.BigEndian.PutUint64(k[off:], uint64(r))
	return k
}

func putUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func getUint64(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}
