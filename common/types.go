// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package common defines the fixed-size value types shared across the
// adapter: chain addresses and hashes, and the height/round/power
// primitives from the consensus data model.
package common

import (
	"encoding/hex"
	"fmt"
)

const (
	// AddressLength is the expected length of an account address.
	AddressLength = 20
	// HashLength is the expected length of a hash.
	HashLength = 32
)

// Address is a 20-byte account identifier, the low 20 bytes of the
// keccak256 hash of an uncompressed secp256k1 public key.
type Address [AddressLength]byte

// BytesToAddress truncates b from the left if it is longer than
// AddressLength, or left-pads it with zeroes otherwise.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// HexToAddress parses a hex string (with or without 0x prefix) into an
// Address, ignoring malformed input by zero-padding as BytesToAddress does.
func HexToAddress(s string) Address {
	return BytesToAddress(FromHex(s))
}

// Hex returns the 0x-prefixed hex encoding of the address.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

// Bytes returns a, as a newly allocated byte slice.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == Address{} }

// Hash is a 32-byte cryptographic hash.
type Hash [HashLength]byte

// BytesToHash truncates b from the left if longer than HashLength, or
// left-pads it with zeroes otherwise.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// HexToHash parses a hex string into a Hash.
func HexToHash(s string) Hash {
	return BytesToHash(FromHex(s))
}

// Hex returns the 0x-prefixed hex encoding of the hash.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string { return h.Hex() }

// Bytes returns h, as a newly allocated byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// FromHex decodes a hex string, tolerating an optional "0x"/"0X" prefix and
// an odd number of digits (by left-padding with a zero nibble). Invalid
// input decodes to nil rather than panicking, matching go-ethereum's
// common.FromHex behavior for convenience constructors.
func FromHex(s string) []byte {
	if len(s) >= 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// Height is a 1-based, monotonically increasing consensus height.
type Height uint64

func (h Height) String() string { return fmt.Sprintf("%d", uint64(h)) }

// Prev returns h-1; callers must not call it on Height(0).
func (h Height) Prev() Height { return h - 1 }

// Next returns h+1.
func (h Height) Next() Height { return h + 1 }

// Round is a per-height round counter, reset to 0 at each new height.
type Round uint64

// Power is an unsigned validator voting weight.
type Power uint64
