// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package common

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

// ValidatorId is a validator's secp256k1 public key. The on-chain identity
// (Address) is derived the same way an Ethereum account address is: the low
// 20 bytes of keccak256 over the 64-byte uncompressed key body (tag byte
// excluded).
type ValidatorId struct {
	raw []byte // 64 or 65 bytes, as supplied
	pub *secp256k1.PublicKey
}

// NewValidatorId parses a 64-byte raw or 65-byte tag-prefixed uncompressed
// secp256k1 public key.
func NewValidatorId(b []byte) (ValidatorId, error) {
	switch len(b) {
	case 64:
		tagged := make([]byte, 65)
		tagged[0] = 0x04
		copy(tagged[1:], b)
		pub, err := secp256k1.ParsePubKey(tagged)
		if err != nil {
			return ValidatorId{}, fmt.Errorf("parse validator pubkey: %w", err)
		}
		return ValidatorId{raw: append([]byte(nil), b...), pub: pub}, nil
	case 65:
		pub, err := secp256k1.ParsePubKey(b)
		if err != nil {
			return ValidatorId{}, fmt.Errorf("parse validator pubkey: %w", err)
		}
		return ValidatorId{raw: append([]byte(nil), b[1:]...), pub: pub}, nil
	default:
		return ValidatorId{}, fmt.Errorf("validator id must be 64 or 65 bytes, got %d", len(b))
	}
}

// Bytes returns the 64-byte raw (untagged) public key.
func (v ValidatorId) Bytes() []byte { return append([]byte(nil), v.raw...) }

// Address derives the on-chain account address for this validator.
func (v ValidatorId) Address() Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(v.raw)
	sum := h.Sum(nil)
	return BytesToAddress(sum[len(sum)-AddressLength:])
}

// Equal reports whether two ValidatorIds encode the same public key.
func (v ValidatorId) Equal(o ValidatorId) bool {
	if len(v.raw) != len(o.raw) {
		return false
	}
	for i := range v.raw {
		if v.raw[i] != o.raw[i] {
			return false
		}
	}
	return true
}

// ValidatorEntry is one (id, power) pair within a ValidatorSet.
type ValidatorEntry struct {
	Id    ValidatorId
	Power Power
}

// ValidatorSet is the ordered (on-chain registration order) sequence of
// validators active at a given height.
type ValidatorSet struct {
	Entries []ValidatorEntry
}

// TotalPower sums the power of every entry.
func (s ValidatorSet) TotalPower() Power {
	var total Power
	for _, e := range s.Entries {
		total += e.Power
	}
	return total
}

// QuorumThreshold returns the minimum power needed to reach the BFT
// supermajority: floor(2*total/3) + 1.
func (s ValidatorSet) QuorumThreshold() Power {
	total := s.TotalPower()
	return Power(2*uint64(total)/3) + 1
}

// PowerOf returns the power assigned to addr, and whether addr is a member.
func (s ValidatorSet) PowerOf(addr Address) (Power, bool) {
	for _, e := range s.Entries {
		if e.Id.Address() == addr {
			return e.Power, true
		}
	}
	return 0, false
}

// Keccak256 hashes data with the Ethereum-standard (legacy, non-NIST-padded)
// Keccak-256 function.
func Keccak256(data ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
