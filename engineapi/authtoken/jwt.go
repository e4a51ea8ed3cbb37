// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package authtoken mints the HS256 bearer tokens the Engine API requires
// on every authrpc call: a standard JWT header+payload with an "iat" claim
// within a few seconds of wall-clock time, signed with the 32-byte shared
// secret from the EL's jwt.hex file.
package authtoken

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SecretLength is the required length, in bytes, of the Engine API JWT
// secret.
const SecretLength = 32

// Minter mints fresh bearer tokens from a fixed secret.
type Minter struct {
	secret []byte
}

// NewMinter validates and wraps a 32-byte secret.
func NewMinter(secret []byte) (*Minter, error) {
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("jwt secret must be %d bytes, got %d", SecretLength, len(secret))
	}
	return &Minter{secret: secret}, nil
}

// LoadMinterFromFile reads a hex-encoded secret from path, tolerating an
// optional "0x" prefix and trailing whitespace, the format the EL writes
// its jwt.hex file in.
func LoadMinterFromFile(path string) (*Minter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt secret: %w", err)
	}
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	secret, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode jwt secret: %w", err)
	}
	return NewMinter(secret)
}

// Mint returns a freshly signed bearer token with iat set to now. Engine
// API implementations reject tokens whose iat drifts more than 60s from
// their own clock, so a new token is minted per call rather than cached.
func (m *Minter) Mint(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt: jwt.NewNumericDate(now),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.secret)
}
