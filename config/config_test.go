// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/1Money-Co/emerald/retry"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsInvalidUntilRequiredFieldsSet(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg.EngineAuthRPCAddress = "http://127.0.0.1:8551"
	cfg.ExecutionAuthRPCAddress = "http://127.0.0.1:8545"
	cfg.JWTTokenPath = "/tmp/jwt.hex"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadELNodeType(t *testing.T) {
	cfg := Default()
	cfg.EngineAuthRPCAddress = "x"
	cfg.ExecutionAuthRPCAddress = "x"
	cfg.JWTTokenPath = "x"
	cfg.ELNodeType = "pruned"
	require.Error(t, cfg.Validate())
}

func TestLoadRoundTripsThroughTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emerald.toml")

	cfg := Default()
	cfg.EngineAuthRPCAddress = "http://127.0.0.1:8551"
	cfg.ExecutionAuthRPCAddress = "http://127.0.0.1:8545"
	cfg.JWTTokenPath = filepath.Join(dir, "jwt.hex")
	cfg.NumCertificatesToRetain = 42

	require.NoError(t, WriteTOML(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.EngineAuthRPCAddress, loaded.EngineAuthRPCAddress)
	require.Equal(t, cfg.NumCertificatesToRetain, loaded.NumCertificatesToRetain)
	require.Equal(t, cfg.RetryConfig, loaded.RetryConfig)
}

func TestRetryPolicyConvertsMillisecondFields(t *testing.T) {
	cfg := Default()
	cfg.RetryConfig = RetryConfig{InitialDelayMS: 50, MaxDelayMS: 2000, MaxElapsedMS: 9000, Multiplier: 3}
	p := cfg.RetryPolicy()
	require.Equal(t, 50*time.Millisecond, p.InitialDelay)
	require.Equal(t, 2000*time.Millisecond, p.MaxDelay)
	require.Equal(t, 9000*time.Millisecond, p.MaxElapsed)
	require.Equal(t, 3.0, p.Multiplier)
}

func TestRetryPolicyFallsBackToDefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	cfg.RetryConfig = RetryConfig{}
	p := cfg.RetryPolicy()
	require.Equal(t, retry.DefaultPolicy().InitialDelay, p.InitialDelay)
}

func TestFeeRecipientAddressParsesHex(t *testing.T) {
	cfg := Default()
	cfg.FeeRecipient = "0x000000000000000000000000000000000000aa"
	addr := cfg.FeeRecipientAddress()
	require.Equal(t, byte(0xaa), addr[len(addr)-1])
}

func TestEncodeTOMLProducesParsableOutput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeTOML(&buf, Default()))
	require.Contains(t, buf.String(), "el_node_type")
}
