// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package engineapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/engineapi/authtoken"
	"github.com/1Money-Co/emerald/payload"
	"github.com/1Money-Co/emerald/retry"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func samplePayload() *payload.ExecutionPayload {
	return &payload.ExecutionPayload{
		ParentHash:            common.HexToHash("0x01"),
		FeeRecipient:          common.HexToAddress("0x02"),
		StateRoot:             common.HexToHash("0x03"),
		ReceiptsRoot:          common.HexToHash("0x04"),
		PrevRandao:            common.HexToHash("0x05"),
		BlockNumber:           7,
		GasLimit:              30_000_000,
		GasUsed:               21_000,
		Timestamp:             1_700_000_000,
		BaseFeePerGas:         uint256.NewInt(1_000_000_000),
		BlockHash:             common.HexToHash("0x06"),
		ParentBeaconBlockRoot: common.HexToHash("0x08"),
	}
}

func testMinter(t *testing.T) *authtoken.Minter {
	t.Helper()
	secret := make([]byte, authtoken.SecretLength)
	for i := range secret {
		secret[i] = byte(i)
	}
	m, err := authtoken.NewMinter(secret)
	require.NoError(t, err)
	return m
}

func fastRetryPolicy() retry.Policy {
	return retry.Policy{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, MaxElapsed: 200 * time.Millisecond}
}

func writeRPCResult(w http.ResponseWriter, id string, result any) {
	b, _ := json.Marshal(result)
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: b}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func TestChainIDRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "eth_chainId", req.Method)
		writeRPCResult(w, req.ID, "0x2a")
	}))
	defer srv.Close()

	c := New(Config{ExecutionRPCAddress: srv.URL, RetryPolicy: fastRetryPolicy()})
	id, err := c.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)
}

func TestDoRPCAttachesJWTOnAuthenticatedCalls(t *testing.T) {
	var sawAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			sawAuth.Store(true)
		}
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeRPCResult(w, req.ID, "0x1")
	}))
	defer srv.Close()

	c := New(Config{EngineAuthRPCAddress: srv.URL, Minter: testMinter(t), RetryPolicy: fastRetryPolicy()})
	var out hexQuantity
	require.NoError(t, c.doRPC(context.Background(), true, "engine_exchangeCapabilities", nil, &out))
	require.True(t, sawAuth.Load())
}

func TestDoRPCRejectsAuthenticatedCallWithoutMinter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted without a minter")
	}))
	defer srv.Close()

	c := New(Config{EngineAuthRPCAddress: srv.URL, RetryPolicy: fastRetryPolicy()})
	var out hexQuantity
	err := c.doRPC(context.Background(), true, "engine_exchangeCapabilities", nil, &out)
	require.Error(t, err)
}

func TestDoRPCRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeRPCResult(w, req.ID, "0x5")
	}))
	defer srv.Close()

	c := New(Config{ExecutionRPCAddress: srv.URL, RetryPolicy: fastRetryPolicy()})
	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)
	require.Equal(t, int32(3), calls.Load())
}

func TestDoRPCDoesNotRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{ExecutionRPCAddress: srv.URL, RetryPolicy: fastRetryPolicy()})
	_, err := c.BlockNumber(context.Background())
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestDoRPCDoesNotRetryOnJWTRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{EngineAuthRPCAddress: srv.URL, Minter: testMinter(t), RetryPolicy: fastRetryPolicy()})
	var out hexQuantity
	err := c.doRPC(context.Background(), true, "engine_exchangeCapabilities", nil, &out)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestNewPayloadReturnsErrInvalidOnInvalidStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeRPCResult(w, req.ID, jsonPayloadStatus{Status: StatusInvalid})
	}))
	defer srv.Close()

	c := New(Config{EngineAuthRPCAddress: srv.URL, Minter: testMinter(t), RetryPolicy: fastRetryPolicy()})
	p := samplePayload()
	_, err := c.NewPayload(context.Background(), p, nil, p.ParentBeaconBlockRoot)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNewPayloadDoesNotRetryOnSyncingStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeRPCResult(w, req.ID, jsonPayloadStatus{Status: StatusSyncing})
	}))
	defer srv.Close()

	c := New(Config{EngineAuthRPCAddress: srv.URL, Minter: testMinter(t), RetryPolicy: fastRetryPolicy()})
	p := samplePayload()
	status, err := c.NewPayload(context.Background(), p, nil, p.ParentBeaconBlockRoot)
	require.NoError(t, err)
	require.Equal(t, StatusSyncing, status.Status)
	require.Equal(t, int32(1), calls.Load(), "status-based retry is the adapter's job, not the transport's")
}

func TestGetBlockByNumberMapsFieldNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "eth_getBlockByNumber", req.Method)
		writeRPCResult(w, req.ID, map[string]any{
			"number":        "0x7",
			"hash":          "0x" + strings.Repeat("ab", 32),
			"parentHash":    "0x" + strings.Repeat("cd", 32),
			"miner":         "0x" + strings.Repeat("11", 20),
			"stateRoot":     "0x" + strings.Repeat("00", 32),
			"receiptsRoot":  "0x" + strings.Repeat("00", 32),
			"logsBloom":     "0x" + strings.Repeat("00", 256),
			"mixHash":       "0x" + strings.Repeat("00", 32),
			"gasLimit":      "0x100",
			"gasUsed":       "0x1",
			"timestamp":     "0x5",
			"extraData":     "0x",
			"baseFeePerGas": "0x1",
			"transactions":  []string{},
			"blobGasUsed":   "0x0",
			"excessBlobGas": "0x0",
		})
	}))
	defer srv.Close()

	c := New(Config{ExecutionRPCAddress: srv.URL, RetryPolicy: fastRetryPolicy()})
	block, err := c.GetBlockByNumber(context.Background(), "latest")
	require.NoError(t, err)
	require.Equal(t, uint64(7), block.Number)
}
