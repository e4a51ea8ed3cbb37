// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package adapter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/1Money-Co/emerald/assembler"
	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/engineapi"
	"github.com/1Money-Co/emerald/engineapi/authtoken"
	"github.com/1Money-Co/emerald/registry"
	"github.com/1Money-Co/emerald/retry"
	"github.com/1Money-Co/emerald/store"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain verifies Run's event-loop goroutine always exits once its
// context is canceled, so no test in this package leaks one.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// http.Client keep-alive goroutines wind down asynchronously after
		// the server closes; they are not leaks this package introduces.
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

type rpcReq struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params []json.RawMessage
}

type rpcResp struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Result  any    `json:"result"`
}

func zeroHash() string  { return "0x" + strings.Repeat("0", 64) }
func zeroBloom() string { return "0x" + strings.Repeat("0", 512) }

func itoaHex(v uint64) string {
	const hextable = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hextable[v%16]
		v /= 16
	}
	return string(buf[i:])
}

func word256(hexTail string) string { return strings.Repeat("0", 64-len(hexTail)) + hexTail }

// testValidator holds a registered-validator fixture whose pubkey and
// address are ABI-consistent, so the registry reader's derived-address
// check against the registry-reported address succeeds.
type testValidator struct {
	pubkeyHex string // 128 hex chars, 64 bytes, no 0x04 prefix
	addrHex   string // 40 hex chars, no 0x
}

func newTestValidator(t *testing.T) testValidator {
	t.Helper()
	var sk [32]byte
	for i := range sk {
		sk[i] = byte(i + 1)
	}
	priv := secp256k1.PrivKeyFromBytes(sk[:])
	pub := priv.PubKey().SerializeUncompressed()
	id, err := common.NewValidatorId(pub)
	require.NoError(t, err)
	addr := id.Address()
	return testValidator{pubkeyHex: hex.EncodeToString(id.Bytes()), addrHex: hex.EncodeToString(addr[:])}
}

// fakeEL is a minimal Engine-API + standard-RPC server backing the
// adapter's engineapi.Client in these tests: it always builds and accepts
// an empty payload, and answers eth_call as if testValidator were the
// sole registered validator.
type fakeEL struct {
	blockNumber uint64
	blockHash   string
	validator   testValidator
}

func (f *fakeEL) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "eth_getBlockByNumber":
			result = map[string]any{
				"number": "0x" + itoaHex(f.blockNumber), "hash": f.blockHash,
				"parentHash": zeroHash(), "miner": "0x" + strings.Repeat("0", 40),
				"stateRoot": zeroHash(), "receiptsRoot": zeroHash(), "logsBloom": zeroBloom(),
				"mixHash": zeroHash(), "gasLimit": "0x100", "gasUsed": "0x0", "timestamp": "0x1",
				"extraData": "0x", "baseFeePerGas": "0x1", "transactions": []string{},
				"blobGasUsed": "0x0", "excessBlobGas": "0x0",
			}
		case "engine_forkchoiceUpdatedV3":
			result = map[string]any{
				"payloadStatus": map[string]any{"status": "VALID"},
				"payloadId":     "0x0102030405060708",
			}
		case "engine_getPayloadV3":
			result = map[string]any{
				"executionPayload": map[string]any{
					"parentHash": zeroHash(), "feeRecipient": "0x" + strings.Repeat("0", 40),
					"stateRoot": zeroHash(), "receiptsRoot": zeroHash(), "logsBloom": zeroBloom(),
					"prevRandao": zeroHash(), "blockNumber": "0x" + itoaHex(f.blockNumber+1),
					"gasLimit": "0x100", "gasUsed": "0x0", "timestamp": "0x2", "extraData": "0x",
					"baseFeePerGas": "0x1", "blockHash": zeroHash(), "transactions": []string{},
					"withdrawals": []any{}, "blobGasUsed": "0x0", "excessBlobGas": "0x0",
				},
			}
		case "engine_newPayloadV3":
			result = map[string]any{"status": "VALID"}
		case "eth_call":
			result = f.ethCallResult(t, req.Params)
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}
		require.NoError(t, json.NewEncoder(w).Encode(rpcResp{JSONRPC: "2.0", ID: req.ID, Result: result}))
	}
}

// ethCallResult answers the registry reader's four-byte-selector dispatch.
func (f *fakeEL) ethCallResult(t *testing.T, params []json.RawMessage) string {
	t.Helper()
	var call struct {
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(params[0], &call))
	sel := call.Data[:10] // "0x" + 4 bytes
	switch sel {
	case "0x7071688a": // getValidatorCount()
		return "0x" + word256("1")
	case "0x53976a26": // getTotalPower()
		return "0x" + word256("a")
	case "0x30af41b3": // getValidatorByIndex(uint256)
		pk := f.validator.pubkeyHex
		return "0x" +
			word256("60") + // pubkey offset = 0x60
			word256("a") + // power = 10
			strings.Repeat("0", 24) + f.validator.addrHex +
			word256(itoaHex(uint64(len(pk)/2))) + // pubkey byte length
			pk
	default:
		t.Fatalf("unexpected eth_call selector %s", sel)
		return ""
	}
}

func newTestAdapter(t *testing.T, srvURL string) (*Adapter, chan Event) {
	t.Helper()
	secret := make([]byte, authtoken.SecretLength)
	minter, err := authtoken.NewMinter(secret)
	require.NoError(t, err)

	policy := retry.Policy{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, MaxElapsed: 200 * time.Millisecond}
	engine := engineapi.New(engineapi.Config{
		EngineAuthRPCAddress: srvURL,
		ExecutionRPCAddress:  srvURL,
		Minter:               minter,
		RetryPolicy:          policy,
	})

	st, err := store.Open(store.Config{Dir: t.TempDir(), NumTempBlocksRetained: 100, PruneAtBlockInterval: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(engine, 1<<20)
	asm := assembler.New()

	ch := make(chan Event, 8)
	a := New(Config{RetryPolicy: policy}, engine, st, reg, asm, ch)
	return a, ch
}

func TestConsensusReadyAnchorsOnELLatestBlock(t *testing.T) {
	fel := &fakeEL{blockNumber: 0, blockHash: zeroHash(), validator: newTestValidator(t)}
	srv := httptest.NewServer(fel.handler(t))
	defer srv.Close()

	a, ch := newTestAdapter(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reply := make(chan ConsensusReadyReply, 1)
	ch <- ConsensusReady{Reply: reply}
	got := <-reply
	require.Equal(t, common.Height(1), got.StartHeight)
	require.Len(t, got.ValidatorSet.Entries, 1)
	require.Equal(t, common.Power(10), got.ValidatorSet.Entries[0].Power)
}

func TestGetValueThenDecidedAdvancesHeight(t *testing.T) {
	fel := &fakeEL{blockNumber: 0, blockHash: zeroHash(), validator: newTestValidator(t)}
	srv := httptest.NewServer(fel.handler(t))
	defer srv.Close()

	a, ch := newTestAdapter(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	readyReply := make(chan ConsensusReadyReply, 1)
	ch <- ConsensusReady{Reply: readyReply}
	<-readyReply

	valReply := make(chan GetValueReply, 1)
	ch <- GetValue{Height: 1, Round: 0, Deadline: time.Now().Add(5 * time.Second), Reply: valReply}
	built := <-valReply
	require.NotEmpty(t, built.ValueBytes)

	decReply := make(chan DecidedReply, 1)
	ch <- Decided{Height: 1, Round: 0, Certificate: []byte("cert"), Reply: decReply}
	dec := <-decReply
	require.Equal(t, common.Height(2), dec.NextHeight)

	gdvReply := make(chan GetDecidedValueReply, 1)
	ch <- GetDecidedValue{Height: 1, Reply: gdvReply}
	gdv := <-gdvReply
	require.True(t, gdv.Found)
	require.Equal(t, []byte("cert"), []byte(gdv.Certificate))
}

func TestGetValueReturnsEmptyReplyOnBuildFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a, ch := newTestAdapter(t, srv.URL)
	// Bypass ConsensusReady (which would call the failing server and
	// crash the process via elog.Crit) and seed proposer state directly.
	a.initialized = true
	a.height = 1
	a.round = 0
	a.state = StateProposing

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	valReply := make(chan GetValueReply, 1)
	ch <- GetValue{Height: 1, Round: 0, Deadline: time.Now().Add(time.Second), Reply: valReply}
	got := <-valReply
	require.Nil(t, got.ValueBytes)
	require.Empty(t, got.Parts)
}

func TestReceivedProposalPartStoresAssembledValue(t *testing.T) {
	fel := &fakeEL{blockNumber: 0, blockHash: zeroHash(), validator: newTestValidator(t)}
	srv := httptest.NewServer(fel.handler(t))
	defer srv.Close()

	a, ch := newTestAdapter(t, srv.URL)
	a.initialized = true
	a.height = 1
	a.round = 0
	a.state = StateProposing

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	valReply := make(chan GetValueReply, 1)
	ch <- GetValue{Height: 1, Round: 0, Deadline: time.Now().Add(5 * time.Second), Reply: valReply}
	built := <-valReply
	require.NotEmpty(t, built.Parts)

	for _, part := range built.Parts {
		partReply := make(chan ReceivedProposalPartReply, 1)
		ch <- ReceivedProposalPart{Height: 2, Round: 0, Part: part, Reply: partReply}
		res := <-partReply
		require.True(t, res.Valid)
	}

	_, _, err := a.store.LookupUndecidedByHeightRound(2, 0)
	require.NoError(t, err, "the assembled value must be stored in undecided/ at (2, 0)")
}
