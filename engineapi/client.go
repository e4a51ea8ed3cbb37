// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package engineapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/engineapi/authtoken"
	"github.com/1Money-Co/emerald/payload"
	"github.com/1Money-Co/emerald/retry"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrInvalid is returned by NewPayload/ForkchoiceUpdated when the EL
// reports a payload or head it rejects outright; callers treat this as
// fatal.
var ErrInvalid = errors.New("engineapi: EL reported INVALID")

// Config configures a Client.
type Config struct {
	EngineAuthRPCAddress string // Engine API, JWT-authenticated
	ExecutionRPCAddress  string // standard eth_* RPC, unauthenticated
	Minter               *authtoken.Minter
	RetryPolicy          retry.Policy
	RateLimitPerSecond   float64 // 0 disables limiting
	HTTPClient           *http.Client
}

// Client is a JWT-authenticated JSON-RPC client for the Engine API plus a
// plain client for standard Ethereum RPC. Safe for concurrent use: the
// spec requires the Engine Client to tolerate multiplexed in-flight calls.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1)
	}
	return &Client{cfg: cfg, http: hc, limiter: limiter}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// isTransientTransportErr classifies retryable transport failures: network
// errors and HTTP 5xx. Anything else (malformed JSON, JWT rejection,
// JSON-RPC application errors) is terminal for the retry wrapper, though
// callers may still layer their own status-based retry atop it.
func isTransientTransportErr(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return te.transient
	}
	return false
}

type transportError struct {
	transient bool
	err       error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (c *Client) doRPC(ctx context.Context, authenticated bool, method string, params []any, out any) error {
	url := c.cfg.ExecutionRPCAddress
	if authenticated {
		url = c.cfg.EngineAuthRPCAddress
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	action := func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if authenticated {
			if c.cfg.Minter == nil {
				return fmt.Errorf("authenticated call %s requires a JWT minter", method)
			}
			tok, err := c.cfg.Minter.Mint(time.Now())
			if err != nil {
				return fmt.Errorf("mint jwt for %s: %w", method, err)
			}
			req.Header.Set("Authorization", "Bearer "+tok)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &transportError{transient: true, err: fmt.Errorf("%s: %w", method, err)}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return &transportError{transient: true, err: fmt.Errorf("%s: read response: %w", method, err)}
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &transportError{transient: false, err: fmt.Errorf("%s: JWT rejected (HTTP %d)", method, resp.StatusCode)}
		}
		if resp.StatusCode >= 500 {
			return &transportError{transient: true, err: fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, respBody)}
		}
		if resp.StatusCode >= 400 {
			return &transportError{transient: false, err: fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, respBody)}
		}

		var rr rpcResponse
		if err := json.Unmarshal(respBody, &rr); err != nil {
			return &transportError{transient: false, err: fmt.Errorf("%s: decode response: %w", method, err)}
		}
		if rr.Error != nil {
			return &transportError{transient: false, err: fmt.Errorf("%s: %w", method, rr.Error)}
		}
		if out != nil {
			if err := json.Unmarshal(rr.Result, out); err != nil {
				return &transportError{transient: false, err: fmt.Errorf("%s: decode result: %w", method, err)}
			}
		}
		return nil
	}

	return retry.Do(ctx, c.cfg.RetryPolicy, isTransientTransportErr, action)
}

// ForkchoiceUpdated issues engine_forkchoiceUpdatedV3. When attrs is
// non-nil the EL begins building a payload and returns a PayloadID.
func (c *Client) ForkchoiceUpdated(ctx context.Context, state ForkchoiceState, attrs *PayloadAttributes) (ForkchoiceUpdatedResult, error) {
	jState := jsonForkchoiceState{
		HeadBlockHash:      hexHash(state.HeadBlockHash),
		SafeBlockHash:      hexHash(state.SafeBlockHash),
		FinalizedBlockHash: hexHash(state.FinalizedBlockHash),
	}
	params := []any{jState}
	if attrs != nil {
		wds := make([]jsonWithdrawal, len(attrs.Withdrawals))
		for i, w := range attrs.Withdrawals {
			wds[i] = jsonWithdrawal{
				Index:          hexQuantity(w.Index),
				ValidatorIndex: hexQuantity(w.ValidatorIndex),
				Address:        hexAddress(w.Address),
				Amount:         hexQuantity(w.AmountGwei),
			}
		}
		params = append(params, jsonPayloadAttributes{
			Timestamp:             hexQuantity(attrs.Timestamp),
			PrevRandao:            hexHash(attrs.PrevRandao),
			SuggestedFeeRecipient: hexAddress(attrs.SuggestedFeeRecipient),
			Withdrawals:           wds,
			ParentBeaconBlockRoot: hexHash(attrs.ParentBeaconBlockRoot),
		})
	} else {
		params = append(params, nil)
	}

	var out jsonForkchoiceUpdatedResult
	if err := c.doRPC(ctx, true, "engine_forkchoiceUpdatedV3", params, &out); err != nil {
		return ForkchoiceUpdatedResult{}, err
	}
	result := ForkchoiceUpdatedResult{
		PayloadStatus: fromJSONStatus(out.PayloadStatus),
	}
	if out.PayloadID != nil {
		var id PayloadID
		copy(id[:], *out.PayloadID)
		result.PayloadID = &id
	}
	if result.PayloadStatus.Status == StatusInvalid {
		return result, fmt.Errorf("%w: forkchoiceUpdated head=%s", ErrInvalid, state.HeadBlockHash)
	}
	return result, nil
}

// GetPayload issues engine_getPayloadV3 for a previously returned PayloadID.
func (c *Client) GetPayload(ctx context.Context, id PayloadID) (*payload.ExecutionPayload, error) {
	var out struct {
		ExecutionPayload jsonExecutionPayload `json:"executionPayload"`
	}
	params := []any{"0x" + hexEncode(id[:])}
	if err := c.doRPC(ctx, true, "engine_getPayloadV3", params, &out); err != nil {
		return nil, err
	}
	return fromJSONPayload(&out.ExecutionPayload)
}

// NewPayload issues engine_newPayloadV3, submitting p for validation and
// import. It does not itself retry on SYNCING/ACCEPTED; callers drive
// that retry loop since only the adapter knows whether a given height's
// commit is still worth retrying.
func (c *Client) NewPayload(ctx context.Context, p *payload.ExecutionPayload, versionedHashes []common.Hash, parentBeaconBlockRoot common.Hash) (PayloadStatusV1, error) {
	jp, err := toJSONPayload(p)
	if err != nil {
		return PayloadStatusV1{}, err
	}
	hashes := make([]hexHash, len(versionedHashes))
	for i, h := range versionedHashes {
		hashes[i] = hexHash(h)
	}
	params := []any{jp, hashes, hexHash(parentBeaconBlockRoot)}

	var out jsonPayloadStatus
	if err := c.doRPC(ctx, true, "engine_newPayloadV3", params, &out); err != nil {
		return PayloadStatusV1{}, err
	}
	status := fromJSONStatus(out)
	if status.Status == StatusInvalid {
		return status, fmt.Errorf("%w: newPayload blockHash=%s", ErrInvalid, p.BlockHash)
	}
	return status, nil
}

func fromJSONStatus(j jsonPayloadStatus) PayloadStatusV1 {
	s := PayloadStatusV1{Status: j.Status}
	if j.LatestValidHash != nil {
		h := common.Hash(*j.LatestValidHash)
		s.LatestValidHash = &h
	}
	if j.ValidationError != nil {
		s.ValidationError = *j.ValidationError
	}
	return s
}

// GetBlockByNumber issues eth_getBlockByNumber. tag is a block number hex
// string or one of "latest"/"earliest"/"pending".
func (c *Client) GetBlockByNumber(ctx context.Context, tag string) (*BlockHeaderAndBody, error) {
	var raw jsonBlock
	params := []any{tag, true}
	if err := c.doRPC(ctx, false, "eth_getBlockByNumber", params, &raw); err != nil {
		return nil, err
	}
	full, err := fromJSONBlock(&raw)
	if err != nil {
		return nil, err
	}
	hdr, body := full.Split()
	return &BlockHeaderAndBody{Header: hdr, Body: body, Hash: common.Hash(raw.Hash), Number: uint64(raw.Number)}, nil
}

// GetPayloadBodiesByRange issues engine_getPayloadBodiesByRangeV1, used
// during sync to reconstruct payloads whose bodies were pruned locally. A
// nil entry means the EL itself no longer has that body.
func (c *Client) GetPayloadBodiesByRange(ctx context.Context, start, count uint64) ([]*payload.Body, error) {
	var out []*struct {
		Transactions []hexBytes       `json:"transactions"`
		Withdrawals  []jsonWithdrawal `json:"withdrawals"`
	}
	params := []any{fmt.Sprintf("0x%x", start), fmt.Sprintf("0x%x", count)}
	if err := c.doRPC(ctx, true, "engine_getPayloadBodiesByRangeV1", params, &out); err != nil {
		return nil, err
	}
	bodies := make([]*payload.Body, len(out))
	for i, o := range out {
		if o == nil {
			continue
		}
		txs := make([][]byte, len(o.Transactions))
		for j, tx := range o.Transactions {
			txs[j] = tx
		}
		wds := make([]payload.Withdrawal, len(o.Withdrawals))
		for j, w := range o.Withdrawals {
			wds[j] = payload.Withdrawal{
				Index:          uint64(w.Index),
				ValidatorIndex: uint64(w.ValidatorIndex),
				Address:        common.Address(w.Address),
				AmountGwei:     uint64(w.Amount),
			}
		}
		bodies[i] = &payload.Body{Transactions: txs, Withdrawals: wds}
	}
	return bodies, nil
}

// Call issues eth_call against to with the given input data at blockTag.
// blockTag is either the string "latest"/"earliest"/"pending" or a
// block-hash tag object of the form map[string]any{"blockHash": "0x..."}.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte, blockTag any) ([]byte, error) {
	callObj := map[string]any{
		"to":   hexAddress(to),
		"data": hexBytes(data),
	}
	var out hexBytes
	params := []any{callObj, blockTag}
	if err := c.doRPC(ctx, false, "eth_call", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChainID issues eth_chainId.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var out hexQuantity
	if err := c.doRPC(ctx, false, "eth_chainId", nil, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// BlockNumber issues eth_blockNumber.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var out hexQuantity
	if err := c.doRPC(ctx, false, "eth_blockNumber", nil, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}
