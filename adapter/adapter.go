// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/1Money-Co/emerald/assembler"
	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/elog"
	"github.com/1Money-Co/emerald/engineapi"
	"github.com/1Money-Co/emerald/payload"
	"github.com/1Money-Co/emerald/registry"
	"github.com/1Money-Co/emerald/retry"
	"github.com/1Money-Co/emerald/store"
)

// State is the adapter's coarse lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateProposing
	StateVoting
	StateDeciding
	StateCommitted
)

// ErrExecutionBehindStore is logged by handleConsensusReady, which then
// halts the process via elog.Crit, when the EL's latest block height is
// behind the store's committed_height, an unrecoverable divergence per the
// Open Question decision recorded in DESIGN.md.
var ErrExecutionBehindStore = errors.New("adapter: EL latest block is behind store committed_height")

// Config configures an Adapter.
type Config struct {
	FeeRecipient common.Address
	RetryPolicy  retry.Policy
}

// Adapter is the single-consumer event-loop state machine driven by
// consensus events. Its mutable fields (height, round, state, undecided
// bookkeeping) are touched only from Run's goroutine, matching the
// cooperative single-writer discipline the store also requires of callers.
type Adapter struct {
	cfg Config

	engine   *engineapi.Client
	store    *store.Store
	registry *registry.Reader
	asm      *assembler.Assembler

	events <-chan Event

	height common.Height
	round  common.Round
	state  State

	initialized bool
}

// New builds an Adapter reading events from ch.
func New(cfg Config, engine *engineapi.Client, st *store.Store, reg *registry.Reader, asm *assembler.Assembler, ch <-chan Event) *Adapter {
	return &Adapter{
		cfg:      cfg,
		engine:   engine,
		store:    st,
		registry: reg,
		asm:      asm,
		events:   ch,
		state:    StateInitializing,
	}
}

// Run is the single-consumer cooperative event loop: it processes exactly
// one event at a time, invoking that event's reply handle before reading
// the next. Consensus events are never processed while a prior event's
// reply is still pending.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-a.events:
			if !ok {
				return nil
			}
			a.dispatch(ctx, ev)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case ConsensusReady:
		a.handleConsensusReady(ctx, e)
	case GetValue:
		a.handleGetValue(ctx, e)
	case ReceivedProposalPart:
		a.handleReceivedProposalPart(e)
	case GetValidatorSet:
		a.handleGetValidatorSet(ctx, e)
	case Decided:
		a.handleDecided(ctx, e)
	case GetDecidedValue:
		a.handleGetDecidedValue(ctx, e)
	case ProcessSyncedValue:
		a.handleProcessSyncedValue(e)
	default:
		elog.Error("adapter: unknown event type", "type", fmt.Sprintf("%T", ev))
	}
}

// handleConsensusReady anchors on the EL's latest block. A second
// ConsensusReady before any decide is a no-op.
func (a *Adapter) handleConsensusReady(ctx context.Context, e ConsensusReady) {
	if a.initialized {
		e.Reply <- ConsensusReadyReply{StartHeight: a.height, ValidatorSet: a.cachedOrEmptySet(ctx)}
		return
	}

	committed, err := a.store.CommittedHeight()
	if err != nil {
		elog.Crit("read committed height at startup", "err", err)
	}

	block, err := a.engine.GetBlockByNumber(ctx, "latest")
	if err != nil {
		elog.Crit("anchor on EL latest block", "err", err)
	}
	if block.Number < uint64(committed) {
		elog.Crit("EL latest block is behind store", "el_latest", block.Number, "store_committed", committed, "err", ErrExecutionBehindStore)
	}

	a.height = committed.Next()
	a.round = 0
	a.state = StateProposing
	a.initialized = true

	set, _, err := a.registry.ValidatorSet(ctx, a.height, blockHashTag(block.Hash))
	if err != nil {
		elog.Error("read initial validator set", "err", err)
	}
	e.Reply <- ConsensusReadyReply{StartHeight: a.height, ValidatorSet: set}
}

func (a *Adapter) cachedOrEmptySet(ctx context.Context) common.ValidatorSet {
	head, err := a.headForHeight(ctx, a.height)
	if err != nil {
		return common.ValidatorSet{}
	}
	set, _, err := a.registry.ValidatorSet(ctx, a.height, blockHashTag(head))
	if err != nil {
		return common.ValidatorSet{}
	}
	return set
}

// handleGetValue builds a proposal as proposer for (e.Height, e.Round).
func (a *Adapter) handleGetValue(ctx context.Context, e GetValue) {
	buildCtx, cancel := context.WithDeadline(ctx, e.Deadline)
	defer cancel()

	value, parts, err := a.buildValue(buildCtx, e.Height, e.Round)
	if err != nil {
		elog.Warn("build value failed, replying with nil value", "height", e.Height, "round", e.Round, "err", err)
		e.Reply <- GetValueReply{}
		return
	}
	e.Reply <- GetValueReply{ValueBytes: value, Parts: parts}
}

func (a *Adapter) buildValue(ctx context.Context, h common.Height, r common.Round) ([]byte, []payload.Part, error) {
	head, err := a.headForHeight(ctx, h)
	if err != nil {
		return nil, nil, err
	}

	fc, err := a.engine.ForkchoiceUpdated(ctx, engineapi.ForkchoiceState{
		HeadBlockHash:      head,
		SafeBlockHash:      head,
		FinalizedBlockHash: head,
	}, &engineapi.PayloadAttributes{
		Timestamp:             uint64(nowUnix(ctx)),
		PrevRandao:            head,
		SuggestedFeeRecipient: a.cfg.FeeRecipient,
		Withdrawals:           nil,
		ParentBeaconBlockRoot: head,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("forkchoiceUpdated for proposal at (%d,%d): %w", h, r, err)
	}
	if fc.PayloadID == nil {
		return nil, nil, fmt.Errorf("EL did not return a payload id for (%d,%d)", h, r)
	}

	p, err := a.engine.GetPayload(ctx, *fc.PayloadID)
	if err != nil {
		return nil, nil, fmt.Errorf("getPayload for (%d,%d): %w", h, r, err)
	}

	hash, err := payload.Hash(p)
	if err != nil {
		return nil, nil, fmt.Errorf("hash built payload: %w", err)
	}
	if err := a.store.PutUndecided(h, r, hash, p); err != nil {
		return nil, nil, fmt.Errorf("store undecided payload: %w", err)
	}

	enc, err := payload.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	return enc, chunkParts(enc), nil
}

// chunkParts splits enc into the streamed Part sequence GetValue replies
// with; a single part suffices for the values produced here, but the
// split keeps parity with the streamed-delivery contract assembler
// consumes.
func chunkParts(enc []byte) []payload.Part {
	const chunkSize = 1 << 16
	if len(enc) == 0 {
		return []payload.Part{{Index: 0, Data: nil, IsLast: true}}
	}
	var parts []payload.Part
	for off, idx := 0, uint32(0); off < len(enc); idx++ {
		end := off + chunkSize
		if end > len(enc) {
			end = len(enc)
		}
		parts = append(parts, payload.Part{Index: idx, Data: enc[off:end], IsLast: end == len(enc)})
		off = end
	}
	return parts
}

func (a *Adapter) headForHeight(ctx context.Context, h common.Height) (common.Hash, error) {
	if h <= 1 {
		block, err := a.engine.GetBlockByNumber(ctx, "latest")
		if err != nil {
			return common.Hash{}, err
		}
		return block.Hash, nil
	}
	hdr, err := a.store.Header(h.Prev())
	if err != nil {
		return common.Hash{}, fmt.Errorf("read parent header at %d: %w", h.Prev(), err)
	}
	return hdr.BlockHash, nil
}

// blockHashTag builds the eth_call block-parameter object pinning a read
// to a specific block, so a registry snapshot cached under height h always
// reflects the same block that cache entry was built from.
func blockHashTag(h common.Hash) map[string]any {
	return map[string]any{"blockHash": h.Hex()}
}

func nowUnix(ctx context.Context) int64 {
	if dl, ok := ctx.Deadline(); ok {
		return dl.Unix()
	}
	return 0
}

// handleReceivedProposalPart feeds a streamed chunk to the assembler.
func (a *Adapter) handleReceivedProposalPart(e ReceivedProposalPart) {
	res, err := a.asm.AddPart(e.Height, e.Round, e.Part)
	if err != nil {
		elog.Error("assembler error", "height", e.Height, "round", e.Round, "err", err)
		e.Reply <- ReceivedProposalPartReply{Valid: false}
		return
	}
	if !res.Closed {
		e.Reply <- ReceivedProposalPartReply{Valid: true}
		return
	}
	if res.Err != nil {
		elog.Warn("proposal assembly failed", "height", e.Height, "round", e.Round, "err", res.Err)
		e.Reply <- ReceivedProposalPartReply{Valid: false}
		return
	}

	hash, err := payload.Hash(res.Payload)
	if err != nil {
		elog.Error("hash assembled payload", "height", e.Height, "round", e.Round, "err", err)
		e.Reply <- ReceivedProposalPartReply{Valid: false}
		return
	}
	if err := a.store.PutUndecided(e.Height, e.Round, hash, res.Payload); err != nil {
		elog.Error("store assembled payload", "height", e.Height, "round", e.Round, "err", err)
		e.Reply <- ReceivedProposalPartReply{Valid: false}
		return
	}
	e.Reply <- ReceivedProposalPartReply{Valid: true}
}

// handleGetValidatorSet reads via the registry reader (cached), pinned to
// the block the requested height was built on.
func (a *Adapter) handleGetValidatorSet(ctx context.Context, e GetValidatorSet) {
	head, err := a.headForHeight(ctx, e.Height)
	if err != nil {
		elog.Error("resolve block for validator set read", "height", e.Height, "err", err)
		e.Reply <- GetValidatorSetReply{}
		return
	}
	set, total, err := a.registry.ValidatorSet(ctx, e.Height, blockHashTag(head))
	if err != nil {
		elog.Error("read validator set", "height", e.Height, "err", err)
		e.Reply <- GetValidatorSetReply{}
		return
	}
	e.Reply <- GetValidatorSetReply{Set: set, TotalPower: total}
}

// handleProcessSyncedValue decodes and stashes a synced value without
// touching the EL; the subsequent Decided drives the import.
func (a *Adapter) handleProcessSyncedValue(e ProcessSyncedValue) {
	p, err := payload.Unmarshal(e.ValueBytes)
	if err != nil {
		elog.Error("decode synced value", "height", e.Height, "round", e.Round, "err", err)
		e.Reply <- ProcessSyncedValueReply{Valid: false}
		return
	}
	hash, err := payload.Hash(p)
	if err != nil {
		elog.Error("hash synced value", "height", e.Height, "round", e.Round, "err", err)
		e.Reply <- ProcessSyncedValueReply{Valid: false}
		return
	}
	if _, err := a.store.GetUndecided(e.Height, e.Round, hash); err == nil {
		// Already stashed by a prior, re-delivered ProcessSyncedValue for the
		// same (height, round, hash); skip the redundant write.
		e.Reply <- ProcessSyncedValueReply{Valid: true}
		return
	}
	if err := a.store.PutUndecided(e.Height, e.Round, hash, p); err != nil {
		elog.Error("store synced value", "height", e.Height, "round", e.Round, "err", err)
		e.Reply <- ProcessSyncedValueReply{Valid: false}
		return
	}
	e.Reply <- ProcessSyncedValueReply{Valid: true}
}

// handleDecided drives the newPayload retry loop and forkchoiceUpdated,
// then commits the store batch and advances committed_height.
func (a *Adapter) handleDecided(ctx context.Context, e Decided) {
	hash, p, err := a.lookupUndecided(ctx, e.Height, e.Round)
	if err != nil {
		elog.Crit("no undecided value for decided height, cannot safely advance", "height", e.Height, "round", e.Round, "err", err)
	}

	if err := a.importDecidedPayload(ctx, p, hash); err != nil {
		elog.Crit("import decided payload", "height", e.Height, "err", err)
	}

	hdr, body := p.Split()
	if err := a.store.Decide(e.Height, hdr, body, e.Certificate); err != nil {
		elog.Crit("commit decide batch", "height", e.Height, "err", err)
	}

	if floor, err := a.store.EarliestCertificateHeight(); err != nil {
		elog.Error("read earliest certificate height after decide", "height", e.Height, "err", err)
	} else {
		a.registry.EvictBelow(floor)
	}

	a.asm.Evict(e.Height, e.Round)
	a.height = e.Height.Next()
	a.round = 0
	a.state = StateProposing

	e.Reply <- DecidedReply{NextHeight: a.height, NextRound: a.round}
}

func (a *Adapter) lookupUndecided(ctx context.Context, h common.Height, r common.Round) (common.Hash, *payload.ExecutionPayload, error) {
	// The adapter does not know the hash a priori; undecided/ is keyed by
	// (height, round, hash), and Decided carries only a certificate. The
	// single entry at (h, r), written by GetValue, ReceivedProposalPart or
	// ProcessSyncedValue, is found by a prefix scan over (h, r), which also
	// yields its hash from the key.
	p, hash, err := a.store.LookupUndecidedByHeightRound(h, r)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return hash, p, nil
}

// importDecidedPayload runs the bounded newPayload retry loop: SYNCING and
// ACCEPTED are retried, INVALID and exhaustion are fatal to the caller.
func (a *Adapter) importDecidedPayload(ctx context.Context, p *payload.ExecutionPayload, hash common.Hash) error {
	var status engineapi.PayloadStatusV1
	retryable := func(err error) bool {
		return errors.Is(err, errSyncing) || errors.Is(err, errAccepted)
	}
	action := func(ctx context.Context) error {
		s, err := a.engine.NewPayload(ctx, p, nil, p.ParentBeaconBlockRoot)
		if err != nil {
			return err
		}
		status = s
		switch s.Status {
		case engineapi.StatusValid:
			return nil
		case engineapi.StatusSyncing:
			return errSyncing
		case engineapi.StatusAccepted:
			return errAccepted
		default:
			return fmt.Errorf("unexpected newPayload status %q", s.Status)
		}
	}
	if err := retry.Do(ctx, a.cfg.RetryPolicy, retryable, action); err != nil {
		return fmt.Errorf("newPayload for %s did not reach VALID: %w", hash, err)
	}
	_ = status

	_, err := a.engine.ForkchoiceUpdated(ctx, engineapi.ForkchoiceState{
		HeadBlockHash:      hash,
		SafeBlockHash:      hash,
		FinalizedBlockHash: hash,
	}, nil)
	return err
}

var errSyncing = errors.New("newPayload: SYNCING")
var errAccepted = errors.New("newPayload: ACCEPTED")

// handleGetDecidedValue implements the three-tier sync-serving logic:
// reject heights outside [floor, committed], serve the body from the
// local store when still retained, and otherwise reconstruct it from the
// EL's payload-bodies-by-range history.
func (a *Adapter) handleGetDecidedValue(ctx context.Context, e GetDecidedValue) {
	committed, err := a.store.CommittedHeight()
	if err != nil {
		elog.Error("read committed height", "err", err)
		e.Reply <- GetDecidedValueReply{Found: false}
		return
	}
	floor, err := a.store.EarliestCertificateHeight()
	if err != nil {
		elog.Error("read earliest certificate height", "err", err)
		e.Reply <- GetDecidedValueReply{Found: false}
		return
	}
	if e.Height < floor || e.Height > committed {
		e.Reply <- GetDecidedValueReply{Found: false}
		return
	}

	cert, err := a.store.Certificate(e.Height)
	if err != nil {
		elog.Error("read certificate", "height", e.Height, "err", err)
		e.Reply <- GetDecidedValueReply{Found: false}
		return
	}
	hdr, err := a.store.Header(e.Height)
	if err != nil {
		elog.Error("read header", "height", e.Height, "err", err)
		e.Reply <- GetDecidedValueReply{Found: false}
		return
	}

	unpruned, err := a.store.EarliestUnprunedHeight()
	if err != nil {
		elog.Error("read earliest unpruned height", "err", err)
		e.Reply <- GetDecidedValueReply{Found: false}
		return
	}

	var body *payload.Body
	if e.Height >= unpruned {
		body, err = a.store.Body(e.Height)
		if err != nil {
			elog.Error("read body", "height", e.Height, "err", err)
			e.Reply <- GetDecidedValueReply{Found: false}
			return
		}
	} else {
		bodies, err := a.engine.GetPayloadBodiesByRange(ctx, uint64(e.Height), 1)
		if err != nil {
			elog.Error("getPayloadBodiesByRange", "height", e.Height, "err", err)
			e.Reply <- GetDecidedValueReply{Found: false}
			return
		}
		if len(bodies) == 0 || bodies[0] == nil {
			e.Reply <- GetDecidedValueReply{Found: false}
			return
		}
		body = bodies[0]
	}

	full := payload.Join(*hdr, *body)
	enc, err := payload.Marshal(full)
	if err != nil {
		elog.Error("marshal reconstructed payload", "height", e.Height, "err", err)
		e.Reply <- GetDecidedValueReply{Found: false}
		return
	}
	e.Reply <- GetDecidedValueReply{Found: true, ValueBytes: enc, Certificate: cert}
}
