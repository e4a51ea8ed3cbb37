// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package adapter is the event-driven state machine that sits between the
// consensus library's channel-event contract and the execution layer: it
// owns current height/round, drives the engine client, payload codec,
// block store, validator registry, and proposal assembler, and answers
// sync queries.
package adapter

import (
	"time"

	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/payload"
)

// Event is one of the seven variants the consensus library delivers. Each
// carries a one-shot reply handle that Run invokes exactly once before
// reading the next event.
type Event interface {
	isEvent()
}

// ConsensusReady is delivered once at startup, and idempotently on any
// later spurious re-delivery.
type ConsensusReady struct {
	Reply chan<- ConsensusReadyReply
}

type ConsensusReadyReply struct {
	StartHeight  common.Height
	ValidatorSet common.ValidatorSet
}

func (ConsensusReady) isEvent() {}

// GetValue asks the adapter, as proposer for (Height, Round), to build and
// return a value before Deadline.
type GetValue struct {
	Height   common.Height
	Round    common.Round
	Deadline time.Time
	Reply    chan<- GetValueReply
}

// GetValueReply carries the built value's streamed parts. An empty Parts
// slice (ValueBytes == nil) is the valid "nil value" BFT signal emitted on
// deadline expiry or build failure.
type GetValueReply struct {
	ValueBytes []byte
	Parts      []payload.Part
}

func (GetValue) isEvent() {}

// ReceivedProposalPart feeds one streamed chunk of a proposal into the
// assembler.
type ReceivedProposalPart struct {
	Height common.Height
	Round  common.Round
	Part   payload.Part
	From   common.Address
	Reply  chan<- ReceivedProposalPartReply
}

type ReceivedProposalPartReply struct {
	Valid bool
}

func (ReceivedProposalPart) isEvent() {}

// GetValidatorSet asks for the validator set effective at Height.
type GetValidatorSet struct {
	Height common.Height
	Reply  chan<- GetValidatorSetReply
}

type GetValidatorSetReply struct {
	Set        common.ValidatorSet
	TotalPower common.Power
}

func (GetValidatorSet) isEvent() {}

// Decided announces that (Height, Round) has reached commit with
// Certificate attesting to it.
type Decided struct {
	Height      common.Height
	Round       common.Round
	Certificate payload.CommitCertificate
	Reply       chan<- DecidedReply
}

type DecidedReply struct {
	NextHeight common.Height
	NextRound  common.Round
}

func (Decided) isEvent() {}

// GetDecidedValue is a peer sync request for Height's decided value.
type GetDecidedValue struct {
	Height common.Height
	Reply  chan<- GetDecidedValueReply
}

// GetDecidedValueReply's Found is false when Height is outside the
// servable range or the EL has also pruned the body needed to reconstruct
// it.
type GetDecidedValueReply struct {
	Found       bool
	ValueBytes  []byte
	Certificate payload.CommitCertificate
}

func (GetDecidedValue) isEvent() {}

// ProcessSyncedValue hands the adapter a value obtained via sync (not
// assembled locally from parts) to register before the corresponding
// Decided arrives.
type ProcessSyncedValue struct {
	Height     common.Height
	Round      common.Round
	Proposer   common.Address
	ValueBytes []byte
	Reply      chan<- ProcessSyncedValueReply
}

type ProcessSyncedValueReply struct {
	Valid bool
}

func (ProcessSyncedValue) isEvent() {}
