// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package assembler reassembles streamed proposal parts into a complete
// execution payload: one slot per (height, round), out-of-order part
// acceptance, duplicate-index detection, and terminal-part closure.
package assembler

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/payload"
)

type slotKey struct {
	height common.Height
	round  common.Round
}

// slot holds the in-progress reassembly state for one (height, round).
type slot struct {
	parts    map[uint32][]byte
	seen     mapset.Set[uint32]
	lastIdx  uint32
	hasLast  bool
	closed   bool
	failed   bool
	failErr  error
}

// Assembler buffers proposal parts per (height, round) slot until the
// terminal part arrives, then decodes the concatenation via the payload
// codec. It is safe for concurrent use: parts for independent heights may
// arrive while a prior height is being decided.
type Assembler struct {
	mu    sync.Mutex
	slots map[slotKey]*slot
}

// New builds an empty Assembler.
func New() *Assembler {
	return &Assembler{slots: make(map[slotKey]*slot)}
}

// Result is the outcome of feeding a part: whether the slot closed this
// call, and, if so, the decoded payload or the error that failed it.
type Result struct {
	Closed  bool
	Payload *payload.ExecutionPayload
	Err     error
}

// AddPart feeds part into the (h, r) slot. A part arriving for an already
// closed slot is silently dropped and AddPart reports Closed=false with
// no error.
func (a *Assembler) AddPart(h common.Height, r common.Round, part payload.Part) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := slotKey{h, r}
	s, ok := a.slots[key]
	if !ok {
		s = &slot{parts: make(map[uint32][]byte), seen: mapset.NewSet[uint32]()}
		a.slots[key] = s
	}
	if s.closed {
		return Result{}, nil
	}

	if existing, dup := s.parts[part.Index]; dup {
		if !bytesEqual(existing, part.Data) {
			s.closed = true
			s.failed = true
			s.failErr = fmt.Errorf("part index %d received with conflicting bytes", part.Index)
			return Result{Closed: true, Err: s.failErr}, nil
		}
	} else {
		s.parts[part.Index] = part.Data
		s.seen.Add(part.Index)
	}

	if part.IsLast {
		s.hasLast = true
		s.lastIdx = part.Index
	}

	if !s.hasLast {
		return Result{}, nil
	}

	// The terminal part has arrived; the slot closes once every index in
	// [0, lastIdx] has been seen. Gaps before the terminator are not
	// tolerated.
	for i := uint32(0); i <= s.lastIdx; i++ {
		if !s.seen.Contains(i) {
			return Result{}, nil
		}
	}

	s.closed = true
	buf := make([]byte, 0)
	for i := uint32(0); i <= s.lastIdx; i++ {
		buf = append(buf, s.parts[i]...)
	}
	p, err := payload.Unmarshal(buf)
	if err != nil {
		s.failed = true
		s.failErr = fmt.Errorf("decode reassembled payload for (H=%d,R=%d): %w", h, r, err)
		return Result{Closed: true, Err: s.failErr}, nil
	}
	return Result{Closed: true, Payload: p}, nil
}

// Close marks (h, r) closed without requiring a terminal part: used when
// the height decides before assembly completes. A slot closes when its
// terminal part is received or when the height decides, whichever comes
// first.
func (a *Assembler) Close(h common.Height, r common.Round) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := slotKey{h, r}
	s, ok := a.slots[key]
	if !ok {
		s = &slot{parts: make(map[uint32][]byte), seen: mapset.NewSet[uint32]()}
		a.slots[key] = s
	}
	s.closed = true
}

// Evict drops slot state for (h, r), freeing its memory once the adapter
// no longer needs it (e.g. after a successful decide and store write).
func (a *Assembler) Evict(h common.Height, r common.Round) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.slots, slotKey{h, r})
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
