// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/elog"
	"github.com/1Money-Co/emerald/payload"
	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("store: not found")

// Config configures a Store's pruning behavior. Zero values pick the
// package's documented defaults.
type Config struct {
	Dir                      string
	NumCertificatesToRetain  uint64 // 0 = unbounded
	NumTempBlocksRetained    uint64 // default 10
	PruneAtBlockInterval     uint64 // default 10
	// ELInMemoryPersistenceThreshold is the EL's own retained-block count,
	// when known; NumTempBlocksRetained must be >= this or Open fails.
	ELInMemoryPersistenceThreshold uint64
}

func (c Config) withDefaults() Config {
	if c.NumTempBlocksRetained == 0 {
		c.NumTempBlocksRetained = 10
	}
	if c.PruneAtBlockInterval == 0 {
		c.PruneAtBlockInterval = 10
	}
	return c
}

// Store is the durable key-height store backing the adapter: a pebble
// database plus an exclusive-writer file lock. Reads may run concurrently
// with each other; writes (Decide) are serialized by callers under a
// single-writer discipline, which Store itself additionally guards with mu
// to make cheap to enforce.
type Store struct {
	cfg Config
	db  *pebble.DB
	fl  *flock.Flock

	mu sync.Mutex
}

// Open opens (creating if absent) the pebble database at cfg.Dir, taking an
// exclusive process lock at <dir>/LOCK. It validates the temp-blocks vs.
// EL-persistence-threshold invariant when the threshold is known.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.ELInMemoryPersistenceThreshold > 0 && cfg.NumTempBlocksRetained < cfg.ELInMemoryPersistenceThreshold {
		return nil, fmt.Errorf("num_temp_blocks_retained (%d) must be >= the EL's in-memory persistence threshold (%d)",
			cfg.NumTempBlocksRetained, cfg.ELInMemoryPersistenceThreshold)
	}

	lockPath := filepath.Join(cfg.Dir, "LOCK")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store at %s is held by another process", cfg.Dir)
	}

	db, err := pebble.Open(cfg.Dir, &pebble.Options{})
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("open pebble db: %w", err)
	}

	s := &Store{cfg: cfg, db: db, fl: fl}
	if _, err := s.getMetaUint64(metaCommittedHeight); err != nil && !errors.Is(err, ErrNotFound) {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and releases the database and its lock.
func (s *Store) Close() error {
	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.fl != nil {
		if err := s.fl.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) getMetaUint64(name string) (uint64, error) {
	v, closer, err := s.db.Get(metaKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("meta %q has unexpected length %d", name, len(v))
	}
	return getUint64(v), nil
}

// CommittedHeight returns the highest height for which a commit batch has
// landed, or 0 if the store is empty.
func (s *Store) CommittedHeight() (common.Height, error) {
	v, err := s.getMetaUint64(metaCommittedHeight)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return common.Height(v), err
}

// EarliestCertificateHeight returns the lower bound of the certificate
// window, or 1 if the store has never pruned.
func (s *Store) EarliestCertificateHeight() (common.Height, error) {
	v, err := s.getMetaUint64(metaEarliestCertHeight)
	if errors.Is(err, ErrNotFound) {
		return 1, nil
	}
	return common.Height(v), err
}

// EarliestUnprunedHeight returns the lower bound of the body window, or 1
// if the store has never pruned bodies.
func (s *Store) EarliestUnprunedHeight() (common.Height, error) {
	v, err := s.getMetaUint64(metaEarliestUnprunedHeight)
	if errors.Is(err, ErrNotFound) {
		return 1, nil
	}
	return common.Height(v), err
}

// ChainID returns the chain ID recorded at bootstrap.
func (s *Store) ChainID() (uint64, error) {
	return s.getMetaUint64(metaChainID)
}

// SetChainID records the chain ID at bootstrap; it is written once and
// never expected to change for the lifetime of a store directory.
func (s *Store) SetChainID(id uint64) error {
	return s.db.Set(metaKey(metaChainID), putUint64(nil, id), pebble.Sync)
}

// Header reads the stripped header for height h.
func (s *Store) Header(h common.Height) (*payload.Header, error) {
	v, closer, err := s.db.Get(hdrKey(h))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return payload.UnmarshalHeader(v)
}

// Body reads the stripped body for height h.
func (s *Store) Body(h common.Height) (*payload.Body, error) {
	v, closer, err := s.db.Get(bodyKey(h))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return payload.UnmarshalBody(v)
}

// Certificate reads the commit certificate for height h.
func (s *Store) Certificate(h common.Height) (payload.CommitCertificate, error) {
	v, closer, err := s.db.Get(certKey(h))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append(payload.CommitCertificate(nil), v...), nil
}

// PutUndecided stores an assembled payload awaiting decide, keyed by
// (height, round, hash).
func (s *Store) PutUndecided(h common.Height, r common.Round, hash common.Hash, p *payload.ExecutionPayload) error {
	enc, err := payload.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Set(undecidedKey(h, r, hash), enc, pebble.Sync)
}

// GetUndecided retrieves a previously stored undecided payload.
func (s *Store) GetUndecided(h common.Height, r common.Round, hash common.Hash) (*payload.ExecutionPayload, error) {
	v, closer, err := s.db.Get(undecidedKey(h, r, hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return payload.Unmarshal(v)
}

// LookupUndecidedByHeightRound scans the undecided/ family for the single
// entry at (h, r): normally exactly one, since a height has at most one
// proposer-built or assembled value in flight at a time. It is an error
// for zero or more than one entry to exist when this is called.
func (s *Store) LookupUndecidedByHeightRound(h common.Height, r common.Round) (*payload.ExecutionPayload, common.Hash, error) {
	prefix := undecidedHeightRoundPrefix(h, r)
	upper := prefixUpperBound(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, common.Hash{}, err
	}
	defer iter.Close()

	if !iter.First() || !iter.Valid() {
		return nil, common.Hash{}, fmt.Errorf("%w: no undecided value for height=%d round=%d", ErrNotFound, h, r)
	}
	key := iter.Key()
	var hash common.Hash
	copy(hash[:], key[len(key)-common.HashLength:])
	p, err := payload.Unmarshal(iter.Value())
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("decode undecided value at height=%d round=%d: %w", h, r, err)
	}
	if iter.Next() && iter.Valid() {
		return nil, common.Hash{}, fmt.Errorf("multiple undecided values for height=%d round=%d", h, r)
	}
	return p, hash, nil
}

// Decide commits height h atomically: cert, header, body, the new
// committed_height, and deletion of every undecided/ entry at h, all in
// one batch. It then runs both pruners.
func (s *Store) Decide(h common.Height, hdr payload.Header, body payload.Body, cert payload.CommitCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hdrEnc, err := payload.MarshalHeader(&hdr)
	if err != nil {
		return fmt.Errorf("marshal header for decide(%d): %w", h, err)
	}
	bodyEnc, err := payload.MarshalBody(&body)
	if err != nil {
		return fmt.Errorf("marshal body for decide(%d): %w", h, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(certKey(h), cert, nil); err != nil {
		return err
	}
	if err := batch.Set(hdrKey(h), hdrEnc, nil); err != nil {
		return err
	}
	if err := batch.Set(bodyKey(h), bodyEnc, nil); err != nil {
		return err
	}
	if err := batch.Set(metaKey(metaCommittedHeight), putUint64(nil, uint64(h)), nil); err != nil {
		return err
	}
	if err := s.deleteUndecidedAtHeight(batch, h); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit decide batch for height %d: %w", h, err)
	}

	if err := s.pruneBodies(h); err != nil {
		elog.Error("body pruner failed", "height", h, "err", err)
	}
	if err := s.pruneCertificates(h); err != nil {
		elog.Error("certificate pruner failed", "height", h, "err", err)
	}
	return nil
}

func (s *Store) deleteUndecidedAtHeight(batch *pebble.Batch, h common.Height) error {
	prefix := undecidedHeightPrefix(h)
	upper := prefixUpperBound(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		up[i]++
		if up[i] != 0 {
			return up[:i+1]
		}
	}
	return nil // prefix was all 0xff; unbounded
}

// pruneBodies deletes the body at committed_height - num_temp_blocks_retained,
// run unconditionally on every commit.
func (s *Store) pruneBodies(committed common.Height) error {
	retain := common.Height(s.cfg.NumTempBlocksRetained)
	if uint64(committed) <= uint64(retain) {
		return nil
	}
	target := committed - retain
	if err := s.db.Delete(bodyKey(target), pebble.Sync); err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return s.db.Set(metaKey(metaEarliestUnprunedHeight), putUint64(nil, uint64(target+1)), pebble.Sync)
}

// pruneCertificates deletes cert/hdr for every height at or below
// committed_height - num_certificates_to_retain, once every
// prune_at_block_interval commits.
func (s *Store) pruneCertificates(committed common.Height) error {
	if s.cfg.NumCertificatesToRetain == 0 {
		return nil // unbounded retention: nothing to prune
	}
	count, err := s.getMetaUint64(metaCommitsSincePrune)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	count++
	if count < s.cfg.PruneAtBlockInterval {
		return s.db.Set(metaKey(metaCommitsSincePrune), putUint64(nil, count), pebble.Sync)
	}

	retain := common.Height(s.cfg.NumCertificatesToRetain)
	if uint64(committed) <= uint64(retain) {
		return s.db.Set(metaKey(metaCommitsSincePrune), putUint64(nil, 0), pebble.Sync)
	}
	floor, err := s.EarliestCertificateHeight()
	if err != nil {
		return err
	}
	target := committed - retain

	batch := s.db.NewBatch()
	defer batch.Close()
	for h := floor; h <= target; h++ {
		if err := batch.Delete(certKey(h), nil); err != nil {
			return err
		}
		if err := batch.Delete(hdrKey(h), nil); err != nil {
			return err
		}
	}
	if err := batch.Set(metaKey(metaEarliestCertHeight), putUint64(nil, uint64(target+1)), nil); err != nil {
		return err
	}
	if err := batch.Set(metaKey(metaCommitsSincePrune), putUint64(nil, 0), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}
