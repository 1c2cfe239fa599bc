// Package bates owns the production numbering state. Every identifier
// stamped on an output unit comes from a Sequencer allocation; nothing else
// in the system reads or writes the counter.
package bates

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// Range is a contiguous block of allocated identifiers, inclusive on both
// ends.
type Range struct {
	Prefix string `json:"prefix"`
	Width  int    `json:"width"`
	Start  uint64 `json:"start"`
	End    uint64 `json:"end"`
}

// Count returns the number of identifiers in the range.
func (r Range) Count() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Format renders the identifier at value as prefix + zero-padded number.
func (r Range) Format(value uint64) string {
	return FormatID(r.Prefix, r.Width, value)
}

// First returns the rendered first identifier of the range.
func (r Range) First() string { return r.Format(r.Start) }

// Last returns the rendered last identifier of the range.
func (r Range) Last() string { return r.Format(r.End) }

// FormatID renders one Bates identifier.
func FormatID(prefix string, width int, value uint64) string {
	return fmt.Sprintf("%s%0*d", prefix, width, value)
}

// Store is the durable home of the counter. Next must be an atomic
// read-modify-write: it advances the counter for prefix by n and returns the
// first allocated value, seeding a fresh sequence at start. Implementations
// must never hand the same value to two callers, however concurrent.
type Store interface {
	Next(ctx context.Context, prefix string, start, n uint64) (uint64, error)
	// RecordBurn appends rng to the never-reuse log with a reason.
	RecordBurn(ctx context.Context, rng Range, reason string) error
	// RecordCommit marks rng as committed to a completed job for audit.
	RecordCommit(ctx context.Context, rng Range, jobID string) error
}

// Sequencer allocates unique, monotonic, zero-padded identifiers. Callers are
// serialized on an internal lock; the critical section covers exactly the
// durable read-modify-write and no other I/O.
type Sequencer struct {
	mu     sync.Mutex
	store  Store
	prefix string
	width  int
	start  uint64
}

// NewSequencer binds a sequencer to a prefix. The sequence is seeded at start
// the first time the prefix is used; an existing sequence never moves
// backwards.
func NewSequencer(store Store, prefix string, width int, start uint64) *Sequencer {
	if width <= 0 {
		width = 8
	}
	if start == 0 {
		start = 1
	}
	return &Sequencer{store: store, prefix: prefix, width: width, start: start}
}

// Allocate returns a contiguous block of n identifiers. Ranges from distinct
// calls never overlap and later calls always return strictly greater values,
// including across process restarts. If the store is unavailable the
// allocation fails fatally rather than risking a reused number.
func (s *Sequencer) Allocate(ctx context.Context, n int) (Range, error) {
	if n <= 0 {
		return Range{}, fmt.Errorf("allocate: n must be positive, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first, err := s.store.Next(ctx, s.prefix, s.start, uint64(n))
	if err != nil {
		return Range{}, &pipeline.PersistenceError{Op: "bates allocate", Err: err}
	}
	return Range{Prefix: s.prefix, Width: s.width, Start: first, End: first + uint64(n) - 1}, nil
}

// Burn records rng as consumed-but-unusable. Burned ranges are never rolled
// back into the counter; a failed or cancelled job leaves a numbering gap
// instead of ever risking two files sharing an identifier.
func (s *Sequencer) Burn(ctx context.Context, rng Range, reason string) error {
	if rng.Count() == 0 {
		return nil
	}
	if err := s.store.RecordBurn(ctx, rng, reason); err != nil {
		return &pipeline.PersistenceError{Op: "bates burn", Err: err}
	}
	return nil
}

// Commit records rng against a completed job for later audit of
// non-overlap.
func (s *Sequencer) Commit(ctx context.Context, rng Range, jobID string) error {
	if rng.Count() == 0 {
		return nil
	}
	if err := s.store.RecordCommit(ctx, rng, jobID); err != nil {
		return &pipeline.PersistenceError{Op: "bates commit", Err: err}
	}
	return nil
}
