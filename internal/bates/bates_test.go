package bates

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// testStore is a minimal in-memory Store for exercising the sequencer.
type testStore struct {
	mu       sync.Mutex
	counters map[string]uint64
	burns    []Range
	commits  []Range
	failNext bool
}

func newTestStore() *testStore {
	return &testStore{counters: make(map[string]uint64)}
}

func (s *testStore) Next(ctx context.Context, prefix string, start, n uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		return 0, errors.New("store down")
	}
	next, ok := s.counters[prefix]
	if !ok || next < start {
		next = start
	}
	s.counters[prefix] = next + n
	return next, nil
}

func (s *testStore) RecordBurn(ctx context.Context, rng Range, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.burns = append(s.burns, rng)
	return nil
}

func (s *testStore) RecordCommit(ctx context.Context, rng Range, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, rng)
	return nil
}

func TestFormatID(t *testing.T) {
	cases := []struct {
		prefix string
		width  int
		value  uint64
		want   string
	}{
		{"ABC", 8, 1, "ABC00000001"},
		{"ABC", 8, 12345678, "ABC12345678"},
		{"X-", 4, 7, "X-0007"},
		// A value wider than the pad never truncates.
		{"P", 3, 12345, "P12345"},
	}
	for _, tc := range cases {
		if got := FormatID(tc.prefix, tc.width, tc.value); got != tc.want {
			t.Errorf("FormatID(%q, %d, %d) = %q, want %q", tc.prefix, tc.width, tc.value, got, tc.want)
		}
	}
}

func TestRangeBounds(t *testing.T) {
	r := Range{Prefix: "DEF", Width: 6, Start: 10, End: 12}
	if r.Count() != 3 {
		t.Fatalf("count = %d, want 3", r.Count())
	}
	if r.First() != "DEF000010" || r.Last() != "DEF000012" {
		t.Fatalf("bounds = %s..%s", r.First(), r.Last())
	}
	if (Range{}).Count() != 0 {
		t.Fatalf("zero range should have zero count")
	}
}

func TestAllocateContiguousAndMonotonic(t *testing.T) {
	store := newTestStore()
	seq := NewSequencer(store, "ABC", 8, 1)

	a, err := seq.Allocate(context.Background(), 3)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b, err := seq.Allocate(context.Background(), 2)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a.Start != 1 || a.End != 3 {
		t.Fatalf("first range = %d..%d, want 1..3", a.Start, a.End)
	}
	if b.Start != 4 || b.End != 5 {
		t.Fatalf("second range = %d..%d, want 4..5", b.Start, b.End)
	}

	// A new sequencer over the same store continues where the old one left
	// off, even with a lower requested start.
	seq2 := NewSequencer(store, "ABC", 8, 1)
	c, err := seq2.Allocate(context.Background(), 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if c.Start != 6 {
		t.Fatalf("restart allocation start = %d, want 6", c.Start)
	}
}

func TestAllocateConcurrentNoOverlap(t *testing.T) {
	store := newTestStore()
	seq := NewSequencer(store, "CON", 8, 100)

	const goroutines = 16
	const perCall = 5
	ranges := make([]Range, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := seq.Allocate(context.Background(), perCall)
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			ranges[i] = r
		}(i)
	}
	wg.Wait()

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	for i := 0; i < len(ranges); i++ {
		if ranges[i].Count() != perCall {
			t.Fatalf("range %d has count %d", i, ranges[i].Count())
		}
		if i > 0 && ranges[i].Start != ranges[i-1].End+1 {
			t.Fatalf("ranges not contiguous: %d..%d then %d..%d",
				ranges[i-1].Start, ranges[i-1].End, ranges[i].Start, ranges[i].End)
		}
	}
	if ranges[0].Start != 100 {
		t.Fatalf("first start = %d, want 100", ranges[0].Start)
	}
}

func TestAllocateStoreFailureIsFatal(t *testing.T) {
	store := newTestStore()
	store.failNext = true
	seq := NewSequencer(store, "ABC", 8, 1)
	_, err := seq.Allocate(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected error")
	}
	var pe *pipeline.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %T: %v", err, err)
	}
	if !pipeline.IsFatal(err) {
		t.Fatalf("allocation failure should be fatal")
	}
}

func TestBurnRecordsRange(t *testing.T) {
	store := newTestStore()
	seq := NewSequencer(store, "ABC", 8, 1)
	rng, err := seq.Allocate(context.Background(), 4)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := seq.Burn(context.Background(), rng, "test failure"); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if len(store.burns) != 1 || store.burns[0] != rng {
		t.Fatalf("burn not recorded: %+v", store.burns)
	}

	// The next allocation does not reuse the burned block.
	next, err := seq.Allocate(context.Background(), 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if next.Start != rng.End+1 {
		t.Fatalf("burned range reused: next start %d", next.Start)
	}

	// Burning a zero range is a no-op.
	if err := seq.Burn(context.Background(), Range{}, "nothing"); err != nil {
		t.Fatalf("burn empty: %v", err)
	}
	if len(store.burns) != 1 {
		t.Fatalf("empty burn should not be recorded")
	}
}

func TestAllocateRejectsNonPositive(t *testing.T) {
	seq := NewSequencer(newTestStore(), "ABC", 8, 1)
	if _, err := seq.Allocate(context.Background(), 0); err == nil {
		t.Fatalf("expected error for n=0")
	}
}
