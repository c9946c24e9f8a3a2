package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-core/internal/domain/parking"
)

type memStore struct {
	mu    sync.Mutex
	saves int
	fail  bool
}

func (s *memStore) SaveSlot(ctx context.Context, slot parking.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.saves++
	return nil
}

func newTestRegistry(t *testing.T, codes ...string) (*Registry, *memStore) {
	t.Helper()
	st := &memStore{}
	r := New(st, 30*time.Second, zerolog.Nop())
	slots := make([]parking.Slot, 0, len(codes))
	for _, c := range codes {
		slots = append(slots, parking.Slot{Code: c, Floor: c[:1], Class: parking.ClassCar})
	}
	if err := r.Bootstrap(context.Background(), slots); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return r, st
}

func TestClaimAndRelease(t *testing.T) {
	r, _ := newTestRegistry(t, "A-C-01")
	ctx := context.Background()
	tid := uuid.New()

	if err := r.TryClaim(ctx, "A-C-01", tid); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if err := r.TryClaim(ctx, "A-C-01", uuid.New()); !errors.Is(err, ErrConflict) {
		t.Errorf("second claim = %v, want ErrConflict", err)
	}
	if err := r.Release(ctx, "A-C-01", uuid.New()); !errors.Is(err, ErrMismatch) {
		t.Errorf("wrong-occupant release = %v, want ErrMismatch", err)
	}
	if err := r.Release(ctx, "A-C-01", tid); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := r.Release(ctx, "A-C-01", tid); !errors.Is(err, ErrMismatch) {
		t.Errorf("release of free slot = %v, want ErrMismatch", err)
	}
	if err := r.TryClaim(ctx, "nope", tid); !errors.Is(err, ErrUnknownSlot) {
		t.Errorf("unknown slot = %v, want ErrUnknownSlot", err)
	}
}

func TestStoreFailureFailsClosed(t *testing.T) {
	r, st := newTestRegistry(t, "A-C-01")
	ctx := context.Background()

	st.fail = true
	if err := r.TryClaim(ctx, "A-C-01", uuid.New()); err == nil {
		t.Fatal("claim succeeded despite store failure")
	}
	st.fail = false

	// The failed claim must not have moved the in-memory state.
	if err := r.TryClaim(ctx, "A-C-01", uuid.New()); err != nil {
		t.Fatalf("claim after store recovery: %v", err)
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	r, _ := newTestRegistry(t, "A-C-01")
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.TryClaim(ctx, "A-C-01", uuid.New()); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestSnapshotInvariant(t *testing.T) {
	r, _ := newTestRegistry(t, "A-C-01", "A-C-02", "B-C-01")
	ctx := context.Background()
	tid := uuid.New()
	if err := r.TryClaim(ctx, "A-C-02", tid); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			id := uuid.New()
			if r.TryClaim(ctx, "B-C-01", id) == nil {
				r.Release(ctx, "B-C-01", id)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		for _, v := range r.Snapshot() {
			occupied := v.State == parking.SlotOccupied || v.State == parking.SlotReserved
			if occupied && v.Occupant == nil {
				t.Fatalf("slot %s is %s with nil occupant", v.Code, v.State)
			}
			if !occupied && v.Occupant != nil {
				t.Fatalf("slot %s is %s with occupant %s", v.Code, v.State, v.Occupant)
			}
		}
	}
	<-done
}

func TestDiscrepancySignalAfterGrace(t *testing.T) {
	r, _ := newTestRegistry(t, "A-C-05")
	r.grace = 30 * time.Second
	ctx := context.Background()
	tid := uuid.New()
	if err := r.TryClaim(ctx, "A-C-05", tid); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Evidence contradicts the claim, but inside the grace period.
	r.ObserveOccupancy("A-C-05", false, "", base)
	r.ObserveOccupancy("A-C-05", false, "", base.Add(10*time.Second))
	select {
	case d := <-r.Discrepancies():
		t.Fatalf("premature discrepancy: %+v", d)
	default:
	}

	// Past the grace period exactly one signal per episode.
	r.ObserveOccupancy("A-C-05", false, "", base.Add(31*time.Second))
	r.ObserveOccupancy("A-C-05", false, "", base.Add(40*time.Second))

	var got []parking.Discrepancy
	for {
		select {
		case d := <-r.Discrepancies():
			got = append(got, d)
			continue
		default:
		}
		break
	}
	if len(got) != 1 {
		t.Fatalf("discrepancies = %d, want 1", len(got))
	}
	if got[0].SlotCode != "A-C-05" || got[0].EvidenceOccupied {
		t.Errorf("unexpected discrepancy %+v", got[0])
	}

	// Agreeing evidence ends the episode; a fresh contradiction may signal
	// again after its own grace period.
	r.ObserveOccupancy("A-C-05", true, "ABC1234", base.Add(50*time.Second))
	r.ObserveOccupancy("A-C-05", false, "", base.Add(60*time.Second))
	r.ObserveOccupancy("A-C-05", false, "", base.Add(95*time.Second))
	select {
	case <-r.Discrepancies():
	default:
		t.Error("no signal for second episode")
	}
}

func TestSummaries(t *testing.T) {
	r, _ := newTestRegistry(t, "A-C-01", "A-C-02", "B-C-01")
	ctx := context.Background()
	if err := r.TryClaim(ctx, "A-C-01", uuid.New()); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	sums := r.Summaries()
	if len(sums) != 2 {
		t.Fatalf("floors = %d, want 2", len(sums))
	}
	a := sums[0]
	if a.Floor != "A" || a.Occupied != 1 || a.Available != 1 {
		t.Errorf("floor A summary = %+v", a)
	}
	if cs := a.ByClass[parking.ClassCar]; cs.Total != 2 || cs.Occupied != 1 {
		t.Errorf("floor A car summary = %+v", cs)
	}
}
