package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-core/internal/domain/parking"
)

var (
	// ErrConflict means the slot was not FREE at the instant of the claim.
	// Callers must not retry the same slot blindly; the allocation engine
	// moves on to the next candidate.
	ErrConflict = errors.New("slot claim conflict")
	// ErrMismatch means a release named an occupant that does not match
	// the slot's current occupant. It signals a consistency problem and is
	// routed to the auditor, never silently overwritten.
	ErrMismatch = errors.New("occupant mismatch")
	// ErrUnknownSlot means the slot code is not part of the topology.
	ErrUnknownSlot = errors.New("unknown slot")
)

// Store is the write-through persistence the registry requires for every
// mutation. A store failure fails the mutation closed: the in-memory state
// is not changed and the caller sees the error.
type Store interface {
	SaveSlot(ctx context.Context, slot parking.Slot) error
}

type slotEntry struct {
	mu   sync.Mutex
	slot parking.Slot

	// Corroborating camera evidence, maintained by ObserveOccupancy.
	evidenceOccupied *bool
	evidencePlate    string
	evidenceAt       time.Time
	disagreeSince    time.Time
	signalled        bool
}

// Registry is the authoritative state machine for all slots. State is
// ticket-driven: claims and releases move it, camera occupancy is recorded
// only as corroborating evidence. Each slot serializes independently;
// operations on different slots run fully in parallel. The registry-wide
// lock is held shared by mutations and exclusively by Snapshot, which is
// how snapshots observe no mid-transition state.
type Registry struct {
	store Store
	grace time.Duration
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.RWMutex
	slots map[string]*slotEntry

	discrepancies chan parking.Discrepancy
}

func New(store Store, grace time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		store:         store,
		grace:         grace,
		log:           log,
		now:           time.Now,
		slots:         make(map[string]*slotEntry),
		discrepancies: make(chan parking.Discrepancy, 64),
	}
}

// Bootstrap installs the slot inventory. Slots already present (e.g.
// restored from persistence) are kept as-is.
func (r *Registry) Bootstrap(ctx context.Context, slots []parking.Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range slots {
		if _, ok := r.slots[s.Code]; ok {
			continue
		}
		if s.State == "" {
			s.State = parking.SlotFree
		}
		if s.ChangedAt.IsZero() {
			s.ChangedAt = r.now()
		}
		if err := r.store.SaveSlot(ctx, s); err != nil {
			return fmt.Errorf("persist slot %s: %w", s.Code, err)
		}
		r.slots[s.Code] = &slotEntry{slot: s}
	}
	return nil
}

// Discrepancies delivers signals for the auditor. The channel is buffered
// and sends are non-blocking; a slow auditor loses signals, not the
// pipeline.
func (r *Registry) Discrepancies() <-chan parking.Discrepancy {
	return r.discrepancies
}

// TryClaim atomically transitions a FREE slot to OCCUPIED with the given
// occupant. Any other state at the instant of the attempt yields
// ErrConflict.
func (r *Registry) TryClaim(ctx context.Context, slotCode string, ticketID uuid.UUID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.slots[slotCode]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotCode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slot.State != parking.SlotFree {
		return fmt.Errorf("%w: %s is %s", ErrConflict, slotCode, e.slot.State)
	}

	next := e.slot
	next.State = parking.SlotOccupied
	next.Occupant = &ticketID
	next.ChangedAt = r.now()
	if err := r.store.SaveSlot(ctx, next); err != nil {
		return fmt.Errorf("persist claim of %s: %w", slotCode, err)
	}
	e.slot = next
	e.resetEvidenceEpisode()
	return nil
}

// Release transitions OCCUPIED back to FREE, but only when the current
// occupant matches expected. A mismatch leaves the slot untouched.
func (r *Registry) Release(ctx context.Context, slotCode string, expected uuid.UUID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.slots[slotCode]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotCode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slot.State != parking.SlotOccupied || e.slot.Occupant == nil || *e.slot.Occupant != expected {
		return fmt.Errorf("%w: %s not occupied by %s", ErrMismatch, slotCode, expected)
	}

	next := e.slot
	next.State = parking.SlotFree
	next.Occupant = nil
	next.ChangedAt = r.now()
	if err := r.store.SaveSlot(ctx, next); err != nil {
		return fmt.Errorf("persist release of %s: %w", slotCode, err)
	}
	e.slot = next
	e.resetEvidenceEpisode()
	return nil
}

// SetDisabled takes a FREE slot out of service, or returns a DISABLED slot
// to service. Occupied and reserved slots cannot be disabled.
func (r *Registry) SetDisabled(ctx context.Context, slotCode string, disabled bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.slots[slotCode]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotCode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.slot
	switch {
	case disabled && e.slot.State == parking.SlotFree:
		next.State = parking.SlotDisabled
	case !disabled && e.slot.State == parking.SlotDisabled:
		next.State = parking.SlotFree
	default:
		return fmt.Errorf("%w: %s is %s", ErrConflict, slotCode, e.slot.State)
	}
	next.ChangedAt = r.now()
	if err := r.store.SaveSlot(ctx, next); err != nil {
		return fmt.Errorf("persist disable of %s: %w", slotCode, err)
	}
	e.slot = next
	return nil
}

// ObserveOccupancy records hysteresis-confirmed camera evidence for a
// slot. The registry never changes slot state from evidence; when evidence
// contradicts the logical state past the grace period it emits a single
// discrepancy signal for that episode and leaves resolution to the
// auditor.
func (r *Registry) ObserveOccupancy(slotCode string, physicallyOccupied bool, plate string, at time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.slots[slotCode]
	if !ok {
		r.log.Warn().Str("slot", slotCode).Msg("occupancy evidence for unknown slot")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	occ := physicallyOccupied
	e.evidenceOccupied = &occ
	e.evidencePlate = plate
	e.evidenceAt = at

	logicallyOccupied := e.slot.State == parking.SlotOccupied || e.slot.State == parking.SlotReserved
	if physicallyOccupied == logicallyOccupied {
		e.disagreeSince = time.Time{}
		e.signalled = false
		return
	}

	if e.disagreeSince.IsZero() {
		e.disagreeSince = at
		return
	}
	if e.signalled || at.Sub(e.disagreeSince) <= r.grace {
		return
	}

	e.signalled = true
	d := parking.Discrepancy{
		SlotCode:         slotCode,
		LogicalState:     e.slot.State,
		Occupant:         e.slot.Occupant,
		EvidenceOccupied: physicallyOccupied,
		EvidencePlate:    plate,
		Since:            e.disagreeSince,
	}
	select {
	case r.discrepancies <- d:
	default:
		r.log.Warn().Str("slot", slotCode).Msg("discrepancy channel full, signal dropped")
	}
}

// SlotView is a snapshot row: the logical slot plus its latest
// corroborating evidence.
type SlotView struct {
	parking.Slot
	EvidenceOccupied *bool
	EvidencePlate    string
	EvidenceAt       time.Time
	DisagreeSince    time.Time
}

// Snapshot returns a point-in-time consistent copy of every slot. It takes
// the registry lock exclusively, so no claim or release is mid-flight
// while the copy is taken.
func (r *Registry) Snapshot() []SlotView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SlotView, 0, len(r.slots))
	for _, e := range r.slots {
		v := SlotView{
			Slot:          e.slot,
			EvidencePlate: e.evidencePlate,
			EvidenceAt:    e.evidenceAt,
			DisagreeSince: e.disagreeSince,
		}
		if e.evidenceOccupied != nil {
			occ := *e.evidenceOccupied
			v.EvidenceOccupied = &occ
		}
		if e.slot.Occupant != nil {
			id := *e.slot.Occupant
			v.Occupant = &id
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Summaries aggregates the snapshot per floor and vehicle class.
func (r *Registry) Summaries() []parking.FloorSummary {
	byFloor := make(map[string]*parking.FloorSummary)
	for _, v := range r.Snapshot() {
		fs, ok := byFloor[v.Floor]
		if !ok {
			fs = &parking.FloorSummary{
				Floor:   v.Floor,
				ByClass: make(map[parking.VehicleClass]parking.ClassSummary),
			}
			byFloor[v.Floor] = fs
		}
		cs := fs.ByClass[v.Class]
		cs.Total++
		fs.Total++
		if v.State == parking.SlotOccupied || v.State == parking.SlotReserved {
			cs.Occupied++
			fs.Occupied++
		} else if v.State == parking.SlotFree {
			cs.Available++
			fs.Available++
		}
		fs.ByClass[v.Class] = cs
	}

	out := make([]parking.FloorSummary, 0, len(byFloor))
	for _, fs := range byFloor {
		out = append(out, *fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Floor < out[j].Floor })
	return out
}

// A claim or release invalidates the evidence disagreement episode: the
// logical state changed, so the clock restarts from fresh evidence.
func (e *slotEntry) resetEvidenceEpisode() {
	e.disagreeSince = time.Time{}
	e.signalled = false
}
