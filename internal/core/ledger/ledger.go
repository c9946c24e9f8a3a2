package ledger

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
	ErrNotFound = errors.New("ticket not found")
	// ErrTerminal means the requested transition targets a ticket already
	// in CLOSED, CANCELLED or DISPUTED state.
	ErrTerminal = errors.New("ticket in terminal state")
)

// Store persists ticket mutations write-through. A store failure fails the
// mutation closed.
type Store interface {
	SaveTicket(ctx context.Context, t parking.Ticket) error
}

// SlotReleaser is the one slice of the slot registry the ledger needs:
// returning a slot to FREE when its ticket closes or is cancelled.
type SlotReleaser interface {
	Release(ctx context.Context, slotCode string, expected uuid.UUID) error
}

// Ledger is the authoritative state machine for tickets. At most one
// ACTIVE ticket exists per known plate; tickets with an unreadable (empty)
// plate are exempt from that index. Terminal tickets never transition and
// are never deleted.
type Ledger struct {
	store Store
	slots SlotReleaser
	log   zerolog.Logger
	now   func() time.Time

	mu            sync.RWMutex
	tickets       map[uuid.UUID]*parking.Ticket
	activeByPlate map[string]uuid.UUID
	lastClosed    map[string]uuid.UUID

	duplicates chan parking.DuplicatePlate
	mismatches chan parking.Alert
}

func New(store Store, slots SlotReleaser, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:         store,
		slots:         slots,
		log:           log,
		now:           time.Now,
		tickets:       make(map[uuid.UUID]*parking.Ticket),
		activeByPlate: make(map[string]uuid.UUID),
		lastClosed:    make(map[string]uuid.UUID),
		duplicates:    make(chan parking.DuplicatePlate, 64),
		mismatches:    make(chan parking.Alert, 64),
	}
}

// DuplicatePlates delivers duplicate-active-plate signals for the auditor.
func (l *Ledger) DuplicatePlates() <-chan parking.DuplicatePlate {
	return l.duplicates
}

// ReleaseMismatches delivers release-mismatch findings for the auditor.
func (l *Ledger) ReleaseMismatches() <-chan parking.Alert {
	return l.mismatches
}

// Restore installs tickets recovered from persistence at startup.
func (l *Ledger) Restore(tickets []parking.Ticket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range tickets {
		t := tickets[i]
		l.tickets[t.ID] = &t
		if t.State == parking.TicketActive && t.Plate != "" {
			l.activeByPlate[t.Plate] = t.ID
		}
	}
}

// Open creates an ACTIVE ticket for a vehicle already claimed into slotCode.
// If the plate already has an ACTIVE ticket, that is a missed exit
// upstream: the vehicle is physically present, so the new ticket opens
// anyway, the stale one is marked DISPUTED, its slot is released, and the
// auditor is signalled.
func (l *Ledger) Open(ctx context.Context, id uuid.UUID, plate, rawPlate string, class parking.VehicleClass, slotCode, cameraID string, confidence float64, at time.Time) (parking.Ticket, error) {
	t := parking.Ticket{
		ID:              id,
		Plate:           plate,
		RawPlate:        rawPlate,
		Class:           class,
		SlotCode:        slotCode,
		EntryTime:       at,
		State:           parking.TicketActive,
		EntryCameraID:   cameraID,
		EntryConfidence: confidence,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var stale *parking.Ticket
	if plate != "" {
		if staleID, ok := l.activeByPlate[plate]; ok {
			stale = l.tickets[staleID]
		}
	}

	// The stale ticket must leave ACTIVE before the fresh one is written:
	// persistence enforces one ACTIVE ticket per plate.
	if stale != nil {
		disputed := *stale
		disputed.State = parking.TicketDisputed
		if err := l.store.SaveTicket(ctx, disputed); err != nil {
			return parking.Ticket{}, fmt.Errorf("persist disputed ticket %s: %w", stale.ID, err)
		}
		*stale = disputed
		delete(l.activeByPlate, plate)
		// The vehicle just re-entered, so it cannot still be in the stale
		// slot. Holding that slot for a terminal ticket would leak capacity
		// with no operation left to free it.
		l.releaseSlot(ctx, stale)
	}

	if err := l.store.SaveTicket(ctx, t); err != nil {
		return parking.Ticket{}, fmt.Errorf("persist ticket %s: %w", id, err)
	}

	if stale != nil {
		l.signalDuplicate(parking.DuplicatePlate{
			Plate:       plate,
			StaleTicket: stale.ID,
			FreshTicket: id,
			At:          at,
		})
	}

	l.tickets[id] = &t
	if plate != "" {
		l.activeByPlate[plate] = id
	}
	return t, nil
}

// Close transitions an ACTIVE ticket to CLOSED, computes the billed
// duration (clamped to zero to absorb clock skew between cameras) and
// releases the assigned slot. Closing an already-CLOSED ticket is a no-op
// returning the existing result.
func (l *Ledger) Close(ctx context.Context, id uuid.UUID, exitAt time.Time) (parking.Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tickets[id]
	if !ok {
		return parking.Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l.closeLocked(ctx, t, exitAt)
}

// CloseByPlate resolves the ACTIVE ticket for a normalized plate and
// closes it. When no ACTIVE ticket exists but the plate closed recently,
// the existing closed ticket is returned unchanged, which makes redelivered
// exit events beyond the dedup window harmless.
func (l *Ledger) CloseByPlate(ctx context.Context, plate string, exitAt time.Time) (parking.Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.activeByPlate[plate]; ok {
		return l.closeLocked(ctx, l.tickets[id], exitAt)
	}
	if id, ok := l.lastClosed[plate]; ok {
		return *l.tickets[id], nil
	}
	return parking.Ticket{}, fmt.Errorf("%w: no active ticket for plate %s", ErrNotFound, plate)
}

// Cancel voids a ticket (confirmed false entry detection, operator
// override). The slot is released; no duration is billed.
func (l *Ledger) Cancel(ctx context.Context, id uuid.UUID, reason string) (parking.Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tickets[id]
	if !ok {
		return parking.Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.State.Terminal() {
		return parking.Ticket{}, fmt.Errorf("%w: %s is %s", ErrTerminal, id, t.State)
	}

	cancelled := *t
	cancelled.State = parking.TicketCancelled
	now := l.now()
	cancelled.ExitTime = &now
	if err := l.store.SaveTicket(ctx, cancelled); err != nil {
		return parking.Ticket{}, fmt.Errorf("persist cancel of %s: %w", id, err)
	}
	*t = cancelled
	if t.Plate != "" && l.activeByPlate[t.Plate] == id {
		delete(l.activeByPlate, t.Plate)
	}
	l.releaseSlot(ctx, t)

	l.log.Info().
		Str("ticket_id", id.String()).
		Str("plate", t.Plate).
		Str("reason", reason).
		Msg("ticket cancelled")
	return cancelled, nil
}

// MarkDisputed is the auditor's transition for irreconcilable mismatches.
// It never touches slot state.
func (l *Ledger) MarkDisputed(ctx context.Context, id uuid.UUID) (parking.Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tickets[id]
	if !ok {
		return parking.Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.State.Terminal() {
		if t.State == parking.TicketDisputed {
			return *t, nil
		}
		return parking.Ticket{}, fmt.Errorf("%w: %s is %s", ErrTerminal, id, t.State)
	}

	disputed := *t
	disputed.State = parking.TicketDisputed
	if err := l.store.SaveTicket(ctx, disputed); err != nil {
		return parking.Ticket{}, fmt.Errorf("persist dispute of %s: %w", id, err)
	}
	*t = disputed
	if t.Plate != "" && l.activeByPlate[t.Plate] == id {
		delete(l.activeByPlate, t.Plate)
	}
	return disputed, nil
}

// Get returns the ticket with the given id.
func (l *Ledger) Get(id uuid.UUID) (parking.Ticket, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tickets[id]
	if !ok {
		return parking.Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *t, nil
}

// ActiveByPlate returns the ACTIVE ticket for a normalized plate.
func (l *Ledger) ActiveByPlate(plate string) (parking.Ticket, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.activeByPlate[plate]
	if !ok {
		return parking.Ticket{}, fmt.Errorf("%w: no active ticket for plate %s", ErrNotFound, plate)
	}
	return *l.tickets[id], nil
}

// Active returns all ACTIVE tickets ordered by entry time.
func (l *Ledger) Active() []parking.Ticket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]parking.Ticket, 0, len(l.activeByPlate))
	for _, t := range l.tickets {
		if t.State == parking.TicketActive {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// List returns tickets filtered by state ("" for all), newest entry first.
func (l *Ledger) List(state parking.TicketState) []parking.Ticket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]parking.Ticket, 0, len(l.tickets))
	for _, t := range l.tickets {
		if state == "" || t.State == state {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.After(out[j].EntryTime) })
	return out
}

func (l *Ledger) closeLocked(ctx context.Context, t *parking.Ticket, exitAt time.Time) (parking.Ticket, error) {
	if t.State == parking.TicketClosed {
		return *t, nil
	}
	if t.State.Terminal() {
		return parking.Ticket{}, fmt.Errorf("%w: %s is %s", ErrTerminal, t.ID, t.State)
	}

	closed := *t
	closed.State = parking.TicketClosed
	closed.ExitTime = &exitAt
	if d := exitAt.Sub(t.EntryTime); d > 0 {
		closed.BilledDuration = d
	}
	if err := l.store.SaveTicket(ctx, closed); err != nil {
		return parking.Ticket{}, fmt.Errorf("persist close of %s: %w", t.ID, err)
	}
	*t = closed
	if t.Plate != "" {
		if l.activeByPlate[t.Plate] == t.ID {
			delete(l.activeByPlate, t.Plate)
		}
		l.lastClosed[t.Plate] = t.ID
	}
	l.releaseSlot(ctx, t)

	l.log.Info().
		Str("ticket_id", t.ID.String()).
		Str("plate", t.Plate).
		Str("slot", t.SlotCode).
		Dur("billed", closed.BilledDuration).
		Msg("ticket closed")
	return closed, nil
}

// releaseSlot returns the assigned slot. A mismatch is a consistency
// problem for the auditor, not a failure of the close itself: the vehicle
// has left regardless of what the registry believed.
func (l *Ledger) releaseSlot(ctx context.Context, t *parking.Ticket) {
	err := l.slots.Release(ctx, t.SlotCode, t.ID)
	if err == nil {
		return
	}
	l.log.Warn().
		Err(err).
		Str("ticket_id", t.ID.String()).
		Str("slot", t.SlotCode).
		Msg("slot release mismatch on ticket close")
	id := t.ID
	a := parking.Alert{
		Kind:     parking.AlertDiscrepancy,
		SlotCode: t.SlotCode,
		TicketID: &id,
		Plate:    t.Plate,
		Message:  fmt.Sprintf("slot %s could not be released for ticket %s: %v", t.SlotCode, t.ID, err),
		At:       l.now(),
	}
	select {
	case l.mismatches <- a:
	default:
		l.log.Warn().Str("slot", t.SlotCode).Msg("mismatch channel full, signal dropped")
	}
}

func (l *Ledger) signalDuplicate(d parking.DuplicatePlate) {
	select {
	case l.duplicates <- d:
	default:
		l.log.Warn().Str("plate", d.Plate).Msg("duplicate channel full, signal dropped")
	}
}
