package alloc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-core/internal/core/ledger"
	"parking-core/internal/core/registry"
	"parking-core/internal/domain/parking"
)

// ErrNoCapacity means no FREE slot of the requested class exists. The
// facility being full is a normal business outcome, not an error worth
// alerting on.
var ErrNoCapacity = errors.New("no capacity")

// Engine picks a slot for an entering vehicle and opens its ticket. Claim
// and ticket creation are sequenced, never nested: a claim that fails
// leaves nothing behind, and a claim whose ticket cannot be opened is
// rolled back before the error surfaces, so a claimed-but-ticketless slot
// is never observable.
type Engine struct {
	slots   *registry.Registry
	tickets *ledger.Ledger
	log     zerolog.Logger
}

func New(slots *registry.Registry, tickets *ledger.Ledger, log zerolog.Logger) *Engine {
	return &Engine{slots: slots, tickets: tickets, log: log}
}

// Request carries everything the entry event knows about the vehicle.
type Request struct {
	Class          parking.VehicleClass
	PreferredFloor string
	Plate          string
	RawPlate       string
	CameraID       string
	Confidence     float64
	At             time.Time
}

// Allocate walks the ordered candidate list calling TryClaim. Losing a
// claim race moves on to the next candidate, so the retry loop is bounded
// by the list length. Candidate order: preferred floor first, then
// ascending floor load for balancing, then slot code for reproducibility.
func (e *Engine) Allocate(ctx context.Context, req Request) (parking.Ticket, error) {
	candidates := e.candidates(req.Class, req.PreferredFloor)
	if len(candidates) == 0 {
		return parking.Ticket{}, fmt.Errorf("%w: no FREE %s slot", ErrNoCapacity, req.Class)
	}

	for _, code := range candidates {
		if err := ctx.Err(); err != nil {
			// Abandoning before a claim succeeds has no side effects.
			return parking.Ticket{}, err
		}

		ticketID := uuid.New()
		err := e.slots.TryClaim(ctx, code, ticketID)
		if errors.Is(err, registry.ErrConflict) {
			continue
		}
		if err != nil {
			return parking.Ticket{}, err
		}

		t, err := e.tickets.Open(ctx, ticketID, req.Plate, req.RawPlate, req.Class, code, req.CameraID, req.Confidence, req.At)
		if err != nil {
			if rerr := e.slots.Release(ctx, code, ticketID); rerr != nil {
				e.log.Error().Err(rerr).Str("slot", code).Msg("rollback release failed")
			}
			return parking.Ticket{}, err
		}

		e.log.Info().
			Str("ticket_id", t.ID.String()).
			Str("plate", t.Plate).
			Str("slot", code).
			Str("vehicle_class", string(req.Class)).
			Msg("vehicle allocated")
		return t, nil
	}
	return parking.Ticket{}, fmt.Errorf("%w: all %d candidates contended", ErrNoCapacity, len(candidates))
}

// candidates builds the ordered slot-code list from a registry snapshot.
// The snapshot can go stale under concurrency; TryClaim arbitrates.
func (e *Engine) candidates(class parking.VehicleClass, preferredFloor string) []string {
	snap := e.slots.Snapshot()

	load := make(map[string]int)
	var free []parking.Slot
	for _, v := range snap {
		if v.State == parking.SlotOccupied || v.State == parking.SlotReserved {
			load[v.Floor]++
		}
		if v.Class == class && v.State == parking.SlotFree {
			free = append(free, v.Slot)
		}
	}

	sort.Slice(free, func(i, j int) bool {
		a, b := free[i], free[j]
		if preferredFloor != "" && (a.Floor == preferredFloor) != (b.Floor == preferredFloor) {
			return a.Floor == preferredFloor
		}
		if load[a.Floor] != load[b.Floor] {
			return load[a.Floor] < load[b.Floor]
		}
		return a.Code < b.Code
	})

	codes := make([]string, len(free))
	for i, s := range free {
		codes[i] = s.Code
	}
	return codes
}
