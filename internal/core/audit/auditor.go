package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parking-core/internal/core/ledger"
	"parking-core/internal/core/registry"
	"parking-core/internal/domain/parking"
)

// Recorder appends alert rows to the persisted audit log. Append failures
// are logged and swallowed: losing a log row must never stall the auditor.
type Recorder interface {
	AppendEvent(ctx context.Context, rec parking.EventRecord) error
}

// Auditor cross-checks the ticket ledger, the slot registry, and the
// corroborated camera evidence, and turns contradictions into structured
// alerts. It may mark a ticket DISPUTED on an irreconcilable mismatch but
// it never mutates registry state; physical follow-up is an operator
// concern.
type Auditor struct {
	interval time.Duration
	grace    time.Duration
	slots    *registry.Registry
	tickets  *ledger.Ledger
	recorder Recorder
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	alerts  []parking.Alert
	flagged map[string]struct{}
}

const alertHistory = 256

func New(interval, grace time.Duration, slots *registry.Registry, tickets *ledger.Ledger, recorder Recorder, log zerolog.Logger) *Auditor {
	return &Auditor{
		interval: interval,
		grace:    grace,
		slots:    slots,
		tickets:  tickets,
		recorder: recorder,
		log:      log,
		now:      time.Now,
		flagged:  make(map[string]struct{}),
	}
}

// Run drives the periodic sweep and drains the event-triggered signal
// channels until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		case d := <-a.slots.Discrepancies():
			a.onDiscrepancy(ctx, d)
		case d := <-a.tickets.DuplicatePlates():
			a.onDuplicatePlate(ctx, d)
		case alert := <-a.tickets.ReleaseMismatches():
			a.emit(ctx, alert, "release-mismatch")
		}
	}
}

// Alerts returns the most recent alerts, newest first.
func (a *Auditor) Alerts() []parking.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]parking.Alert, len(a.alerts))
	for i, al := range a.alerts {
		out[len(a.alerts)-1-i] = al
	}
	return out
}

// Sweep examines one consistent snapshot pair. It detects sustained
// evidence contradictions (including misparks, where a ticket's plate
// shows up on a different slot) and ACTIVE tickets whose slot has been
// observed empty past the grace period.
func (a *Auditor) Sweep(ctx context.Context) {
	now := a.now()
	slots := a.slots.Snapshot()
	active := a.tickets.Active()

	bySlot := make(map[string]registry.SlotView, len(slots))
	plateSeenAt := make(map[string]string)
	for _, v := range slots {
		bySlot[v.Code] = v
		if v.EvidenceOccupied != nil && *v.EvidenceOccupied && v.EvidencePlate != "" {
			plateSeenAt[v.EvidencePlate] = v.Code
		}
	}

	for _, t := range active {
		v, ok := bySlot[t.SlotCode]
		if !ok {
			continue
		}
		if v.EvidenceOccupied == nil || *v.EvidenceOccupied {
			continue
		}
		if v.DisagreeSince.IsZero() || now.Sub(v.DisagreeSince) <= a.grace {
			continue
		}

		if other, misparked := plateSeenAt[t.Plate]; misparked && t.Plate != "" && other != t.SlotCode {
			a.flagOnce(ctx, "mispark:"+t.ID.String(), func() parking.Alert {
				id := t.ID
				if _, err := a.tickets.MarkDisputed(ctx, t.ID); err != nil {
					a.log.Error().Err(err).Str("ticket_id", t.ID.String()).Msg("failed to dispute misparked ticket")
				}
				return parking.Alert{
					Kind:     parking.AlertMispark,
					SlotCode: t.SlotCode,
					TicketID: &id,
					Plate:    t.Plate,
					Message:  fmt.Sprintf("ticket %s assigned %s but plate %s observed at %s", t.ID, t.SlotCode, t.Plate, other),
					At:       now,
				}
			})
			continue
		}

		a.flagOnce(ctx, "phantom:"+t.ID.String(), func() parking.Alert {
			id := t.ID
			return parking.Alert{
				Kind:     parking.AlertPhantomExit,
				SlotCode: t.SlotCode,
				TicketID: &id,
				Plate:    t.Plate,
				Message:  fmt.Sprintf("slot %s observed empty since %s but ticket %s is ACTIVE", t.SlotCode, v.DisagreeSince.Format(time.RFC3339), t.ID),
				At:       now,
			}
		})
	}
}

func (a *Auditor) onDiscrepancy(ctx context.Context, d parking.Discrepancy) {
	a.flagOnce(ctx, "discrepancy:"+d.SlotCode+":"+d.Since.Format(time.RFC3339Nano), func() parking.Alert {
		return parking.Alert{
			Kind:     parking.AlertDiscrepancy,
			SlotCode: d.SlotCode,
			TicketID: d.Occupant,
			Plate:    d.EvidencePlate,
			Message: fmt.Sprintf("slot %s is %s but camera evidence says occupied=%t since %s",
				d.SlotCode, d.LogicalState, d.EvidenceOccupied, d.Since.Format(time.RFC3339)),
			At: a.now(),
		}
	})
}

func (a *Auditor) onDuplicatePlate(ctx context.Context, d parking.DuplicatePlate) {
	stale := d.StaleTicket
	a.emit(ctx, parking.Alert{
		Kind:     parking.AlertDuplicatePlate,
		TicketID: &stale,
		Plate:    d.Plate,
		Message:  fmt.Sprintf("plate %s re-entered while ticket %s was ACTIVE; %s opened, stale ticket disputed", d.Plate, d.StaleTicket, d.FreshTicket),
		At:       d.At,
	}, "duplicate-plate")
}

// flagOnce guards repeated sweeps from re-alerting the same finding.
func (a *Auditor) flagOnce(ctx context.Context, key string, build func() parking.Alert) {
	a.mu.Lock()
	if _, dup := a.flagged[key]; dup {
		a.mu.Unlock()
		return
	}
	a.flagged[key] = struct{}{}
	a.mu.Unlock()

	a.emit(ctx, build(), key)
}

func (a *Auditor) emit(ctx context.Context, alert parking.Alert, key string) {
	a.mu.Lock()
	a.alerts = append(a.alerts, alert)
	if len(a.alerts) > alertHistory {
		a.alerts = a.alerts[len(a.alerts)-alertHistory:]
	}
	a.mu.Unlock()

	a.log.Warn().
		Str("alert_kind", string(alert.Kind)).
		Str("slot", alert.SlotCode).
		Str("plate", alert.Plate).
		Str("detail", alert.Message).
		Msg("consistency alert")

	rec := parking.EventRecord{
		Kind:        "alert",
		Category:    string(alert.Kind),
		Description: alert.Message,
		SlotCode:    alert.SlotCode,
		TicketID:    alert.TicketID,
		Plate:       alert.Plate,
		Severity:    "warning",
		At:          alert.At,
	}
	if err := a.recorder.AppendEvent(ctx, rec); err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("failed to append alert record")
	}
}
