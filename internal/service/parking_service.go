package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-core/internal/config"
	"parking-core/internal/core/alloc"
	"parking-core/internal/core/audit"
	"parking-core/internal/core/dedup"
	"parking-core/internal/core/ingress"
	"parking-core/internal/core/ledger"
	"parking-core/internal/core/occupancy"
	"parking-core/internal/core/registry"
	"parking-core/internal/domain/parking"
	"parking-core/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrNoCapacity   = alloc.ErrNoCapacity
)

// Store aggregates the persistence the pipeline needs; the gorm repository
// satisfies it, tests use an in-memory stand-in.
type Store interface {
	registry.Store
	ledger.Store
	audit.Recorder
}

// Service owns the event pipeline: ingress validation, deduplication, and
// dispatch into the allocation engine, the occupancy reconciler, or the
// ticket ledger. A pool of workers consumes the merged stream; events are
// sharded to workers by camera id, so per-source FIFO survives pooling
// while unrelated sources proceed in parallel.
type Service struct {
	cfg      config.PipelineConfig
	topology []config.FloorConfig
	log      zerolog.Logger
	store    Store

	ingress    *ingress.Ingress
	dedup      *dedup.Deduplicator
	registry   *registry.Registry
	ledger     *ledger.Ledger
	alloc      *alloc.Engine
	reconciler *occupancy.Reconciler
	auditor    *audit.Auditor

	queues []chan *parking.DetectionEvent
	wg     sync.WaitGroup
}

func New(cfg config.PipelineConfig, topology []config.FloorConfig, store Store, log zerolog.Logger) (*Service, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}

	reg := registry.New(store, cfg.GracePeriod, log)
	led := ledger.New(store, reg, log)

	s := &Service{
		cfg:        cfg,
		topology:   topology,
		log:        log,
		store:      store,
		ingress:    ingress.New(cfg.MaxStaleness, log),
		dedup:      dedup.New(cfg.DebounceWindow),
		registry:   reg,
		ledger:     led,
		alloc:      alloc.New(reg, led, log),
		reconciler: occupancy.New(cfg.HysteresisK, reg, log),
		auditor:    audit.New(cfg.AuditInterval, cfg.GracePeriod, reg, led, store, log),
	}

	s.queues = make([]chan *parking.DetectionEvent, cfg.Workers)
	for i := range s.queues {
		s.queues[i] = make(chan *parking.DetectionEvent, cfg.QueueSize)
	}
	return s, nil
}

// Bootstrap installs recovered state first, then fills the remaining
// topology from configuration. Call once before Run; both arguments may be
// nil on a fresh deployment.
func (s *Service) Bootstrap(ctx context.Context, slots []parking.Slot, tickets []parking.Ticket) error {
	if err := s.registry.Bootstrap(ctx, slots); err != nil {
		return fmt.Errorf("restore slots: %w", err)
	}
	if err := s.registry.Bootstrap(ctx, buildTopology(s.topology)); err != nil {
		return fmt.Errorf("bootstrap topology: %w", err)
	}
	s.ledger.Restore(tickets)
	return nil
}

// Run starts the worker pool and the auditor and blocks until ctx is
// cancelled and the queues have drained.
func (s *Service) Run(ctx context.Context) {
	for i, q := range s.queues {
		s.wg.Add(1)
		go func(worker int, q chan *parking.DetectionEvent) {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					// Drain what was already accepted.
					for {
						select {
						case ev := <-q:
							s.process(context.Background(), ev)
						default:
							return
						}
					}
				case ev := <-q:
					s.process(ctx, ev)
				}
			}
		}(i, q)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.auditor.Run(ctx)
	}()

	s.wg.Wait()
}

// Submit validates an inbound detection event and hands it to the worker
// owning its source. Malformed and stale events are dropped here with a
// log record; the caller gets the classification.
func (s *Service) Submit(ev *parking.DetectionEvent) error {
	if err := s.ingress.Accept(ev); err != nil {
		return err
	}
	s.queues[s.shard(ev.CameraID)] <- ev
	return nil
}

func (s *Service) shard(cameraID string) int {
	h := fnv.New32a()
	h.Write([]byte(cameraID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *Service) process(ctx context.Context, ev *parking.DetectionEvent) {
	switch ev.Kind {
	case parking.KindEntry:
		s.processEntry(ctx, ev)
	case parking.KindOccupancy:
		s.processOccupancy(ctx, ev)
	case parking.KindExit:
		s.processExit(ctx, ev)
	}
}

func (s *Service) processEntry(ctx context.Context, ev *parking.DetectionEvent) {
	plate := utils.NormalizePlate(ev.Entry.PlateNumber)
	key := plate
	if key == "" {
		// Unreadable plate: fall back to the source so retries from the
		// same camera still collapse.
		key = "?" + ev.CameraID
	}
	if s.dedup.Seen(parking.KindEntry, key, ev.CapturedAt) {
		return
	}

	if ev.Entry.Confidence > 0 && ev.Entry.Confidence < 0.7 {
		s.log.Warn().
			Str("plate", plate).
			Float64("confidence", ev.Entry.Confidence).
			Str("camera_id", ev.CameraID).
			Msg("low confidence entry detection")
	}

	t, err := s.alloc.Allocate(ctx, alloc.Request{
		Class:          ev.Entry.VehicleType,
		PreferredFloor: ev.Entry.PreferredFloor,
		Plate:          plate,
		RawPlate:       ev.Entry.PlateNumber,
		CameraID:       ev.CameraID,
		Confidence:     ev.Entry.Confidence,
		At:             ev.CapturedAt,
	})
	if errors.Is(err, alloc.ErrNoCapacity) {
		// Facility full: a legitimate outcome, not an error.
		s.log.Info().
			Str("plate", plate).
			Str("vehicle_class", string(ev.Entry.VehicleType)).
			Msg("entry rejected, no capacity")
		s.record(ctx, parking.EventRecord{
			Kind:        "entry_rejected",
			Category:    "vehicle",
			Description: fmt.Sprintf("no %s capacity for plate %s", ev.Entry.VehicleType, plate),
			Plate:       plate,
			CameraID:    ev.CameraID,
			Severity:    "info",
			At:          ev.CapturedAt,
		})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("plate", plate).Msg("entry processing failed")
		return
	}

	id := t.ID
	s.record(ctx, parking.EventRecord{
		Kind:        "entry",
		Category:    "vehicle",
		Description: fmt.Sprintf("%s %s entered, assigned %s", t.Class, plate, t.SlotCode),
		SlotCode:    t.SlotCode,
		TicketID:    &id,
		Plate:       plate,
		CameraID:    ev.CameraID,
		Severity:    "info",
		At:          ev.CapturedAt,
	})
}

func (s *Service) processOccupancy(ctx context.Context, ev *parking.DetectionEvent) {
	for _, d := range ev.Occupancy.Detections {
		// Keyed per camera: a second camera covering the same slot is
		// independent evidence, not a duplicate.
		if s.dedup.Seen(parking.KindOccupancy, ev.CameraID+"|"+d.SlotCode, ev.CapturedAt) {
			continue
		}
		d.PlateNumber = utils.NormalizePlate(d.PlateNumber)
		s.reconciler.Observe(ev.CameraID, d, ev.CapturedAt)
	}
}

func (s *Service) processExit(ctx context.Context, ev *parking.DetectionEvent) {
	plate := utils.NormalizePlate(ev.Exit.PlateNumber)
	if plate == "" {
		s.log.Warn().Str("camera_id", ev.CameraID).Msg("exit event with unreadable plate")
		return
	}
	if s.dedup.Seen(parking.KindExit, plate, ev.CapturedAt) {
		return
	}

	t, err := s.ledger.CloseByPlate(ctx, plate, ev.CapturedAt)
	if errors.Is(err, ledger.ErrNotFound) {
		s.log.Warn().
			Str("plate", plate).
			Str("camera_id", ev.CameraID).
			Msg("exit for unknown plate")
		s.record(ctx, parking.EventRecord{
			Kind:        "exit_unmatched",
			Category:    "vehicle",
			Description: fmt.Sprintf("exit detected for plate %s without a ticket", plate),
			Plate:       plate,
			CameraID:    ev.CameraID,
			Severity:    "warning",
			At:          ev.CapturedAt,
		})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("plate", plate).Msg("exit processing failed")
		return
	}

	id := t.ID
	s.record(ctx, parking.EventRecord{
		Kind:        "exit",
		Category:    "vehicle",
		Description: fmt.Sprintf("%s %s exited %s after %s", t.Class, plate, t.SlotCode, t.BilledDuration),
		SlotCode:    t.SlotCode,
		TicketID:    &id,
		Plate:       plate,
		CameraID:    ev.CameraID,
		Severity:    "info",
		At:          ev.CapturedAt,
	})
}

// SlotMap returns the per-floor availability snapshot.
func (s *Service) SlotMap() []parking.FloorSummary {
	return s.registry.Summaries()
}

// Slots returns the full slot snapshot, optionally filtered.
func (s *Service) Slots(floor string, state parking.SlotState) []parking.Slot {
	var out []parking.Slot
	for _, v := range s.registry.Snapshot() {
		if floor != "" && v.Floor != floor {
			continue
		}
		if state != "" && v.State != state {
			continue
		}
		out = append(out, v.Slot)
	}
	return out
}

func (s *Service) Ticket(id uuid.UUID) (parking.Ticket, error) {
	t, err := s.ledger.Get(id)
	if errors.Is(err, ledger.ErrNotFound) {
		return parking.Ticket{}, fmt.Errorf("%w: ticket %s", ErrNotFound, id)
	}
	return t, err
}

func (s *Service) ActiveTicketByPlate(plate string) (parking.Ticket, error) {
	normalized := utils.NormalizePlate(plate)
	if normalized == "" {
		return parking.Ticket{}, fmt.Errorf("%w: plate cannot be empty after normalization", ErrInvalidInput)
	}
	t, err := s.ledger.ActiveByPlate(normalized)
	if errors.Is(err, ledger.ErrNotFound) {
		return parking.Ticket{}, fmt.Errorf("%w: no active ticket for %s", ErrNotFound, normalized)
	}
	return t, err
}

func (s *Service) Tickets(state parking.TicketState) []parking.Ticket {
	return s.ledger.List(state)
}

func (s *Service) Alerts() []parking.Alert {
	return s.auditor.Alerts()
}

// CloseTicket is the administrative close, for operator consoles.
func (s *Service) CloseTicket(ctx context.Context, id uuid.UUID, exitAt time.Time) (parking.Ticket, error) {
	t, err := s.ledger.Close(ctx, id, exitAt)
	if errors.Is(err, ledger.ErrNotFound) {
		return parking.Ticket{}, fmt.Errorf("%w: ticket %s", ErrNotFound, id)
	}
	if errors.Is(err, ledger.ErrTerminal) {
		return parking.Ticket{}, fmt.Errorf("%w: ticket %s is not closable", ErrInvalidInput, id)
	}
	return t, err
}

// CancelTicket voids a ticket without billing.
func (s *Service) CancelTicket(ctx context.Context, id uuid.UUID, reason string) (parking.Ticket, error) {
	t, err := s.ledger.Cancel(ctx, id, reason)
	if errors.Is(err, ledger.ErrNotFound) {
		return parking.Ticket{}, fmt.Errorf("%w: ticket %s", ErrNotFound, id)
	}
	if errors.Is(err, ledger.ErrTerminal) {
		return parking.Ticket{}, fmt.Errorf("%w: ticket %s is not cancellable", ErrInvalidInput, id)
	}
	return t, err
}

func (s *Service) record(ctx context.Context, rec parking.EventRecord) {
	if err := s.store.AppendEvent(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("kind", rec.Kind).Msg("failed to append event record")
	}
}

func buildTopology(floors []config.FloorConfig) []parking.Slot {
	var out []parking.Slot
	for _, f := range floors {
		for i := 1; i <= f.CarSlots; i++ {
			out = append(out, parking.Slot{
				Code:  parking.SlotCode(f.Name, parking.ClassCar, i),
				Floor: f.Name,
				Class: parking.ClassCar,
				State: parking.SlotFree,
			})
		}
		for i := 1; i <= f.BikeSlots; i++ {
			out = append(out, parking.Slot{
				Code:  parking.SlotCode(f.Name, parking.ClassBike, i),
				Floor: f.Name,
				Class: parking.ClassBike,
				State: parking.SlotFree,
			})
		}
	}
	return out
}
