package ingress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parking-core/internal/domain/parking"
)

var (
	// ErrMalformed marks events missing required fields. They are logged
	// and dropped, never retried.
	ErrMalformed = errors.New("malformed event")
	// ErrStale marks events whose capture time is older than the
	// configured maximum staleness; slot and ticket state has likely
	// moved on, so they are dropped rather than replayed.
	ErrStale = errors.New("stale event")
	// ErrOutOfOrder marks an event whose source sequence number does not
	// advance the per-source high-water mark. Sources are FIFO, so a
	// regressed sequence is a replay.
	ErrOutOfOrder = errors.New("out-of-order event")
)

// Ingress validates and normalizes inbound detection events. It keeps a
// per-source sequence high-water mark so replays from a flaky pipeline are
// rejected before they reach the deduplicator.
type Ingress struct {
	maxStaleness time.Duration
	log          zerolog.Logger
	now          func() time.Time

	mu      sync.Mutex
	lastSeq map[string]uint64
}

func New(maxStaleness time.Duration, log zerolog.Logger) *Ingress {
	return &Ingress{
		maxStaleness: maxStaleness,
		log:          log,
		now:          time.Now,
		lastSeq:      make(map[string]uint64),
	}
}

// Accept validates ev in place and stamps its ingestion timestamp. A nil
// error means the event may be forwarded downstream.
func (i *Ingress) Accept(ev *parking.DetectionEvent) error {
	if err := i.validate(ev); err != nil {
		i.log.Warn().
			Err(err).
			Str("camera_id", ev.CameraID).
			Uint64("source_seq", ev.SourceSeq).
			Str("kind", string(ev.Kind)).
			Msg("dropping inbound event")
		return err
	}

	now := i.now()
	if now.Sub(ev.CapturedAt) > i.maxStaleness {
		i.log.Warn().
			Str("camera_id", ev.CameraID).
			Time("captured_at", ev.CapturedAt).
			Dur("age", now.Sub(ev.CapturedAt)).
			Msg("dropping stale event")
		return fmt.Errorf("%w: captured %s ago", ErrStale, now.Sub(ev.CapturedAt))
	}

	// Sequence numbers are optional: sources that do not emit them send
	// zero, and the deduplicator alone guards those against replays.
	if ev.SourceSeq > 0 {
		i.mu.Lock()
		last, seen := i.lastSeq[ev.CameraID]
		if seen && ev.SourceSeq <= last {
			i.mu.Unlock()
			return fmt.Errorf("%w: seq %d <= %d from %s", ErrOutOfOrder, ev.SourceSeq, last, ev.CameraID)
		}
		i.lastSeq[ev.CameraID] = ev.SourceSeq
		i.mu.Unlock()
	}

	ev.IngestedAt = now
	return nil
}

func (i *Ingress) validate(ev *parking.DetectionEvent) error {
	if ev.CameraID == "" {
		return fmt.Errorf("%w: camera_id is required", ErrMalformed)
	}
	if ev.CapturedAt.IsZero() {
		return fmt.Errorf("%w: captured_at is required", ErrMalformed)
	}
	switch ev.Kind {
	case parking.KindEntry:
		if ev.Entry == nil {
			return fmt.Errorf("%w: entry payload is required", ErrMalformed)
		}
		if !ev.Entry.VehicleType.Valid() {
			return fmt.Errorf("%w: vehicle_type must be CAR or BIKE", ErrMalformed)
		}
	case parking.KindOccupancy:
		if ev.Occupancy == nil {
			return fmt.Errorf("%w: occupancy payload is required", ErrMalformed)
		}
		if len(ev.Occupancy.Detections) == 0 {
			return fmt.Errorf("%w: occupancy payload has no detections", ErrMalformed)
		}
		for _, d := range ev.Occupancy.Detections {
			if d.SlotCode == "" {
				return fmt.Errorf("%w: detection without slot_code", ErrMalformed)
			}
		}
	case parking.KindExit:
		if ev.Exit == nil {
			return fmt.Errorf("%w: exit payload is required", ErrMalformed)
		}
		if ev.Exit.PlateNumber == "" {
			return fmt.Errorf("%w: exit without plate_number", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, ev.Kind)
	}
	return nil
}
