package occupancy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parking-core/internal/domain/parking"
)

// Observer receives hysteresis-confirmed occupancy transitions. The slot
// registry implements it; the reconciler never writes slot state itself.
type Observer interface {
	ObserveOccupancy(slotCode string, physicallyOccupied bool, plate string, at time.Time)
}

type vote struct {
	mu sync.Mutex

	confirmed    *bool
	candidate    bool
	candPlate    string
	candCamera   string
	streak       int
}

// Reconciler turns noisy per-frame slot readings into debounced occupancy
// transitions. A flip is confirmed only after k consecutive agreeing
// observations from the same camera, which absorbs single-frame false
// positives (shadows) and false negatives (occlusion). Slots vote
// independently; there is no cross-slot interaction.
type Reconciler struct {
	k    int
	sink Observer
	log  zerolog.Logger

	mu    sync.RWMutex
	votes map[string]*vote
}

func New(k int, sink Observer, log zerolog.Logger) *Reconciler {
	if k < 1 {
		k = 1
	}
	return &Reconciler{
		k:     k,
		sink:  sink,
		log:   log,
		votes: make(map[string]*vote),
	}
}

// Observe feeds one per-slot camera reading into the voting buffer and
// forwards a confirmed transition to the sink when the streak reaches k.
func (r *Reconciler) Observe(cameraID string, obs parking.SlotObservation, at time.Time) {
	v := r.vote(obs.SlotCode)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.streak > 0 && obs.Occupied == v.candidate && cameraID == v.candCamera {
		v.streak++
	} else {
		v.candidate = obs.Occupied
		v.candCamera = cameraID
		v.streak = 1
	}
	if obs.PlateNumber != "" {
		v.candPlate = obs.PlateNumber
	} else if v.streak == 1 {
		v.candPlate = ""
	}

	if v.streak < r.k {
		return
	}

	// Re-asserting an already-confirmed state still reaches the sink: the
	// registry's grace-period clock runs on fresh evidence, not on flips.
	if v.confirmed == nil || *v.confirmed != v.candidate {
		confirmed := v.candidate
		v.confirmed = &confirmed
		r.log.Debug().
			Str("slot", obs.SlotCode).
			Bool("occupied", confirmed).
			Str("camera_id", cameraID).
			Msg("occupancy flip confirmed")
	}
	r.sink.ObserveOccupancy(obs.SlotCode, v.candidate, v.candPlate, at)
}

func (r *Reconciler) vote(slotCode string) *vote {
	r.mu.RLock()
	v, ok := r.votes[slotCode]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = r.votes[slotCode]; ok {
		return v
	}
	v = &vote{}
	r.votes[slotCode] = v
	return v
}
