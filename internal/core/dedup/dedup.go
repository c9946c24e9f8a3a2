package dedup

import (
	"sync"
	"time"

	"parking-core/internal/domain/parking"
)

type fingerprint struct {
	kind   parking.EventKind
	key    string
	bucket int64
}

// Deduplicator collapses repeated emissions of the same physical
// occurrence. The key is (kind, caller-chosen identity such as a
// normalized plate or camera+slot, capture time rounded to the debounce
// window), so retries from upstream pipelines within the window reach
// downstream exactly once.
//
// The fingerprint set is bounded: entries are evicted once they are older
// than twice the debounce window, and an absolute cap guards against a
// misbehaving source flooding distinct keys.
type Deduplicator struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu   sync.Mutex
	seen map[fingerprint]time.Time
}

const (
	defaultMaxEntries = 8192
	defaultWindow     = 3 * time.Second
)

func New(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = defaultWindow
	}
	return &Deduplicator{
		window:     window,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		seen:       make(map[fingerprint]time.Time),
	}
}

// Seen records the occurrence and reports whether an event with the same
// key was already admitted within the window. The first caller for a key
// gets false; duplicates get true and must be dropped silently.
func (d *Deduplicator) Seen(kind parking.EventKind, key string, capturedAt time.Time) bool {
	fp := fingerprint{
		kind:   kind,
		key:    key,
		bucket: capturedAt.UnixNano() / int64(d.window),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.evictLocked(now)

	if _, dup := d.seen[fp]; dup {
		return true
	}
	d.seen[fp] = now
	return false
}

// Len reports the current fingerprint count, for tests and stats.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) evictLocked(now time.Time) {
	horizon := now.Add(-2 * d.window)
	for fp, at := range d.seen {
		if at.Before(horizon) {
			delete(d.seen, fp)
		}
	}
	// Hard cap: shed oldest-first would need ordering; shedding anything
	// only risks letting a duplicate through, which downstream idempotence
	// absorbs.
	for fp := range d.seen {
		if len(d.seen) <= d.maxEntries {
			break
		}
		delete(d.seen, fp)
	}
}
