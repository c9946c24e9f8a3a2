package ingress

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"parking-core/internal/domain/parking"
)

func fixedNow() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func newTestIngress() *Ingress {
	in := New(120*time.Second, zerolog.Nop())
	in.now = fixedNow
	return in
}

func entryEvent(camera string, seq uint64, capturedAt time.Time) *parking.DetectionEvent {
	return &parking.DetectionEvent{
		CameraID:   camera,
		SourceSeq:  seq,
		CapturedAt: capturedAt,
		Kind:       parking.KindEntry,
		Entry: &parking.EntryPayload{
			VehicleType: parking.ClassCar,
			PlateNumber: "ABC1234",
			Confidence:  0.92,
		},
	}
}

func TestAcceptStampsIngestion(t *testing.T) {
	in := newTestIngress()
	ev := entryEvent("cam-entry-1", 1, fixedNow().Add(-2*time.Second))
	if err := in.Accept(ev); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if !ev.IngestedAt.Equal(fixedNow()) {
		t.Errorf("IngestedAt = %v, want %v", ev.IngestedAt, fixedNow())
	}
}

func TestRejectsStale(t *testing.T) {
	in := newTestIngress()
	ev := entryEvent("cam-entry-1", 1, fixedNow().Add(-121*time.Second))
	if err := in.Accept(ev); !errors.Is(err, ErrStale) {
		t.Fatalf("Accept = %v, want ErrStale", err)
	}
}

func TestRejectsMalformed(t *testing.T) {
	in := newTestIngress()
	cases := []struct {
		name string
		ev   *parking.DetectionEvent
	}{
		{"missing camera", entryEvent("", 1, fixedNow())},
		{"missing payload", &parking.DetectionEvent{CameraID: "c", SourceSeq: 1, CapturedAt: fixedNow(), Kind: parking.KindEntry}},
		{"bad vehicle type", &parking.DetectionEvent{
			CameraID: "c", SourceSeq: 1, CapturedAt: fixedNow(), Kind: parking.KindEntry,
			Entry: &parking.EntryPayload{VehicleType: "TRUCK"},
		}},
		{"unknown kind", &parking.DetectionEvent{CameraID: "c", SourceSeq: 1, CapturedAt: fixedNow(), Kind: "boom"}},
		{"exit without plate", &parking.DetectionEvent{
			CameraID: "c", SourceSeq: 1, CapturedAt: fixedNow(), Kind: parking.KindExit,
			Exit: &parking.ExitPayload{},
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := in.Accept(c.ev); !errors.Is(err, ErrMalformed) {
				t.Errorf("Accept = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestPerSourceSequence(t *testing.T) {
	in := newTestIngress()
	at := fixedNow().Add(-time.Second)

	if err := in.Accept(entryEvent("cam-1", 5, at)); err != nil {
		t.Fatalf("seq 5: %v", err)
	}
	if err := in.Accept(entryEvent("cam-1", 5, at)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("replayed seq = %v, want ErrOutOfOrder", err)
	}
	if err := in.Accept(entryEvent("cam-1", 4, at)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("regressed seq = %v, want ErrOutOfOrder", err)
	}
	// An independent source has its own sequence space.
	if err := in.Accept(entryEvent("cam-2", 1, at)); err != nil {
		t.Errorf("other source seq 1: %v", err)
	}
	if err := in.Accept(entryEvent("cam-1", 6, at)); err != nil {
		t.Errorf("advancing seq 6: %v", err)
	}
}

func TestUnsequencedSourceAlwaysAccepted(t *testing.T) {
	in := newTestIngress()
	at := fixedNow().Add(-time.Second)

	// A source that sends no sequence numbers decodes to zero every time;
	// each event must still pass.
	for n := 0; n < 3; n++ {
		if err := in.Accept(entryEvent("cam-1", 0, at)); err != nil {
			t.Fatalf("unsequenced event %d: %v", n, err)
		}
	}

	// Sequenced events from the same source keep their ordering check.
	if err := in.Accept(entryEvent("cam-1", 3, at)); err != nil {
		t.Fatalf("seq 3: %v", err)
	}
	if err := in.Accept(entryEvent("cam-1", 3, at)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("replayed seq = %v, want ErrOutOfOrder", err)
	}
	if err := in.Accept(entryEvent("cam-1", 0, at)); err != nil {
		t.Errorf("unsequenced after sequenced: %v", err)
	}
}
