package alloc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-core/internal/core/ledger"
	"parking-core/internal/core/registry"
	"parking-core/internal/domain/parking"
)

type nopStore struct{}

func (nopStore) SaveSlot(ctx context.Context, s parking.Slot) error     { return nil }
func (nopStore) SaveTicket(ctx context.Context, t parking.Ticket) error { return nil }

type failingTicketStore struct{}

func (failingTicketStore) SaveTicket(ctx context.Context, t parking.Ticket) error {
	return errors.New("store unavailable")
}

func build(t *testing.T, slots []parking.Slot) (*Engine, *registry.Registry, *ledger.Ledger) {
	t.Helper()
	reg := registry.New(nopStore{}, 30*time.Second, zerolog.Nop())
	if err := reg.Bootstrap(context.Background(), slots); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	led := ledger.New(nopStore{}, reg, zerolog.Nop())
	return New(reg, led, zerolog.Nop()), reg, led
}

func carSlot(floor string, n int) parking.Slot {
	return parking.Slot{Code: parking.SlotCode(floor, parking.ClassCar, n), Floor: floor, Class: parking.ClassCar}
}

func req(plate string) Request {
	return Request{
		Class:      parking.ClassCar,
		Plate:      plate,
		RawPlate:   plate,
		CameraID:   "cam-entry-1",
		Confidence: 0.9,
		At:         time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAllocatePrefersFloorThenLoadThenCode(t *testing.T) {
	eng, reg, _ := build(t, []parking.Slot{
		carSlot("A", 1), carSlot("A", 2), carSlot("B", 1), carSlot("B", 2),
	})
	ctx := context.Background()

	// Load floor A so B becomes the balanced choice.
	if err := reg.TryClaim(ctx, "A-C-01", uuid.New()); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	tk, err := eng.Allocate(ctx, req("AAA1111"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if tk.SlotCode != "B-C-01" {
		t.Errorf("slot = %s, want B-C-01 (lighter floor, lowest code)", tk.SlotCode)
	}

	// An explicit floor preference overrides balancing.
	r := req("BBB2222")
	r.PreferredFloor = "A"
	tk, err = eng.Allocate(ctx, r)
	if err != nil {
		t.Fatalf("Allocate with preference: %v", err)
	}
	if tk.SlotCode != "A-C-02" {
		t.Errorf("slot = %s, want A-C-02", tk.SlotCode)
	}
}

func TestAllocateNoCapacity(t *testing.T) {
	eng, _, _ := build(t, []parking.Slot{carSlot("A", 1)})
	ctx := context.Background()

	if _, err := eng.Allocate(ctx, req("AAA1111")); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := eng.Allocate(ctx, req("BBB2222")); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Allocate on full lot = %v, want ErrNoCapacity", err)
	}

	// No BIKE slots configured at all.
	r := req("CCC3333")
	r.Class = parking.ClassBike
	if _, err := eng.Allocate(ctx, r); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Allocate without bike slots = %v, want ErrNoCapacity", err)
	}
}

func TestConcurrentAllocationOversubscribed(t *testing.T) {
	const freeSlots = 5
	const callers = 20

	slots := make([]parking.Slot, 0, freeSlots)
	for i := 1; i <= freeSlots; i++ {
		slots = append(slots, carSlot("A", i))
	}
	eng, reg, led := build(t, slots)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var opened []parking.Ticket
	noCapacity := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := eng.Allocate(ctx, req(uuid.NewString()[:8]))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				opened = append(opened, tk)
			case errors.Is(err, ErrNoCapacity):
				noCapacity++
			default:
				t.Errorf("caller %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if len(opened) != freeSlots {
		t.Errorf("tickets opened = %d, want %d", len(opened), freeSlots)
	}
	if noCapacity != callers-freeSlots {
		t.Errorf("NoCapacity results = %d, want %d", noCapacity, callers-freeSlots)
	}

	claimed := make(map[string]uuid.UUID)
	for _, tk := range opened {
		if prev, dup := claimed[tk.SlotCode]; dup {
			t.Errorf("slot %s claimed by both %s and %s", tk.SlotCode, prev, tk.ID)
		}
		claimed[tk.SlotCode] = tk.ID
	}

	// Registry and ledger agree slot by slot.
	for _, v := range reg.Snapshot() {
		if v.State != parking.SlotOccupied {
			t.Errorf("slot %s = %s, want OCCUPIED", v.Code, v.State)
			continue
		}
		tk, err := led.Get(*v.Occupant)
		if err != nil {
			t.Errorf("occupant of %s: %v", v.Code, err)
			continue
		}
		if tk.SlotCode != v.Code {
			t.Errorf("ticket %s points at %s, slot is %s", tk.ID, tk.SlotCode, v.Code)
		}
	}
}

func TestRaceOnLastPreferredSlot(t *testing.T) {
	eng, reg, _ := build(t, []parking.Slot{
		carSlot("A", 1), carSlot("A", 2), carSlot("B", 1),
	})
	ctx := context.Background()
	if err := reg.TryClaim(ctx, "A-C-02", uuid.New()); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	// Two concurrent entries both prefer floor A with one A slot left:
	// exactly one gets it, the other falls through to floor B.
	results := make(chan parking.Ticket, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(plate string) {
			defer wg.Done()
			r := req(plate)
			r.PreferredFloor = "A"
			tk, err := eng.Allocate(ctx, r)
			if err != nil {
				t.Errorf("Allocate(%s): %v", plate, err)
				return
			}
			results <- tk
		}("PLT000" + string(rune('1'+i)))
	}
	wg.Wait()
	close(results)

	got := make(map[string]int)
	for tk := range results {
		got[tk.SlotCode]++
	}
	if got["A-C-01"] != 1 || got["B-C-01"] != 1 {
		t.Errorf("allocations = %v, want one A-C-01 and one B-C-01", got)
	}
}

func TestClaimRolledBackWhenTicketOpenFails(t *testing.T) {
	reg := registry.New(nopStore{}, 30*time.Second, zerolog.Nop())
	if err := reg.Bootstrap(context.Background(), []parking.Slot{carSlot("A", 1)}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	led := ledger.New(failingTicketStore{}, reg, zerolog.Nop())
	eng := New(reg, led, zerolog.Nop())

	if _, err := eng.Allocate(context.Background(), req("AAA1111")); err == nil {
		t.Fatal("Allocate succeeded despite ticket store failure")
	}
	snap := reg.Snapshot()
	if snap[0].State != parking.SlotFree {
		t.Errorf("slot = %s after rollback, want FREE", snap[0].State)
	}
}
