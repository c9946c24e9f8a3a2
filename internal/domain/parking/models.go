package parking

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type VehicleClass string

const (
	ClassCar  VehicleClass = "CAR"
	ClassBike VehicleClass = "BIKE"
)

func (c VehicleClass) Valid() bool {
	return c == ClassCar || c == ClassBike
}

type SlotState string

const (
	SlotFree     SlotState = "FREE"
	SlotOccupied SlotState = "OCCUPIED"
	SlotReserved SlotState = "RESERVED"
	SlotDisabled SlotState = "DISABLED"
)

// Slot is the registry's view of one physical parking space. Occupant is
// non-nil iff State is OCCUPIED or RESERVED.
type Slot struct {
	Code      string       `json:"code"`
	Floor     string       `json:"floor"`
	Class     VehicleClass `json:"class"`
	State     SlotState    `json:"state"`
	Occupant  *uuid.UUID   `json:"occupant,omitempty"`
	ChangedAt time.Time    `json:"changed_at"`
}

type TicketState string

const (
	TicketActive    TicketState = "ACTIVE"
	TicketClosed    TicketState = "CLOSED"
	TicketCancelled TicketState = "CANCELLED"
	TicketDisputed  TicketState = "DISPUTED"
)

// Terminal reports whether the state admits no further transitions.
func (s TicketState) Terminal() bool {
	return s == TicketClosed || s == TicketCancelled || s == TicketDisputed
}

// Ticket records one vehicle visit from entry to exit. Plate is the
// normalized plate text and may be empty when the upstream pipeline could
// not read it. Tickets are never deleted; closed and disputed tickets are
// retained as audit history.
type Ticket struct {
	ID              uuid.UUID    `json:"id"`
	Plate           string       `json:"plate"`
	RawPlate        string       `json:"raw_plate,omitempty"`
	Class           VehicleClass `json:"vehicle_class"`
	SlotCode        string       `json:"slot_code"`
	EntryTime       time.Time    `json:"entry_time"`
	ExitTime        *time.Time   `json:"exit_time,omitempty"`
	State           TicketState  `json:"state"`
	BilledDuration  time.Duration `json:"billed_duration"`
	EntryCameraID   string       `json:"entry_camera_id,omitempty"`
	EntryConfidence float64      `json:"entry_confidence,omitempty"`
}

// FloorSummary is the per-floor availability breakdown returned by the
// slot-map query.
type FloorSummary struct {
	Floor     string               `json:"floor"`
	ByClass   map[VehicleClass]ClassSummary `json:"by_class"`
	Total     int                  `json:"total"`
	Occupied  int                  `json:"occupied"`
	Available int                  `json:"available"`
}

type ClassSummary struct {
	Total     int `json:"total"`
	Occupied  int `json:"occupied"`
	Available int `json:"available"`
}

// SlotCode builds a code following the facility convention, e.g. "A-C-01"
// for the first car slot on floor A, "B-B-16" for the sixteenth bike slot
// on floor B.
func SlotCode(floor string, class VehicleClass, n int) string {
	tc := "C"
	if class == ClassBike {
		tc = "B"
	}
	return fmt.Sprintf("%s-%s-%02d", floor, tc, n)
}
