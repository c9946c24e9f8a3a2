package parking

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	KindEntry     EventKind = "entry"
	KindOccupancy EventKind = "occupancy"
	KindExit      EventKind = "exit"
)

// EntryPayload is what an entry-gate camera pipeline reports when a vehicle
// arrives. PlateNumber may be empty on a failed read.
type EntryPayload struct {
	VehicleType    VehicleClass `json:"vehicle_type"`
	PlateNumber    string       `json:"plate_number"`
	Confidence     float64      `json:"confidence"`
	PreferredFloor string       `json:"preferred_floor,omitempty"`
}

// SlotObservation is one per-slot reading inside an occupancy frame.
type SlotObservation struct {
	SlotCode    string `json:"slot_code"`
	Occupied    bool   `json:"occupied"`
	PlateNumber string `json:"plate_number,omitempty"`
}

type OccupancyPayload struct {
	Floor      string            `json:"floor"`
	Detections []SlotObservation `json:"detections"`
}

type ExitPayload struct {
	PlateNumber string `json:"plate_number"`
}

// DetectionEvent is one structured message from a camera pipeline. Exactly
// one of Entry, Occupancy, Exit is set, matching Kind. Events are consumed
// once and never mutated after ingress stamps IngestedAt.
type DetectionEvent struct {
	CameraID   string    `json:"camera_id"`
	SourceSeq  uint64    `json:"source_seq"`
	CapturedAt time.Time `json:"captured_at"`
	IngestedAt time.Time `json:"-"`
	Kind       EventKind `json:"kind"`

	Entry     *EntryPayload     `json:"entry,omitempty"`
	Occupancy *OccupancyPayload `json:"occupancy,omitempty"`
	Exit      *ExitPayload      `json:"exit,omitempty"`
}

type AlertKind string

const (
	AlertDiscrepancy    AlertKind = "discrepancy"
	AlertDuplicatePlate AlertKind = "duplicate_active_plate"
	AlertPhantomExit    AlertKind = "possible_unrecorded_exit"
	AlertMispark        AlertKind = "mispark"
)

// Alert is a structured consistency finding emitted by the auditor. Alerts
// describe a contradiction; they never imply the state was changed to match.
type Alert struct {
	Kind     AlertKind  `json:"kind"`
	SlotCode string     `json:"slot_code,omitempty"`
	TicketID *uuid.UUID `json:"ticket_id,omitempty"`
	Plate    string     `json:"plate,omitempty"`
	Message  string     `json:"message"`
	At       time.Time  `json:"at"`
}

// Discrepancy is the registry's signal that corroborating camera evidence
// has contradicted its logical state past the grace period.
type Discrepancy struct {
	SlotCode         string
	LogicalState     SlotState
	Occupant         *uuid.UUID
	EvidenceOccupied bool
	EvidencePlate    string
	Since            time.Time
}

// DuplicatePlate is the ledger's signal that entry was requested for a
// plate that already had an ACTIVE ticket.
type DuplicatePlate struct {
	Plate        string
	StaleTicket  uuid.UUID
	FreshTicket  uuid.UUID
	At           time.Time
}

// EventRecord is one row of the append-only audit log.
type EventRecord struct {
	Kind        string         `json:"kind"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	SlotCode    string         `json:"slot_code,omitempty"`
	TicketID    *uuid.UUID     `json:"ticket_id,omitempty"`
	Plate       string         `json:"plate,omitempty"`
	CameraID    string         `json:"camera_id,omitempty"`
	Severity    string         `json:"severity"`
	Payload     map[string]any `json:"payload,omitempty"`
	At          time.Time      `json:"at"`
}
