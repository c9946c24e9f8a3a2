package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-core/internal/domain/parking"
)

// ParkingRepository is the write-through store behind the slot registry,
// the ticket ledger and the auditor. Every call is bounded by the
// configured timeout; on timeout the caller fails closed rather than
// assuming the write landed.
type ParkingRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewParkingRepository(db *gorm.DB, timeout time.Duration) *ParkingRepository {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ParkingRepository{db: db, timeout: timeout}
}

type SlotRow struct {
	Code      string `gorm:"primaryKey"`
	Floor     string `gorm:"not null;index"`
	Class     string `gorm:"not null"`
	Status    string `gorm:"not null"`
	OccupantID *string
	ChangedAt time.Time `gorm:"not null"`
}

func (SlotRow) TableName() string { return "slots" }

type TicketRow struct {
	ID              string `gorm:"primaryKey"`
	Plate           string `gorm:"index"`
	RawPlate        string
	VehicleClass    string `gorm:"not null"`
	SlotCode        string `gorm:"not null"`
	EntryTime       time.Time `gorm:"not null"`
	ExitTime        *time.Time
	Status          string `gorm:"not null;index"`
	BilledSeconds   int64
	EntryCameraID   *string
	EntryConfidence *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (TicketRow) TableName() string { return "tickets" }

type ParkingEventRow struct {
	ID          int64  `gorm:"primaryKey"`
	Kind        string `gorm:"not null;index"`
	Category    string `gorm:"not null"`
	Description string `gorm:"not null"`
	SlotCode    *string
	TicketID    *string
	Plate       *string
	CameraID    *string
	Severity    string
	Payload     datatypes.JSONMap `gorm:"type:jsonb"`
	EventTime   time.Time         `gorm:"not null;index"`
	CreatedAt   time.Time
}

func (ParkingEventRow) TableName() string { return "parking_events" }

func (r *ParkingRepository) SaveSlot(ctx context.Context, slot parking.Slot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := SlotRow{
		Code:      slot.Code,
		Floor:     slot.Floor,
		Class:     string(slot.Class),
		Status:    string(slot.State),
		ChangedAt: slot.ChangedAt,
	}
	if slot.Occupant != nil {
		id := slot.Occupant.String()
		row.OccupantID = &id
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (r *ParkingRepository) SaveTicket(ctx context.Context, t parking.Ticket) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := TicketRow{
		ID:            t.ID.String(),
		Plate:         t.Plate,
		RawPlate:      t.RawPlate,
		VehicleClass:  string(t.Class),
		SlotCode:      t.SlotCode,
		EntryTime:     t.EntryTime,
		ExitTime:      t.ExitTime,
		Status:        string(t.State),
		BilledSeconds: int64(t.BilledDuration / time.Second),
	}
	if t.EntryCameraID != "" {
		row.EntryCameraID = &t.EntryCameraID
	}
	if t.EntryConfidence != 0 {
		row.EntryConfidence = &t.EntryConfidence
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (r *ParkingRepository) AppendEvent(ctx context.Context, rec parking.EventRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := ParkingEventRow{
		Kind:        rec.Kind,
		Category:    rec.Category,
		Description: rec.Description,
		Severity:    rec.Severity,
		EventTime:   rec.At,
		CreatedAt:   time.Now(),
	}
	if rec.SlotCode != "" {
		row.SlotCode = &rec.SlotCode
	}
	if rec.TicketID != nil {
		id := rec.TicketID.String()
		row.TicketID = &id
	}
	if rec.Plate != "" {
		row.Plate = &rec.Plate
	}
	if rec.CameraID != "" {
		row.CameraID = &rec.CameraID
	}
	if len(rec.Payload) > 0 {
		row.Payload = datatypes.JSONMap(rec.Payload)
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// LoadSlots restores the slot inventory for registry bootstrap.
func (r *ParkingRepository) LoadSlots(ctx context.Context) ([]parking.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []SlotRow
	if err := r.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]parking.Slot, 0, len(rows))
	for _, row := range rows {
		s := parking.Slot{
			Code:      row.Code,
			Floor:     row.Floor,
			Class:     parking.VehicleClass(row.Class),
			State:     parking.SlotState(row.Status),
			ChangedAt: row.ChangedAt,
		}
		if row.OccupantID != nil {
			if id, err := uuid.Parse(*row.OccupantID); err == nil {
				s.Occupant = &id
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadActiveTickets restores ACTIVE tickets for ledger bootstrap.
func (r *ParkingRepository) LoadActiveTickets(ctx context.Context) ([]parking.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []TicketRow
	err := r.db.WithContext(ctx).
		Where("status = ?", string(parking.TicketActive)).
		Order("entry_time").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]parking.Ticket, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			continue
		}
		t := parking.Ticket{
			ID:             id,
			Plate:          row.Plate,
			RawPlate:       row.RawPlate,
			Class:          parking.VehicleClass(row.VehicleClass),
			SlotCode:       row.SlotCode,
			EntryTime:      row.EntryTime,
			ExitTime:       row.ExitTime,
			State:          parking.TicketState(row.Status),
			BilledDuration: time.Duration(row.BilledSeconds) * time.Second,
		}
		if row.EntryCameraID != nil {
			t.EntryCameraID = *row.EntryCameraID
		}
		if row.EntryConfidence != nil {
			t.EntryConfidence = *row.EntryConfidence
		}
		out = append(out, t)
	}
	return out, nil
}
