package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS floors (
		name            TEXT PRIMARY KEY,
		car_slots       INT NOT NULL DEFAULT 0,
		bike_slots      INT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS slots (
		code            TEXT PRIMARY KEY,
		floor           TEXT NOT NULL REFERENCES floors(name),
		class           TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'FREE',
		occupant_id     UUID,
		changed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_slots_floor ON slots(floor);`,
	`CREATE INDEX IF NOT EXISTS idx_slots_status ON slots(status);`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id              UUID PRIMARY KEY,
		plate           TEXT NOT NULL DEFAULT '',
		raw_plate       TEXT NOT NULL DEFAULT '',
		vehicle_class   TEXT NOT NULL,
		slot_code       TEXT NOT NULL REFERENCES slots(code),
		entry_time      TIMESTAMPTZ NOT NULL,
		exit_time       TIMESTAMPTZ,
		status          TEXT NOT NULL DEFAULT 'ACTIVE',
		billed_seconds  BIGINT NOT NULL DEFAULT 0,
		entry_camera_id TEXT,
		entry_confidence NUMERIC(5,2),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_plate ON tickets(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);`,
	// One ACTIVE ticket per readable plate; unreadable plates are exempt.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_tickets_active_plate
		ON tickets(plate) WHERE status = 'ACTIVE' AND plate <> '';`,
	`CREATE TABLE IF NOT EXISTS parking_events (
		id              BIGSERIAL PRIMARY KEY,
		kind            TEXT NOT NULL,
		category        TEXT NOT NULL,
		description     TEXT NOT NULL,
		slot_code       TEXT,
		ticket_id       UUID,
		plate           TEXT,
		camera_id       TEXT,
		severity        TEXT NOT NULL DEFAULT 'info',
		payload         JSONB,
		event_time      TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_parking_events_kind ON parking_events(kind);`,
	`CREATE INDEX IF NOT EXISTS idx_parking_events_event_time ON parking_events(event_time);`,
}

// RunMigrations applies the schema statements in order. Statements are
// idempotent, so reruns on startup are safe.
func RunMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// SeedFloors records the configured topology. Existing rows are kept.
func SeedFloors(db *gorm.DB, floors map[string][2]int) error {
	for name, counts := range floors {
		err := db.Exec(
			`INSERT INTO floors (name, car_slots, bike_slots) VALUES (?, ?, ?)
			 ON CONFLICT (name) DO NOTHING`,
			name, counts[0], counts[1],
		).Error
		if err != nil {
			return fmt.Errorf("seed floor %s: %w", name, err)
		}
	}
	return nil
}
