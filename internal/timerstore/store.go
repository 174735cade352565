// Package timerstore persists boost end times and restore data so
// that a boost survives process restarts. The store keeps at most one
// row per device; the persisted end timestamp is the source of truth
// for when a boost finishes, in-memory timers are derived from it.
package timerstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"thermoboost/internal/scheduler"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Record is one persisted boost.
type Record struct {
	DeviceID               string
	End                    time.Time
	PreBoostTemperature    *float64
	ScheduleSnapshot       []scheduler.SwitchSnapshot
	ScheduleOverrideActive bool
}

// Store is a sqlite-backed boost timer repository.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the timer database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timer store: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS boost_timers (
		device_id TEXT PRIMARY KEY,
		end_time INTEGER NOT NULL,
		pre_boost_temperature REAL,
		schedule_snapshot TEXT NOT NULL DEFAULT '[]',
		schedule_override INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create timer schema: %w", err)
	}

	logger.Named("timerstore").Info("Opened timer store", zap.String("path", path))
	return &Store{db: db, logger: logger.Named("timerstore")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces the record for a device.
func (s *Store) Put(record Record) error {
	snapshot, err := json.Marshal(record.ScheduleSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode schedule snapshot: %w", err)
	}

	var temperature sql.NullFloat64
	if record.PreBoostTemperature != nil {
		temperature = sql.NullFloat64{Float64: *record.PreBoostTemperature, Valid: true}
	}

	query := `
	INSERT INTO boost_timers (device_id, end_time, pre_boost_temperature, schedule_snapshot, schedule_override)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		end_time = excluded.end_time,
		pre_boost_temperature = excluded.pre_boost_temperature,
		schedule_snapshot = excluded.schedule_snapshot,
		schedule_override = excluded.schedule_override`

	_, err = s.db.Exec(query,
		record.DeviceID,
		record.End.Unix(),
		temperature,
		string(snapshot),
		boolToInt(record.ScheduleOverrideActive))
	if err != nil {
		return fmt.Errorf("failed to persist boost timer for %s: %w", record.DeviceID, err)
	}
	return nil
}

// Get returns the persisted record for a device, or (nil, nil) when
// no boost is recorded.
func (s *Store) Get(deviceID string) (*Record, error) {
	query := `
	SELECT device_id, end_time, pre_boost_temperature, schedule_snapshot, schedule_override
	FROM boost_timers WHERE device_id = ?`

	record, err := scanRecord(s.db.QueryRow(query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read boost timer for %s: %w", deviceID, err)
	}
	return record, nil
}

// Delete removes the record for a device. Deleting a device with no
// record is not an error.
func (s *Store) Delete(deviceID string) error {
	if _, err := s.db.Exec(`DELETE FROM boost_timers WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("failed to delete boost timer for %s: %w", deviceID, err)
	}
	return nil
}

// All returns every persisted record, ordered by device id.
func (s *Store) All() ([]Record, error) {
	query := `
	SELECT device_id, end_time, pre_boost_temperature, schedule_snapshot, schedule_override
	FROM boost_timers ORDER BY device_id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list boost timers: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan boost timer: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		record      Record
		endUnix     int64
		temperature sql.NullFloat64
		snapshot    string
		override    int
	)
	if err := row.Scan(&record.DeviceID, &endUnix, &temperature, &snapshot, &override); err != nil {
		return nil, err
	}

	record.End = time.Unix(endUnix, 0).UTC()
	if temperature.Valid {
		value := temperature.Float64
		record.PreBoostTemperature = &value
	}
	if err := json.Unmarshal([]byte(snapshot), &record.ScheduleSnapshot); err != nil {
		return nil, fmt.Errorf("corrupt schedule snapshot for %s: %w", record.DeviceID, err)
	}
	record.ScheduleOverrideActive = override != 0
	return &record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
