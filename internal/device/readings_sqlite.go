package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultReadingsLimit = 50
	maxReadingsLimit     = 500

	// timestampLayout is fixed-width so that created_at sorts lexically.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Reading is one simulation cycle as published and recorded.
type Reading struct {
	ID               int64    `json:"id,omitempty"`
	DeviceID         string   `json:"device_id"`
	Snapshot         Snapshot `json:"snapshot"`
	TemperatureAlarm bool     `json:"temperature_alarm"`
	HumidityAlarm    bool     `json:"humidity_alarm"`
}

// NewReading wraps snap for deviceID with its alarm flags evaluated.
func NewReading(deviceID string, snap Snapshot) Reading {
	return Reading{
		DeviceID:         deviceID,
		Snapshot:         snap,
		TemperatureAlarm: snap.TemperatureAlarm(),
		HumidityAlarm:    snap.HumidityAlarm(),
	}
}

// SQLiteReadingRepository stores reading history in the readings table.
type SQLiteReadingRepository struct {
	db *sql.DB
}

// NewSQLiteReadingRepository creates a reading repository on db.
func NewSQLiteReadingRepository(db *sql.DB) *SQLiteReadingRepository {
	return &SQLiteReadingRepository{db: db}
}

// Record inserts snap for deviceID. The snapshot's TakenAt becomes created_at.
func (r *SQLiteReadingRepository) Record(ctx context.Context, deviceID string, snap Snapshot) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO readings (device_id, switch, temperature, humidity,
			temperature_threshold, humidity_threshold,
			temperature_alarm, humidity_alarm, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deviceID,
		boolToInt(snap.Switch),
		snap.Temperature,
		snap.Humidity,
		snap.TemperatureThreshold,
		snap.HumidityThreshold,
		boolToInt(snap.TemperatureAlarm()),
		boolToInt(snap.HumidityAlarm()),
		formatTimestamp(takenAt),
	)
	if err != nil {
		return fmt.Errorf("inserting reading: %w", err)
	}
	return nil
}

// Recent returns the newest readings for deviceID, newest first.
// limit defaults to 50 and is capped at 500.
func (r *SQLiteReadingRepository) Recent(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultReadingsLimit
	}
	if limit > maxReadingsLimit {
		limit = maxReadingsLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, switch, temperature, humidity,
			temperature_threshold, humidity_threshold,
			temperature_alarm, humidity_alarm, created_at
		 FROM readings
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	readings := make([]Reading, 0, limit)
	for rows.Next() {
		var rd Reading
		var sw, tAlarm, hAlarm int
		var createdAt string

		if err := rows.Scan(&rd.ID, &rd.DeviceID, &sw,
			&rd.Snapshot.Temperature, &rd.Snapshot.Humidity,
			&rd.Snapshot.TemperatureThreshold, &rd.Snapshot.HumidityThreshold,
			&tAlarm, &hAlarm, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}

		takenAt, err := parseTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		rd.Snapshot.Switch = sw != 0
		rd.Snapshot.TakenAt = takenAt
		rd.TemperatureAlarm = tAlarm != 0
		rd.HumidityAlarm = hAlarm != 0

		readings = append(readings, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}

	return readings, nil
}

// Prune deletes readings older than olderThan and returns the number removed.
func (r *SQLiteReadingRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := formatTimestamp(time.Now().Add(-olderThan))
	result, err := r.db.ExecContext(ctx, "DELETE FROM readings WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting readings: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(timestampLayout, value); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at %q: %w", value, err)
	}
	return ts.UTC(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
