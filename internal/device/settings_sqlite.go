package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteSettingsRepository persists the client-writable attributes so a
// restarted simulator comes back with the switch and thresholds clients
// last set.
type SQLiteSettingsRepository struct {
	db *sql.DB
}

// NewSQLiteSettingsRepository creates a settings repository on db.
func NewSQLiteSettingsRepository(db *sql.DB) *SQLiteSettingsRepository {
	return &SQLiteSettingsRepository{db: db}
}

// Save upserts the given settings in one transaction.
// Non-writable attributes are rejected with ErrReadOnly.
func (r *SQLiteSettingsRepository) Save(ctx context.Context, settings map[Attribute]any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	now := formatTimestamp(time.Now())
	for attr, value := range settings {
		normalized, err := ValidateWrite(attr, value)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(normalized)
		if err != nil {
			return fmt.Errorf("marshalling %s: %w", attr, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO device_settings (attribute, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(attribute) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			string(attr), string(encoded), now,
		)
		if err != nil {
			return fmt.Errorf("saving %s: %w", attr, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing settings: %w", err)
	}
	return nil
}

// Load returns all persisted settings. Rows naming an attribute that is
// no longer writable or known are skipped.
func (r *SQLiteSettingsRepository) Load(ctx context.Context) (map[Attribute]any, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT attribute, value FROM device_settings")
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[Attribute]any)
	for rows.Next() {
		var name, encoded string
		if err := rows.Scan(&name, &encoded); err != nil {
			return nil, fmt.Errorf("scanning settings: %w", err)
		}

		var raw any
		if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
			return nil, fmt.Errorf("unmarshalling %s: %w", name, err)
		}

		attr := Attribute(name)
		value, err := ValidateWrite(attr, raw)
		if err != nil {
			continue
		}
		settings[attr] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating settings: %w", err)
	}

	return settings, nil
}

// RestoreSettings copies persisted settings into store and returns how
// many were applied.
func RestoreSettings(ctx context.Context, repo *SQLiteSettingsRepository, store Store) (int, error) {
	settings, err := repo.Load(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	applied := 0
	for _, attr := range attributeOrder {
		value, ok := settings[attr]
		if !ok {
			continue
		}
		if err := Write(store, attr, value); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", attr, err))
			continue
		}
		applied++
	}

	return applied, errors.Join(errs...)
}
