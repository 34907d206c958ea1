package device

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/database"
	_ "github.com/nerrad567/opcua-device-simulator/migrations" // registers schema
)

// setupTestDB opens an in-memory database with the production schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

func TestSettingsRepository_SaveLoad(t *testing.T) {
	repo := NewSQLiteSettingsRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Save(ctx, map[Attribute]any{
		AttrSwitch:               false,
		AttrTemperatureThreshold: 50,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	// Upsert overwrites.
	if err := repo.Save(ctx, map[Attribute]any{AttrTemperatureThreshold: 55.5}); err != nil {
		t.Fatalf("Save() second call error = %v", err)
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load() = %d settings, want 2", len(got))
	}
	if got[AttrSwitch] != false {
		t.Errorf("switch = %v, want false", got[AttrSwitch])
	}
	if got[AttrTemperatureThreshold] != 55.5 {
		t.Errorf("temperature_threshold = %v, want 55.5", got[AttrTemperatureThreshold])
	}
}

func TestSettingsRepository_RejectsReadOnly(t *testing.T) {
	repo := NewSQLiteSettingsRepository(setupTestDB(t))

	err := repo.Save(context.Background(), map[Attribute]any{AttrTemperature: 10.0})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Save(temperature) error = %v, want ErrReadOnly", err)
	}
}

func TestSettingsRepository_LoadSkipsStaleRows(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteSettingsRepository(db)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx,
		"INSERT INTO device_settings (attribute, value) VALUES ('device_name', '\"x\"'), ('pressure', '1')",
	); err != nil {
		t.Fatalf("seeding rows: %v", err)
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Load() = %v, want no settings", got)
	}
}

func TestRestoreSettings(t *testing.T) {
	repo := NewSQLiteSettingsRepository(setupTestDB(t))
	ctx := context.Background()
	store := NewMemoryStore(DefaultValues())

	if err := repo.Save(ctx, map[Attribute]any{
		AttrSwitch:            false,
		AttrHumidityThreshold: 75.0,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	n, err := RestoreSettings(ctx, repo, store)
	if err != nil {
		t.Fatalf("RestoreSettings() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RestoreSettings() applied %d, want 2", n)
	}

	snap, err := TakeSnapshot(store)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Switch || snap.HumidityThreshold != 75 || snap.TemperatureThreshold != 40 {
		t.Errorf("snapshot after restore = %+v", snap)
	}
}

func TestReadingRepository_RecordRecent(t *testing.T) {
	repo := NewSQLiteReadingRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i := range 3 {
		snap := Snapshot{
			Switch:               true,
			Temperature:          float64(10 * (i + 1)),
			Humidity:             50,
			TemperatureThreshold: 25,
			HumidityThreshold:    60,
			TakenAt:              base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Record(ctx, "device", snap); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := repo.Record(ctx, "other", Snapshot{TakenAt: base}); err != nil {
		t.Fatalf("Record(other) error = %v", err)
	}

	readings, err := repo.Recent(ctx, "device", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("Recent() = %d readings, want 2", len(readings))
	}

	newest := readings[0]
	if newest.Snapshot.Temperature != 30 {
		t.Errorf("newest temperature = %v, want 30", newest.Snapshot.Temperature)
	}
	if !newest.Snapshot.TakenAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("newest TakenAt = %v", newest.Snapshot.TakenAt)
	}
	if !newest.TemperatureAlarm || newest.HumidityAlarm {
		t.Errorf("alarms = (%v, %v), want (true, false)", newest.TemperatureAlarm, newest.HumidityAlarm)
	}
	if !newest.Snapshot.Switch {
		t.Error("switch = false, want true")
	}
	if readings[1].Snapshot.Temperature != 20 {
		t.Errorf("second temperature = %v, want 20", readings[1].Snapshot.Temperature)
	}
}

func TestReadingRepository_Prune(t *testing.T) {
	repo := NewSQLiteReadingRepository(setupTestDB(t))
	ctx := context.Background()
	now := time.Now()

	for _, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, time.Hour} {
		if err := repo.Record(ctx, "device", Snapshot{TakenAt: now.Add(-age)}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	n, err := repo.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() removed %d, want 2", n)
	}

	if _, err := repo.Prune(ctx, 0); err == nil {
		t.Error("Prune(0) expected error")
	}
}

func TestReadingRepository_RequiresDeviceID(t *testing.T) {
	repo := NewSQLiteReadingRepository(setupTestDB(t))

	if err := repo.Record(context.Background(), "", Snapshot{}); err == nil {
		t.Error("Record() expected error for empty device id")
	}
	if _, err := repo.Recent(context.Background(), "", 10); err == nil {
		t.Error("Recent() expected error for empty device id")
	}
}
