package simulator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/database"
	_ "github.com/nerrad567/opcua-device-simulator/migrations" // registers schema
)

type fakePublisher struct {
	mu       sync.Mutex
	topic    string
	payload  []byte
	retained bool
	err      error
}

func (p *fakePublisher) PublishJSON(topic string, v any, retained bool) error {
	if p.err != nil {
		return p.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic, p.payload, p.retained = topic, b, retained
	return nil
}

type fakeWriter struct {
	deviceID string
	snaps    []device.Snapshot
	err      error
}

func (w *fakeWriter) WriteSnapshot(deviceID string, snap device.Snapshot) error {
	if w.err != nil {
		return w.err
	}
	w.deviceID = deviceID
	w.snaps = append(w.snaps, snap)
	return nil
}

func testSnapshot() device.Snapshot {
	return device.Snapshot{
		Switch:               true,
		Temperature:          55,
		Humidity:             30,
		TemperatureThreshold: 40,
		HumidityThreshold:    60,
		DeviceName:           "Huawei opcua simulator",
		TakenAt:              time.Now().UTC(),
	}
}

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

func TestMQTTSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "opcuasim/device/device/state", "device")

	if err := sink.Deliver(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if pub.topic != "opcuasim/device/device/state" || !pub.retained {
		t.Errorf("published to %q retained=%v", pub.topic, pub.retained)
	}

	var got device.Reading
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.DeviceID != "device" || got.Snapshot.Temperature != 55 || !got.TemperatureAlarm {
		t.Errorf("payload = %+v", got)
	}

	pub.err = errors.New("not connected")
	if err := sink.Deliver(context.Background(), testSnapshot()); err == nil {
		t.Error("Deliver() should surface publish errors")
	}
}

func TestInfluxSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewInfluxSink(w, "device")

	if err := sink.Deliver(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if w.deviceID != "device" || len(w.snaps) != 1 {
		t.Errorf("writer saw %q x%d", w.deviceID, len(w.snaps))
	}

	w.err = errors.New("influxdb: not connected")
	if err := sink.Deliver(context.Background(), testSnapshot()); err == nil {
		t.Error("Deliver() should report a closed writer")
	}
}

func TestHistorySink_RecordsAndPersistsSettings(t *testing.T) {
	db := setupTestDB(t)
	readings := device.NewSQLiteReadingRepository(db)
	settings := device.NewSQLiteSettingsRepository(db)
	sink := NewHistorySink("device", readings, settings, 0)
	ctx := context.Background()

	snap := testSnapshot()
	snap.Switch = false
	snap.HumidityThreshold = 75
	if err := sink.Deliver(ctx, snap); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	recent, err := readings.Recent(ctx, "device", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 1 || recent[0].Snapshot.Temperature != 55 {
		t.Fatalf("Recent() = %+v", recent)
	}

	saved, err := settings.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if saved[device.AttrSwitch] != false || saved[device.AttrHumidityThreshold] != 75.0 {
		t.Errorf("saved settings = %v", saved)
	}
}

func TestHistorySink_Prunes(t *testing.T) {
	db := setupTestDB(t)
	readings := device.NewSQLiteReadingRepository(db)
	sink := NewHistorySink("device", readings, nil, time.Hour)
	ctx := context.Background()

	old := testSnapshot()
	old.TakenAt = time.Now().Add(-3 * time.Hour)
	if err := readings.Record(ctx, "device", old); err != nil {
		t.Fatal(err)
	}

	if err := sink.Deliver(ctx, testSnapshot()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	recent, err := readings.Recent(ctx, "device", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Errorf("got %d readings after prune, want 1", len(recent))
	}
}

func TestHistorySink_PruneDue(t *testing.T) {
	sink := NewHistorySink("device", nil, nil, time.Hour)
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return now }

	if !sink.pruneDue() {
		t.Error("first delivery should prune")
	}
	now = now.Add(30 * time.Minute)
	if sink.pruneDue() {
		t.Error("pruned again within the hour")
	}
	now = now.Add(31 * time.Minute)
	if !sink.pruneDue() {
		t.Error("prune not due after an hour")
	}

	keepAll := NewHistorySink("device", nil, nil, 0)
	if keepAll.pruneDue() {
		t.Error("zero retention must never prune")
	}
}
