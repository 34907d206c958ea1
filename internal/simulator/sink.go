package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
)

// Sink receives the snapshot produced by each worker cycle.
type Sink interface {
	Deliver(ctx context.Context, snap device.Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, snap device.Snapshot) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, snap device.Snapshot) error {
	return f(ctx, snap)
}

// Publisher is the MQTT client surface MQTTSink needs.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// MQTTSink publishes each reading as a retained message on topic.
type MQTTSink struct {
	pub      Publisher
	topic    string
	deviceID string
}

// NewMQTTSink creates a sink publishing to topic.
func NewMQTTSink(pub Publisher, topic, deviceID string) *MQTTSink {
	return &MQTTSink{pub: pub, topic: topic, deviceID: deviceID}
}

// Deliver publishes snap.
func (s *MQTTSink) Deliver(_ context.Context, snap device.Snapshot) error {
	return s.pub.PublishJSON(s.topic, device.NewReading(s.deviceID, snap), true)
}

// SnapshotWriter is the InfluxDB client surface InfluxSink needs.
type SnapshotWriter interface {
	WriteSnapshot(deviceID string, snap device.Snapshot) error
}

// InfluxSink queues one point per snapshot. Deliver only fails when the
// point cannot be queued; server rejections are reported asynchronously
// by the client.
type InfluxSink struct {
	w        SnapshotWriter
	deviceID string
}

// NewInfluxSink creates a sink writing through w.
func NewInfluxSink(w SnapshotWriter, deviceID string) *InfluxSink {
	return &InfluxSink{w: w, deviceID: deviceID}
}

// Deliver queues snap.
func (s *InfluxSink) Deliver(_ context.Context, snap device.Snapshot) error {
	return s.w.WriteSnapshot(s.deviceID, snap)
}

// defaultPruneInterval is how often HistorySink trims old readings.
const defaultPruneInterval = time.Hour

// HistorySink records every reading in SQLite and persists the writable
// settings seen in it, so client writes survive a restart.
type HistorySink struct {
	deviceID  string
	readings  *device.SQLiteReadingRepository
	settings  *device.SQLiteSettingsRepository
	retention time.Duration

	mu        sync.Mutex
	lastPrune time.Time
	now       func() time.Time
}

// NewHistorySink creates a history sink. A zero retention keeps every
// reading. settings may be nil.
func NewHistorySink(deviceID string, readings *device.SQLiteReadingRepository, settings *device.SQLiteSettingsRepository, retention time.Duration) *HistorySink {
	return &HistorySink{
		deviceID:  deviceID,
		readings:  readings,
		settings:  settings,
		retention: retention,
		now:       time.Now,
	}
}

// Deliver records snap, saves its settings and prunes at most once per hour.
func (s *HistorySink) Deliver(ctx context.Context, snap device.Snapshot) error {
	var errs []error

	if err := s.readings.Record(ctx, s.deviceID, snap); err != nil {
		errs = append(errs, fmt.Errorf("recording reading: %w", err))
	}
	if s.settings != nil {
		if err := s.settings.Save(ctx, snap.Settings()); err != nil {
			errs = append(errs, fmt.Errorf("saving settings: %w", err))
		}
	}
	if s.pruneDue() {
		if _, err := s.readings.Prune(ctx, s.retention); err != nil {
			errs = append(errs, fmt.Errorf("pruning readings: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (s *HistorySink) pruneDue() bool {
	if s.retention <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < defaultPruneInterval {
		return false
	}
	s.lastPrune = now
	return true
}
