package simulator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
)

// recordingSink collects delivered snapshots.
type recordingSink struct {
	mu    sync.Mutex
	snaps []device.Snapshot
	ch    chan device.Snapshot
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan device.Snapshot, 100)}
}

func (s *recordingSink) Deliver(_ context.Context, snap device.Snapshot) error {
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
	s.ch <- snap
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func (s *recordingSink) wait(t *testing.T) device.Snapshot {
	t.Helper()
	select {
	case snap := <-s.ch:
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for snapshot")
		return device.Snapshot{}
	}
}

func newTestWorker(t *testing.T, opts Options) (*Worker, *device.MemoryStore) {
	t.Helper()
	store := device.NewMemoryStore(device.DefaultValues())
	if opts.DeviceID == "" {
		opts.DeviceID = "device"
	}
	return NewWorker(store, DefaultSampler(99), opts, logging.Discard()), store
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_CyclesUntilCancelled(t *testing.T) {
	w, store := newTestWorker(t, Options{Interval: 5 * time.Millisecond})
	sink := newRecordingSink()
	w.AddSink("recording", sink)

	if w.State() != StateIdle {
		t.Errorf("State() before Run = %v, want idle", w.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	for range 3 {
		snap := sink.wait(t)
		if snap.Temperature < -99 || snap.Temperature > 99 {
			t.Errorf("temperature %v out of range", snap.Temperature)
		}
		if snap.Humidity < 0 || snap.Humidity > 100 {
			t.Errorf("humidity %v out of range", snap.Humidity)
		}
		if snap.DeviceName != device.DefaultValues().DeviceName {
			t.Errorf("device name = %q", snap.DeviceName)
		}
	}
	if w.State() != StateRunning {
		t.Errorf("State() while running = %v", w.State())
	}

	cancel()
	waitDone(t, w)
	if err := <-errCh; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if w.State() != StateStopped {
		t.Errorf("State() after stop = %v, want stopped", w.State())
	}
	if got := w.Cycles(); got < 3 || int(got) != sink.count() {
		t.Errorf("Cycles() = %d, sink saw %d", got, sink.count())
	}

	// No mutation after the worker has stopped.
	before, _ := store.Get(device.AttrTemperature)
	cycles := w.Cycles()
	time.Sleep(30 * time.Millisecond)
	after, _ := store.Get(device.AttrTemperature)
	if before != after || w.Cycles() != cycles {
		t.Error("store mutated after worker stopped")
	}
}

func TestWorker_FirstCycleIsImmediate(t *testing.T) {
	w, store := newTestWorker(t, Options{Interval: time.Hour})
	sink := newRecordingSink()
	w.AddSink("recording", sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx) //nolint:errcheck // checked via Done

	snap := sink.wait(t)
	got, _ := store.Get(device.AttrTemperature)
	if got != snap.Temperature {
		t.Errorf("store temperature %v, snapshot %v", got, snap.Temperature)
	}

	// Cancellation during the hour-long wait returns promptly.
	cancel()
	waitDone(t, w)
}

func TestWorker_CancelledBeforeRun(t *testing.T) {
	w, store := newTestWorker(t, Options{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	waitDone(t, w)

	if w.Cycles() != 0 {
		t.Errorf("Cycles() = %d, want 0", w.Cycles())
	}
	if v, _ := store.Get(device.AttrTemperature); v != 0.0 {
		t.Errorf("temperature = %v, want untouched 0", v)
	}
}

func TestWorker_RunTwice(t *testing.T) {
	w, _ := newTestWorker(t, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx) //nolint:errcheck // checked via Done

	deadline := time.Now().Add(5 * time.Second)
	for w.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := w.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	waitDone(t, w)

	if err := w.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Run() after stop error = %v, want ErrAlreadyRunning", err)
	}
}

func TestWorker_RespectSwitch(t *testing.T) {
	w, store := newTestWorker(t, Options{Interval: 5 * time.Millisecond, RespectSwitch: true})
	if err := store.Set(device.AttrSwitch, false); err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink()
	w.AddSink("recording", sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx) //nolint:errcheck // checked via Done

	time.Sleep(50 * time.Millisecond)
	if w.Cycles() != 0 || sink.count() != 0 {
		t.Fatalf("worker mutated while switch off: %d cycles", w.Cycles())
	}
	if v, _ := store.Get(device.AttrTemperature); v != 0.0 {
		t.Errorf("temperature = %v while switched off", v)
	}

	if err := store.Set(device.AttrSwitch, true); err != nil {
		t.Fatal(err)
	}
	sink.wait(t)

	cancel()
	waitDone(t, w)
}

func TestWorker_IgnoresSwitchByDefault(t *testing.T) {
	w, store := newTestWorker(t, Options{Interval: time.Hour})
	if err := store.Set(device.AttrSwitch, false); err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink()
	w.AddSink("recording", sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx) //nolint:errcheck // checked via Done

	if snap := sink.wait(t); snap.Switch {
		t.Error("snapshot switch = true, want false")
	}
	cancel()
	waitDone(t, w)
}

func TestWorker_SinkErrorsDoNotStopDelivery(t *testing.T) {
	w, _ := newTestWorker(t, Options{Interval: time.Hour})

	boom := errors.New("boom")
	w.AddSink("broken", SinkFunc(func(context.Context, device.Snapshot) error { return boom }))
	sink := newRecordingSink()
	w.AddSink("recording", sink)

	var mu sync.Mutex
	var failures []string
	w.OnSinkError(func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(err, boom) {
			failures = append(failures, name)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx) //nolint:errcheck // checked via Done
	sink.wait(t)
	cancel()
	waitDone(t, w)

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || failures[0] != "broken" {
		t.Errorf("failures = %v, want [broken]", failures)
	}
}

func TestWorker_LastCycleDeliveredAfterCancel(t *testing.T) {
	w, _ := newTestWorker(t, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	deliveryErr := make(chan error, 1)
	w.AddSink("cancelling", SinkFunc(func(sctx context.Context, _ device.Snapshot) error {
		cancel()
		deliveryErr <- sctx.Err()
		return nil
	}))

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := <-deliveryErr; err != nil {
		t.Errorf("sink context cancelled with the worker: %v", err)
	}
	if w.Cycles() != 1 {
		t.Errorf("Cycles() = %d, want 1", w.Cycles())
	}
}

func TestWorker_LogsAllValues(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, "test", &buf)
	store := device.NewMemoryStore(device.DefaultValues())
	w := NewWorker(store, DefaultSampler(5), Options{DeviceID: "device", Interval: time.Hour}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	w.AddSink("stop", SinkFunc(func(context.Context, device.Snapshot) error {
		cancel()
		return nil
	}))

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"device is running",
		"temperature value is",
		"humidity value is",
		"temperature threshold is",
		"humidity threshold is",
		"device_name is",
		"Huawei opcua simulator",
		"device has been stopped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q", want)
		}
	}

	switchLogged := false
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, `msg="switch is"`) && strings.HasSuffix(line, "value=true") {
			switchLogged = true
		}
	}
	if !switchLogged {
		t.Errorf("log output missing switch value:\n%s", out)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:    "idle",
		StateRunning: "running",
		StateStopped: "stopped",
		State(9):     "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
