package simulator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
)

const (
	// DefaultInterval is the time between two cycles.
	DefaultInterval = 60 * time.Second

	defaultSinkTimeout = 10 * time.Second
)

// State is the lifecycle stage of a Worker.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options tunes a Worker.
type Options struct {
	// DeviceID labels published and recorded readings.
	DeviceID string

	// Interval between cycles. Zero means DefaultInterval.
	Interval time.Duration

	// RespectSwitch skips mutation while the switch attribute is false.
	RespectSwitch bool

	// SinkTimeout bounds a single sink delivery. Zero means 10s.
	SinkTimeout time.Duration
}

type namedSink struct {
	name string
	sink Sink
}

// Worker periodically writes fresh temperature and humidity readings into
// a device store and fans the resulting snapshot out to its sinks.
type Worker struct {
	store   device.Store
	sampler *Sampler
	opts    Options
	logger  *logging.Logger

	sinksMu     sync.RWMutex
	sinks       []namedSink
	onSinkError func(sink string, err error)

	started atomic.Bool
	state   atomic.Int32
	cycles  atomic.Uint64
	done    chan struct{}
}

// NewWorker creates an idle worker. Call Run to start it.
func NewWorker(store device.Store, sampler *Sampler, opts Options, logger *logging.Logger) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		store:   store,
		sampler: sampler,
		opts:    opts,
		logger:  logger.Component("simulator").With("device_id", opts.DeviceID),
		done:    make(chan struct{}),
	}
}

// AddSink registers sink under name. Sinks receive snapshots in
// registration order.
func (w *Worker) AddSink(name string, sink Sink) {
	w.sinksMu.Lock()
	w.sinks = append(w.sinks, namedSink{name: name, sink: sink})
	w.sinksMu.Unlock()
}

// OnSinkError sets a hook called after each failed delivery.
func (w *Worker) OnSinkError(fn func(sink string, err error)) {
	w.sinksMu.Lock()
	w.onSinkError = fn
	w.sinksMu.Unlock()
}

// Run executes one cycle immediately and then one per interval until ctx
// is cancelled. Cancellation never interrupts a cycle that has begun, and
// no cycle starts after it. Run returns nil on cancellation and may only
// be called once.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	w.state.Store(int32(StateRunning))
	defer func() {
		w.state.Store(int32(StateStopped))
		w.logger.Info("device has been stopped", "cycles", w.cycles.Load())
		close(w.done)
	}()

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.cycle(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// State reports the current lifecycle stage.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Cycles returns how many cycles produced a snapshot.
func (w *Worker) Cycles() uint64 {
	return w.cycles.Load()
}

func (w *Worker) cycle(ctx context.Context) {
	if w.opts.RespectSwitch && !w.switchOn() {
		w.logger.Info("mocking has been stopped")
		return
	}

	w.logger.Info("device is running")

	if err := w.store.Set(device.AttrTemperature, w.sampler.Temperature()); err != nil {
		w.logger.Error("failed to update temperature", "error", err)
	}
	if err := w.store.Set(device.AttrHumidity, w.sampler.Humidity()); err != nil {
		w.logger.Error("failed to update humidity", "error", err)
	}

	snap, err := device.TakeSnapshot(w.store)
	if err != nil {
		w.logger.Error("failed to read device values", "error", err)
		return
	}
	w.cycles.Add(1)

	w.logger.Info("switch is", "value", snap.Switch)
	w.logger.Info("temperature value is", "value", snap.Temperature)
	w.logger.Info("humidity value is", "value", snap.Humidity)
	w.logger.Info("temperature threshold is", "value", snap.TemperatureThreshold)
	w.logger.Info("humidity threshold is", "value", snap.HumidityThreshold)
	w.logger.Info("device_name is", "value", snap.DeviceName)
	if snap.TemperatureAlarm() {
		w.logger.Warn("temperature above threshold", "value", snap.Temperature, "threshold", snap.TemperatureThreshold)
	}
	if snap.HumidityAlarm() {
		w.logger.Warn("humidity above threshold", "value", snap.Humidity, "threshold", snap.HumidityThreshold)
	}

	w.deliver(ctx, snap)
}

// switchOn reads the switch. A read failure counts as on so that a broken
// store still surfaces errors from the cycle itself.
func (w *Worker) switchOn() bool {
	v, err := w.store.Get(device.AttrSwitch)
	if err != nil {
		w.logger.Warn("failed to read switch", "error", err)
		return true
	}
	on, ok := v.(bool)
	return !ok || on
}

// deliver runs every sink with its own timeout, detached from ctx so the
// last cycle before shutdown is still delivered.
func (w *Worker) deliver(ctx context.Context, snap device.Snapshot) {
	w.sinksMu.RLock()
	sinks := append([]namedSink(nil), w.sinks...)
	hook := w.onSinkError
	w.sinksMu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(base, w.opts.SinkTimeout)
		err := s.sink.Deliver(sctx, snap)
		cancel()
		if err == nil {
			continue
		}
		w.logger.Warn("snapshot delivery failed", "sink", s.name, "error", err)
		if hook != nil {
			hook(s.name, err)
		}
	}
}
