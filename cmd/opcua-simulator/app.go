package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/opcua-device-simulator/internal/api"
	"github.com/nerrad567/opcua-device-simulator/internal/device"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/database"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/influxdb"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/mqtt"
	"github.com/nerrad567/opcua-device-simulator/internal/metrics"
	"github.com/nerrad567/opcua-device-simulator/internal/opcuaserver"
	"github.com/nerrad567/opcua-device-simulator/internal/simulator"
)

// shutdownSaveTimeout bounds the final settings save.
const shutdownSaveTimeout = 5 * time.Second

// app owns everything the process starts. Components are closed in the
// reverse of the order they were opened, after the worker has stopped.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	deviceID string

	opc    *opcuaserver.Server
	worker *simulator.Worker

	// nil unless database.enabled
	readings *device.SQLiteReadingRepository
	settings *device.SQLiteSettingsRepository

	components map[string]api.HealthChecker
	closers    []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// newApp opens every enabled component. On failure whatever was already
// opened is closed before the error is returned.
func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger) (*app, error) {
	a := &app{
		cfg:        cfg,
		log:        log,
		deviceID:   cfg.Server.ObjectName,
		components: make(map[string]api.HealthChecker),
	}
	if err := a.start(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) start(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	if cfg.Database.Enabled {
		if err := a.openDatabase(ctx); err != nil {
			return err
		}
	} else {
		log.Info("database disabled")
	}

	if err := a.startServer(ctx); err != nil {
		return err
	}
	if err := a.buildWorker(); err != nil {
		return err
	}

	collector := metrics.New(version)
	a.worker.AddSink("metrics", collector)
	a.worker.OnSinkError(collector.SinkFailed)

	if cfg.MQTT.Enabled {
		if err := a.connectMQTT(); err != nil {
			return err
		}
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		if err := a.connectInflux(); err != nil {
			return err
		}
	} else {
		log.Info("InfluxDB disabled")
	}

	if a.readings != nil {
		retention := time.Duration(cfg.Database.HistoryRetention) * time.Hour
		a.worker.AddSink("history", simulator.NewHistorySink(a.deviceID, a.readings, a.settings, retention))
	}

	if cfg.API.Enabled {
		if err := a.startAPI(ctx, collector); err != nil {
			return err
		}
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, a.components); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// run drives the worker until ctx is cancelled, waits for it to finish
// its current cycle and then shuts everything else down.
func (a *app) run(ctx context.Context) {
	runErr := make(chan error, 1)
	go func() { runErr <- a.worker.Run(ctx) }()

	a.log.Info("initialisation complete, waiting for shutdown signal",
		"endpoint", a.opc.Endpoint(),
		"interval", a.cfg.SimulationInterval().String(),
	)

	<-ctx.Done()
	a.log.Info("shutdown signal received, stopping worker")

	<-a.worker.Done()
	if err := <-runErr; err != nil {
		a.log.Error("worker error", "error", err)
	}

	if a.settings != nil {
		saveSettings(a.settings, a.opc.Store(), a.log)
	}
	a.close()
}

func (a *app) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// close runs the registered closers newest first. Errors are logged and
// never stop the remaining closers.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		a.log.Info("closing " + c.name)
		if err := c.close(); err != nil {
			a.log.Error("error closing "+c.name, "error", err)
		}
	}
	a.closers = nil
}

func (a *app) openDatabase(ctx context.Context) error {
	db, err := database.Open(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	a.onClose("database", db.Close)

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	a.readings = device.NewSQLiteReadingRepository(db.DB)
	a.settings = device.NewSQLiteSettingsRepository(db.DB)
	a.components["database"] = db

	a.log.Info("database ready", "path", db.Path())
	return nil
}

func (a *app) startServer(ctx context.Context) error {
	d := a.cfg.Device
	opc, err := opcuaserver.New(a.cfg.Server, device.Defaults{
		DeviceName:           d.Name,
		Switch:               d.Switch,
		TemperatureThreshold: d.TemperatureThreshold,
		HumidityThreshold:    d.HumidityThreshold,
	}, a.log)
	if err != nil {
		return fmt.Errorf("creating opc-ua server: %w", err)
	}
	a.opc = opc

	if a.settings != nil {
		applied, err := device.RestoreSettings(ctx, a.settings, opc.Store())
		if err != nil {
			a.log.Warn("some settings could not be restored", "error", err)
		}
		a.log.Info("settings restored", "count", applied)
	}

	if err := opc.Start(ctx); err != nil {
		return err
	}
	a.onClose("opc-ua server", opc.Close)
	a.components["opcua"] = opc
	return nil
}

func (a *app) buildWorker() error {
	sim := a.cfg.Simulation
	sampler, err := simulator.NewSampler(
		simulator.Range{Min: sim.Temperature.Min, Max: sim.Temperature.Max},
		simulator.Range{Min: sim.Humidity.Min, Max: sim.Humidity.Max},
		sim.Seed,
	)
	if err != nil {
		return fmt.Errorf("creating sampler: %w", err)
	}

	a.worker = simulator.NewWorker(a.opc.Store(), sampler, simulator.Options{
		DeviceID:      a.deviceID,
		Interval:      a.cfg.SimulationInterval(),
		RespectSwitch: sim.RespectSwitch,
	}, a.log)
	return nil
}

// connectMQTT connects to the broker, routes command messages for every
// device object into the node store and publishes each reading.
func (a *app) connectMQTT() error {
	cfg := a.cfg.MQTT
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	a.onClose("MQTT", client.Close)

	client.SetLogger(a.log.Component("mqtt"))
	client.SetOnConnect(func() {
		a.log.Info("MQTT reconnected")
	})

	commands := client.Topics().AllDeviceCommands()
	handler := simulator.NewCommandHandler(a.opc.Store(), a.log)
	if err := client.Subscribe(commands, client.QoS(), handler.Handle); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}

	a.components["mqtt"] = client
	a.worker.AddSink("mqtt", simulator.NewMQTTSink(client, client.Topics().DeviceState(a.deviceID), a.deviceID))

	a.log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
		"commands", commands,
	)
	return nil
}

func (a *app) connectInflux() error {
	client, err := influxdb.Connect(a.cfg.InfluxDB)
	if err != nil {
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	a.onClose("InfluxDB", client.Close)

	client.SetOnError(func(err error) {
		a.log.Error("InfluxDB write error", "error", err)
	})
	a.components["influxdb"] = client
	a.worker.AddSink("influxdb", simulator.NewInfluxSink(client, a.deviceID))

	a.log.Info("InfluxDB connected", "url", a.cfg.InfluxDB.URL, "bucket", client.Bucket())
	return nil
}

func (a *app) startAPI(ctx context.Context, collector *metrics.Collector) error {
	deps := api.Deps{
		Config:     a.cfg.API,
		Logger:     a.log,
		Store:      a.opc.Store(),
		DeviceID:   a.deviceID,
		Auth:       a.opc.Credentials(),
		Metrics:    collector.Handler(),
		Components: a.components,
		Version:    version,
	}
	// A nil repository must stay a nil interface.
	if a.readings != nil {
		deps.History = a.readings
	}

	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	a.onClose("API server", srv.Close)
	a.worker.AddSink("websocket", srv)
	return nil
}

// healthCheck verifies every started component.
func healthCheck(ctx context.Context, components map[string]api.HealthChecker) error {
	var errs []error
	for name, c := range components {
		if err := c.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// saveSettings persists the writable attributes as they are at shutdown.
func saveSettings(repo *device.SQLiteSettingsRepository, store device.Store, log *logging.Logger) {
	snap, err := device.TakeSnapshot(store)
	if err != nil {
		log.Error("failed to read final settings", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownSaveTimeout)
	defer cancel()
	if err := repo.Save(ctx, snap.Settings()); err != nil {
		log.Error("failed to save final settings", "error", err)
		return
	}
	log.Info("settings saved")
}
