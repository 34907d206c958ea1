package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
)

const namespace = "opcuasim"

// Collector exposes simulator state on its own registry. It is a
// simulator sink: every delivered snapshot updates the attribute gauges
// and counts one cycle.
type Collector struct {
	registry   *prometheus.Registry
	attributes *prometheus.GaugeVec
	alarms     *prometheus.GaugeVec
	cycles     prometheus.Counter
	sinkErrors *prometheus.CounterVec
}

// New registers the simulator metrics plus Go runtime and build info
// collectors on a fresh registry.
func New(version string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		attributes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "attribute_value",
				Help:      "Current value of a numeric device attribute (switch as 0/1).",
			},
			[]string{"attribute"},
		),
		alarms: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "alarm",
				Help:      "1 while the reading exceeds its threshold.",
			},
			[]string{"attribute"},
		),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Worker cycles that produced a snapshot.",
		}),
		sinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Snapshot deliveries that failed, by sink.",
			},
			[]string{"sink"},
		),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build information of the running simulator.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	buildInfo.Set(1)

	c.registry.MustRegister(
		c.attributes,
		c.alarms,
		c.cycles,
		c.sinkErrors,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewBuildInfoCollector(),
	)
	return c
}

// Deliver records snap.
func (c *Collector) Deliver(_ context.Context, snap device.Snapshot) error {
	c.attributes.WithLabelValues(string(device.AttrSwitch)).Set(boolGauge(snap.Switch))
	c.attributes.WithLabelValues(string(device.AttrTemperature)).Set(snap.Temperature)
	c.attributes.WithLabelValues(string(device.AttrHumidity)).Set(snap.Humidity)
	c.attributes.WithLabelValues(string(device.AttrTemperatureThreshold)).Set(snap.TemperatureThreshold)
	c.attributes.WithLabelValues(string(device.AttrHumidityThreshold)).Set(snap.HumidityThreshold)

	c.alarms.WithLabelValues(string(device.AttrTemperature)).Set(boolGauge(snap.TemperatureAlarm()))
	c.alarms.WithLabelValues(string(device.AttrHumidity)).Set(boolGauge(snap.HumidityAlarm()))

	c.cycles.Inc()
	return nil
}

// SinkFailed counts a failed delivery to sink.
func (c *Collector) SinkFailed(sink string, _ error) {
	c.sinkErrors.WithLabelValues(sink).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
