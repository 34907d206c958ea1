package simulator

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Range is a closed interval of sampled values.
type Range struct {
	Min float64
	Max float64
}

// Physical bounds of the simulated sensors.
var (
	TemperatureBounds = Range{Min: -99, Max: 99}
	HumidityBounds    = Range{Min: 0, Max: 100}
)

func (r Range) within(bounds Range) bool {
	return r.Min >= bounds.Min && r.Max <= bounds.Max
}

// Sampler draws uniform temperature and humidity readings.
type Sampler struct {
	mu          sync.Mutex
	rng         *rand.Rand
	temperature Range
	humidity    Range
}

// NewSampler validates both ranges against the sensor bounds. A zero seed
// draws from the clock; any other seed makes the sequence reproducible.
func NewSampler(temperature, humidity Range, seed uint64) (*Sampler, error) {
	if temperature.Min > temperature.Max || !temperature.within(TemperatureBounds) {
		return nil, fmt.Errorf("%w: temperature [%g, %g] outside [%g, %g]",
			ErrInvalidRange, temperature.Min, temperature.Max, TemperatureBounds.Min, TemperatureBounds.Max)
	}
	if humidity.Min > humidity.Max || !humidity.within(HumidityBounds) {
		return nil, fmt.Errorf("%w: humidity [%g, %g] outside [%g, %g]",
			ErrInvalidRange, humidity.Min, humidity.Max, HumidityBounds.Min, HumidityBounds.Max)
	}

	if seed == 0 {
		seed = uint64(time.Now().UnixNano()) //nolint:gosec // G115: sign bit irrelevant for a seed
	}

	return &Sampler{
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), //nolint:gosec // G404: simulated readings
		temperature: temperature,
		humidity:    humidity,
	}, nil
}

// DefaultSampler samples the full sensor bounds.
func DefaultSampler(seed uint64) *Sampler {
	s, _ := NewSampler(TemperatureBounds, HumidityBounds, seed) //nolint:errcheck // bounds are valid by definition
	return s
}

// Temperature returns the next temperature reading.
func (s *Sampler) Temperature() float64 {
	return s.uniform(s.temperature)
}

// Humidity returns the next humidity reading.
func (s *Sampler) Humidity() float64 {
	return s.uniform(s.humidity)
}

func (s *Sampler) uniform(r Range) float64 {
	s.mu.Lock()
	f := s.rng.Float64()
	s.mu.Unlock()
	return r.Min + f*(r.Max-r.Min)
}
