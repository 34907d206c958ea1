package device

import (
	"fmt"
	"sync"
)

// Store holds the live attribute values of the device.
//
// Set is the privileged path: it accepts writes to any attribute,
// including the read-only ones the simulator owns. External writers go
// through Write, which enforces writability first.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Get(attr Attribute) (any, error)
	Set(attr Attribute, value any) error
}

// Defaults are the values the device starts with.
type Defaults struct {
	DeviceName           string
	Switch               bool
	TemperatureThreshold float64
	HumidityThreshold    float64
}

// DefaultValues returns the stock fixture values.
func DefaultValues() Defaults {
	return Defaults{
		DeviceName:           "Huawei opcua simulator",
		Switch:               true,
		TemperatureThreshold: 40,
		HumidityThreshold:    60,
	}
}

// Values returns the initial value of every attribute.
// Temperature and humidity start at zero.
func (d Defaults) Values() map[Attribute]any {
	return map[Attribute]any{
		AttrSwitch:               d.Switch,
		AttrTemperature:          0.0,
		AttrHumidity:             0.0,
		AttrTemperatureThreshold: d.TemperatureThreshold,
		AttrHumidityThreshold:    d.HumidityThreshold,
		AttrDeviceName:           d.DeviceName,
	}
}

// Seed writes the default values into store.
func Seed(store Store, d Defaults) error {
	values := d.Values()
	for _, attr := range attributeOrder {
		if err := store.Set(attr, values[attr]); err != nil {
			return fmt.Errorf("seeding %s: %w", attr, err)
		}
	}
	return nil
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Attribute]any
}

// NewMemoryStore returns a store seeded with d.
func NewMemoryStore(d Defaults) *MemoryStore {
	return &MemoryStore{values: d.Values()}
}

// Get returns the current value of attr.
func (s *MemoryStore) Get(attr Attribute) (any, error) {
	if !attr.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, string(attr))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[attr], nil
}

// Set replaces the value of attr after normalizing it to the attribute's kind.
func (s *MemoryStore) Set(attr Attribute, value any) error {
	normalized, err := Normalize(attr, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[attr] = normalized
	s.mu.Unlock()
	return nil
}
