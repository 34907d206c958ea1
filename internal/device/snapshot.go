package device

import (
	"fmt"
	"time"
)

// Snapshot is a point-in-time copy of all six attributes.
type Snapshot struct {
	Switch               bool      `json:"switch"`
	Temperature          float64   `json:"temperature"`
	Humidity             float64   `json:"humidity"`
	TemperatureThreshold float64   `json:"temperature_threshold"`
	HumidityThreshold    float64   `json:"humidity_threshold"`
	DeviceName           string    `json:"device_name"`
	TakenAt              time.Time `json:"taken_at"`
}

// TakeSnapshot reads every attribute from store.
func TakeSnapshot(store Store) (Snapshot, error) {
	snap := Snapshot{TakenAt: time.Now().UTC()}

	for _, attr := range attributeOrder {
		raw, err := store.Get(attr)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reading %s: %w", attr, err)
		}
		v, err := Normalize(attr, raw)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reading %s: %w", attr, err)
		}

		switch attr {
		case AttrSwitch:
			snap.Switch = v.(bool)
		case AttrTemperature:
			snap.Temperature = v.(float64)
		case AttrHumidity:
			snap.Humidity = v.(float64)
		case AttrTemperatureThreshold:
			snap.TemperatureThreshold = v.(float64)
		case AttrHumidityThreshold:
			snap.HumidityThreshold = v.(float64)
		case AttrDeviceName:
			snap.DeviceName = v.(string)
		}
	}

	return snap, nil
}

// Value returns the snapshot value of attr, or nil for an unknown attribute.
func (s Snapshot) Value(attr Attribute) any {
	switch attr {
	case AttrSwitch:
		return s.Switch
	case AttrTemperature:
		return s.Temperature
	case AttrHumidity:
		return s.Humidity
	case AttrTemperatureThreshold:
		return s.TemperatureThreshold
	case AttrHumidityThreshold:
		return s.HumidityThreshold
	case AttrDeviceName:
		return s.DeviceName
	default:
		return nil
	}
}

// Settings returns the client-writable subset of the snapshot.
func (s Snapshot) Settings() map[Attribute]any {
	return map[Attribute]any{
		AttrSwitch:               s.Switch,
		AttrTemperatureThreshold: s.TemperatureThreshold,
		AttrHumidityThreshold:    s.HumidityThreshold,
	}
}

// TemperatureAlarm reports whether the temperature exceeds its threshold.
func (s Snapshot) TemperatureAlarm() bool {
	return s.Temperature > s.TemperatureThreshold
}

// HumidityAlarm reports whether the humidity exceeds its threshold.
func (s Snapshot) HumidityAlarm() bool {
	return s.Humidity > s.HumidityThreshold
}
