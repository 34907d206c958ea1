package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
)

// MeasurementDeviceReadings is the measurement every snapshot is written to.
const MeasurementDeviceReadings = "device_readings"

// WriteSnapshot queues one device_readings point for snap, tagged with
// deviceID and the device name. The point carries the snapshot's own
// timestamp. Queueing never blocks; server rejections arrive via
// SetOnError. ErrNotConnected is returned after Close.
func (c *Client) WriteSnapshot(deviceID string, snap device.Snapshot) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.writeAPI.WritePoint(snapshotPoint(deviceID, snap))
	return nil
}

func snapshotPoint(deviceID string, snap device.Snapshot) *write.Point {
	return write.NewPoint(
		MeasurementDeviceReadings,
		map[string]string{
			"device_id":   deviceID,
			"device_name": snap.DeviceName,
		},
		map[string]any{
			"switch":                snap.Switch,
			"temperature":           snap.Temperature,
			"humidity":              snap.Humidity,
			"temperature_threshold": snap.TemperatureThreshold,
			"humidity_threshold":    snap.HumidityThreshold,
			"temperature_alarm":     snap.TemperatureAlarm(),
			"humidity_alarm":        snap.HumidityAlarm(),
		},
		snap.TakenAt,
	)
}
