package mqtt

import "strings"

// DefaultTopicPrefix is used when the config leaves topic_prefix empty.
const DefaultTopicPrefix = "opcuasim"

// Topics builds the simulator's MQTT topic names under one prefix:
//
//	{prefix}/device/{object}/state     retained JSON snapshot each cycle
//	{prefix}/device/{object}/command   {"attribute": "...", "value": ...}
//	{prefix}/system/status             online / offline (LWT)
type Topics struct {
	prefix string
}

// NewTopics returns a builder for prefix, trimming stray slashes.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// DeviceState is where snapshots of object are published.
func (t Topics) DeviceState(object string) string {
	return t.Prefix() + "/device/" + object + "/state"
}

// DeviceCommand is where writes for object are received.
func (t Topics) DeviceCommand(object string) string {
	return t.Prefix() + "/device/" + object + "/command"
}

// AllDeviceCommands matches the command topic of every device.
func (t Topics) AllDeviceCommands() string {
	return t.Prefix() + "/device/+/command"
}

// SystemStatus carries the simulator's online/offline status.
func (t Topics) SystemStatus() string {
	return t.Prefix() + "/system/status"
}
