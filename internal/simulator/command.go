package simulator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
)

// Command is the payload of the MQTT command topic.
type Command struct {
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

// CommandHandler applies MQTT commands to a device store with the same
// rules OPC-UA clients get: only writable attributes, values of the
// right kind.
type CommandHandler struct {
	store  device.Store
	logger *logging.Logger
}

// NewCommandHandler creates a handler writing into store.
func NewCommandHandler(store device.Store, logger *logging.Logger) *CommandHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CommandHandler{store: store, logger: logger.Component("commands")}
}

// Handle has the mqtt.MessageHandler signature.
func (h *CommandHandler) Handle(topic string, payload []byte) error {
	cmd, err := ParseCommand(payload)
	if err != nil {
		return err
	}

	attr := device.Attribute(cmd.Attribute)
	if err := device.Write(h.store, attr, cmd.Value); err != nil {
		return fmt.Errorf("applying command from %s: %w", topic, err)
	}

	h.logger.Info("attribute written", "attribute", attr, "value", cmd.Value, "source", "mqtt")
	return nil
}

// ParseCommand decodes payload. Numbers are kept as json.Number so that
// integers written to thresholds are widened like OPC-UA writes.
func ParseCommand(payload []byte) (Command, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var cmd Command
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if cmd.Attribute == "" {
		return Command{}, fmt.Errorf("%w: attribute is required", ErrInvalidCommand)
	}
	if cmd.Value == nil {
		return Command{}, fmt.Errorf("%w: value is required", ErrInvalidCommand)
	}
	return cmd, nil
}
