package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps a single message at 1MB.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker to acknowledge it.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return wait(c.client.Publish(topic, qos, retained, payload), defaultPublishTimeout, ErrPublishFailed)
}

// PublishJSON marshals v and publishes it at the configured QoS. State
// topics are published retained so new subscribers get the latest
// reading straight away.
func (c *Client) PublishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshalling payload: %w", ErrPublishFailed, err)
	}
	return c.Publish(topic, payload, c.QoS(), retained)
}

func validate(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// wait blocks on token for up to timeout and wraps any failure in sentinel.
func wait(token pahomqtt.Token, timeout time.Duration, sentinel error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", sentinel, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
