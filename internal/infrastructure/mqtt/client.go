package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
)

// Client is the simulator's broker link. It announces itself on the
// system status topic, keeps subscriptions across reconnects and
// recovers from panicking handlers. It is safe for concurrent use.
type Client struct {
	client   pahomqtt.Client
	clientID string
	qos      byte
	topics   Topics

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	connected atomic.Bool
	onConnect atomic.Pointer[func()]
	logger    atomic.Pointer[logging.Logger]
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on paho's goroutines. A returned error is logged and the
// message is still acknowledged.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and waits for the first connection.
//
// A retained Last Will on the system status topic reports "offline" if
// the process dies; "online" is published on every (re)connect.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		clientID:      cfg.Broker.ClientID,
		qos:           byte(cfg.QoS), // #nosec G115 -- validated to 0..2
		topics:        NewTopics(cfg.TopicPrefix),
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, c.clientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	if err := wait(c.client.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}

	// OnConnect fires asynchronously; Connect's caller must already see
	// the client as connected.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) handleConnect() {
	c.connected.Store(true)

	if failed := c.restoreSubscriptions(); failed > 0 {
		c.log().Warn("mqtt subscriptions not restored", "failed", failed)
	}
	c.client.Publish(c.topics.SystemStatus(), c.qos, true, buildStatusPayload(c.clientID, "online", ""))
	c.log().Info("mqtt connected", "client_id", c.clientID)

	if fn := c.onConnect.Load(); fn != nil {
		(*fn)()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)
	c.log().Warn("mqtt connection lost", "error", err)
}

// restoreSubscriptions re-issues every tracked subscription and returns
// how many the broker did not accept in time.
func (c *Client) restoreSubscriptions() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	failed := 0
	for topic, sub := range c.subscriptions {
		token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		if err := wait(token, defaultPublishTimeout, ErrSubscribeFailed); err != nil {
			c.log().Warn("mqtt resubscribe failed", "topic", topic, "error", err)
			failed++
		}
	}
	return failed
}

// Close publishes a retained "offline" status and disconnects. It is
// safe on a client that never connected.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	if c.IsConnected() {
		status := buildStatusPayload(c.clientID, "offline", "graceful_shutdown")
		c.client.Publish(c.topics.SystemStatus(), c.qos, true, status).WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker link is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// Topics returns the topic builder bound to the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// QoS returns the configured default QoS.
func (c *Client) QoS() byte {
	return c.qos
}

// SetOnConnect sets a callback run after every connect and reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.onConnect.Store(&callback)
}

// SetLogger sets the logger for connection events and handler failures.
func (c *Client) SetLogger(logger *logging.Logger) {
	c.logger.Store(logger)
}

func (c *Client) log() *logging.Logger {
	if l := c.logger.Load(); l != nil {
		return l
	}
	return logging.Discard()
}

// wrapHandler recovers handler panics and logs returned errors.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("mqtt handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("mqtt message rejected", "topic", msg.Topic(), "error", err)
		}
	}
}
