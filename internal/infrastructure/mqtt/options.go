package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
)

// Connection constants.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is in milliseconds.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions maps the mqtt config section onto paho options.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT makes the broker publish a retained "offline" status if the
// simulator disconnects without saying goodbye.
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics, clientID string) {
	opts.SetWill(topics.SystemStatus(), string(buildStatusPayload(clientID, "offline", "unexpected_disconnect")), 1, true)
}

// statusPayload is the body of the system status topic.
type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func buildStatusPayload(clientID, status, reason string) []byte {
	b, _ := json.Marshal(statusPayload{ //nolint:errcheck // plain struct always marshals
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}
