package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file consulted when OPCUASIM_CONFIG is unset.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration structure for the simulator.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Device     DeviceConfig     `yaml:"device"`
	Simulation SimulationConfig `yaml:"simulation"`
	Logging    LoggingConfig    `yaml:"logging"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
}

// ServerConfig contains the OPC-UA server bootstrap settings.
type ServerConfig struct {
	Endpoint         string                 `yaml:"endpoint"`
	Name             string                 `yaml:"name"`
	NamespaceURI     string                 `yaml:"namespace_uri"`
	ObjectName       string                 `yaml:"object_name"`
	CertificateFile  string                 `yaml:"certificate_file"`
	PrivateKeyFile   string                 `yaml:"private_key_file"`
	SecurityPolicies []SecurityPolicyConfig `yaml:"security_policies"`
	Auth             ServerAuthConfig       `yaml:"auth"`
}

// SecurityPolicyConfig pairs a security policy name with a message security mode.
type SecurityPolicyConfig struct {
	Policy string `yaml:"policy"` // e.g. Basic256Sha256
	Mode   string `yaml:"mode"`   // Sign or SignAndEncrypt
}

// ServerAuthConfig holds the single accepted username/password pair.
type ServerAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DeviceConfig holds the initial attribute values of the simulated device.
type DeviceConfig struct {
	Name                 string  `yaml:"name"`
	Switch               bool    `yaml:"switch"`
	TemperatureThreshold float64 `yaml:"temperature_threshold"`
	HumidityThreshold    float64 `yaml:"humidity_threshold"`
}

// SimulationConfig controls the value-update worker.
type SimulationConfig struct {
	Interval      int         `yaml:"interval"` // seconds
	Temperature   RangeConfig `yaml:"temperature"`
	Humidity      RangeConfig `yaml:"humidity"`
	RespectSwitch bool        `yaml:"respect_switch"`
	Seed          uint64      `yaml:"seed"` // 0 means time based
}

// RangeConfig is an inclusive numeric range.
type RangeConfig struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Path             string `yaml:"path"`
	WALMode          bool   `yaml:"wal_mode"`
	BusyTimeout      int    `yaml:"busy_timeout"`
	HistoryRetention int    `yaml:"history_retention"` // hours, 0 keeps everything
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// A missing file at DefaultPath is not an error: the simulator runs on
// built-in defaults. Any other missing path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
		// built-in defaults
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with the simulator's built-in values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Endpoint:        "opc.tcp://0.0.0.0:4840/freeopcua/server/",
			Name:            "FreeOpcUa Example Server",
			NamespaceURI:    "http://examples.freeopcua.github.io",
			ObjectName:      "device",
			CertificateFile: "cert.pem",
			PrivateKeyFile:  "key.pem",
			SecurityPolicies: []SecurityPolicyConfig{
				{Policy: "Basic256Sha256", Mode: "Sign"},
				{Policy: "Basic256Sha256", Mode: "SignAndEncrypt"},
			},
			Auth: ServerAuthConfig{
				Username: "testuser",
				Password: "testpass2",
			},
		},
		Device: DeviceConfig{
			Name:                 "Huawei opcua simulator",
			Switch:               true,
			TemperatureThreshold: 40,
			HumidityThreshold:    60,
		},
		Simulation: SimulationConfig{
			Interval:    60,
			Temperature: RangeConfig{Min: -99, Max: 99},
			Humidity:    RangeConfig{Min: 0, Max: 100},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "opcua-simulator",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "opcuasim",
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "opcuasim",
			Bucket:        "readings",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Database: DatabaseConfig{
			Path:             "./data/opcuasim.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 24 * 7,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: OPCUASIM_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("OPCUASIM_SERVER_ENDPOINT"); v != "" {
		cfg.Server.Endpoint = v
	}
	if v := os.Getenv("OPCUASIM_SERVER_USERNAME"); v != "" {
		cfg.Server.Auth.Username = v
	}
	if v := os.Getenv("OPCUASIM_SERVER_PASSWORD"); v != "" {
		cfg.Server.Auth.Password = v
	}

	// Simulation
	if v := os.Getenv("OPCUASIM_SIMULATION_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Simulation.Interval = n
		}
	}

	// MQTT
	if v := os.Getenv("OPCUASIM_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("OPCUASIM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("OPCUASIM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("OPCUASIM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Database
	if v := os.Getenv("OPCUASIM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("OPCUASIM_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = n
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Server
	if u, err := url.Parse(c.Server.Endpoint); err != nil || u.Scheme != "opc.tcp" || u.Host == "" {
		errs = append(errs, "server.endpoint must be an opc.tcp:// URL with a host")
	}
	if c.Server.NamespaceURI == "" {
		errs = append(errs, "server.namespace_uri is required")
	}
	if c.Server.ObjectName == "" {
		errs = append(errs, "server.object_name is required")
	}
	if c.Server.CertificateFile == "" || c.Server.PrivateKeyFile == "" {
		errs = append(errs, "server.certificate_file and server.private_key_file are required")
	}
	if len(c.Server.SecurityPolicies) == 0 {
		errs = append(errs, "server.security_policies must list at least one policy")
	}
	for i, p := range c.Server.SecurityPolicies {
		switch p.Mode {
		case "None", "Sign", "SignAndEncrypt":
		default:
			errs = append(errs, fmt.Sprintf("server.security_policies[%d].mode must be None, Sign or SignAndEncrypt", i))
		}
		if p.Policy == "" {
			errs = append(errs, fmt.Sprintf("server.security_policies[%d].policy is required", i))
		}
	}
	if c.Server.Auth.Username == "" {
		errs = append(errs, "server.auth.username is required")
	}

	// Simulation
	if c.Simulation.Interval < 1 {
		errs = append(errs, "simulation.interval must be at least 1 second")
	}
	if c.Simulation.Temperature.Min > c.Simulation.Temperature.Max ||
		c.Simulation.Temperature.Min < -99 || c.Simulation.Temperature.Max > 99 {
		errs = append(errs, "simulation.temperature must be an ordered range within [-99, 99]")
	}
	if c.Simulation.Humidity.Min > c.Simulation.Humidity.Max ||
		c.Simulation.Humidity.Min < 0 || c.Simulation.Humidity.Max > 100 {
		errs = append(errs, "simulation.humidity must be an ordered range within [0, 100]")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	// Database
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	// API
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// SimulationInterval returns the worker period as a Duration.
func (c *Config) SimulationInterval() time.Duration {
	return time.Duration(c.Simulation.Interval) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
