// Package config provides server and agent configuration loaded from environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds relay-server configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"relay-server"`

	// HTTP listener for /ws, /api, /agents and the health endpoints
	// (RELAY_HTTP_ADDR preferred, e.g. "0.0.0.0:8080").
	HTTPAddr string `envconfig:"RELAY_HTTP_ADDR"`
	HTTPPort int    `envconfig:"RELAY_HTTP_PORT" default:"8080"`
	WSPath   string `envconfig:"RELAY_WS_PATH" default:"/ws"`

	// Subjects
	APISubject   string `envconfig:"RELAY_API_SUBJECT" default:"relay.v1.api"`
	EventSubject string `envconfig:"RELAY_EVENT_SUBJECT" default:"relay.events"`

	// NATSSessions accepts agent sessions over NATS alongside WebSocket.
	NATSSessions  bool   `envconfig:"RELAY_NATS_SESSIONS" default:"true"`
	SessionPrefix string `envconfig:"RELAY_SESSION_PREFIX" default:"relay.v1"`

	// Database (empty URL keeps session history in memory only)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH"`

	// Identify policy
	MinAgentVersion string `envconfig:"RELAY_MIN_AGENT_VERSION"`

	// Timeouts and liveness
	RequestTimeout     time.Duration `envconfig:"RELAY_REQUEST_TIMEOUT" default:"25s"`
	IdentifyTimeout    time.Duration `envconfig:"RELAY_IDENTIFY_TIMEOUT" default:"10s"`
	HeartbeatInterval  time.Duration `envconfig:"RELAY_HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatMaxMisses int           `envconfig:"RELAY_HEARTBEAT_MAX_MISSES" default:"2"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf("0.0.0.0:%d", c.HTTPPort)
}

// ValidateForServe checks required config when running the relay server.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - RELAY_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.IdentifyTimeout <= 0 {
		return fmt.Errorf("%s - RELAY_IDENTIFY_TIMEOUT must be positive", logPrefix)
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("%s - RELAY_HEARTBEAT_INTERVAL must not be negative", logPrefix)
	}
	if c.HeartbeatMaxMisses < 0 {
		return fmt.Errorf("%s - RELAY_HEARTBEAT_MAX_MISSES must not be negative", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("%s - RELAY_WS_PATH must start with '/'", logPrefix)
	}
	if c.APISubject == "" {
		return fmt.Errorf("%s - RELAY_API_SUBJECT is required", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// AgentConfig holds relay-agent configuration.
type AgentConfig struct {
	AgentID      string `envconfig:"AGENT_ID"`
	EndpointType string `envconfig:"AGENT_ENDPOINT_TYPE" default:"desktop"`
	Version      string `envconfig:"AGENT_VERSION" default:"1.0.0"`

	// Primary transport: WebSocket to the control plane.
	ServerURL string `envconfig:"RELAY_SERVER_URL" default:"ws://127.0.0.1:8080/ws"`
	// Secondary transport: NATS session, used when the WebSocket dialer cannot be built.
	SecondaryNATSURL string `envconfig:"RELAY_SECONDARY_NATS_URL"`
	SessionPrefix    string `envconfig:"RELAY_SESSION_PREFIX" default:"relay.v1"`

	ManifestFile string `envconfig:"AGENT_MANIFEST_FILE"`

	ReconnectInitial   time.Duration `envconfig:"RELAY_RECONNECT_INITIAL" default:"1s"`
	ReconnectMax       time.Duration `envconfig:"RELAY_RECONNECT_MAX" default:"30s"`
	RequestTimeout     time.Duration `envconfig:"RELAY_REQUEST_TIMEOUT" default:"25s"`
	IdentifyTimeout    time.Duration `envconfig:"RELAY_IDENTIFY_TIMEOUT" default:"10s"`
	HeartbeatInterval  time.Duration `envconfig:"RELAY_HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatMaxMisses int           `envconfig:"RELAY_HEARTBEAT_MAX_MISSES" default:"2"`

	// Loopback bus for the browser extension (0 disables the listener).
	LocalBusPort   int `envconfig:"AGENT_LOCAL_BUS_PORT" default:"0"`
	LocalBusWSPort int `envconfig:"AGENT_LOCAL_BUS_WS_PORT" default:"0"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadAgentConfig loads agent configuration from environment variables.
func LoadAgentConfig() (*AgentConfig, error) {
	var c AgentConfig
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForAgent checks required config when running the agent.
func (c *AgentConfig) ValidateForAgent() error {
	if c.AgentID == "" {
		return fmt.Errorf("%s - AGENT_ID is required", logPrefix)
	}
	if c.ServerURL == "" && c.SecondaryNATSURL == "" {
		return fmt.Errorf("%s - RELAY_SERVER_URL or RELAY_SECONDARY_NATS_URL is required", logPrefix)
	}
	if c.ServerURL != "" {
		if _, err := url.Parse(c.ServerURL); err != nil {
			return fmt.Errorf("%s - RELAY_SERVER_URL is invalid: %w", logPrefix, err)
		}
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("%s - RELAY_RECONNECT_INITIAL must be positive and not above RELAY_RECONNECT_MAX", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - RELAY_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatMaxMisses < 0 {
		return fmt.Errorf("%s - heartbeat settings must not be negative", logPrefix)
	}
	return nil
}
