// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the session core configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Session      SessionConfig      `yaml:"session"`
	Auth         AuthConfig         `yaml:"auth"`
	Unauthorized UnauthorizedConfig `yaml:"unauthorized"`
	Log          LogConfig          `yaml:"log"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Webhook      WebhookConfig      `yaml:"webhook"`
}

// ServerConfig holds listener and telemetry settings.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	TLSCAFile       string        `yaml:"tls_ca_file"`     // CA certificate for client verification
	TLSClientAuth   string        `yaml:"tls_client_auth"` // "none", "request", or "require"
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	TCPMaxConn      int           `yaml:"tcp_max_connections"`
	TCPReadTimeout  time.Duration `yaml:"tcp_read_timeout"`
	TCPWriteTimeout time.Duration `yaml:"tcp_write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// Per-IP connection attempts per second, 0 disables the limiter.
	ConnRateLimit float64 `yaml:"conn_rate_limit"`
	ConnRateBurst int     `yaml:"conn_rate_burst"`

	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
	// OtelInsecure sends OTLP over plaintext gRPC.
	OtelInsecure bool `yaml:"otel_insecure"`
}

// SessionConfig holds per-client actor settings.
type SessionConfig struct {
	// Bounded mailbox capacity of each client actor.
	MailboxSize int `yaml:"mailbox_size"`
	// How long a submitter waits on a full mailbox.
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	// Upper bound of a single authentication call.
	AuthTimeout time.Duration `yaml:"auth_timeout"`
	// Upper bound of one disconnect orchestration.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	// Delay before an idle disconnected actor retries retirement.
	RetireInterval time.Duration `yaml:"retire_interval"`
}

// AuthConfig holds credential providers.
type AuthConfig struct {
	AllowAnonymous bool        `yaml:"allow_anonymous"`
	Users          []AuthUser  `yaml:"users"`
	Scram          []ScramUser `yaml:"scram"`
}

// AuthRule is one publish/subscribe regular expression rule.
type AuthRule struct {
	Pub []string `yaml:"pub"`
	Sub []string `yaml:"sub"`
}

// AuthUser is a username/password credential.
type AuthUser struct {
	Username     string     `yaml:"username"`
	ClientID     string     `yaml:"client_id"`
	PasswordHash string     `yaml:"password_hash"` // bcrypt
	CommonName   string     `yaml:"common_name"`   // TLS pinning
	ClientType   string     `yaml:"client_type"`   // "device" or "application"
	Rules        []AuthRule `yaml:"rules"`
}

// ScramUser is a SCRAM credential. Either Password or the derived
// StoredKey/ServerKey/Salt triple must be set (all base64).
type ScramUser struct {
	Username   string     `yaml:"username"`
	Method     string     `yaml:"method"` // SCRAM-SHA-256 or SCRAM-SHA-512
	Password   string     `yaml:"password"`
	Salt       string     `yaml:"salt"`
	Iterations int        `yaml:"iterations"`
	StoredKey  string     `yaml:"stored_key"`
	ServerKey  string     `yaml:"server_key"`
	ClientType string     `yaml:"client_type"`
	Rules      []AuthRule `yaml:"rules"`
}

// UnauthorizedConfig holds the unauthorized-attempt audit settings.
type UnauthorizedConfig struct {
	Type        string        `yaml:"type"` // memory, badger, postgres
	BadgerDir   string        `yaml:"badger_dir"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	TTL         time.Duration `yaml:"ttl"` // 0 keeps records until cleared
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	WriteRate   float64       `yaml:"write_rate"` // writes per second, 0 = unlimited
	WriteBurst  int           `yaml:"write_burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ClusterConfig holds cross-node session event settings.
type ClusterConfig struct {
	Enabled bool       `yaml:"enabled"`
	NodeID  string     `yaml:"node_id"`
	Etcd    EtcdConfig `yaml:"etcd"`
}

// EtcdConfig holds etcd settings. With Embedded set the node runs its own
// etcd member, otherwise it connects to Endpoints.
type EtcdConfig struct {
	Embedded       bool          `yaml:"embedded"`
	Endpoints      []string      `yaml:"endpoints"`
	DataDir        string        `yaml:"data_dir"`
	BindAddr       string        `yaml:"bind_addr"`       // Peer address (e.g., "0.0.0.0:2380")
	ClientAddr     string        `yaml:"client_addr"`     // Client address (e.g., "0.0.0.0:2379")
	InitialCluster string        `yaml:"initial_cluster"` // "node1=http://host1:2380,node2=http://host2:2380"
	Bootstrap      bool          `yaml:"bootstrap"`       // true only for first node
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	LeaseTTL       int64         `yaml:"lease_ttl"` // seconds
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for all webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint is one webhook receiver.
type WebhookEndpoint struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"` // "http"
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // Event type filter (empty = all)
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry   *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":1883",
			TCPMaxConn:      10000,
			TCPReadTimeout:  60 * time.Second,
			TCPWriteTimeout: 60 * time.Second,
			TLSClientAuth:   "none",
			WSAddr:          ":8083",
			WSPath:          "/mqtt",
			WSEnabled:       false,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			ShutdownTimeout: 30 * time.Second,
			ConnRateLimit:   0,
			ConnRateBurst:   20,

			OtelServiceName:     "fluxsession",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelInsecure:        true,
		},
		Session: SessionConfig{
			MailboxSize:       64,
			EnqueueTimeout:    5 * time.Second,
			AuthTimeout:       10 * time.Second,
			DisconnectTimeout: 5 * time.Second,
			RetireInterval:    time.Second,
		},
		Auth: AuthConfig{
			AllowAnonymous: false,
		},
		Unauthorized: UnauthorizedConfig{
			Type:       "memory",
			BadgerDir:  "/tmp/fluxsession/unauthorized",
			TTL:        24 * time.Hour,
			Workers:    2,
			QueueSize:  1024,
			WriteRate:  100,
			WriteBurst: 200,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Cluster: ClusterConfig{
			Enabled: false,
			NodeID:  "node-1",
			Etcd: EtcdConfig{
				Embedded:       true,
				DataDir:        "/tmp/fluxsession/etcd",
				BindAddr:       "0.0.0.0:2380",
				ClientAddr:     "0.0.0.0:2379",
				InitialCluster: "node-1=http://0.0.0.0:2380",
				Bootstrap:      true,
				DialTimeout:    5 * time.Second,
				LeaseTTL:       10,
			},
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	checks := []struct {
		section string
		check   func() error
	}{
		{"server", c.Server.validate},
		{"session", c.Session.validate},
		{"auth", c.Auth.validate},
		{"unauthorized", c.Unauthorized.validate},
		{"log", c.Log.validate},
		{"cluster", c.Cluster.validate},
		{"webhook", c.Webhook.validate},
	}
	for _, ch := range checks {
		if err := ch.check(); err != nil {
			return fmt.Errorf("%s.%w", ch.section, err)
		}
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func (c ServerConfig) validate() error {
	switch {
	case c.TCPAddr == "":
		return errors.New("tcp_addr cannot be empty")
	case c.TCPMaxConn < 0:
		return errors.New("tcp_max_connections cannot be negative")
	case c.WSEnabled && c.WSPath == "":
		return errors.New("ws_path required when websocket is enabled")
	case c.ConnRateLimit < 0:
		return errors.New("conn_rate_limit cannot be negative")
	case c.ConnRateLimit > 0 && c.ConnRateBurst < 1:
		return errors.New("conn_rate_burst must be at least 1 when rate limiting is enabled")
	}

	if c.TLSEnabled {
		switch {
		case c.TLSCertFile == "":
			return errors.New("tls_cert_file required when TLS is enabled")
		case c.TLSKeyFile == "":
			return errors.New("tls_key_file required when TLS is enabled")
		case !oneOf(c.TLSClientAuth, "none", "request", "require"):
			return errors.New("tls_client_auth must be one of: none, request, require")
		case c.TLSClientAuth != "none" && c.TLSCAFile == "":
			return fmt.Errorf("tls_ca_file required when tls_client_auth is '%s'", c.TLSClientAuth)
		}
	}

	if c.MetricsEnabled {
		if c.OtelServiceName == "" {
			return errors.New("otel_service_name cannot be empty when metrics enabled")
		}
		if c.OtelTraceSampleRate < 0.0 || c.OtelTraceSampleRate > 1.0 {
			return errors.New("otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}
	return nil
}

func (c SessionConfig) validate() error {
	switch {
	case c.MailboxSize < 1:
		return errors.New("mailbox_size must be at least 1")
	case c.EnqueueTimeout <= 0:
		return errors.New("enqueue_timeout must be positive")
	case c.AuthTimeout < time.Second:
		return errors.New("auth_timeout must be at least 1 second")
	case c.DisconnectTimeout <= 0:
		return errors.New("disconnect_timeout must be positive")
	case c.RetireInterval <= 0:
		return errors.New("retire_interval must be positive")
	}
	return nil
}

func (c AuthConfig) validate() error {
	for i, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d].username cannot be empty", i)
		}
	}
	for i, u := range c.Scram {
		switch {
		case u.Username == "":
			return fmt.Errorf("scram[%d].username cannot be empty", i)
		case !oneOf(u.Method, "SCRAM-SHA-256", "SCRAM-SHA-512"):
			return fmt.Errorf("scram[%d].method must be one of: SCRAM-SHA-256, SCRAM-SHA-512", i)
		case u.Password == "" && (u.StoredKey == "" || u.ServerKey == "" || u.Salt == ""):
			return fmt.Errorf("scram[%d] requires password or salt, stored_key and server_key", i)
		}
	}
	return nil
}

func (c UnauthorizedConfig) validate() error {
	switch {
	case !oneOf(c.Type, "memory", "badger", "postgres"):
		return errors.New("type must be one of: memory, badger, postgres")
	case c.Type == "badger" && c.BadgerDir == "":
		return errors.New("badger_dir required when type is badger")
	case c.Type == "postgres" && c.PostgresDSN == "":
		return errors.New("postgres_dsn required when type is postgres")
	case c.Workers < 1:
		return errors.New("workers must be at least 1")
	case c.QueueSize < 1:
		return errors.New("queue_size must be at least 1")
	case c.WriteRate < 0:
		return errors.New("write_rate cannot be negative")
	}
	return nil
}

func (c LogConfig) validate() error {
	if !oneOf(c.Level, "debug", "info", "warn", "error") {
		return errors.New("level must be one of: debug, info, warn, error")
	}
	if !oneOf(c.Format, "text", "json") {
		return errors.New("format must be one of: text, json")
	}
	return nil
}

func (c ClusterConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.NodeID == "" {
		return errors.New("node_id required when clustering is enabled")
	}

	e := c.Etcd
	switch {
	case e.Embedded && e.DataDir == "":
		return errors.New("etcd.data_dir required when etcd is embedded")
	case e.Embedded && e.BindAddr == "":
		return errors.New("etcd.bind_addr required when etcd is embedded")
	case e.Embedded && e.ClientAddr == "":
		return errors.New("etcd.client_addr required when etcd is embedded")
	case !e.Embedded && len(e.Endpoints) == 0:
		return errors.New("etcd.endpoints required when etcd is not embedded")
	case e.LeaseTTL < 1:
		return errors.New("etcd.lease_ttl must be at least 1 second")
	}
	return nil
}

func (c WebhookConfig) validate() error {
	if !c.Enabled {
		return nil
	}

	d := c.Defaults
	switch {
	case c.QueueSize < 100:
		return errors.New("queue_size must be at least 100")
	case !oneOf(c.DropPolicy, "oldest", "newest"):
		return errors.New("drop_policy must be 'oldest' or 'newest'")
	case c.Workers < 1:
		return errors.New("workers must be at least 1")
	case c.ShutdownTimeout < time.Second:
		return errors.New("shutdown_timeout must be at least 1 second")
	case d.Timeout < time.Second:
		return errors.New("defaults.timeout must be at least 1 second")
	case d.Retry.MaxAttempts < 1:
		return errors.New("defaults.retry.max_attempts must be at least 1")
	case d.Retry.Multiplier < 1.0:
		return errors.New("defaults.retry.multiplier must be at least 1.0")
	case d.CircuitBreaker.FailureThreshold < 1:
		return errors.New("defaults.circuit_breaker.failure_threshold must be at least 1")
	}

	for i, ep := range c.Endpoints {
		switch {
		case ep.Name == "":
			return fmt.Errorf("endpoints[%d].name cannot be empty", i)
		case ep.Type != "http":
			return fmt.Errorf("endpoints[%d].type must be 'http'", i)
		case ep.URL == "":
			return fmt.Errorf("endpoints[%d].url cannot be empty", i)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
