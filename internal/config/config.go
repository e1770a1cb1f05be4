// Package config handles node configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lanwake/lanwake/internal/wakeverify"
)

// Modes the node runs in.
const (
	ModeStandalone = "standalone"
	ModeAgent      = "agent"
)

// ServerConfig covers the local diagnostics listener.
type ServerConfig struct {
	Port int
	Host string
	Env  string // development or production
}

// DatabaseConfig covers persistence.
type DatabaseConfig struct {
	Path string
}

// NetworkConfig covers discovery and scanning.
type NetworkConfig struct {
	ScanInterval      time.Duration
	ScanDelay         time.Duration
	PingTimeout       time.Duration
	PingConcurrency   int
	UsePingValidation bool
}

// LoggingConfig covers log output.
type LoggingConfig struct {
	Level string
}

// WakeVerificationConfig covers post-wake verification.
type WakeVerificationConfig struct {
	Enabled      bool
	Timeout      time.Duration
	PollInterval time.Duration
}

// AgentConfig covers the C&C connection.
type AgentConfig struct {
	Mode      string
	CNCURL    string
	NodeID    string
	Location  string
	AuthToken string
	PublicURL string

	SessionTokenURL            string
	SessionTokenRequestTimeout time.Duration
	SessionTokenRefreshBuffer  time.Duration
	AllowQueryTokenFallback    bool

	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	HostUpdateDebounce      time.Duration
	MaxBufferedHostEvents   int
	HostEventFlushBatchSize int
	InitialSyncChunkSize    int
	HostStaleAfter          time.Duration
}

// Config holds all node configuration.
type Config struct {
	Server           ServerConfig
	Database         DatabaseConfig
	Network          NetworkConfig
	Logging          LoggingConfig
	WakeVerification WakeVerificationConfig
	Agent            AgentConfig
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 3355, Host: "0.0.0.0", Env: "development"},
		Database: DatabaseConfig{Path: "lanwake.db"},
		Network: NetworkConfig{
			ScanInterval:      5 * time.Minute,
			ScanDelay:         15 * time.Second,
			PingTimeout:       time.Second,
			PingConcurrency:   10,
			UsePingValidation: true,
		},
		Logging: LoggingConfig{Level: "info"},
		WakeVerification: WakeVerificationConfig{
			Enabled:      false,
			Timeout:      15 * time.Second,
			PollInterval: time.Second,
		},
		Agent: AgentConfig{
			Mode:                       ModeStandalone,
			SessionTokenRequestTimeout: 10 * time.Second,
			SessionTokenRefreshBuffer:  60 * time.Second,
			HeartbeatInterval:          30 * time.Second,
			ReconnectInterval:          5 * time.Second,
			MaxReconnectAttempts:       0, // unbounded
			HostUpdateDebounce:         500 * time.Millisecond,
			MaxBufferedHostEvents:      2000,
			HostEventFlushBatchSize:    100,
			InitialSyncChunkSize:       100,
			HostStaleAfter:             15 * time.Minute,
		},
	}
}

// LoadFromEnv loads configuration from environment variables on top of
// the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	var err error
	get := func(name string, set func(string) error) {
		if err != nil {
			return
		}
		if v := os.Getenv(name); v != "" {
			if e := set(v); e != nil {
				err = fmt.Errorf("%s: %w", name, e)
			}
		}
	}

	setString := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	setInt := func(dst *int) func(string) error {
		return func(v string) error {
			n, e := strconv.Atoi(v)
			if e != nil {
				return errors.New("must be a number")
			}
			*dst = n
			return nil
		}
	}
	setBool := func(dst *bool) func(string) error {
		return func(v string) error {
			b, e := strconv.ParseBool(v)
			if e != nil {
				return errors.New("must be true or false")
			}
			*dst = b
			return nil
		}
	}
	setMillis := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			n, e := strconv.Atoi(v)
			if e != nil || n < 0 {
				return errors.New("must be a non-negative number of milliseconds")
			}
			*dst = time.Duration(n) * time.Millisecond
			return nil
		}
	}

	get("PORT", setInt(&cfg.Server.Port))
	get("HOST", setString(&cfg.Server.Host))
	get("APP_ENV", setString(&cfg.Server.Env))
	get("DB_PATH", setString(&cfg.Database.Path))
	get("LOG_LEVEL", setString(&cfg.Logging.Level))

	get("SCAN_INTERVAL", setMillis(&cfg.Network.ScanInterval))
	get("SCAN_DELAY", setMillis(&cfg.Network.ScanDelay))
	get("PING_TIMEOUT", setMillis(&cfg.Network.PingTimeout))
	get("PING_CONCURRENCY", setInt(&cfg.Network.PingConcurrency))
	get("USE_PING_VALIDATION", setBool(&cfg.Network.UsePingValidation))

	get("WAKE_VERIFY_ENABLED", setBool(&cfg.WakeVerification.Enabled))
	get("WAKE_VERIFY_TIMEOUT_MS", setMillis(&cfg.WakeVerification.Timeout))
	get("WAKE_VERIFY_POLL_INTERVAL_MS", setMillis(&cfg.WakeVerification.PollInterval))

	get("NODE_MODE", setString(&cfg.Agent.Mode))
	get("CNC_URL", setString(&cfg.Agent.CNCURL))
	get("NODE_ID", setString(&cfg.Agent.NodeID))
	get("NODE_LOCATION", setString(&cfg.Agent.Location))
	get("NODE_AUTH_TOKEN", setString(&cfg.Agent.AuthToken))
	get("NODE_PUBLIC_URL", setString(&cfg.Agent.PublicURL))
	get("NODE_SESSION_TOKEN_URL", setString(&cfg.Agent.SessionTokenURL))
	get("NODE_SESSION_TOKEN_REQUEST_TIMEOUT_MS", setMillis(&cfg.Agent.SessionTokenRequestTimeout))
	get("NODE_SESSION_TOKEN_REFRESH_BUFFER_SECONDS", func(v string) error {
		n, e := strconv.Atoi(v)
		if e != nil || n < 0 {
			return errors.New("must be a non-negative number of seconds")
		}
		cfg.Agent.SessionTokenRefreshBuffer = time.Duration(n) * time.Second
		return nil
	})
	get("WS_ALLOW_QUERY_TOKEN_FALLBACK", setBool(&cfg.Agent.AllowQueryTokenFallback))
	get("HEARTBEAT_INTERVAL", setMillis(&cfg.Agent.HeartbeatInterval))
	get("RECONNECT_INTERVAL", setMillis(&cfg.Agent.ReconnectInterval))
	get("MAX_RECONNECT_ATTEMPTS", setInt(&cfg.Agent.MaxReconnectAttempts))
	get("NODE_HOST_UPDATE_DEBOUNCE_MS", setMillis(&cfg.Agent.HostUpdateDebounce))
	get("NODE_MAX_BUFFERED_HOST_EVENTS", setInt(&cfg.Agent.MaxBufferedHostEvents))
	get("NODE_HOST_EVENT_FLUSH_BATCH_SIZE", setInt(&cfg.Agent.HostEventFlushBatchSize))
	get("NODE_INITIAL_SYNC_CHUNK_SIZE", setInt(&cfg.Agent.InitialSyncChunkSize))
	get("NODE_HOST_STALE_AFTER_MS", setMillis(&cfg.Agent.HostStaleAfter))

	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is coherent for its mode.
func (c *Config) Validate() error {
	switch c.Agent.Mode {
	case ModeStandalone, ModeAgent:
	default:
		return fmt.Errorf("NODE_MODE must be %q or %q, got %q", ModeStandalone, ModeAgent, c.Agent.Mode)
	}

	if c.Agent.Mode == ModeAgent {
		missing := []string{}
		if c.Agent.CNCURL == "" {
			missing = append(missing, "CNC_URL")
		}
		if c.Agent.NodeID == "" {
			missing = append(missing, "NODE_ID")
		}
		if c.Agent.Location == "" {
			missing = append(missing, "NODE_LOCATION")
		}
		if c.Agent.AuthToken == "" {
			missing = append(missing, "NODE_AUTH_TOKEN")
		}
		if len(missing) > 0 {
			return fmt.Errorf("agent mode requires %s", strings.Join(missing, ", "))
		}

		if c.Server.Env == "production" && !hasTLSScheme(c.Agent.CNCURL) {
			return errors.New("production requires a TLS C&C URL (https:// or wss://)")
		}
	}

	if c.WakeVerification.Enabled {
		p := wakeverify.Params{
			Enabled:      true,
			Timeout:      c.WakeVerification.Timeout,
			PollInterval: c.WakeVerification.PollInterval,
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("wake verification: %w", err)
		}
	}

	if c.Network.PingConcurrency < 1 {
		return errors.New("PING_CONCURRENCY must be at least 1")
	}
	return nil
}

func hasTLSScheme(url string) bool {
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "wss://")
}
