// Package config provides configuration parsing and validation for bzconnect.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Client       ClientConfig       `yaml:"client"`
	Auth         AuthConfig         `yaml:"auth"`
	Keysplitting KeysplittingConfig `yaml:"keysplitting"`
	Shell        ShellConfig        `yaml:"shell"`
	Tunnel       TunnelConfig       `yaml:"tunnel"`
	Hub          HubConfig          `yaml:"hub"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ClientConfig contains general client settings.
type ClientConfig struct {
	ServiceURL string `yaml:"service_url"` // Control plane base URL
	DataDir    string `yaml:"data_dir"`    // Directory for keys and logs
	LogLevel   string `yaml:"log_level"`   // debug, info, warn, error
	LogFormat  string `yaml:"log_format"`  // text, json
	LogFile    string `yaml:"log_file"`    // Empty = <data_dir>/bzconnect.log
}

// AuthConfig holds the tokens produced by the login flow.
type AuthConfig struct {
	InitialIDToken string `yaml:"initial_id_token"`
	CurrentIDToken string `yaml:"current_id_token"`
	SessionToken   string `yaml:"session_token"`
}

// KeysplittingConfig tunes the message chain.
type KeysplittingConfig struct {
	SchemaVersion    string        `yaml:"schema_version"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
}

// ShellConfig tunes interactive shell sessions.
type ShellConfig struct {
	InputWindow     time.Duration `yaml:"input_window"` // Keypress coalescing window
	MinAgentVersion string        `yaml:"min_agent_version"`
}

// TunnelConfig tunes SSH tunnels.
type TunnelConfig struct {
	ManagedIdentityFile string `yaml:"managed_identity_file"` // Empty = <data_dir>/bzero-ssh-key
	QueueSize           int    `yaml:"queue_size"`
	ReceiveWindow       int    `yaml:"receive_window"` // Out-of-order chunks buffered ahead
	MinAgentVersion     string `yaml:"min_agent_version"`
}

// HubConfig tunes the websocket transport.
type HubConfig struct {
	PingInterval       time.Duration `yaml:"ping_interval"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	ReadLimit          int64         `yaml:"read_limit"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // dev only
}

// ReconnectConfig defines how a broken websocket is re-established.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ServiceURL: "https://cloud.bastionzero.com",
			DataDir:    defaultDataDir(),
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Keysplitting: KeysplittingConfig{
			SchemaVersion:    "zli-2.0",
			HandshakeTimeout: 15 * time.Second,
			AckTimeout:       30 * time.Second,
		},
		Shell: ShellConfig{
			InputWindow:     30 * time.Millisecond,
			MinAgentVersion: "6.1.0",
		},
		Tunnel: TunnelConfig{
			QueueSize:       256,
			ReceiveWindow:   1024,
			MinAgentVersion: "5.0.0",
		},
		Hub: HubConfig{
			PingInterval: 15 * time.Second,
			DialTimeout:  30 * time.Second,
			ReadLimit:    4 * 1024 * 1024,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
			MaxRetries:   8,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "bzconnect")
	}
	return "./data"
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadOrDefault loads path if it exists and otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left untouched.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Client.DataDir == "" {
		errs = append(errs, "client.data_dir is required")
	}
	if u, err := url.Parse(c.Client.ServiceURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("invalid client.service_url: %q", c.Client.ServiceURL))
	}
	if !isValidLogLevel(c.Client.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Client.LogLevel))
	}
	if !isValidLogFormat(c.Client.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Client.LogFormat))
	}

	if c.Keysplitting.HandshakeTimeout <= 0 {
		errs = append(errs, "keysplitting.handshake_timeout must be positive")
	}
	if c.Keysplitting.AckTimeout <= 0 {
		errs = append(errs, "keysplitting.ack_timeout must be positive")
	}

	if c.Shell.InputWindow < 0 || c.Shell.InputWindow > time.Second {
		errs = append(errs, "shell.input_window must be between 0 and 1s")
	}
	if c.Tunnel.QueueSize < 1 {
		errs = append(errs, "tunnel.queue_size must be positive")
	}
	if c.Tunnel.ReceiveWindow < 1 {
		errs = append(errs, "tunnel.receive_window must be positive")
	}

	if c.Hub.ReadLimit < 1024 {
		errs = append(errs, "hub.read_limit must be at least 1024")
	}
	if c.Hub.DialTimeout <= 0 {
		errs = append(errs, "hub.dial_timeout must be positive")
	}

	if c.Reconnect.InitialDelay <= 0 {
		errs = append(errs, "reconnect.initial_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, "reconnect.max_delay must be >= initial_delay")
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, "reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, "reconnect.jitter must be between 0 and 1")
	}
	if c.Reconnect.MaxRetries < 0 {
		errs = append(errs, "reconnect.max_retries must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// ManagedIdentityFile returns the path of the tool-managed SSH key.
func (c *Config) ManagedIdentityFile() string {
	if c.Tunnel.ManagedIdentityFile != "" {
		return c.Tunnel.ManagedIdentityFile
	}
	return filepath.Join(c.Client.DataDir, "bzero-ssh-key")
}

// LogFilePath returns where the interactive commands write their log.
func (c *Config) LogFilePath() string {
	if c.Client.LogFile != "" {
		return c.Client.LogFile
	}
	return filepath.Join(c.Client.DataDir, "bzconnect.log")
}

// String returns a string representation of the config with tokens redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with tokens redacted.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Auth.InitialIDToken != "" {
		cp.Auth.InitialIDToken = redactedValue
	}
	if cp.Auth.CurrentIDToken != "" {
		cp.Auth.CurrentIDToken = redactedValue
	}
	if cp.Auth.SessionToken != "" {
		cp.Auth.SessionToken = redactedValue
	}
	return &cp
}

// HasCredentials reports whether the login tokens are present.
func (c *Config) HasCredentials() bool {
	return c.Auth.InitialIDToken != "" && c.Auth.CurrentIDToken != "" && c.Auth.SessionToken != ""
}
