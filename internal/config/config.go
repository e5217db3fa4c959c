// Package config provides configuration parsing and validation for udprelay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	SOCKS5 SOCKS5Config `yaml:"socks5"`
	Relay  RelayConfig  `yaml:"relay"`
	DNS    DNSConfig    `yaml:"dns"`
	Health HealthConfig `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SOCKS5Config defines the control-plane listener settings.
type SOCKS5Config struct {
	Address          string        `yaml:"address"`
	Auth             AuthConfig    `yaml:"auth"`
	MaxConnections   int           `yaml:"max_connections"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// AuthConfig defines SOCKS5 authentication settings.
type AuthConfig struct {
	Enabled  bool         `yaml:"enabled"`
	Required bool         `yaml:"required"` // reject clients offering only no-auth
	Users    []UserConfig `yaml:"users"`
}

// UserConfig defines a SOCKS5 user.
type UserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RelayConfig defines UDP relay engine settings.
type RelayConfig struct {
	MaxAssociations int           `yaml:"max_associations"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ReapInterval    time.Duration `yaml:"reap_interval"` // 0 = idle_timeout/2
	MaxDatagramSize int           `yaml:"max_datagram_size"`
	BindIP          string        `yaml:"bind_ip"` // empty = 0.0.0.0
}

// DNSConfig defines destination resolution settings.
type DNSConfig struct {
	Servers []string      `yaml:"servers"` // empty = system resolver
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		SOCKS5: SOCKS5Config{
			Address:          "127.0.0.1:1080",
			MaxConnections:   1000,
			HandshakeTimeout: 30 * time.Second,
		},
		Relay: RelayConfig{
			MaxAssociations: 1000,
			IdleTimeout:     5 * time.Minute,
			MaxDatagramSize: 65535,
		},
		DNS: DNSConfig{
			Servers: []string{},
			Timeout: 5 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
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
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.SOCKS5.Address == "" {
		errs = append(errs, "socks5.address is required")
	} else if _, _, err := net.SplitHostPort(c.SOCKS5.Address); err != nil {
		errs = append(errs, fmt.Sprintf("invalid socks5.address: %v", err))
	}
	if c.SOCKS5.MaxConnections < 0 {
		errs = append(errs, "socks5.max_connections must not be negative")
	}

	if c.SOCKS5.Auth.Enabled && len(c.SOCKS5.Auth.Users) == 0 {
		errs = append(errs, "socks5.auth.users is required when auth is enabled")
	}
	if c.SOCKS5.Auth.Required && !c.SOCKS5.Auth.Enabled {
		errs = append(errs, "socks5.auth.required needs socks5.auth.enabled")
	}
	for i, u := range c.SOCKS5.Auth.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Sprintf("socks5.auth.users[%d]: username is required", i))
		}
		if len(u.Username) > 255 || len(u.Password) > 255 {
			errs = append(errs, fmt.Sprintf("socks5.auth.users[%d]: username and password are limited to 255 bytes", i))
		}
	}

	if c.Relay.MaxAssociations < 0 {
		errs = append(errs, "relay.max_associations must not be negative")
	}
	if c.Relay.MaxDatagramSize < 512 || c.Relay.MaxDatagramSize > 65535 {
		errs = append(errs, "relay.max_datagram_size must be between 512 and 65535")
	}
	if c.Relay.BindIP != "" && net.ParseIP(c.Relay.BindIP) == nil {
		errs = append(errs, fmt.Sprintf("invalid relay.bind_ip: %s", c.Relay.BindIP))
	}

	for i, server := range c.DNS.Servers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			errs = append(errs, fmt.Sprintf("dns.servers[%d]: invalid address: %s", i, server))
		}
	}
	if c.DNS.Timeout <= 0 {
		errs = append(errs, "dns.timeout must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
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

// UserMap returns the configured credentials as a username to password map.
func (a AuthConfig) UserMap() map[string]string {
	if len(a.Users) == 0 {
		return nil
	}
	users := make(map[string]string, len(a.Users))
	for _, u := range a.Users {
		users[u.Username] = u.Password
	}
	return users
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.SOCKS5.Auth.Users {
		if redacted.SOCKS5.Auth.Users[i].Password != "" {
			redacted.SOCKS5.Auth.Users[i].Password = redactedValue
		}
	}

	return redacted
}
