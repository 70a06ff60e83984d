// Package config provides configuration parsing and validation for auxrelay.
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

// Config represents the complete relay client configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
	Health  HealthConfig  `yaml:"health"`
}

// NodeConfig describes the auxiliary node to merge-mine against.
type NodeConfig struct {
	// Host is the scheme-prefixed host specification, e.g.
	// "tari://10.0.0.5:18142/". Multiple comma-separated candidates are
	// allowed; the first usable one is selected.
	Host string `yaml:"host"`

	// Wallet is the auxiliary chain wallet address credited by
	// merge-mined blocks.
	Wallet string `yaml:"wallet"`

	// ResolveDNS resolves hostnames during startup instead of at dial
	// time.
	ResolveDNS bool `yaml:"resolve_dns"`

	// RPCTimeout bounds each remote call of the handshake.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

// RelayConfig tunes the loopback relay.
type RelayConfig struct {
	// SOCKS5Proxy is an optional host:port of a SOCKS5 proxy for
	// upstream connections.
	SOCKS5Proxy string `yaml:"socks5_proxy"`

	// ConnectTimeout bounds upstream dialing.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LoggingConfig selects log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines the health/metrics HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ResolveDNS: true,
			RPCTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			ConnectTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
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

	if c.Node.Host == "" {
		errs = append(errs, "node.host is required")
	}
	if c.Node.RPCTimeout < 0 {
		errs = append(errs, "node.rpc_timeout must not be negative")
	}

	if c.Relay.SOCKS5Proxy != "" {
		if _, _, err := net.SplitHostPort(c.Relay.SOCKS5Proxy); err != nil {
			errs = append(errs, fmt.Sprintf("relay.socks5_proxy: invalid host:port: %s", c.Relay.SOCKS5Proxy))
		}
	}
	if c.Relay.ConnectTimeout < 0 {
		errs = append(errs, "relay.connect_timeout must not be negative")
	}

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
