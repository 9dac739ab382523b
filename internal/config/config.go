// Package config loads, validates, and hot-reloads the vulpini TOML
// configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level vulpini configuration.
type Config struct {
	SOCKS5    Socks5Config    `toml:"socks5"`
	HTTPProxy HTTPProxyConfig `toml:"http_proxy"`
	IPPool    IPPoolConfig    `toml:"ip_pool"`
	Routing   RoutingConfig   `toml:"routing"`
	Anomaly   AnomalyConfig   `toml:"anomaly_detection"`
	Logging   LoggingConfig   `toml:"logging"`
}

// Socks5Config configures the SOCKS5 listener.
type Socks5Config struct {
	Enabled        bool   `toml:"enabled"`
	ListenAddress  string `toml:"listen_address"`
	ListenPort     uint16 `toml:"listen_port"`
	AuthEnabled    bool   `toml:"auth_enabled"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	MaxConnections uint32 `toml:"max_connections"`
}

// HTTPProxyConfig configures the HTTP CONNECT / forwarding listener.
type HTTPProxyConfig struct {
	Enabled        bool   `toml:"enabled"`
	ListenAddress  string `toml:"listen_address"`
	ListenPort     uint16 `toml:"listen_port"`
	AuthEnabled    bool   `toml:"auth_enabled"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	MaxConnections uint32 `toml:"max_connections"`
}

// IPConfig describes one upstream node seeded at startup.
type IPConfig struct {
	Address string `toml:"address"`
	Port    uint16 `toml:"port"`
	Country string `toml:"country"`
	ISP     string `toml:"isp"`
}

// IPPoolConfig configures the Node Pool.
type IPPoolConfig struct {
	IPs                     []IPConfig `toml:"ips"`
	HealthCheckIntervalSecs uint64     `toml:"health_check_interval_secs"`
	AutoRotateIntervalSecs  uint64     `toml:"auto_rotate_interval_secs"`
	Strategy                string     `toml:"strategy"`
}

// RoutingConfig configures the Smart Router.
type RoutingConfig struct {
	MaxLatencyThresholdMs    uint64  `toml:"max_latency_threshold_ms"`
	MinReliabilityThreshold  float64 `toml:"min_reliability_threshold"`
	LoadBalancing            string  `toml:"load_balancing"`
	FallbackEnabled          bool    `toml:"fallback_enabled"`
}

// AnomalyConfig configures the Anomaly Detector.
type AnomalyConfig struct {
	Enabled             bool    `toml:"enabled"`
	SpikeThreshold      float64 `toml:"spike_threshold"`
	LatencyThresholdMs  uint64  `toml:"latency_threshold_ms"`
	ErrorRateThreshold  float64 `toml:"error_rate_threshold"`
	ConnectionThreshold uint32  `toml:"connection_threshold"`
	CheckIntervalSecs   uint64  `toml:"check_interval_secs"`
}

// LoggingConfig configures the logging ambient stack.
type LoggingConfig struct {
	Level          string `toml:"level"`
	FileEnabled    bool   `toml:"file_enabled"`
	FilePath       string `toml:"file_path"`
	ConsoleEnabled bool   `toml:"console_enabled"`
}

// ValidIPStrategies are the recognized ip_pool.strategy tags.
var ValidIPStrategies = []string{"random", "roundrobin", "leastused", "performance"}

// ValidLBStrategies are the recognized routing.load_balancing tags.
var ValidLBStrategies = []string{"roundrobin", "leastconnections", "fastest"}

// ValidLogLevels are the recognized logging.level tags.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error"}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		SOCKS5: Socks5Config{
			Enabled:        true,
			ListenAddress:  "127.0.0.1",
			ListenPort:     1080,
			MaxConnections: 1000,
		},
		HTTPProxy: HTTPProxyConfig{
			Enabled:        true,
			ListenAddress:  "127.0.0.1",
			ListenPort:     8080,
			MaxConnections: 1000,
		},
		IPPool: IPPoolConfig{
			HealthCheckIntervalSecs: 60,
			AutoRotateIntervalSecs:  300,
			Strategy:                "performance",
		},
		Routing: RoutingConfig{
			MaxLatencyThresholdMs:   1000,
			MinReliabilityThreshold: 0.8,
			LoadBalancing:           "fastest",
			FallbackEnabled:         true,
		},
		Anomaly: AnomalyConfig{
			Enabled:             true,
			SpikeThreshold:      3.0,
			LatencyThresholdMs:  5000,
			ErrorRateThreshold:  0.1,
			ConnectionThreshold: 500,
			CheckIntervalSecs:   10,
		},
		Logging: LoggingConfig{
			Level:          "info",
			FileEnabled:    true,
			FilePath:       "vulpini.log",
			ConsoleEnabled: true,
		},
	}
}

// Load reads and decodes path. If path does not exist, the default
// configuration is returned with no error (matching the CLI contract: a
// missing config file is not fatal).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg back to path as pretty TOML. Not reachable from the
// Observability API (config/reload only reloads from disk) nor from the
// CLI — used by tests that round-trip a generated configuration.
func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func inUnit(v float64) bool {
	return v >= 0.0 && v <= 1.0
}

// Validate returns non-fatal warning strings describing configuration
// problems. An empty slice means the configuration is clean. Reload and
// initial load both log these rather than refusing to start, matching the
// "config errors: abort on invalid TOML, log warnings on reload" rule —
// structural TOML errors are already a hard error from Load/toml.DecodeFile,
// so everything Validate reports is advisory.
func (c *Config) Validate() []string {
	var warnings []string

	if c.SOCKS5.Enabled && c.HTTPProxy.Enabled &&
		c.SOCKS5.ListenAddress == c.HTTPProxy.ListenAddress &&
		c.SOCKS5.ListenPort == c.HTTPProxy.ListenPort {
		warnings = append(warnings, "SOCKS5 and HTTP proxy are bound to the same address:port")
	}

	if c.SOCKS5.AuthEnabled && (c.SOCKS5.Username == "" || c.SOCKS5.Password == "") {
		warnings = append(warnings, "SOCKS5 auth is enabled but username/password not set")
	}
	if c.HTTPProxy.AuthEnabled && (c.HTTPProxy.Username == "" || c.HTTPProxy.Password == "") {
		warnings = append(warnings, "HTTP proxy auth is enabled but username/password not set")
	}

	if !contains(ValidIPStrategies, c.IPPool.Strategy) {
		warnings = append(warnings, fmt.Sprintf("Unknown IP rotation strategy %q, valid: %v", c.IPPool.Strategy, ValidIPStrategies))
	}

	if !contains(ValidLBStrategies, c.Routing.LoadBalancing) {
		warnings = append(warnings, fmt.Sprintf("Unknown load-balancing strategy %q, valid: %v", c.Routing.LoadBalancing, ValidLBStrategies))
	}
	if !inUnit(c.Routing.MinReliabilityThreshold) {
		warnings = append(warnings, fmt.Sprintf("min_reliability_threshold (%v) must be in [0.0, 1.0]", c.Routing.MinReliabilityThreshold))
	}

	if c.Anomaly.SpikeThreshold <= 0.0 {
		warnings = append(warnings, "spike_threshold must be > 0")
	}
	if !inUnit(c.Anomaly.ErrorRateThreshold) {
		warnings = append(warnings, fmt.Sprintf("error_rate_threshold (%v) must be in [0.0, 1.0]", c.Anomaly.ErrorRateThreshold))
	}

	if !contains(ValidLogLevels, c.Logging.Level) {
		warnings = append(warnings, fmt.Sprintf("Unknown log level %q, valid: %v", c.Logging.Level, ValidLogLevels))
	}

	return warnings
}
