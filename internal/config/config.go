// Package config holds the muxd server configuration and the location of its
// on-disk state (user database, host key, TLS material).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "MUXD_"

// Config is the configuration of a muxd server process.
type Config struct {
	// H2Addr is the HTTP/2 listen address. Empty disables the listener.
	H2Addr string
	// H2C serves HTTP/2 with prior knowledge over plain TCP instead of TLS.
	H2C bool
	// CertFile and KeyFile hold the TLS certificate for the HTTP/2 listener.
	CertFile string
	KeyFile  string
	// MaxConcurrentStreams bounds open streams per HTTP/2 connection.
	MaxConcurrentStreams uint32

	// SSHAddr is the SSH listen address. Empty disables the listener.
	SSHAddr     string
	HostKeyPath string
	// NoAuth accepts SSH sessions without a password.
	NoAuth bool

	// UserDBPath is the JSON user database used for SSH password auth.
	UserDBPath string

	// MetricsAddr serves /metrics. Empty disables it.
	MetricsAddr string

	HandshakeTimeout time.Duration
	// DrainTimeout bounds how long serve waits for in-flight work after a
	// shutdown signal. Zero waits forever.
	DrainTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the configuration rooted at GetConfigDir.
func Default() (*Config, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return DefaultIn(dir), nil
}

// DefaultIn returns the default configuration with state files under dir.
func DefaultIn(dir string) *Config {
	return &Config{
		H2Addr:               ":8443",
		CertFile:             filepath.Join(dir, "cert.pem"),
		KeyFile:              filepath.Join(dir, "key.pem"),
		MaxConcurrentStreams: 250,
		SSHAddr:              ":2222",
		HostKeyPath:          filepath.Join(dir, "host_key"),
		UserDBPath:           filepath.Join(dir, "users.json"),
		MetricsAddr:          "127.0.0.1:9090",
		HandshakeTimeout:     10 * time.Second,
		DrainTimeout:         30 * time.Second,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load builds the default configuration, applies MUXD_* overrides from the
// process environment and validates the result.
func Load() (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from MUXD_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		return lookup(EnvPrefix + name)
	}

	strs := map[string]*string{
		"H2_ADDR":      &c.H2Addr,
		"CERT_FILE":    &c.CertFile,
		"KEY_FILE":     &c.KeyFile,
		"SSH_ADDR":     &c.SSHAddr,
		"HOST_KEY":     &c.HostKeyPath,
		"USER_DB":      &c.UserDBPath,
		"METRICS_ADDR": &c.MetricsAddr,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_FORMAT":   &c.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	bools := map[string]*bool{
		"H2C":     &c.H2C,
		"NO_AUTH": &c.NoAuth,
	}
	for name, dst := range bools {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"HANDSHAKE_TIMEOUT": &c.HandshakeTimeout,
		"DRAIN_TIMEOUT":     &c.DrainTimeout,
	}
	for name, dst := range durations {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	if v, ok := get("MAX_CONCURRENT_STREAMS"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_CONCURRENT_STREAMS: %w", EnvPrefix, err)
		}
		c.MaxConcurrentStreams = uint32(n)
	}
	return nil
}

// Validate checks that the configuration can be served.
func (c *Config) Validate() error {
	if c.H2Addr == "" && c.SSHAddr == "" {
		return errors.New("config: at least one of the HTTP/2 and SSH listeners must be enabled")
	}
	for name, addr := range map[string]string{"h2": c.H2Addr, "ssh": c.SSHAddr, "metrics": c.MetricsAddr} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("config: invalid %s address %q: %w", name, addr, err)
		}
	}
	if c.H2Addr != "" && !c.H2C && (c.CertFile == "" || c.KeyFile == "") {
		return errors.New("config: TLS certificate and key are required unless h2c is enabled")
	}
	if c.SSHAddr != "" && c.HostKeyPath == "" {
		return errors.New("config: SSH host key path is required")
	}
	if c.SSHAddr != "" && !c.NoAuth && c.UserDBPath == "" {
		return errors.New("config: user database path is required for SSH password auth")
	}
	if c.HandshakeTimeout < 0 || c.DrainTimeout < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}

// GetConfigDir returns the configuration directory for muxd.
// It follows platform-specific conventions:
// - Windows: %APPDATA%\muxd
// - Unix-like: $XDG_CONFIG_HOME/muxd or $HOME/.config/muxd
func GetConfigDir() (string, error) {
	var configDir string

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, "muxd")
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		configDir = filepath.Join(appData, "muxd")
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(homeDir, ".config", "muxd")
	} else {
		return "", err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}

// GetUserDBPath returns the full path to the user database file in the config directory.
func GetUserDBPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "users.json"), nil
}
