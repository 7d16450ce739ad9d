package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIn(t *testing.T) {
	c := DefaultIn("/etc/muxd")
	assert.Equal(t, filepath.Join("/etc/muxd", "users.json"), c.UserDBPath)
	assert.Equal(t, filepath.Join("/etc/muxd", "host_key"), c.HostKeyPath)
	assert.Equal(t, uint32(250), c.MaxConcurrentStreams)
	assert.NoError(t, c.Validate())
}

func TestApplyEnv(t *testing.T) {
	c := DefaultIn(t.TempDir())
	err := c.ApplyEnv(envMap(map[string]string{
		"MUXD_H2_ADDR":                "127.0.0.1:9000",
		"MUXD_H2C":                    "true",
		"MUXD_SSH_ADDR":               "",
		"MUXD_DRAIN_TIMEOUT":          "5s",
		"MUXD_MAX_CONCURRENT_STREAMS": "16",
		"MUXD_LOG_FORMAT":             " json ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", c.H2Addr)
	assert.True(t, c.H2C)
	assert.Empty(t, c.SSHAddr)
	assert.Equal(t, 5*time.Second, c.DrainTimeout)
	assert.Equal(t, uint32(16), c.MaxConcurrentStreams)
	assert.Equal(t, "json", c.LogFormat)
	assert.NoError(t, c.Validate())
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"bool":     {"MUXD_H2C": "maybe"},
		"duration": {"MUXD_DRAIN_TIMEOUT": "soon"},
		"uint":     {"MUXD_MAX_CONCURRENT_STREAMS": "-1"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, DefaultIn(t.TempDir()).ApplyEnv(envMap(env)))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listeners", func(c *Config) { c.H2Addr, c.SSHAddr = "", "" }},
		{"bad address", func(c *Config) { c.SSHAddr = "2222" }},
		{"tls without cert", func(c *Config) { c.CertFile = "" }},
		{"ssh without host key", func(c *Config) { c.HostKeyPath = "" }},
		{"auth without user db", func(c *Config) { c.UserDBPath = "" }},
		{"negative timeout", func(c *Config) { c.DrainTimeout = -time.Second }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultIn(t.TempDir())
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := DefaultIn(t.TempDir())
	c.H2C, c.CertFile, c.KeyFile = true, "", ""
	c.NoAuth, c.UserDBPath = true, ""
	assert.NoError(t, c.Validate())
}

func TestGetConfigDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	dir, err := GetConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "muxd"), dir)
	assert.DirExists(t, dir)

	path, err := GetUserDBPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "muxd", "users.json"), path)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cert.pem"), c.CertFile)
}
