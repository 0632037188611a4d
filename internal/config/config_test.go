package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name     string
		flag     string
		envValue string
		want     string
	}{
		{"flag takes precedence", "/path/from/flag", "/path/from/env", "/path/from/flag"},
		{"env when no flag", "", "/path/from/env", "/path/from/env"},
		{"empty when neither", "", "", ""},
		{"whitespace flag", "  ", "/path/from/env", "/path/from/env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAYD_CONFIG", tt.envValue)
			got := ResolveConfigPath(tt.flag)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadRejectsEmptyUDPPorts(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "udp_ports")
}

func TestLoadFromFile(t *testing.T) {
	content := `{
  "udp_ports": [9000, 9001],
  "tcp_clients": [
    {"ipv4": "10.0.0.1", "port": 6000},
    {"ipv4": "10.0.0.2", "port": 6001}
  ],
  "response_timeout_ms": 500,
  "connection_timeout_ms": 1000,
  "edr_log": "/var/log/relayd/edr.log",
  "workers_per_socket": 2,
  "logging": {"level": "debug", "structured": true, "format": "json"},
  "metrics": {"addr": ":9100"}
}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []int{9000, 9001}, cfg.UDPPorts)
	require.Len(t, cfg.TCPClients, 2)
	assert.Equal(t, "10.0.0.1", cfg.TCPClients[0].IPv4)
	assert.Equal(t, 6000, cfg.TCPClients[0].Port)
	assert.Equal(t, 500, cfg.ResponseTimeoutMs)
	assert.Equal(t, 1000, cfg.ConnectionTimeoutMs)
	assert.Equal(t, "/var/log/relayd/edr.log", cfg.EDRLog)
	assert.Equal(t, 2, cfg.WorkersPerSocket)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadAppliesDefaultsForOptionalFields(t *testing.T) {
	content := `{
  "udp_ports": [9000],
  "tcp_clients": [{"ipv4": "10.0.0.1", "port": 6000}]
}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.ResponseTimeoutMs)
	assert.Equal(t, 5000, cfg.ConnectionTimeoutMs)
	assert.Empty(t, cfg.EDRLog)
	assert.Equal(t, 1, cfg.WorkersPerSocket)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRejectsEmptyTCPClients(t *testing.T) {
	content := `{"udp_ports": [9000], "tcp_clients": []}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp_clients")
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	content := `{"udp_ports": [70000], "tcp_clients": [{"ipv4": "10.0.0.1", "port": 6000}]}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFileValue(t *testing.T) {
	content := `{"udp_ports": [9000], "tcp_clients": [{"ipv4": "10.0.0.1", "port": 6000}]}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("RELAYD_RESPONSE_TIMEOUT_MS", "750")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750, cfg.ResponseTimeoutMs)
}
