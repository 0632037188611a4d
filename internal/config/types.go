// Package config provides configuration loading and validation for relayd.
//
// Configuration is loaded from a JSON document with environment variable
// overrides, in priority order (highest to lowest):
//  1. Environment variables (RELAYD_* prefix)
//  2. JSON config file (if specified with --config)
//  3. Hardcoded defaults
//
// Environment variables are mapped from RELAYD_CATEGORY_SETTING format,
// e.g. RELAYD_EDR_LOG maps to edr_log in the JSON document.
package config

import (
	"os"
	"strings"
)

// UpstreamConfig names one TCP upstream target. Order in the parent
// slice defines the round-robin seed order.
type UpstreamConfig struct {
	IPv4 string `mapstructure:"ipv4" json:"ipv4"`
	Port int    `mapstructure:"port" json:"port"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"       json:"level"`
	Structured bool   `mapstructure:"structured"  json:"structured"`
	Format     string `mapstructure:"format"      json:"format"` // "json" or "text"
}

// MetricsConfig controls the optional metrics HTTP surface.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr"` // empty disables the surface
}

// Config is the root configuration structure consumed by the forwarding
// engine.
type Config struct {
	UDPPorts             []int            `mapstructure:"udp_ports"             json:"udp_ports"`
	TCPClients           []UpstreamConfig `mapstructure:"tcp_clients"           json:"tcp_clients"`
	ResponseTimeoutMs    int              `mapstructure:"response_timeout_ms"   json:"response_timeout_ms"`
	ConnectionTimeoutMs  int              `mapstructure:"connection_timeout_ms" json:"connection_timeout_ms"`
	EDRLog               string           `mapstructure:"edr_log"               json:"edr_log"`
	WorkersPerSocket     int              `mapstructure:"workers_per_socket"    json:"workers_per_socket"`
	Logging              LoggingConfig    `mapstructure:"logging"               json:"logging"`
	Metrics              MetricsConfig    `mapstructure:"metrics"               json:"metrics"`
}

// ResolveConfigPath determines the config file path from flag or
// environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("RELAYD_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a JSON file with environment variable
// overrides. This is the main entry point for loading configuration.
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
