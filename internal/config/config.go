package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const defaultWorkersPerSocket = 1

// initConfig sets up the config loader with defaults, env binding, and
// config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("json")

	setDefaults(v)

	// RELAYD_RESPONSE_TIMEOUT_MS -> response_timeout_ms, etc.
	v.SetEnvPrefix("RELAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("response_timeout_ms", 2000)
	v.SetDefault("connection_timeout_ms", 5000)
	v.SetDefault("edr_log", "")
	v.SetDefault("workers_per_socket", defaultWorkersPerSocket)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.addr", "")
}

func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.UDPPorts = v.GetIntSlice("udp_ports")
	cfg.ResponseTimeoutMs = v.GetInt("response_timeout_ms")
	cfg.ConnectionTimeoutMs = v.GetInt("connection_timeout_ms")
	cfg.EDRLog = v.GetString("edr_log")
	cfg.WorkersPerSocket = v.GetInt("workers_per_socket")

	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Metrics.Addr = v.GetString("metrics.addr")

	if err := v.UnmarshalKey("tcp_clients", &cfg.TCPClients); err != nil {
		return nil, fmt.Errorf("failed to parse tcp_clients: %w", err)
	}

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalizeConfig validates the configuration: udp_ports and tcp_clients
// must be non-empty, every port must lie in 1..65535, and every upstream
// must name an ipv4 address. Everything else falls back to a default.
func normalizeConfig(cfg *Config) error {
	if len(cfg.UDPPorts) == 0 {
		return errors.New("udp_ports must be non-empty")
	}
	if len(cfg.TCPClients) == 0 {
		return errors.New("tcp_clients must be non-empty")
	}
	for _, p := range cfg.UDPPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("udp_ports: invalid port %d", p)
		}
	}
	for _, c := range cfg.TCPClients {
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("tcp_clients: invalid port %d for %s", c.Port, c.IPv4)
		}
		if c.IPv4 == "" {
			return errors.New("tcp_clients: ipv4 must be set")
		}
	}
	if cfg.ResponseTimeoutMs <= 0 {
		cfg.ResponseTimeoutMs = 2000
	}
	if cfg.ConnectionTimeoutMs <= 0 {
		cfg.ConnectionTimeoutMs = 5000
	}
	if cfg.WorkersPerSocket <= 0 {
		cfg.WorkersPerSocket = defaultWorkersPerSocket
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	return nil
}
