// Command relayd runs the UDP-fronted, TCP-backed request forwarder.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/relaycore/relayd/internal/config"
	"github.com/relaycore/relayd/internal/logging"
	"github.com/relaycore/relayd/internal/runner"
)

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	jsonLogs   bool
	debug      bool
	metrics    string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to JSON config file")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.StringVar(&f.metrics, "metrics-addr", "", "Override metrics listen address (empty disables)")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.Format = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
	if f.metrics != "" {
		cfg.Metrics.Addr = f.metrics
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()

	path := config.ResolveConfigPath(flags.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:      cfg.Logging.Level,
		Structured: cfg.Logging.Structured,
		Format:     cfg.Logging.Format,
	})
	logger.Info("relayd starting",
		"config", path,
		"udp_ports", cfg.UDPPorts,
		"upstreams", len(cfg.TCPClients),
	)

	r := runner.NewRunner(logger)
	if err := r.Run(cfg); err != nil {
		return fmt.Errorf("relayd exited with error: %w", err)
	}
	return nil
}
