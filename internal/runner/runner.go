// Package runner wires the forwarding engine together: it builds the
// UDP listeners, TCP upstream clients, round-robin forwarder, EDR
// sink, and optional metrics server from a loaded config.Config, then
// drives their lifecycle until a shutdown signal arrives.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/relaycore/relayd/internal/config"
	"github.com/relaycore/relayd/internal/edr"
	"github.com/relaycore/relayd/internal/forwarder"
	"github.com/relaycore/relayd/internal/helpers"
	"github.com/relaycore/relayd/internal/metrics"
	"github.com/relaycore/relayd/internal/tcpup"
	"github.com/relaycore/relayd/internal/udpfront"
)

// Runner orchestrates startup, wiring, and graceful shutdown of the
// forwarding engine.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a Runner that logs through logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run starts every component from cfg and blocks until SIGINT/SIGTERM
// or a fatal component error, then shuts down gracefully.
//
// Lifecycle:
//  1. Build TCP upstream clients.
//  2. Build UDP listeners, one per configured port.
//  3. Build the round-robin forwarder, wiring listeners and clients.
//  4. Start the clients' connect loops, the listeners, the forwarder
//     and the metrics server; wait for a shutdown signal.
//  5. Stop the forwarder first (drains pending work with terminal
//     EDRs), then the clients, then the listeners.
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return r.runWithContext(ctx, cfg)
}

// runWithContext is Run with an injectable context, split out so tests
// can drive shutdown directly instead of sending OS signals.
func (r *Runner) runWithContext(ctx context.Context, cfg *config.Config) error {
	sink, err := edr.Open(cfg.EDRLog, r.logger)
	if err != nil {
		return fmt.Errorf("runner: opening edr sink: %w", err)
	}
	defer sink.Close()

	clients, upstreamSpecs, err := r.buildUpstreams(cfg)
	if err != nil {
		return err
	}

	listeners := make([]*udpfront.Listener, len(cfg.UDPPorts))
	listenerMap := make(map[uint32]forwarder.Replier, len(cfg.UDPPorts))
	for i := range cfg.UDPPorts {
		l := udpfront.New(uint32(i), r.logger)
		listeners[i] = l
		listenerMap[uint32(i)] = l
	}

	collector := metrics.New(len(clients))
	fwd := forwarder.New(upstreamSpecs, listenerMap, sink, r.logger, uint64(time.Now().UnixNano()))
	fwd.SetMetrics(collector)

	for _, l := range listeners {
		l.Incoming.Subscribe(fwd.Submit)
	}

	errCh := make(chan error, len(clients)+len(listeners)+1)

	for _, c := range clients {
		c := c
		go c.Run(ctx)
	}
	for i, l := range listeners {
		l := l
		addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.UDPPorts[i]))
		go func() { errCh <- l.Run(ctx, addr) }()
	}

	go fwd.Run()

	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, collector)
	go func() {
		if err := metricsSrv.Serve(ctx); err != nil {
			errCh <- err
		}
	}()

	r.logStartup(cfg)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && r.logger != nil {
			r.logger.Error("runner: component failed", "err", err)
		}
	}

	fwd.Stop()
	for _, c := range clients {
		c.Stop()
	}
	for _, l := range listeners {
		_ = l.Stop(5 * time.Second)
	}

	return nil
}

func (r *Runner) buildUpstreams(cfg *config.Config) ([]*tcpup.Client, []forwarder.UpstreamSpec, error) {
	connectTimeout := time.Duration(cfg.ConnectionTimeoutMs) * time.Millisecond
	responseTimeout := time.Duration(cfg.ResponseTimeoutMs) * time.Millisecond

	clients := make([]*tcpup.Client, 0, len(cfg.TCPClients))
	specs := make([]forwarder.UpstreamSpec, 0, len(cfg.TCPClients))
	for _, uc := range cfg.TCPClients {
		addr, err := netip.ParseAddr(uc.IPv4)
		if err != nil {
			return nil, nil, fmt.Errorf("runner: invalid upstream address %q: %w", uc.IPv4, err)
		}
		port := helpers.ClampIntToUint16(uc.Port)
		c := tcpup.New(addr, port, connectTimeout, responseTimeout, r.logger)
		clients = append(clients, c)
		specs = append(specs, forwarder.UpstreamSpec{Client: c, Addr: addr, Port: port})
	}
	return clients, specs, nil
}

func (r *Runner) logStartup(cfg *config.Config) {
	if r.logger == nil {
		return
	}
	r.logger.Info("relayd listening",
		"udp_ports", cfg.UDPPorts,
		"upstreams", len(cfg.TCPClients),
		"response_timeout_ms", cfg.ResponseTimeoutMs,
		"connection_timeout_ms", cfg.ConnectionTimeoutMs,
		"edr_log", cfg.EDRLog,
		"metrics_addr", cfg.Metrics.Addr,
	)
}
