// Package metrics collects forwarding-engine counters and, when
// configured, exposes them alongside host CPU/memory stats on a small
// JSON HTTP endpoint. The endpoint is strictly observational: it is
// not part of the forwarding path and carries no admin operations.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// UpstreamCounters tracks observability-only per-upstream activity.
// It never influences routing decisions — that remains the
// forwarder's skip-disconnected round-robin policy.
type UpstreamCounters struct {
	RequestsSent atomic.Uint64
	BytesOut     atomic.Uint64
	BytesIn      atomic.Uint64
	Timeouts     atomic.Uint64
}

// Collector aggregates process-wide counters for the forwarding
// engine.
type Collector struct {
	startTime time.Time

	RequestsAccepted atomic.Uint64
	ResponsesOK      atomic.Uint64
	ResponsesTimeout atomic.Uint64

	upstreams []*UpstreamCounters
}

// New creates a Collector tracking n upstreams by index.
func New(n int) *Collector {
	c := &Collector{startTime: time.Now(), upstreams: make([]*UpstreamCounters, n)}
	for i := range c.upstreams {
		c.upstreams[i] = &UpstreamCounters{}
	}
	return c
}

// Upstream returns the counters for upstream idx. Panics on an
// out-of-range index, mirroring slice semantics — callers always pass
// indices the forwarder itself produced.
func (c *Collector) Upstream(idx int) *UpstreamCounters {
	return c.upstreams[idx]
}

// Snapshot is the point-in-time view served over HTTP.
type Snapshot struct {
	UptimeSeconds    int64              `json:"uptime_seconds"`
	RequestsAccepted uint64             `json:"requests_accepted"`
	ResponsesOK      uint64             `json:"responses_ok"`
	ResponsesTimeout uint64             `json:"responses_timeout"`
	NumCPU           int                `json:"num_cpu"`
	CPUPercent       float64            `json:"cpu_percent"`
	MemUsedMB        float64            `json:"mem_used_mb"`
	MemUsedPercent   float64            `json:"mem_used_percent"`
	Upstreams        []UpstreamSnapshot `json:"upstreams"`
}

type UpstreamSnapshot struct {
	Index        int    `json:"index"`
	RequestsSent uint64 `json:"requests_sent"`
	BytesOut     uint64 `json:"bytes_out"`
	BytesIn      uint64 `json:"bytes_in"`
	Timeouts     uint64 `json:"timeouts"`
}

// Snapshot reads the counters and samples host CPU over a 200ms window,
// so each call blocks for about that long.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSeconds:    int64(time.Since(c.startTime).Seconds()),
		RequestsAccepted: c.RequestsAccepted.Load(),
		ResponsesOK:      c.ResponsesOK.Load(),
		ResponsesTimeout: c.ResponsesTimeout.Load(),
		NumCPU:           runtime.NumCPU(),
	}

	if pcts, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemUsedMB = float64(vm.Used) / 1024 / 1024
		s.MemUsedPercent = vm.UsedPercent
	}

	s.Upstreams = make([]UpstreamSnapshot, len(c.upstreams))
	for i, u := range c.upstreams {
		s.Upstreams[i] = UpstreamSnapshot{
			Index:        i,
			RequestsSent: u.RequestsSent.Load(),
			BytesOut:     u.BytesOut.Load(),
			BytesIn:      u.BytesIn.Load(),
			Timeouts:     u.Timeouts.Load(),
		}
	}
	return s
}

// Server optionally exposes the snapshot as JSON on addr. A zero-value
// addr means the feature is disabled; Serve then returns immediately.
type Server struct {
	httpServer *http.Server
}

// NewServer builds an HTTP server for addr, or nil if addr is empty.
func NewServer(addr string, c *Collector) *Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	})
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Serve runs the HTTP server until ctx is cancelled. Nil-safe: a nil
// Server (metrics disabled) returns immediately.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return nil
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
