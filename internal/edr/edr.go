// Package edr writes event detail records — one line per completed or
// timed-out forwarding transaction — to an append-only log file.
//
// Wire format, one record per line:
//
//	<arrival_time_ms> <client_ip>:<client_port> <server_ip>:<server_port> <dur>
//
// <dur> is either the literal "timed_out" or "<ms>.<frac3>_ms" with
// microsecond precision.
package edr

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/relaycore/relayd/internal/wire"
)

// Sink writes EDRs to an append-only destination. A nil *os.File backing
// (constructed via Open with an empty path) makes every Write a no-op,
// matching spec behavior when edr_log is left unconfigured.
type Sink struct {
	logger *slog.Logger

	mu   sync.Mutex
	w    *bufio.Writer
	file *os.File
}

// Open creates (or appends to) the EDR log at path. An empty path
// yields a no-op sink: EDR emission becomes inert rather than an error,
// matching the configuration contract in which edr_log is optional.
func Open(path string, logger *slog.Logger) (*Sink, error) {
	if path == "" {
		return &Sink{logger: logger}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("edr: open %s: %w", path, err)
	}
	return &Sink{logger: logger, w: bufio.NewWriter(f), file: f}, nil
}

// Write appends one EDR as a single line. Errors are logged, not
// returned: a failing EDR sink must never back-pressure the forwarder.
func (s *Sink) Write(rec wire.EDR) {
	if s == nil || s.w == nil {
		return
	}
	line := formatLine(rec)

	s.mu.Lock()
	_, err := s.w.WriteString(line)
	if err == nil {
		err = s.w.Flush()
	}
	s.mu.Unlock()

	if err != nil && s.logger != nil {
		s.logger.Warn("edr: write failed", "err", err)
	}
}

// Close flushes and closes the underlying file, if any.
func (s *Sink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.file.Close()
}

// formatLine renders a single EDR line, including its trailing newline.
func formatLine(rec wire.EDR) string {
	return fmt.Sprintf("%d %s:%d %s:%d %s\n",
		rec.ArrivalTimeMs,
		rec.ClientAddr, rec.ClientPort,
		rec.ServerAddr, rec.ServerPort,
		formatDuration(rec.TCPRespDurUs),
	)
}

// formatDuration renders a response duration per the EDR wire format:
// "timed_out" for the sentinel, otherwise "<ms>.<frac3>_ms" with
// microsecond precision.
func formatDuration(durUs uint64) string {
	if durUs == wire.TimestampTimeout {
		return "timed_out"
	}
	ms := durUs / 1000
	fracUs := durUs % 1000
	return fmt.Sprintf("%d.%03d_ms", ms, fracUs)
}

// WriteTo is a test/debug helper that renders rec the same way Write
// does, without requiring a backing file.
func WriteTo(w io.Writer, rec wire.EDR) error {
	_, err := io.WriteString(w, formatLine(rec))
	return err
}
