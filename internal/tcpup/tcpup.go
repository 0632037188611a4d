// Package tcpup implements the TCP upstream client (C2): one persistent
// connection to a configured upstream, a correlation-id framed send
// path, and a demultiplexing receive loop that turns replies (or
// per-request timeouts) into wire.ServerResponse events.
package tcpup

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/relaycore/relayd/internal/events"
	"github.com/relaycore/relayd/internal/wire"
)

// State is the client's connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// SendResult is the outcome of Send.
type SendResult int

const (
	Ok SendResult = iota
	Rejected
)

const recvBufSize = 4096

// pendingReq is one in-flight request this client is waiting on a reply
// for. Exactly one exists per id the client has accepted, mirroring the
// forwarder's own pending-table entry for the same id.
type pendingReq struct {
	timer *time.Timer
}

// Client owns one persistent connection to a single upstream. It never
// blocks the caller of Send on network I/O: acceptance is decided under
// lock, and the actual write happens afterward.
type Client struct {
	Addr netip.Addr
	Port uint16

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	Logger          *slog.Logger

	// ResponseReady fires once per resolved request: either a real reply
	// or a synthetic per-request timeout.
	ResponseReady *events.Event[wire.ServerResponse]

	mu      sync.Mutex
	state   State
	conn    net.Conn
	pending map[uint64]*pendingReq
	stopped bool
}

// New creates a Client targeting addr:port. Run must be called to
// actually connect.
func New(addr netip.Addr, port uint16, connectTimeout, responseTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		Addr:            addr,
		Port:            port,
		ConnectTimeout:  connectTimeout,
		ResponseTimeout: responseTimeout,
		Logger:          logger,
		ResponseReady:   events.New[wire.ServerResponse](),
		pending:         make(map[uint64]*pendingReq),
	}
}

// IsConnected reports whether the client currently holds a live
// connection. Used by the forwarder's skip-disconnected upstream scan.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

// Run drives the connect/receive lifecycle until ctx is cancelled or
// Stop is called. It never returns early on a single connect failure:
// it keeps retrying (each attempt bounded by ConnectTimeout) until
// told to stop.
func (c *Client) Run(ctx context.Context) {
	target := net.JoinHostPort(c.Addr.String(), strconv.Itoa(int(c.Port)))

	for {
		if c.isStopped() || ctx.Err() != nil {
			return
		}

		c.setState(Connecting)
		dialer := net.Dialer{Timeout: c.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn("tcpup: connect failed", "addr", c.Addr, "port", c.Port, "err", err)
			}
			c.setState(Disconnected)
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.state = Connected
		c.mu.Unlock()

		// Blocks until the connection breaks or Stop closes it.
		c.recvLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		stopped := c.stopped
		c.state = Disconnected
		c.mu.Unlock()
		if stopped {
			return
		}
		// Failure recovery: reconnect immediately without failing
		// pending requests; they resolve on their own deadlines.
	}
}

// recvLoop reads one message per Read call — there is no length
// framing on this wire — until the connection errors or closes.
func (c *Client) recvLoop(conn net.Conn) {
	buf := make([]byte, recvBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if c.Logger != nil && !c.isStopped() {
				c.Logger.Warn("tcpup: receive failed", "addr", c.Addr, "port", c.Port, "err", err)
			}
			_ = conn.Close()
			return
		}
		reqID, ok := wire.DecodeRequestID(buf[:n])
		if !ok {
			if c.Logger != nil {
				c.Logger.Warn("tcpup: short message", "addr", c.Addr, "port", c.Port, "len", n)
			}
			continue
		}
		body := make([]byte, n-wire.RequestIDLen)
		copy(body, buf[wire.RequestIDLen:n])

		c.mu.Lock()
		pr, found := c.pending[reqID]
		if found {
			pr.timer.Stop()
			delete(c.pending, reqID)
		}
		c.mu.Unlock()
		if !found {
			// Already timed out and removed locally, or a stray id.
			continue
		}

		c.ResponseReady.Invoke(wire.ServerResponse{
			RequestID:       reqID,
			RespTimestampUs: uint64(time.Now().UnixMicro()),
			Payload:         wire.PutStatusPrefix(wire.StatusOK, body),
		})
	}
}

// Send attempts to hand payload to the upstream under reqID. It
// rejects only on the three conditions the contract names: not
// connected, empty payload, or a duplicate id already pending on this
// client. Any later write failure is handled as an async send error —
// the entry is left to resolve via its deadline, per the client's
// failure-recovery contract.
func (c *Client) Send(reqID uint64, payload []byte) SendResult {
	if len(payload) == 0 {
		return Rejected
	}

	c.mu.Lock()
	if c.state != Connected || c.stopped {
		c.mu.Unlock()
		return Rejected
	}
	if _, dup := c.pending[reqID]; dup {
		c.mu.Unlock()
		return Rejected
	}
	conn := c.conn
	timer := time.AfterFunc(c.ResponseTimeout, func() { c.handleTimeout(reqID) })
	c.pending[reqID] = &pendingReq{timer: timer}
	c.mu.Unlock()

	frame := wire.EncodeRequest(reqID, payload)
	go func() {
		if _, err := conn.Write(frame); err != nil {
			if c.Logger != nil {
				c.Logger.Warn("tcpup: send failed", "addr", c.Addr, "port", c.Port, "req_id", reqID, "err", err)
			}
			_ = conn.Close()
		}
	}()
	return Ok
}

// handleTimeout fires when a request's deadline elapses with no
// matching receive. It is a no-op if the entry was already resolved
// (by a race with a genuine receive).
func (c *Client) handleTimeout(reqID uint64) {
	c.mu.Lock()
	_, found := c.pending[reqID]
	if found {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if !found {
		return
	}

	c.ResponseReady.Invoke(wire.ServerResponse{
		RequestID:       reqID,
		RespTimestampUs: wire.TimestampTimeout,
		Payload:         wire.PutStatusPrefix(wire.StatusTimeout, nil),
	})
}

// Stop sets the terminal flag, cancels every armed timer, closes the
// socket, and clears the pending table. No further events are emitted
// after Stop returns.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	for id, pr := range c.pending {
		pr.timer.Stop()
		delete(c.pending, id)
	}
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if !c.stopped {
		c.state = s
	}
	c.mu.Unlock()
}
