// Package udpfront implements the UDP ingress endpoint (C1): a thin
// producer that binds one UDP port, timestamps every datagram it
// receives, and hands it to subscribers of its Incoming event as a
// wire.ClientRequest. It also exposes Send for the forwarder to return
// replies to the original sender.
package udpfront

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/relaycore/relayd/internal/events"
	"github.com/relaycore/relayd/internal/pool"
	"github.com/relaycore/relayd/internal/wire"
)

// maxDatagramSize is the receive buffer per datagram; excess bytes on
// an oversized datagram are discarded by the platform's UDP stack, per
// spec — truncation behavior is deliberately left native.
const maxDatagramSize = 4096

var bufferPool = pool.New(func() *[]byte {
	buf := make([]byte, maxDatagramSize)
	return &buf
})

// Listener is one UDP ingress endpoint, permanently armed to receive on
// a single socket. ID identifies it to the forwarder so replies for
// requests it produced are routed back through it.
type Listener struct {
	ID     uint32
	Logger *slog.Logger

	// Incoming fires once per received datagram, in receive order.
	Incoming *events.Event[wire.ClientRequest]

	conn     *net.UDPConn
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Listener with the given id. Run must be called to
// actually bind and start receiving.
func New(id uint32, logger *slog.Logger) *Listener {
	return &Listener{
		ID:       id,
		Logger:   logger,
		Incoming: events.New[wire.ClientRequest](),
	}
}

// Run binds addr (conventionally "0.0.0.0:<port>") and blocks, feeding
// Incoming until ctx is cancelled, at which point it stops gracefully.
func (l *Listener) Run(ctx context.Context, addr string) error {
	conn, err := listenReusePort(addr)
	if err != nil {
		return err
	}
	l.conn = conn

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.recvLoop(ctx)
	}()

	<-ctx.Done()
	return l.Stop(5 * time.Second)
}

// recvLoop reads datagrams one at a time and dispatches them in receive
// order, preserving the within-listener FIFO guarantee. It never spawns
// additional receivers: doing so would interleave emission order across
// goroutines, which the forwarder's per-listener ordering invariant
// forbids.
func (l *Listener) recvLoop(ctx context.Context) {
	for {
		bufPtr := bufferPool.Get()
		buf := *bufPtr

		n, peer, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			bufferPool.Put(bufPtr)
			return // context cancelled or socket closed; either way, stop
		}

		arrival := uint64(time.Now().UnixMilli())
		ip, ok := netip.AddrFromSlice(peer.IP)
		if !ok {
			bufferPool.Put(bufPtr)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		bufferPool.Put(bufPtr)

		req := wire.ClientRequest{
			ListenerID:    l.ID,
			ArrivalTimeMs: arrival,
			ClientAddr:    ip.Unmap(),
			ClientPort:    uint16(peer.Port),
			Payload:       payload,
		}
		l.Incoming.Invoke(req)

		if ctx.Err() != nil {
			return
		}
	}
}

// Send returns payload to peer. A failed send is logged but never
// retried — UDP offers no delivery guarantee in the first place.
func (l *Listener) Send(peer netip.Addr, port uint16, payload []byte) {
	if l.conn == nil {
		return
	}
	udpAddr := &net.UDPAddr{IP: peer.AsSlice(), Port: int(port)}
	if _, err := l.conn.WriteToUDP(payload, udpAddr); err != nil && l.Logger != nil {
		l.Logger.Warn("udpfront: send failed", "listener", l.ID, "peer", peer, "port", port, "err", err)
	}
}

// Stop closes the socket; the receive loop observes the closure and
// exits quietly. Waits up to timeout for it to do so.
func (l *Listener) Stop(timeout time.Duration) error {
	var stopErr error
	l.stopOnce.Do(func() {
		if l.conn != nil {
			_ = l.conn.Close()
		}
		if timeout <= 0 {
			l.wg.Wait()
			return
		}
		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			stopErr = errors.New("udpfront: timeout waiting for receive loop to exit")
		}
	})
	return stopErr
}

// listenReusePort binds a UDP socket with SO_REUSEPORT enabled, so a
// restarted or redundant process can rebind the same port without
// EADDRINUSE.
func listenReusePort(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", udpAddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
