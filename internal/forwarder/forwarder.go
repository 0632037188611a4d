// Package forwarder implements the round-robin forwarding engine (C3):
// it accepts client requests, assigns them to a TCP upstream client
// using a skip-disconnected round-robin policy, tracks pending
// correlation state, demultiplexes upstream responses back to the
// originating UDP listener, and emits an EDR for every transaction.
package forwarder

import (
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/relaycore/relayd/internal/edr"
	"github.com/relaycore/relayd/internal/events"
	"github.com/relaycore/relayd/internal/metrics"
	"github.com/relaycore/relayd/internal/tcpup"
	"github.com/relaycore/relayd/internal/wire"
)

// Client is the subset of *tcpup.Client the forwarder depends on; kept
// as an interface so tests can inject fakes without a real socket.
type Client interface {
	IsConnected() bool
	Send(reqID uint64, payload []byte) tcpup.SendResult
}

// Replier addresses a reply back to the UDP listener that produced the
// originating request. Implemented by *udpfront.Listener.
type Replier interface {
	Send(peer netip.Addr, port uint16, payload []byte)
}

type pendingEntry struct {
	listenerID    uint32
	clientAddr    netip.Addr
	clientPort    uint16
	serverAddr    netip.Addr
	serverPort    uint16
	arrivalTimeMs uint64
	fwdTimeUs     uint64
	upstreamIdx   int
}

// Forwarder owns the upstream client list, the round-robin cursor, the
// request/response FIFOs, and the pending-request table. One dedicated
// goroutine runs its main loop.
type Forwarder struct {
	clients     []Client
	serverAddrs []netip.Addr
	serverPorts []uint16
	listeners   map[uint32]Replier

	edrSink *edr.Sink
	logger  *slog.Logger
	rng     *rand.Rand
	metrics *metrics.Collector

	subs []subscription

	cursorMu sync.Mutex
	cursor   int

	reqMu sync.Mutex
	reqQ  []wire.ClientRequest

	respMu sync.Mutex
	respQ  []wire.ServerResponse

	pendingMu sync.Mutex
	pending   map[uint64]*pendingEntry

	stopped  sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

// subscription pairs a real TCP client with the token its
// ResponseReady subscription returned, so Stop can unsubscribe.
type subscription struct {
	client *tcpup.Client
	token  events.Token
}

// UpstreamSpec names one configured TCP upstream for bookkeeping the
// forwarder does itself (its address, for the EDR) independent of the
// Client implementation used to reach it.
type UpstreamSpec struct {
	Client Client
	Addr   netip.Addr
	Port   uint16
}

// New builds a Forwarder over the given upstreams. Construction with
// an empty upstream list is the one condition the whole system treats
// as fatal — callers must validate configuration before calling New.
func New(upstreams []UpstreamSpec, listeners map[uint32]Replier, sink *edr.Sink, logger *slog.Logger, seed uint64) *Forwarder {
	if len(upstreams) == 0 {
		panic("forwarder: at least one upstream is required")
	}

	f := &Forwarder{
		listeners: listeners,
		edrSink:   sink,
		logger:    logger,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		pending:   make(map[uint64]*pendingEntry),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for _, u := range upstreams {
		f.clients = append(f.clients, u.Client)
		f.serverAddrs = append(f.serverAddrs, u.Addr)
		f.serverPorts = append(f.serverPorts, u.Port)
		if tc, ok := u.Client.(*tcpup.Client); ok {
			f.Subscribe(tc)
		}
	}
	f.cursor = 0
	return f
}

// Subscribe wires the forwarder's response handler to client c's
// ResponseReady event, recording the token so Stop can unsubscribe.
func (f *Forwarder) Subscribe(c *tcpup.Client) {
	tok := c.ResponseReady.Subscribe(f.onResponse)
	f.subs = append(f.subs, subscription{client: c, token: tok})
}

// SetMetrics attaches a counter collector. Purely observational: it
// never influences routing or correlation.
func (f *Forwarder) SetMetrics(c *metrics.Collector) {
	f.metrics = c
}

// Submit enqueues an accepted client request for forwarding. Called by
// a UDP listener's Incoming handler.
func (f *Forwarder) Submit(req wire.ClientRequest) {
	if f.metrics != nil {
		f.metrics.RequestsAccepted.Add(1)
	}
	f.reqMu.Lock()
	f.reqQ = append(f.reqQ, req)
	f.reqMu.Unlock()
}

func (f *Forwarder) onResponse(resp wire.ServerResponse) {
	f.respMu.Lock()
	f.respQ = append(f.respQ, resp)
	f.respMu.Unlock()
}

// InjectResponse enqueues resp as if it had arrived from a subscribed
// client's ResponseReady event. Exported for tests that drive the
// forwarder against fake Client implementations with no real event
// source to subscribe to.
func (f *Forwarder) InjectResponse(resp wire.ServerResponse) {
	f.onResponse(resp)
}

// Run drives the main loop: forward_requests, send_responses, yield.
// It returns when Stop is called.
func (f *Forwarder) Run() {
	defer close(f.loopDone)
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}
		f.forwardRequests()
		f.sendResponses()
		time.Sleep(time.Millisecond)
	}
}

// forwardRequests drains the request FIFO for as long as an upstream
// client is available. It holds the request lock for the entire drain,
// per the nested-locking discipline the rest of the system expects.
func (f *Forwarder) forwardRequests() {
	f.reqMu.Lock()
	defer f.reqMu.Unlock()

	for len(f.reqQ) > 0 {
		idx, client, ok := f.getNextClient()
		if !ok {
			return
		}
		req := f.reqQ[0]
		f.reqQ = f.reqQ[1:]
		f.forwardOne(req, idx, client)
	}
}

// forwardOne allocates a request id, records the pending entry, and
// attempts the send. A rejected send is treated as an immediate
// synthetic timeout rather than left to leak: see the resolved
// send-rejection behavior in DESIGN.md.
func (f *Forwarder) forwardOne(req wire.ClientRequest, clientIdx int, client Client) {
	fwdTimeUs := uint64(time.Now().UnixMicro())

	f.pendingMu.Lock()
	reqID := f.freshID()
	f.pending[reqID] = &pendingEntry{
		listenerID:    req.ListenerID,
		clientAddr:    req.ClientAddr,
		clientPort:    req.ClientPort,
		serverAddr:    f.serverAddrs[clientIdx],
		serverPort:    f.serverPorts[clientIdx],
		arrivalTimeMs: req.ArrivalTimeMs,
		fwdTimeUs:     fwdTimeUs,
		upstreamIdx:   clientIdx,
	}
	f.pendingMu.Unlock()

	if client.Send(reqID, req.Payload) == tcpup.Rejected {
		f.pendingMu.Lock()
		entry, found := f.pending[reqID]
		if found {
			delete(f.pending, reqID)
		}
		f.pendingMu.Unlock()
		if found {
			f.emitEDR(entry, wire.TimestampTimeout)
			if f.metrics != nil {
				f.metrics.ResponsesTimeout.Add(1)
			}
		}
		return
	}
	if f.metrics != nil {
		u := f.metrics.Upstream(clientIdx)
		u.RequestsSent.Add(1)
		u.BytesOut.Add(uint64(len(req.Payload)))
	}
}

// freshID draws a uniform 64-bit id, resampling on collision with the
// pending table. Must be called with pendingMu held.
func (f *Forwarder) freshID() uint64 {
	for {
		id := f.rng.Uint64()
		if _, exists := f.pending[id]; !exists {
			return id
		}
	}
}

// getNextClient implements the skip-disconnected round-robin scan.
// Starting just after the cursor, it scans forward (wrapping once) for
// a connected client, advancing the cursor to whatever it finds. If
// the scan returns to the cursor itself, that client is used iff still
// connected.
func (f *Forwarder) getNextClient() (int, Client, bool) {
	f.cursorMu.Lock()
	defer f.cursorMu.Unlock()

	n := len(f.clients)
	for i := 1; i <= n; i++ {
		idx := (f.cursor + i) % n
		if f.clients[idx].IsConnected() {
			f.cursor = idx
			return idx, f.clients[idx], true
		}
	}
	if f.clients[f.cursor].IsConnected() {
		return f.cursor, f.clients[f.cursor], true
	}
	return 0, nil, false
}

// sendResponses drains the response FIFO fully, holding the response
// lock for the entire drain.
func (f *Forwarder) sendResponses() {
	f.respMu.Lock()
	defer f.respMu.Unlock()

	for len(f.respQ) > 0 {
		resp := f.respQ[0]
		f.respQ = f.respQ[1:]
		f.dispatchResponse(resp)
	}
}

func (f *Forwarder) dispatchResponse(resp wire.ServerResponse) {
	f.pendingMu.Lock()
	entry, found := f.pending[resp.RequestID]
	if found {
		delete(f.pending, resp.RequestID)
	}
	f.pendingMu.Unlock()

	if !found {
		if f.logger != nil {
			f.logger.Warn("forwarder: unknown request id", "request_id", resp.RequestID)
		}
		return
	}

	durUs := wire.TimestampTimeout
	if !resp.IsTimeout() {
		durUs = resp.RespTimestampUs - entry.fwdTimeUs
	}
	f.emitEDR(entry, durUs)

	if resp.IsTimeout() {
		if f.metrics != nil {
			f.metrics.ResponsesTimeout.Add(1)
			f.metrics.Upstream(entry.upstreamIdx).Timeouts.Add(1)
		}
		return
	}
	if f.metrics != nil {
		f.metrics.ResponsesOK.Add(1)
		f.metrics.Upstream(entry.upstreamIdx).BytesIn.Add(uint64(len(resp.Payload)))
	}
	if l, ok := f.listeners[entry.listenerID]; ok {
		l.Send(entry.clientAddr, entry.clientPort, resp.Payload)
	} else if f.logger != nil {
		f.logger.Warn("forwarder: unknown listener id", "listener_id", entry.listenerID)
	}
}

func (f *Forwarder) emitEDR(entry *pendingEntry, durUs uint64) {
	if f.edrSink == nil {
		return
	}
	f.edrSink.Write(wire.EDR{
		ArrivalTimeMs: entry.arrivalTimeMs,
		ClientAddr:    entry.clientAddr,
		ClientPort:    entry.clientPort,
		ServerAddr:    entry.serverAddr,
		ServerPort:    entry.serverPort,
		TCPRespDurUs:  durUs,
	})
}

// Stop halts the main loop, waits for it to return, then drains the
// three queues under the pending→request→response lock order to reach
// quiescence, emitting a terminal timed-out EDR for every request that
// never got a response, and unsubscribing from every client.
func (f *Forwarder) Stop() {
	f.stopped.Do(func() {
		close(f.stopCh)
	})
	<-f.loopDone

	f.pendingMu.Lock()
	f.reqMu.Lock()
	f.respMu.Lock()

	for _, entry := range f.pending {
		f.emitEDR(entry, wire.TimestampTimeout)
	}
	f.pending = make(map[uint64]*pendingEntry)
	f.reqQ = nil
	f.respQ = nil

	f.respMu.Unlock()
	f.reqMu.Unlock()
	f.pendingMu.Unlock()

	for _, s := range f.subs {
		s.client.ResponseReady.Unsubscribe(s.token)
	}
}

// PendingCount reports the number of in-flight requests. Intended for
// tests and metrics.
func (f *Forwarder) PendingCount() int {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	return len(f.pending)
}
