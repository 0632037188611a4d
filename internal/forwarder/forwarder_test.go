package forwarder

import (
	"net/netip"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relayd/internal/edr"
	"github.com/relaycore/relayd/internal/tcpup"
	"github.com/relaycore/relayd/internal/wire"
)

// fakeClient is a Client implementation the tests drive directly,
// without a real socket, so the round-robin/pending-table logic can be
// exercised deterministically.
type fakeClient struct {
	mu        sync.Mutex
	connected bool
	sent      []uint64
	rejectAll bool
}

func newFakeClient(connected bool) *fakeClient {
	return &fakeClient{connected: connected}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeClient) Send(reqID uint64, payload []byte) tcpup.SendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectAll || !c.connected || len(payload) == 0 {
		return tcpup.Rejected
	}
	c.sent = append(c.sent, reqID)
	return tcpup.Ok
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeClient) sentIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeReplier struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *fakeReplier) Send(_ netip.Addr, _ uint16, payload []byte) {
	r.mu.Lock()
	r.sent = append(r.sent, payload)
	r.mu.Unlock()
}

func (r *fakeReplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func mkUpstream(c *fakeClient, ip string, port uint16) UpstreamSpec {
	return UpstreamSpec{Client: c, Addr: netip.MustParseAddr(ip), Port: port}
}

func request(listenerID uint32, payload string) wire.ClientRequest {
	return wire.ClientRequest{
		ListenerID:    listenerID,
		ArrivalTimeMs: uint64(time.Now().UnixMilli()),
		ClientAddr:    netip.MustParseAddr("127.0.0.1"),
		ClientPort:    55000,
		Payload:       []byte(payload),
	}
}

func TestRoundRobinFairness(t *testing.T) {
	c1, c2, c3 := newFakeClient(true), newFakeClient(true), newFakeClient(true)
	replier := &fakeReplier{}
	f := New([]UpstreamSpec{
		mkUpstream(c1, "10.0.0.1", 1),
		mkUpstream(c2, "10.0.0.2", 2),
		mkUpstream(c3, "10.0.0.3", 3),
	}, map[uint32]Replier{0: replier}, nil, nil, 1)

	go f.Run()
	defer f.Stop()

	for i := 0; i < 6; i++ {
		f.Submit(request(0, "payload"))
	}

	require.Eventually(t, func() bool {
		return c1.sentCount()+c2.sentCount()+c3.sentCount() == 6
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, c1.sentCount())
	assert.Equal(t, 2, c2.sentCount())
	assert.Equal(t, 2, c3.sentCount())
}

func TestSkipDisconnected(t *testing.T) {
	c1, c2, c3 := newFakeClient(true), newFakeClient(false), newFakeClient(true)
	replier := &fakeReplier{}
	f := New([]UpstreamSpec{
		mkUpstream(c1, "10.0.0.1", 1),
		mkUpstream(c2, "10.0.0.2", 2),
		mkUpstream(c3, "10.0.0.3", 3),
	}, map[uint32]Replier{0: replier}, nil, nil, 2)

	go f.Run()
	defer f.Stop()

	for i := 0; i < 4; i++ {
		f.Submit(request(0, "payload"))
	}

	require.Eventually(t, func() bool {
		return c1.sentCount()+c3.sentCount() == 4
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, c1.sentCount())
	assert.Equal(t, 0, c2.sentCount())
	assert.Equal(t, 2, c3.sentCount())
}

func TestPayloadFidelityAndEDR(t *testing.T) {
	dir := t.TempDir()
	sink, err := edr.Open(dir+"/edr.log", nil)
	require.NoError(t, err)
	defer sink.Close()

	c1 := newFakeClient(true)
	replier := &fakeReplier{}
	f := New([]UpstreamSpec{mkUpstream(c1, "10.0.0.1", 9000)}, map[uint32]Replier{0: replier}, sink, nil, 3)
	go f.Run()
	defer f.Stop()

	f.Submit(request(0, "ping"))

	require.Eventually(t, func() bool { return c1.sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	reqID := c1.sentIDs()[0]

	respTime := uint64(time.Now().UnixMicro())
	body := wire.PutStatusPrefix(wire.StatusOK, []byte("ping"))
	f.InjectResponse(wire.ServerResponse{RequestID: reqID, RespTimestampUs: respTime, Payload: body})

	require.Eventually(t, func() bool { return replier.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	replier.mu.Lock()
	got := replier.sent[0]
	replier.mu.Unlock()
	assert.Equal(t, body, got)

	require.Eventually(t, func() bool { return f.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(dir + "/edr.log")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "timed_out")
	assert.True(t, strings.HasSuffix(lines[0], "_ms"))
}

func TestUnknownResponseIDIsDropped(t *testing.T) {
	c1 := newFakeClient(true)
	replier := &fakeReplier{}
	f := New([]UpstreamSpec{mkUpstream(c1, "10.0.0.1", 1)}, map[uint32]Replier{0: replier}, nil, nil, 4)
	go f.Run()
	defer f.Stop()

	f.InjectResponse(wire.ServerResponse{RequestID: 999, RespTimestampUs: 1})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, replier.count())
}

func TestShutdownEmitsTerminalEDRsForPending(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/edr.log"
	sink, err := edr.Open(path, nil)
	require.NoError(t, err)

	c1 := newFakeClient(true)
	replier := &fakeReplier{}
	f := New([]UpstreamSpec{mkUpstream(c1, "10.0.0.1", 1)}, map[uint32]Replier{0: replier}, sink, nil, 5)
	go f.Run()

	for i := 0; i < 5; i++ {
		f.Submit(request(0, "x"))
	}
	require.Eventually(t, func() bool { return c1.sentCount() == 5 }, 2*time.Second, 5*time.Millisecond)

	f.Stop()
	require.NoError(t, sink.Close())
	assert.Equal(t, 0, replier.count(), "no UDP replies must be emitted after shutdown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 5)
	for _, l := range lines {
		assert.True(t, strings.HasSuffix(l, " timed_out"))
	}
}

func TestRejectedSendProducesSyntheticTimeout(t *testing.T) {
	path := t.TempDir() + "/edr.log"
	sink, err := edr.Open(path, nil)
	require.NoError(t, err)
	defer sink.Close()

	c1 := newFakeClient(true)
	c1.rejectAll = true
	replier := &fakeReplier{}
	f := New([]UpstreamSpec{mkUpstream(c1, "10.0.0.1", 1)}, map[uint32]Replier{0: replier}, sink, nil, 6)
	go f.Run()
	defer f.Stop()

	f.Submit(request(0, "x"))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), "timed_out")
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, replier.count())
}

func TestIDUniquenessUnderConcurrentForward(t *testing.T) {
	c1 := newFakeClient(true)
	replier := &fakeReplier{}
	f := New([]UpstreamSpec{mkUpstream(c1, "10.0.0.1", 1)}, map[uint32]Replier{0: replier}, nil, nil, 7)
	go f.Run()
	defer f.Stop()

	for i := 0; i < 50; i++ {
		f.Submit(request(0, "x"))
	}
	require.Eventually(t, func() bool { return c1.sentCount() == 50 }, 2*time.Second, 5*time.Millisecond)

	seen := map[uint64]bool{}
	for _, id := range c1.sentIDs() {
		assert.False(t, seen[id], "request id must be unique")
		seen[id] = true
	}
}
