package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRetry = 100 * time.Millisecond

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// recorder captures every callback emission for later assertions.
type recorder struct {
	mu         sync.Mutex
	upstream   []bool
	downstream []bool
	counts     []int
	peers      [][]string
	logs       []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		UpstreamStatus: func(b bool) {
			r.mu.Lock()
			r.upstream = append(r.upstream, b)
			r.mu.Unlock()
		},
		DownstreamStatus: func(b bool) {
			r.mu.Lock()
			r.downstream = append(r.downstream, b)
			r.mu.Unlock()
		},
		ClientCount: func(n int) {
			r.mu.Lock()
			r.counts = append(r.counts, n)
			r.mu.Unlock()
		},
		ClientList: func(peers []string) {
			r.mu.Lock()
			r.peers = append(r.peers, peers)
			r.mu.Unlock()
		},
		Log: func(line string) {
			r.mu.Lock()
			r.logs = append(r.logs, line)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) lastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.counts) == 0 {
		return -1
	}
	return r.counts[len(r.counts)-1]
}

func (r *recorder) countHistory() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.counts))
	copy(out, r.counts)
	return out
}

func (r *recorder) lastUpstream() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.upstream) == 0 {
		return false
	}
	return r.upstream[len(r.upstream)-1]
}

func (r *recorder) sawUpstream(want bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.upstream {
		if b == want {
			return true
		}
	}
	return false
}

func (r *recorder) lastDownstream() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.downstream) == 0 {
		return false, false
	}
	return r.downstream[len(r.downstream)-1], true
}

func (r *recorder) lastPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) == 0 {
		return nil
	}
	return r.peers[len(r.peers)-1]
}

func (r *recorder) logCount(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, line := range r.logs {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func listenerPort(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}

func dialPort(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func acceptOne(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	require.NoError(t, ln.(*net.TCPListener).SetDeadline(time.Now().Add(3*time.Second)))
	conn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

// startEngine runs the engine in the background, waits for startup to
// succeed, and arranges for a clean stop when the test ends.
func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(context.Background()) }()

	select {
	case <-e.Started():
	case err := <-errCh:
		t.Fatalf("engine failed to start: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not start in time")
	}

	t.Cleanup(func() {
		e.Stop()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Error("engine did not shut down in time")
		}
	})
}

func waitCount(t *testing.T, rec *recorder, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.lastCount() == want },
		2*time.Second, 10*time.Millisecond, "client count never reached %d", want)
}

func waitDownstream(t *testing.T, rec *recorder, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := rec.lastDownstream()
		return ok && v == want
	}, 3*time.Second, 10*time.Millisecond, "downstream status never became %t", want)
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestConnectListenFanOut(t *testing.T) {
	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upLn.Close()

	dstPort := freePort(t)
	e := New(Config{
		SrcHost: "127.0.0.1", SrcPort: listenerPort(upLn),
		DstHost: "127.0.0.1", DstPort: dstPort,
		Mode: ModeConnectListen, Retry: testRetry,
	})
	rec := &recorder{}
	e.SetCallbacks(rec.callbacks())
	startEngine(t, e)

	producer := acceptOne(t, upLn)

	c1 := dialPort(t, dstPort)
	waitCount(t, rec, 1)
	c2 := dialPort(t, dstPort)
	waitCount(t, rec, 2)

	_, err = producer.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, "hello", readN(t, c1, 5))
	assert.Equal(t, "hello", readN(t, c2, 5))

	assert.Equal(t, []int{1, 2}, rec.countHistory())
	assert.True(t, rec.sawUpstream(true))
	assert.Len(t, rec.lastPeers(), 2)
}

func TestListenConnectRetriesThenDelivers(t *testing.T) {
	srcPort := freePort(t)
	dstPort := freePort(t)
	e := New(Config{
		SrcHost: "127.0.0.1", SrcPort: srcPort,
		DstHost: "127.0.0.1", DstPort: dstPort,
		Mode: ModeListenConnect, Retry: testRetry,
	})
	rec := &recorder{}
	e.SetCallbacks(rec.callbacks())
	startEngine(t, e)

	// The downstream target is not up yet: the driver must keep retrying.
	require.Eventually(t, func() bool {
		return rec.logCount("Downstream connection failed") >= 2
	}, 3*time.Second, 10*time.Millisecond)

	downLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", dstPort))
	require.NoError(t, err)
	defer downLn.Close()
	sink := acceptOne(t, downLn)

	waitDownstream(t, rec, true)
	assert.GreaterOrEqual(t, rec.logCount("Connected to downstream"), 1)

	producer := dialPort(t, srcPort)
	_, err = producer.Write([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, "data", readN(t, sink, 4))

	// Peer closes: the keep-alive probe must publish the disconnect and
	// the driver must re-establish the connection.
	sink.Close()
	waitDownstream(t, rec, false)
	sink2 := acceptOne(t, downLn)
	waitDownstream(t, rec, true)

	_, err = producer.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, "more", readN(t, sink2, 4))
}

func TestUpstreamFlapReconnect(t *testing.T) {
	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upLn.Close()

	dstPort := freePort(t)
	e := New(Config{
		SrcHost: "127.0.0.1", SrcPort: listenerPort(upLn),
		DstHost: "127.0.0.1", DstPort: dstPort,
		Mode: ModeConnectListen, Retry: testRetry,
	})
	rec := &recorder{}
	e.SetCallbacks(rec.callbacks())
	startEngine(t, e)

	client := dialPort(t, dstPort)
	waitCount(t, rec, 1)

	producer := acceptOne(t, upLn)
	payload := strings.Repeat("x", 100)
	_, err = producer.Write([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, readN(t, client, 100))
	producer.Close()

	// The driver must re-attempt within the reconnect interval plus slack.
	producer2 := acceptOne(t, upLn)
	require.Eventually(t, func() bool { return rec.lastUpstream() },
		2*time.Second, 10*time.Millisecond)

	// The client stayed registered across the upstream flap.
	assert.Equal(t, 1, rec.lastCount())

	_, err = producer2.Write([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, "again", readN(t, client, 5))
}

func TestListenListenProducerReplacement(t *testing.T) {
	srcPort := freePort(t)
	dstPort := freePort(t)
	e := New(Config{
		SrcHost: "127.0.0.1", SrcPort: srcPort,
		DstHost: "127.0.0.1", DstPort: dstPort,
		Mode: ModeListenListen, Retry: testRetry,
	})
	rec := &recorder{}
	e.SetCallbacks(rec.callbacks())
	startEngine(t, e)

	client := dialPort(t, dstPort)
	waitCount(t, rec, 1)

	producer1 := dialPort(t, srcPort)
	_, err := producer1.Write([]byte("A"))
	require.NoError(t, err)
	assert.Equal(t, "A", readN(t, client, 1))

	// A second producer replaces the first: the relay force-closes the
	// old socket and forwards from the new one.
	producer2 := dialPort(t, srcPort)
	require.NoError(t, producer1.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = producer1.Read(make([]byte, 1))
	assert.Error(t, err, "first producer should be closed by the relay")

	_, err = producer2.Write([]byte("B"))
	require.NoError(t, err)
	assert.Equal(t, "B", readN(t, client, 1))
}

func TestClientEvictionIsLocal(t *testing.T) {
	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upLn.Close()

	dstPort := freePort(t)
	e := New(Config{
		SrcHost: "127.0.0.1", SrcPort: listenerPort(upLn),
		DstHost: "127.0.0.1", DstPort: dstPort,
		Mode: ModeConnectListen, Retry: testRetry,
	})
	rec := &recorder{}
	e.SetCallbacks(rec.callbacks())
	startEngine(t, e)

	dead := dialPort(t, dstPort)
	waitCount(t, rec, 1)
	healthy := dialPort(t, dstPort)
	waitCount(t, rec, 2)

	producer := acceptOne(t, upLn)
	dead.Close()

	_, err = producer.Write([]byte("XY"))
	require.NoError(t, err)

	// The healthy client receives everything regardless of the dead one.
	assert.Equal(t, "XY", readN(t, healthy, 2))

	// Keep nudging until the failed send is observed and the dead client
	// evicted; the count callback must fire with the decremented value.
	require.Eventually(t, func() bool {
		producer.Write([]byte("k"))
		return rec.lastCount() == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Len(t, rec.lastPeers(), 1)
}

func TestStopWhileIdle(t *testing.T) {
	srcPort := freePort(t) // nothing listens here: upstream never reachable
	dstPort := freePort(t)
	e := New(Config{
		SrcHost: "127.0.0.1", SrcPort: srcPort,
		DstHost: "127.0.0.1", DstPort: dstPort,
		Mode: ModeConnectListen, Retry: 200 * time.Millisecond,
	})
	rec := &recorder{}
	e.SetCallbacks(rec.callbacks())

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(context.Background()) }()
	select {
	case <-e.Started():
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not start in time")
	}

	time.Sleep(300 * time.Millisecond)
	e.Stop()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("teardown did not complete in time")
	}

	// Final published state: upstream disconnected, zero clients.
	assert.False(t, rec.lastUpstream())
	assert.Equal(t, 0, rec.lastCount())
	assert.Empty(t, rec.lastPeers())

	// The client listener is gone: nothing leaked.
	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", dstPort), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestStartupBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	e := New(Config{
		SrcHost: "127.0.0.1", SrcPort: listenerPort(occupied),
		DstHost: "127.0.0.1", DstPort: freePort(t),
		Mode: ModeListenListen, Retry: testRetry,
	})
	err = e.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set up upstream")
}

func TestDumpTogglesLive(t *testing.T) {
	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upLn.Close()

	dstPort := freePort(t)
	e := New(Config{
		SrcHost: "127.0.0.1", SrcPort: listenerPort(upLn),
		DstHost: "127.0.0.1", DstPort: dstPort,
		Mode: ModeConnectListen, Dump: true, Retry: testRetry,
	})
	rec := &recorder{}
	e.SetCallbacks(rec.callbacks())
	startEngine(t, e)

	client := dialPort(t, dstPort)
	waitCount(t, rec, 1)
	producer := acceptOne(t, upLn)

	_, err = producer.Write([]byte("visible"))
	require.NoError(t, err)
	assert.Equal(t, "visible", readN(t, client, 7))
	require.Eventually(t, func() bool { return rec.logCount("visible") >= 1 },
		2*time.Second, 10*time.Millisecond)

	e.SetDump(false)
	_, err = producer.Write([]byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "secret", readN(t, client, 6))
	assert.Zero(t, rec.logCount("secret"), "dump disabled: payload must not be logged")
}

func TestCallbackPanicIsAbsorbed(t *testing.T) {
	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upLn.Close()

	dstPort := freePort(t)
	e := New(Config{
		SrcHost: "127.0.0.1", SrcPort: listenerPort(upLn),
		DstHost: "127.0.0.1", DstPort: dstPort,
		Mode: ModeConnectListen, Retry: testRetry,
	})
	registered := make(chan struct{}, 4)
	e.SetCallbacks(Callbacks{
		ClientCount:    func(int) { panic("handler bug") },
		UpstreamStatus: func(bool) { panic("handler bug") },
		ClientList:     func([]string) { registered <- struct{}{} },
	})
	startEngine(t, e)

	client := dialPort(t, dstPort)
	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("client was never registered")
	}
	producer := acceptOne(t, upLn)

	// The panicking handlers already fired for accept and connect; the
	// relay must keep forwarding regardless.
	_, err = producer.Write([]byte("alive"))
	require.NoError(t, err)
	assert.Equal(t, "alive", readN(t, client, 5))
}
