package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanaka-ryuya/tcprelay/internal/util"
)

// Engine is one relay instance. It is created with New, optionally given
// callbacks, started once with Start, and stopped once with Stop (or by
// cancelling the Start context). A stopped engine is discarded; restarting
// means constructing a fresh one.
type Engine struct {
	cfg Config

	running atomic.Bool
	dump    atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}

	startedCh chan struct{} // closed once startup (binds, driver spawn) succeeded

	cleanOnce sync.Once

	failMu  sync.Mutex
	failErr error // first fatal error, surfaced by Start

	// connMu guards the two stream socket slots. Each driver owns the
	// socket it creates; the forwarding pipeline reads upstream and may
	// clear downstream on send failure.
	connMu     sync.Mutex
	upstream   net.Conn
	downstream net.Conn

	upListener net.Listener // upstream-listen modes
	clListener net.Listener // downstream-listen modes

	clients registry

	cbMu sync.RWMutex
	cb   Callbacks
}

// New creates an engine for the given configuration. The config is assumed
// to have passed Validate.
func New(cfg Config) *Engine {
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultRetry
	}
	e := &Engine{
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		startedCh: make(chan struct{}),
	}
	e.dump.Store(cfg.Dump)
	return e
}

// SetDump toggles payload dumping on a running engine.
func (e *Engine) SetDump(on bool) { e.dump.Store(on) }

// Dump reports whether payload dumping is enabled.
func (e *Engine) Dump() bool { return e.dump.Load() }

// Start runs the relay until ctx is cancelled, Stop is called, or a fatal
// error occurs. Listener bind failures surface immediately as the returned
// error; fatal conditions hit by the connect drivers (local port in use)
// surface here after teardown. Start must be called at most once.
func (e *Engine) Start(ctx context.Context) error {
	e.running.Store(true)
	e.logf("Starting relay server in mode: %s", e.cfg.Mode)

	if e.cfg.Mode.UpstreamListens() {
		if err := e.listenUpstream(); err != nil {
			err = fmt.Errorf("failed to set up upstream on %s: %w", e.cfg.upstreamAddr(), err)
			e.logf("ERROR: %v. Server will not start.", err)
			e.running.Store(false)
			e.teardown()
			return err
		}
	} else {
		go e.connectUpstream()
	}

	if e.cfg.Mode.DownstreamListens() {
		if err := e.listenClients(); err != nil {
			err = fmt.Errorf("failed to set up downstream on %s: %w", e.cfg.downstreamAddr(), err)
			e.logf("ERROR: %v. Server will not start.", err)
			e.running.Store(false)
			e.teardown()
			return err
		}
	} else {
		go e.connectDownstream()
	}

	close(e.startedCh)

	select {
	case <-ctx.Done():
		e.Stop()
	case <-e.stopCh:
	}
	e.running.Store(false)
	e.teardown()
	return e.failure()
}

// Started is closed once startup succeeded: listeners are bound and the
// drivers are running. It never closes when Start fails synchronously.
func (e *Engine) Started() <-chan struct{} {
	return e.startedCh
}

// Stop requests shutdown from any goroutine. It only flips the running
// flag and wakes Start; the Start goroutine performs the actual teardown.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logf("Shutting down relay server...")
		e.running.Store(false)
		close(e.stopCh)
	})
}

// fail records the first fatal error and requests shutdown.
func (e *Engine) fail(err error) {
	e.failMu.Lock()
	if e.failErr == nil {
		e.failErr = err
	}
	e.failMu.Unlock()
	e.Stop()
}

func (e *Engine) failure() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.failErr
}

// teardown closes every owned socket exactly once and publishes the final
// disconnected state. It runs on the Start goroutine, regardless of which
// path requested the shutdown.
func (e *Engine) teardown() {
	e.cleanOnce.Do(func() {
		e.logf("Closing connections...")

		for _, c := range e.clients.drain() {
			closeConn(c)
		}

		e.connMu.Lock()
		up, down := e.upstream, e.downstream
		e.upstream, e.downstream = nil, nil
		e.connMu.Unlock()
		closeConn(up)
		closeConn(down)

		if e.upListener != nil {
			e.upListener.Close()
		}
		if e.clListener != nil {
			e.clListener.Close()
		}

		if e.cfg.Mode.DownstreamListens() {
			e.notifyDownstreamListen()
		} else {
			e.notifyDownstreamConnect(false)
		}
		e.emitUpstreamStatus(false)

		e.logf("Server shut down.")
	})
}

// closeConn shuts down and closes a stream socket, absorbing errors.
func closeConn(conn net.Conn) {
	if conn == nil {
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	conn.Close()
}

// sleep waits d or until shutdown, reporting whether the engine still runs.
func (e *Engine) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.stopCh:
		return false
	case <-t.C:
		return e.running.Load()
	}
}

// ---------------------------------------------------------------------------
// Socket slot accessors
// ---------------------------------------------------------------------------

// swapUpstream installs a new upstream socket and returns the previous one.
func (e *Engine) swapUpstream(conn net.Conn) net.Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	prev := e.upstream
	e.upstream = conn
	return prev
}

// upstreamConn returns the currently bound upstream socket, if any.
func (e *Engine) upstreamConn() net.Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.upstream
}

// clearUpstream unbinds conn if it is still the current upstream socket.
// It reports false when another producer has already replaced it.
func (e *Engine) clearUpstream(conn net.Conn) bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.upstream == conn {
		e.upstream = nil
		return true
	}
	return false
}

func (e *Engine) setDownstream(conn net.Conn) {
	e.connMu.Lock()
	e.downstream = conn
	e.connMu.Unlock()
}

func (e *Engine) downstreamConn() net.Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.downstream
}

// clearDownstream unbinds conn if it is still the current downstream
// socket. The keep-alive loop and the pipeline's send-failure path race to
// clear it; whichever wins closes the socket and publishes the disconnect.
func (e *Engine) clearDownstream(conn net.Conn) bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.downstream == conn {
		e.downstream = nil
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Log sinks
// ---------------------------------------------------------------------------

// logf emits one event line to the terminal sink and the Log callback.
func (e *Engine) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	util.LogInfo("%s", line)
	if cb := e.callbacks(); cb.Log != nil {
		invoke(func() { cb.Log(line) })
	}
}

// debugf is logf at debug level.
func (e *Engine) debugf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	util.LogDebug("%s", line)
	if cb := e.callbacks(); cb.Log != nil {
		invoke(func() { cb.Log(line) })
	}
}

// logDump emits a dumped payload. With a Log callback installed the dump
// goes only through the callback; headless operation prints it to stdout.
func (e *Engine) logDump(text string) {
	if cb := e.callbacks(); cb.Log != nil {
		invoke(func() { cb.Log(text) })
		return
	}
	fmt.Println(text)
}
