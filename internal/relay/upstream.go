package relay

import (
	"errors"
	"net"
	"syscall"

	"github.com/tanaka-ryuya/tcprelay/internal/util"
)

// connectUpstream maintains a single outbound connection to the upstream
// address. Each established connection is handed to the forwarding
// pipeline; when the pipeline returns the driver closes the socket and,
// if still running, waits the reconnect interval before retrying.
//
// Transient dial failures are retried forever. A local port-in-use
// condition is fatal and stops the engine.
func (e *Engine) connectUpstream() {
	addr := e.cfg.upstreamAddr()

	for e.running.Load() {
		e.debugf("connect_upstream: trying %s", addr)
		conn, err := net.DialTimeout("tcp", addr, e.cfg.Retry)
		if err != nil {
			if !e.running.Load() {
				return
			}
			if errors.Is(err, syscall.EADDRINUSE) {
				e.logf("ERROR: upstream connect local port already in use (%s): %v. Stopping relay server.", addr, err)
				e.fail(err)
				return
			}
			e.logf("Upstream connection failed: %v, retrying in %s...", err, e.cfg.Retry)
			if !e.sleep(e.cfg.Retry) {
				return
			}
			continue
		}

		e.swapUpstream(conn)
		e.logf("Connected to upstream %s", addr)
		e.emitUpstreamStatus(true)
		util.Stats.AddUpstreamSession()

		e.forwardFromUpstream(conn)

		e.clearUpstream(conn)
		conn.Close()
		e.emitUpstreamStatus(false)
		e.debugf("connect_upstream: disconnected, loop end or retry")

		if e.running.Load() && !e.sleep(e.cfg.Retry) {
			return
		}
	}
}

// listenUpstream binds the upstream listener and spawns the accept loop.
// A bind failure is returned to Start and aborts engine startup.
func (e *Engine) listenUpstream() error {
	ln, err := net.Listen("tcp", e.cfg.upstreamAddr())
	if err != nil {
		return err
	}
	e.upListener = ln
	e.logf("Listening for upstream connections on %s", e.cfg.upstreamAddr())
	go e.acceptUpstream(ln)
	return nil
}

// acceptUpstream accepts at most one upstream producer at a time. A new
// producer arriving while an old one is still bound forcibly replaces it:
// the previous socket is closed, which also ends its pipeline invocation.
func (e *Engine) acceptUpstream(ln net.Listener) {
	for e.running.Load() {
		e.debugf("waiting for upstream accept...")
		conn, err := ln.Accept()
		if err != nil {
			if !e.running.Load() {
				return
			}
			e.logf("Error accepting upstream: %v", err)
			continue
		}

		e.logf("Upstream connected: %s", conn.RemoteAddr())
		if prev := e.swapUpstream(conn); prev != nil {
			e.debugf("closing previous upstream connection")
			prev.Close()
		}
		e.emitUpstreamStatus(true)
		util.Stats.AddUpstreamSession()

		go func(c net.Conn) {
			e.forwardFromUpstream(c)
			// A replaced producer no longer owns the slot; only the
			// current one publishes the disconnect.
			if e.clearUpstream(c) {
				e.emitUpstreamStatus(false)
				e.debugf("upstream accept loop: upstream disconnected")
			}
			c.Close()
		}(conn)
	}
}
