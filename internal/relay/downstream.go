package relay

import (
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/tanaka-ryuya/tcprelay/internal/util"
)

// keepAliveInterval bounds how long a dead downstream connection can go
// unnoticed; the liveness probe reads with this deadline.
const keepAliveInterval = 500 * time.Millisecond

// connectDownstream maintains a single outbound connection to the
// downstream address. The forwarding pipeline writes to it directly; this
// driver only dials, watches liveness, and re-dials after a loss.
func (e *Engine) connectDownstream() {
	addr := e.cfg.downstreamAddr()

	for e.running.Load() {
		e.debugf("connect_downstream: trying %s", addr)
		conn, err := net.DialTimeout("tcp", addr, e.cfg.Retry)
		if err != nil {
			if !e.running.Load() {
				return
			}
			if errors.Is(err, syscall.EADDRINUSE) {
				e.logf("ERROR: downstream connect local port already in use (%s): %v. Stopping relay server.", addr, err)
				e.fail(err)
				return
			}
			e.logf("Downstream connection failed: %v, retrying in %s...", err, e.cfg.Retry)
			if !e.sleep(e.cfg.Retry) {
				return
			}
			continue
		}

		e.setDownstream(conn)
		e.logf("Connected to downstream %s", addr)
		e.notifyDownstreamConnect(true)

		e.watchDownstream(conn)

		// The pipeline's send-failure path may have already cleared,
		// closed, and published; only the winner does so.
		if e.clearDownstream(conn) {
			conn.Close()
			e.notifyDownstreamConnect(false)
			e.debugf("connect_downstream: disconnected, loop end or retry")
		}

		if e.running.Load() && !e.sleep(e.cfg.Retry) {
			return
		}
	}
}

// watchDownstream polls an otherwise idle outbound connection for
// liveness: a deadline-bounded one-byte read every keep-alive interval.
// A timeout means the peer is quiet but alive; EOF or any other error
// means closed or broken. Data arriving from downstream is discarded,
// since the relay is one-way.
func (e *Engine) watchDownstream(conn net.Conn) {
	buf := make([]byte, 1)
	for e.running.Load() && e.downstreamConn() == conn {
		conn.SetReadDeadline(time.Now().Add(keepAliveInterval))
		n, err := conn.Read(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if e.running.Load() {
				e.debugf("downstream socket detected closed or broken: %v", err)
			}
			return
		}
		if n > 0 {
			// Unsolicited bytes from the consumer; ignore, but back off
			// so a chatty peer cannot spin this loop.
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// listenClients binds the client listener and spawns the accept loop.
// A bind failure is returned to Start and aborts engine startup.
func (e *Engine) listenClients() error {
	ln, err := net.Listen("tcp", e.cfg.downstreamAddr())
	if err != nil {
		return err
	}
	e.clListener = ln
	e.logf("Listening for clients on %s...", e.cfg.downstreamAddr())
	go e.acceptClients(ln)
	return nil
}

// acceptClients registers an unbounded stream of downstream consumers.
// Clients are write-only targets; no per-client read loop exists.
func (e *Engine) acceptClients(ln net.Listener) {
	for e.running.Load() {
		e.debugf("waiting for downstream client accept...")
		conn, err := ln.Accept()
		if err != nil {
			if !e.running.Load() {
				return
			}
			e.logf("Error accepting client: %v", err)
			continue
		}

		e.logf("Client connected: %s", conn.RemoteAddr())
		e.clients.add(conn)
		util.Stats.AddClient()
		e.notifyDownstreamListen()
	}
}
