package relay

import (
	"errors"
	"io"
	"net"
	"strconv"
	"unicode/utf8"

	"github.com/tanaka-ryuya/tcprelay/internal/util"
)

// readBufferSize is the per-read ceiling of the forwarding pipeline.
const readBufferSize = 4096

// forwardFromUpstream is the single forwarding pipeline. It pulls bytes
// from the given upstream socket for as long as that socket remains the
// bound one, pushing each buffer to the downstream side selected by mode.
// The caller (the upstream driver) owns the socket and closes it after
// this returns; the pipeline only borrows it.
func (e *Engine) forwardFromUpstream(conn net.Conn) {
	buf := make([]byte, readBufferSize)

	for e.running.Load() && e.upstreamConn() == conn {
		n, err := conn.Read(buf)

		if n > 0 {
			data := buf[:n]
			e.debugf("relay_from_upstream: received %d bytes", n)
			util.Stats.AddRelayed(n)

			if e.dump.Load() {
				e.logDump(renderDump(data))
			}

			if e.cfg.Mode.DownstreamListens() {
				e.fanOut(data)
			} else {
				e.sendDownstream(data)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				e.logf("Upstream connection closed.")
				e.emitUpstreamStatus(false)
				return
			}
			if e.running.Load() && e.upstreamConn() == conn {
				e.logf("Error receiving data from upstream: %v", err)
			}
			return
		}
	}
}

// fanOut delivers one buffer to every client in the current snapshot.
// Sends happen outside the registry lock; failing clients are collected,
// then removed under the lock and closed, so a dead client never delays
// or suppresses delivery to a healthy one.
func (e *Engine) fanOut(data []byte) {
	targets := e.clients.snapshot()
	e.debugf("relay_from_upstream: broadcasting to %d clients", len(targets))

	var dead []net.Conn
	for _, c := range targets {
		if _, err := c.Write(data); err != nil {
			e.logf("Error sending to client %s: %v", c.RemoteAddr(), err)
			dead = append(dead, c)
		}
	}

	if len(dead) == 0 {
		return
	}
	for _, c := range dead {
		if e.clients.remove(c) {
			util.Stats.AddEvicted()
		}
		c.Close()
	}
	e.notifyDownstreamListen()
}

// sendDownstream delivers one buffer to the single downstream socket, if
// bound. On failure the socket is cleared and closed here; the
// downstream-connect driver's keep-alive loop observes the closure and
// re-enters its reconnect cycle.
func (e *Engine) sendDownstream(data []byte) {
	conn := e.downstreamConn()
	if conn == nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		e.logf("Error sending to downstream: %v", err)
		if e.clearDownstream(conn) {
			conn.Close()
			e.notifyDownstreamConnect(false)
		}
	}
}

// renderDump renders a forwarded buffer for the log stream: verbatim when
// it is valid UTF-8, as an escaped Go string literal otherwise.
func renderDump(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strconv.Quote(string(data))
}
