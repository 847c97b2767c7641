package relay

// Callbacks is the set of optional observability hooks an external
// consumer (the control panel, tests) may install on an engine. Each slot
// may be nil. Handlers are invoked synchronously from whichever engine
// goroutine detected the change, so they must be fast; panics inside a
// handler are absorbed and never affect the relay.
type Callbacks struct {
	UpstreamStatus   func(connected bool)
	DownstreamStatus func(connected bool)
	ClientCount      func(n int)
	ClientList       func(peers []string)
	Log              func(line string)
}

// SetCallbacks replaces the engine's callback set. It may be called before
// or after Start.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.cbMu.Lock()
	e.cb = cb
	e.cbMu.Unlock()
}

// callbacks returns a copy of the current callback set.
func (e *Engine) callbacks() Callbacks {
	e.cbMu.RLock()
	defer e.cbMu.RUnlock()
	return e.cb
}

// invoke runs a handler, absorbing any panic it raises.
func invoke(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

func (e *Engine) emitUpstreamStatus(connected bool) {
	if cb := e.callbacks(); cb.UpstreamStatus != nil {
		invoke(func() { cb.UpstreamStatus(connected) })
	}
}

// notifyDownstreamListen publishes the downstream snapshot for listen-kind
// modes: client count, connected-if-nonempty status, and the peer list.
func (e *Engine) notifyDownstreamListen() {
	count, peers := e.clients.stats()
	e.debugf("listen-side state: clients=%d %v", count, peers)

	cb := e.callbacks()
	if cb.ClientCount != nil {
		invoke(func() { cb.ClientCount(count) })
	}
	if cb.DownstreamStatus != nil {
		invoke(func() { cb.DownstreamStatus(count > 0) })
	}
	if cb.ClientList != nil {
		invoke(func() { cb.ClientList(peers) })
	}
}

// notifyDownstreamConnect publishes the downstream state for connect-kind
// modes, projecting the single peer as a one-element client list.
func (e *Engine) notifyDownstreamConnect(connected bool) {
	count := 0
	peers := []string{}
	if connected {
		if conn := e.downstreamConn(); conn != nil {
			peers = append(peers, conn.RemoteAddr().String())
			count = 1
		}
	}
	e.debugf("connect-side state: connected=%t %v", connected, peers)

	cb := e.callbacks()
	if cb.ClientCount != nil {
		invoke(func() { cb.ClientCount(count) })
	}
	if cb.DownstreamStatus != nil {
		invoke(func() { cb.DownstreamStatus(connected) })
	}
	if cb.ClientList != nil {
		invoke(func() { cb.ClientList(peers) })
	}
}
