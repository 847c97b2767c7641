package relay

import (
	"net"
	"sync"
)

// registry is the guarded ordered set of accepted downstream clients.
// Insertion order is retained so iteration is deterministic. All mutations
// happen under the lock; fan-out iterates over an unlocked snapshot so the
// lock is never held across a blocking send.
type registry struct {
	mu    sync.Mutex
	conns []net.Conn
}

// add appends a newly accepted client.
func (r *registry) add(conn net.Conn) {
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()
}

// snapshot returns a copy of the current client set.
func (r *registry) snapshot() []net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]net.Conn, len(r.conns))
	copy(out, r.conns)
	return out
}

// remove deletes a client if still present, reporting whether it was.
// A client that failed a send may race with teardown, so absence is fine.
func (r *registry) remove(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.conns {
		if c == conn {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return true
		}
	}
	return false
}

// drain empties the registry and returns what it held.
func (r *registry) drain() []net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.conns
	r.conns = nil
	return out
}

// stats returns the client count and the peer-address projection in a
// single critical section, for the downstream snapshot notification.
func (r *registry) stats() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(r.conns))
	for _, c := range r.conns {
		if addr := c.RemoteAddr(); addr != nil {
			peers = append(peers, addr.String())
		}
	}
	return len(r.conns), peers
}
