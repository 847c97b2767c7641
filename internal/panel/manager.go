package panel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tanaka-ryuya/tcprelay/internal/relay"
)

// eventQueueSize caps each tab's event backlog. Engine callbacks must not
// block, so when the browser falls behind the oldest events are dropped;
// the latest status always survives.
const eventQueueSize = 1024

// Event is one engine notification, JSON-shaped for the websocket stream.
type Event struct {
	Kind      string   `json:"kind"` // "log" | "upstream" | "downstream" | "clients" | "client_list"
	Line      string   `json:"line,omitempty"`
	Connected bool     `json:"connected,omitempty"`
	Count     int      `json:"count,omitempty"`
	Peers     []string `json:"peers,omitempty"`
}

// eventQueue is a bounded drop-oldest queue feeding one websocket.
type eventQueue struct {
	ch chan Event
}

func newEventQueue() *eventQueue {
	return &eventQueue{ch: make(chan Event, eventQueueSize)}
}

func (q *eventQueue) push(ev Event) {
	for {
		select {
		case q.ch <- ev:
			return
		default:
			select {
			case <-q.ch:
			default:
			}
		}
	}
}

// Status is the last-known engine state of a tab, for the list API.
type Status struct {
	Running    bool     `json:"running"`
	Upstream   bool     `json:"upstream"`
	Downstream bool     `json:"downstream"`
	Clients    int      `json:"clients"`
	Peers      []string `json:"peers"`
}

// Tab couples one persisted configuration with at most one live engine.
// Restart always constructs a fresh engine; a stopped engine is discarded.
type Tab struct {
	ID string

	mu     sync.Mutex
	cfg    TabConfig
	engine *relay.Engine
	done   chan struct{}
	status Status

	events *eventQueue
}

// Config returns the tab's current configuration.
func (t *Tab) Config() TabConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// CurrentStatus returns the last-known engine state.
func (t *Tab) CurrentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Events exposes the tab's event stream for the websocket writer.
func (t *Tab) Events() <-chan Event {
	return t.events.ch
}

// Manager owns the tab set and its persistence.
type Manager struct {
	mu    sync.Mutex
	path  string
	tabs  map[string]*Tab
	order []string
}

// NewManager creates a manager backed by the given config file, loading
// any previously persisted tabs.
func NewManager(path string) *Manager {
	m := &Manager{
		path: path,
		tabs: make(map[string]*Tab),
	}
	for _, cfg := range LoadTabs(path) {
		m.addLocked(cfg)
	}
	return m
}

func (m *Manager) addLocked(cfg TabConfig) *Tab {
	t := &Tab{
		ID:     uuid.NewString(),
		cfg:    cfg,
		events: newEventQueue(),
	}
	m.tabs[t.ID] = t
	m.order = append(m.order, t.ID)
	return t
}

// save persists the current tab list. Callers hold m.mu.
func (m *Manager) save() {
	tabs := make([]TabConfig, 0, len(m.order))
	for _, id := range m.order {
		tabs = append(tabs, m.tabs[id].Config())
	}
	_ = SaveTabs(m.path, tabs)
}

// AddTab creates a tab and persists the change.
func (m *Manager) AddTab(cfg TabConfig) *Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.addLocked(cfg)
	m.save()
	return t
}

// Tab looks up a tab by id.
func (m *Manager) Tab(id string) (*Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	return t, ok
}

// Tabs returns the tabs in creation order.
func (m *Manager) Tabs() []*Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tab, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tabs[id])
	}
	return out
}

// RemoveTab stops a tab's engine if needed, deletes it, and persists.
func (m *Manager) RemoveTab(id string) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no such tab %q", id)
	}
	delete(m.tabs, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.save()
	m.mu.Unlock()

	t.stop()
	return nil
}

// UpdateTab replaces a stopped tab's configuration and persists.
func (m *Manager) UpdateTab(id string, cfg TabConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok {
		return fmt.Errorf("no such tab %q", id)
	}
	t.mu.Lock()
	if t.status.Running {
		t.mu.Unlock()
		return fmt.Errorf("tab %q is running; stop it before editing", id)
	}
	t.cfg = cfg
	t.mu.Unlock()
	m.save()
	return nil
}

// StartTab builds a fresh engine from the tab's configuration and runs it
// in its own goroutine. Bind failures surface synchronously.
func (m *Manager) StartTab(id string) error {
	t, ok := m.Tab(id)
	if !ok {
		return fmt.Errorf("no such tab %q", id)
	}

	t.mu.Lock()
	if t.status.Running {
		t.mu.Unlock()
		return fmt.Errorf("tab %q is already running", id)
	}
	cfg, err := t.cfg.RelayConfig()
	if err != nil {
		t.mu.Unlock()
		return err
	}

	eng := relay.New(cfg)
	eng.SetCallbacks(t.engineCallbacks())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.engine = eng
	t.done = done
	t.status = Status{Running: true, Peers: []string{}}
	t.mu.Unlock()

	startErr := make(chan error, 1)
	go func() {
		defer close(done)
		defer cancel()
		err := eng.Start(ctx)
		t.mu.Lock()
		t.status.Running = false
		t.engine = nil
		t.mu.Unlock()
		select {
		case startErr <- err:
		default:
		}
	}()

	// Give listener binds a chance to fail synchronously; a healthy
	// engine stays in Start until stopped.
	select {
	case err := <-startErr:
		cancel()
		return err
	case <-eng.Started():
		return nil
	}
}

// StopTab requests shutdown of a running tab and waits for teardown.
func (m *Manager) StopTab(id string) error {
	t, ok := m.Tab(id)
	if !ok {
		return fmt.Errorf("no such tab %q", id)
	}
	t.stop()
	return nil
}

// SetDump toggles payload dumping, on the live engine when one exists,
// and persists the new flag either way.
func (m *Manager) SetDump(id string, on bool) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no such tab %q", id)
	}
	t.mu.Lock()
	t.cfg.Dump = on
	eng := t.engine
	t.mu.Unlock()
	m.save()
	m.mu.Unlock()

	if eng != nil {
		eng.SetDump(on)
	}
	return nil
}

// StopAll shuts down every running engine; used on panel exit.
func (m *Manager) StopAll() {
	for _, t := range m.Tabs() {
		t.stop()
	}
}

func (t *Tab) stop() {
	t.mu.Lock()
	eng := t.engine
	done := t.done
	t.mu.Unlock()
	if eng == nil {
		return
	}
	eng.Stop()
	if done != nil {
		<-done
	}
}

// engineCallbacks wires engine notifications into the tab's status mirror
// and bounded event queue. Handlers only update memory and never block,
// as the engine contract requires.
func (t *Tab) engineCallbacks() relay.Callbacks {
	return relay.Callbacks{
		UpstreamStatus: func(connected bool) {
			t.mu.Lock()
			t.status.Upstream = connected
			t.mu.Unlock()
			t.events.push(Event{Kind: "upstream", Connected: connected})
		},
		DownstreamStatus: func(connected bool) {
			t.mu.Lock()
			t.status.Downstream = connected
			t.mu.Unlock()
			t.events.push(Event{Kind: "downstream", Connected: connected})
		},
		ClientCount: func(n int) {
			t.mu.Lock()
			t.status.Clients = n
			t.mu.Unlock()
			t.events.push(Event{Kind: "clients", Count: n})
		},
		ClientList: func(peers []string) {
			t.mu.Lock()
			t.status.Peers = peers
			t.mu.Unlock()
			t.events.push(Event{Kind: "client_list", Peers: peers})
		},
		Log: func(line string) {
			t.events.push(Event{Kind: "log", Line: line})
		},
	}
}
