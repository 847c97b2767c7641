package panel

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tanaka-ryuya/tcprelay/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the tab manager over HTTP: a JSON API for tab CRUD and
// lifecycle, plus a per-tab websocket that streams engine events.
type Server struct {
	mgr      *Manager
	listener net.Listener
}

// NewServer creates a server over the given manager.
func NewServer(mgr *Manager) *Server {
	return &Server{mgr: mgr}
}

// Start begins serving on addr. It returns once the listener is bound.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/tabs", s.handleTabs)
	mux.HandleFunc("/api/tabs/", s.handleTab)
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close shuts down the listener, preventing new connections.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// tabView is the API projection of one tab.
type tabView struct {
	ID     string    `json:"id"`
	Config TabConfig `json:"config"`
	Status Status    `json:"status"`
}

func viewOf(t *Tab) tabView {
	return tabView{ID: t.ID, Config: t.Config(), Status: t.CurrentStatus()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleTabs serves the collection: GET lists, POST creates.
func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tabs := s.mgr.Tabs()
		views := make([]tabView, 0, len(tabs))
		for _, t := range tabs {
			views = append(views, viewOf(t))
		}
		writeJSON(w, http.StatusOK, views)

	case http.MethodPost:
		var cfg TabConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		t := s.mgr.AddTab(cfg)
		writeJSON(w, http.StatusCreated, viewOf(t))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTab serves one tab: PUT updates config, DELETE removes, and the
// /start, /stop, /dump suffixes drive the engine lifecycle.
func (s *Server) handleTab(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tabs/")
	id, action, _ := strings.Cut(rest, "/")

	t, ok := s.mgr.Tab(id)
	if !ok {
		http.Error(w, "no such tab", http.StatusNotFound)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, viewOf(t))

	case action == "" && r.Method == http.MethodPut:
		var cfg TabConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.mgr.UpdateTab(id, cfg); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(t))

	case action == "" && r.Method == http.MethodDelete:
		if err := s.mgr.RemoveTab(id); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "start" && r.Method == http.MethodPost:
		if err := s.mgr.StartTab(id); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(t))

	case action == "stop" && r.Method == http.MethodPost:
		if err := s.mgr.StopTab(id); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(t))

	case action == "dump" && r.Method == http.MethodPost:
		var body struct {
			Dump bool `json:"dump"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.mgr.SetDump(id, body.Dump); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(t))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWS upgrades to a websocket and drains the tab's event queue into
// it. Writes are serialized by a mutex; a reader goroutine only watches
// for the browser going away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	t, ok := s.mgr.Tab(r.URL.Query().Get("tab"))
	if !ok {
		http.Error(w, "no such tab", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var wsMu sync.Mutex
	send := func(ev Event) error {
		wsMu.Lock()
		defer wsMu.Unlock()
		return conn.WriteJSON(ev)
	}

	// Seed the stream with the current snapshot so a late subscriber is
	// not stuck on stale widgets.
	st := t.CurrentStatus()
	_ = send(Event{Kind: "upstream", Connected: st.Upstream})
	_ = send(Event{Kind: "downstream", Connected: st.Downstream})
	_ = send(Event{Kind: "clients", Count: st.Clients})
	_ = send(Event{Kind: "client_list", Peers: st.Peers})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-t.Events():
			if err := send(ev); err != nil {
				util.LogDebug("panel ws write failed: %v", err)
				return
			}
		case <-closed:
			return
		}
	}
}
