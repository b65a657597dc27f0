// Package feed serves coordinator snapshots over HTTP and streams build
// events to WebSocket clients.
package feed

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"gqlbuild/artifact"
	"gqlbuild/coordinator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Message is one event sent to feed clients.
type Message struct {
	Type       string   `json:"type"` // "snapshot" or "error"
	Kind       string   `json:"kind,omitempty"`
	Generation int64    `json:"generation"`
	BuildID    string   `json:"buildId,omitempty"`
	Elements   int      `json:"elements"`
	Warnings   int      `json:"warnings"`
	Added      []string `json:"added,omitempty"`
	Updated    []string `json:"updated,omitempty"`
	Removed    []string `json:"removed,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func snapshotMessage(kind coordinator.Kind, s *coordinator.Snapshot, d coordinator.SnapshotDiff) Message {
	m := Message{Type: "snapshot", Kind: string(kind)}
	if s != nil {
		m.Generation = s.Generation
		m.BuildID = s.BuildID
		m.Elements = len(s.Elements)
		m.Warnings = len(s.Artifact.Report.Warnings)
	}
	m.Added, m.Updated, m.Removed = d.Added, d.Updated, d.Removed
	return m
}

func eventMessage(ev coordinator.Event) Message {
	m := snapshotMessage(ev.Kind, ev.Snapshot, ev.Diff)
	if ev.Err != nil {
		m.Type = "error"
		m.Error = ev.Err.Error()
	}
	return m
}

// Options configure a Server.
type Options struct {
	// CheckOrigin overrides the upgrader's same-origin check.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server fans coordinator events out to connected clients.
type Server struct {
	coord       *coordinator.Coordinator
	upgrader    websocket.Upgrader
	log         *slog.Logger
	unsubscribe func()

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewServer subscribes to c. Call Close to detach.
func NewServer(c *coordinator.Coordinator, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		coord:    c,
		upgrader: websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		log:      logger,
		clients:  make(map[*client]struct{}),
	}
	s.unsubscribe = c.Subscribe(s.broadcast)
	return s
}

// Handler returns the HTTP routes:
//
//	GET  /api/snapshot  summary of the current snapshot
//	GET  /api/artifact  the current artifact as JSON
//	POST /api/build     run EnsureLatest and return the summary
//	GET  /api/feed      WebSocket stream of Messages
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/artifact", s.handleArtifact)
	mux.HandleFunc("POST /api/build", s.handleBuild)
	mux.HandleFunc("GET /api/feed", s.handleFeed)
	return mux
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Current()
	if snap == nil {
		http.Error(w, "no snapshot yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshotMessage("", snap, coordinator.SnapshotDiff{}))
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Current()
	if snap == nil {
		http.Error(w, "no snapshot yet", http.StatusNotFound)
		return
	}
	data, err := artifact.Encode(snap.Artifact)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.EnsureLatest(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, Message{Type: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshotMessage(coordinator.KindBuild, snap, coordinator.SnapshotDiff{}))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if snap := s.coord.Current(); snap != nil {
		if data, err := json.Marshal(snapshotMessage("", snap, coordinator.SnapshotDiff{})); err == nil {
			c.send <- data
		}
	}
	if !s.add(c) {
		conn.Close()
		return
	}
	s.log.Debug("feed client connected", "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// readLoop discards client messages and returns when the connection ends.
func (s *Server) readLoop(c *client) {
	defer func() {
		s.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast queues ev for every client. A client whose buffer is full is
// disconnected rather than blocking the build.
func (s *Server) broadcast(ev coordinator.Event) {
	data, err := json.Marshal(eventMessage(ev))
	if err != nil {
		s.log.Error("encoding feed message", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.log.Warn("dropping slow feed client")
			delete(s.clients, c)
			close(c.send)
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close detaches from the coordinator and disconnects every client.
func (s *Server) Close() {
	s.unsubscribe()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}
