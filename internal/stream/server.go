// Package stream serves live ledger snapshots over HTTP and WebSocket so
// external dashboards can watch an instrumented process.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callscope/callscope/internal/flow"
	"github.com/callscope/callscope/internal/report"
)

const (
	defaultMaxClients   = 100
	defaultPushInterval = time.Second
	writeTimeout        = 10 * time.Second
	readDeadline        = 60 * time.Second
)

// Options configures the stream server.
type Options struct {
	Bind         string
	Port         int
	MaxClients   int
	PushInterval time.Duration
}

// Server exposes the reporter and flow analyzer over HTTP, and pushes a
// snapshot to every connected WebSocket client on a fixed interval.
type Server struct {
	reporter *report.Reporter
	analyzer *flow.Analyzer
	opts     Options

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer builds a stream server over a reporter; analyzer may be nil.
func NewServer(r *report.Reporter, a *flow.Analyzer, opts Options) *Server {
	if opts.Bind == "" {
		opts.Bind = "127.0.0.1"
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = defaultMaxClients
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = defaultPushInterval
	}

	s := &Server{
		reporter: r,
		analyzer: a,
		opts:     opts,
		clients:  make(map[*websocket.Conn]bool),
		stop:     make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return origin == fmt.Sprintf("http://localhost:%d", opts.Port) ||
				origin == fmt.Sprintf("http://127.0.0.1:%d", opts.Port)
		},
	}
	return s
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/report", s.handleReport)
	mux.HandleFunc("/api/functions", s.handleFunctions)
	mux.HandleFunc("/api/apis", s.handleAPIs)
	mux.HandleFunc("/api/flow", s.handleFlow)
	mux.HandleFunc("/ws", s.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.opts.Bind, s.opts.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding stream server to %s: %w", addr, err)
	}
	s.listener = lis
	s.server = &http.Server{Handler: mux}

	go s.pushLoop()
	go func() {
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("callscope: stream server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes all client connections and shuts the server down.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.clientsMu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"data":   s.reporter.Snapshot(),
	})
}

func (s *Server) handleFunctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"data":   s.reporter.SlowestFunctions(0),
	})
}

func (s *Server) handleAPIs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"data":   s.reporter.SlowestAPIs(0),
	})
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeJSON(w, map[string]any{
			"status": "ok",
			"data":   nil,
		})
		return
	}
	writeJSON(w, map[string]any{
		"status": "ok",
		"data":   s.analyzer.Analyze(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("callscope: encoding stream response: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	count := len(s.clients)
	s.clientsMu.RUnlock()
	if count >= s.opts.MaxClients {
		http.Error(w, "maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("callscope: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	// Keep reading so client disconnects are noticed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("callscope: websocket read error: %v", err)
			}
			return
		}
	}
}

// pushLoop broadcasts a snapshot on the configured interval until Stop.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.broadcastSnapshot()
		}
	}
}

func (s *Server) broadcastSnapshot() {
	s.clientsMu.RLock()
	if len(s.clients) == 0 {
		s.clientsMu.RUnlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.clientsMu.RUnlock()

	msg := map[string]any{
		"type":      "snapshot",
		"timestamp": time.Now(),
		"data":      s.reporter.Snapshot(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("callscope: marshaling snapshot: %v", err)
		return
	}

	var failed []*websocket.Conn
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			failed = append(failed, conn)
		}
	}

	if len(failed) > 0 {
		s.clientsMu.Lock()
		for _, conn := range failed {
			delete(s.clients, conn)
		}
		s.clientsMu.Unlock()
	}
}
