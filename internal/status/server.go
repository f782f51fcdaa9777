// Package status exposes the engine's live state on a local HTTP
// server: a JSON report endpoint, Prometheus metrics, and a WebSocket
// event stream the UI subscribes to for push updates.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chairworks/fieldsync/internal/engine"
	"github.com/chairworks/fieldsync/internal/logging"
)

// EventType identifies an engine event pushed over the stream.
type EventType string

const (
	EventSyncStarted  EventType = "sync_started"
	EventSyncFinished EventType = "sync_finished"
	EventConflict     EventType = "conflict_detected"
)

// Event is one WebSocket stream message.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server serves the status endpoints and fans engine events out to
// connected WebSocket clients. It implements engine.Notifier.
type Server struct {
	addr     string
	engine   *engine.Engine
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a status server for the given engine.
func NewServer(port int, eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", port),
		engine:    eng,
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the listener and begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("status server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down, closing client connections first.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// SyncStarted implements engine.Notifier.
func (s *Server) SyncStarted() {
	s.publish(Event{Type: EventSyncStarted})
}

// SyncFinished implements engine.Notifier.
func (s *Server) SyncFinished(synced, failed int) {
	data, _ := json.Marshal(map[string]int{"synced": synced, "failed": failed})
	s.publish(Event{Type: EventSyncFinished, Data: data})
}

// ConflictDetected implements engine.Notifier.
func (s *Server) ConflictDetected(conflictID string) {
	data, _ := json.Marshal(map[string]string{"conflict_id": conflictID})
	s.publish(Event{Type: EventConflict, Data: data})
}

// publish queues an event without blocking the engine; a full queue
// drops the event rather than stalling a sync pass.
func (s *Server) publish(ev Event) {
	select {
	case s.broadcast <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("event stream full, dropping event", "type", ev.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.broadcast:
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("stream client connected", "clients", count)

	go s.readLoop(conn)
}

// readLoop drains client frames so pings are answered and disconnects
// are noticed; inbound payloads are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("stream client disconnected", "clients", count)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Report(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
