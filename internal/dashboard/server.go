// Package dashboard broadcasts sync run events to WebSocket clients.
//
// Every event of a run (start, degraded source, finished phase, finished
// run) is pushed to connected clients as JSON, so a browser or script can
// follow the daemon live.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names the payload carried by a Message.
type MessageType string

const (
	MessageTypeRunStarted     MessageType = "run_started"
	MessageTypeSourceDegraded MessageType = "source_degraded"
	MessageTypePhaseComplete  MessageType = "phase_complete"
	MessageTypeRunComplete    MessageType = "run_complete"

	// MessageTypeStats carries the running totals. It is also the welcome
	// message of a new client.
	MessageTypeStats MessageType = "stats"
)

// Message is one JSON frame sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	queueSize    = 100
	writeTimeout = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	// Port 0 picks a free port.
	Port int

	// Host defaults to every interface.
	Host string

	// Welcome builds the first message of each client. Nil sends an empty
	// stats message.
	Welcome func() Message

	Logger *log.Logger
}

// Server fans messages out to every connected WebSocket client.
type Server struct {
	addr     string
	listener net.Listener
	http     *http.Server

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	queue   chan Message
	welcome func() Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a Server. A nil config listens on port 8080.
func NewServer(config *Config) *Server {
	cfg := Config{Port: 8080}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Welcome == nil {
		cfg.Welcome = func() Message { return Message{Type: MessageTypeStats} }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		clients: make(map[*websocket.Conn]struct{}),
		queue:   make(chan Message, queueSize),
		welcome: cfg.Welcome,
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.Logger,
	}
}

// Start listens and serves /ws, /health, /status and an index page. It
// returns once the listener is open.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/", s.handleIndex)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("WARNING: dashboard stopped serving: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	conns := s.snapshotLocked()
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "dashboard stopping")
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if serr := s.http.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}
	s.wg.Wait()
	s.logger.Printf("Dashboard stopped")
	return err
}

// Broadcast queues msg for every client. It never blocks; a full queue
// drops the message.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("WARNING: dashboard queue full, dropping %s", msg.Type)
	}
}

func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			data, err := encode(msg)
			if err != nil {
				s.logger.Printf("WARNING: %v", err)
				continue
			}
			s.mu.RLock()
			conns := s.snapshotLocked()
			s.mu.RUnlock()
			for _, conn := range conns {
				if err := s.send(conn, data); err != nil {
					s.logger.Printf("Dropping client: %v", err)
					s.drop(conn)
				}
			}
		}
	}
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

func (s *Server) send(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) snapshotLocked() []*websocket.Conn {
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	return conns
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WARNING: rejected WebSocket client: %v", err)
		return
	}

	// Registered only after the welcome, so the welcome is always the
	// client's first frame.
	if data, err := encode(s.welcome()); err == nil {
		_ = s.send(conn, data)
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client joined, %d connected", n)

	go func() {
		defer s.drop(conn)
		// Clients never send anything; Read returns when they leave.
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	n := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client left, %d connected", n)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ok": true, "clients": s.ClientCount()})
}

// handleStatus serves the welcome message over plain HTTP.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.welcome())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "tsync dashboard\n\nevents:  ws://%[1]s/ws\nstatus:  http://%[1]s/status\nhealth:  http://%[1]s/health\n", r.Host)
}

// GetAddr returns the listening address, or the configured one before
// Start.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
