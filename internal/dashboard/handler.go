package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/executor"
	tsync "github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// StatsData contains the running totals since the dashboard started.
type StatsData struct {
	Runs       int              `json:"runs"`
	Failed     int              `json:"failed_runs"`
	Running    bool             `json:"running"`
	Degraded   []types.Source   `json:"degraded,omitempty"`
	LastRunID  string           `json:"last_run_id,omitempty"`
	LastReport *executor.Report `json:"last_report,omitempty"`
}

// Handler turns sync events into dashboard messages. It implements
// sync.Notifier.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ tsync.Notifier = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server.
// The server may be nil until SetServer is called.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// SetServer attaches the server that receives broadcasts.
func (h *Handler) SetServer(server *Server) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.server = server
}

// Notify implements sync.Notifier.
func (h *Handler) Notify(ev tsync.Event) {
	h.mu.Lock()
	broadcastStats := false
	switch ev.Type {
	case tsync.EventRunStarted:
		h.stats.Running = true
		h.stats.Degraded = nil
		h.stats.LastRunID = ev.RunID
	case tsync.EventSourceDegraded:
		h.stats.Degraded = append(h.stats.Degraded, ev.Source)
		h.logger.Printf("Source degraded: %s (%s)", ev.Source, ev.Error)
	case tsync.EventRunComplete:
		h.stats.Running = false
		h.stats.Runs++
		if ev.Error != "" || (ev.Report != nil && !ev.Report.OK()) {
			h.stats.Failed++
		}
		h.stats.LastReport = ev.Report
		broadcastStats = true
	}
	server := h.server
	h.mu.Unlock()

	if server == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal event: %v", err)
		return
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	server.Broadcast(Message{Type: MessageType(ev.Type), Timestamp: ts, Data: data})
	if broadcastStats {
		server.Broadcast(h.StatsMessage())
	}
}

// Stats returns a copy of the running totals.
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stats
	st.Degraded = append([]types.Source(nil), h.stats.Degraded...)
	return st
}

// StatsMessage wraps the totals in a stats message. It is the welcome
// message of the server.
func (h *Handler) StatsMessage() Message {
	data, err := json.Marshal(h.Stats())
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		data = nil
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}
