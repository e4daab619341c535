package sync

import (
	"time"

	"github.com/mschirtzinger/tasksync/internal/executor"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// EventType names a run event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventSourceDegraded EventType = "source_degraded"
	EventPhaseComplete  EventType = "phase_complete"
	EventRunComplete    EventType = "run_complete"
)

// Event is emitted at run boundaries. The daemon logs them and the
// dashboard broadcasts them.
type Event struct {
	Type    EventType                   `json:"type"`
	RunID   string                      `json:"run_id"`
	Account string                      `json:"account"`
	Time    time.Time                   `json:"time"`
	Source  types.Source                `json:"source,omitempty"`
	Phase   *executor.DestinationReport `json:"phase,omitempty"`
	Report  *executor.Report            `json:"report,omitempty"`
	Error   string                      `json:"error,omitempty"`
}

// Notifier receives run events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(e Event) {
	f(e)
}

// Notifiers fans an event out to several notifiers.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(e Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(e)
		}
	}
}
