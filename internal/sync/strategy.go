package sync

import (
	"fmt"
	"time"

	"github.com/mschirtzinger/tasksync/internal/loader"
)

// DefaultWindowDays is the incremental window used when none is configured.
const DefaultWindowDays = 90

// State is the strategy selector state.
type State int

const (
	// Full reads every source completely. It is selected while the local
	// store is empty.
	Full State = iota
	// Incremental reads the task service over a trailing window.
	Incremental
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// Selection is the outcome of the strategy selector for one run.
type Selection struct {
	State  State     `json:"state" yaml:"state"`
	Since  time.Time `json:"since,omitempty" yaml:"since,omitempty"`
	Reason string    `json:"reason" yaml:"reason"`
}

// Request converts the selection into a service load request.
func (s Selection) Request() loader.Request {
	if s.State == Full {
		return loader.Request{Mode: loader.Full}
	}
	return loader.Request{Mode: loader.Incremental, Since: s.Since}
}

// Selector decides between a full and an incremental run.
//
// The state is derived from the local store alone: empty means Full,
// anything else means Incremental. There is no way back to Full except an
// explicit request.
type Selector struct {
	WindowDays int
}

// Select picks the strategy. watermark is the last successful service sync
// (zero if never) and override is an operator-supplied window start (zero
// if none).
func (s Selector) Select(localCount int, forceFull bool, now, watermark, override time.Time) Selection {
	if forceFull {
		return Selection{State: Full, Reason: "full resync requested"}
	}
	if localCount == 0 {
		return Selection{State: Full, Reason: "local store is empty"}
	}

	if !override.IsZero() {
		return Selection{State: Incremental, Since: override.UTC(), Reason: "window set by operator"}
	}

	days := s.WindowDays
	if days <= 0 {
		days = DefaultWindowDays
	}
	since := now.UTC().AddDate(0, 0, -days)
	reason := fmt.Sprintf("trailing window of %d days", days)

	// A run that has not completed for longer than the window widens it so
	// nothing changed in between is missed
	if !watermark.IsZero() && watermark.Before(since) {
		since = watermark.UTC()
		reason = "window widened to the last successful sync"
	}
	return Selection{State: Incremental, Since: since, Reason: reason}
}
