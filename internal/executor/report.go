package executor

import (
	"sort"
	"time"

	"github.com/mschirtzinger/tasksync/internal/plan"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// Failure is one operation that did not succeed.
type Failure struct {
	TaskID string      `json:"task_id" yaml:"task_id"`
	Op     plan.OpKind `json:"operation" yaml:"operation"`
	Error  string      `json:"error" yaml:"error"`
	Err    error       `json:"-" yaml:"-"`
}

// DestinationReport counts what happened in one destination.
type DestinationReport struct {
	Destination types.Source `json:"destination" yaml:"destination"`
	Created     int          `json:"created" yaml:"created"`
	Updated     int          `json:"updated" yaml:"updated"`
	Deleted     int          `json:"deleted" yaml:"deleted"`
	Purged      int          `json:"purged" yaml:"purged"`
	Failed      []Failure    `json:"failed,omitempty" yaml:"failed,omitempty"`

	// Skipped is true when the phase had nothing to do or was never
	// reached because the run was cancelled.
	Skipped bool `json:"skipped" yaml:"skipped"`

	// Synced is true when the watermark was advanced.
	Synced bool `json:"synced" yaml:"synced"`
}

func (d *DestinationReport) fail(taskID string, op plan.OpKind, err error) {
	d.Failed = append(d.Failed, Failure{TaskID: taskID, Op: op, Error: err.Error(), Err: err})
}

// Fail records a failure that happened outside the executor, such as a task
// list that could not be loaded. The destination's watermark then stays put.
func (d *DestinationReport) Fail(taskID string, op plan.OpKind, err error) {
	d.fail(taskID, op, err)
}

func (d *DestinationReport) count(kind plan.OpKind) {
	switch kind {
	case plan.OpCreate:
		d.Created++
	case plan.OpUpdate:
		d.Updated++
	case plan.OpDelete:
		d.Deleted++
	}
}

// Report is the outcome of one run. It is always produced, even for runs
// that abort, so the summary can show what was done before the failure.
type Report struct {
	RunID      string                              `json:"run_id" yaml:"run_id"`
	Account    string                              `json:"account" yaml:"account"`
	Mode       string                              `json:"mode" yaml:"mode"`
	StartedAt  time.Time                           `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time                           `json:"finished_at" yaml:"finished_at"`
	DryRun     bool                                `json:"dry_run" yaml:"dry_run"`
	Partial    bool                                `json:"partial" yaml:"partial"`
	Degraded   []types.Source                      `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Results    map[types.Source]*DestinationReport `json:"destinations" yaml:"destinations"`
	Error      string                              `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewReport creates an empty report.
func NewReport(runID, account string, started time.Time) *Report {
	return &Report{
		RunID:     runID,
		Account:   account,
		StartedAt: started,
		Results:   make(map[types.Source]*DestinationReport),
	}
}

// For returns the report of a destination, creating it on first use.
func (r *Report) For(dest types.Source) *DestinationReport {
	d, ok := r.Results[dest]
	if !ok {
		d = &DestinationReport{Destination: dest}
		r.Results[dest] = d
	}
	return d
}

// Destinations returns the reported destinations in phase order.
func (r *Report) Destinations() []types.Source {
	var out []types.Source
	for _, src := range types.Sources {
		if _, ok := r.Results[src]; ok {
			out = append(out, src)
		}
	}
	return out
}

// Created returns the number of creates per destination.
func (r *Report) Created() map[types.Source]int {
	return r.tally(func(d *DestinationReport) int { return d.Created })
}

// Updated returns the number of updates per destination.
func (r *Report) Updated() map[types.Source]int {
	return r.tally(func(d *DestinationReport) int { return d.Updated })
}

// Deleted returns the number of deletes per destination.
func (r *Report) Deleted() map[types.Source]int {
	return r.tally(func(d *DestinationReport) int { return d.Deleted })
}

func (r *Report) tally(f func(*DestinationReport) int) map[types.Source]int {
	out := make(map[types.Source]int, len(r.Results))
	for src, d := range r.Results {
		out[src] = f(d)
	}
	return out
}

// Failures returns every failure, ordered by destination then task id.
func (r *Report) Failures() []Failure {
	var out []Failure
	for _, src := range r.Destinations() {
		fs := append([]Failure(nil), r.Results[src].Failed...)
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].TaskID < fs[j].TaskID })
		out = append(out, fs...)
	}
	return out
}

// OK reports whether the run finished without failures, degraded sources
// or cancellation.
func (r *Report) OK() bool {
	return r.Error == "" && !r.Partial && len(r.Degraded) == 0 && len(r.Failures()) == 0
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
