// Package loader pulls task snapshots out of each source.
//
// Relational stores are always read in full. The task service is read either
// in full (every list, every task) or incrementally, where every date
// predicate the service supports is sent in a single request per task list
// instead of one request per predicate.
package loader

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/mschirtzinger/tasksync/internal/retry"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// Mode selects how much of a source is read.
type Mode int

const (
	// Full reads everything the source exposes.
	Full Mode = iota
	// Incremental reads only tasks touched since a point in time.
	Incremental
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// Request describes one load.
type Request struct {
	Mode  Mode
	Since time.Time // used by Incremental only
}

// Snapshot is the normalized task set of one source.
type Snapshot struct {
	Source types.Source
	Tasks  []types.Task

	// Complete is false when the snapshot is windowed or some task lists
	// could not be read; absence of a task is then not evidence of anything.
	Complete bool

	// Since is the window start for incremental snapshots.
	Since time.Time

	// Lists are the task lists seen (service only).
	Lists []types.TaskList

	// FailedLists holds task lists whose tasks could not be read.
	FailedLists map[string]bool

	LoadedAt time.Time
}

// ListFailure records a task list that could not be read.
type ListFailure struct {
	TaskListID string
	Err        error
}

// Report describes what a load did so the caller can decide whether to
// proceed with partial data.
type Report struct {
	Source    types.Source
	Mode      Mode
	TaskLists int
	Calls     int
	Tasks     int
	Overlap   int // tasks returned more than once by combined predicates
	Failures  []ListFailure
	Duration  time.Duration
}

// Partial reports whether some task lists failed.
func (r *Report) Partial() bool {
	return len(r.Failures) > 0
}

// Loader reads snapshots with a retry policy around every call.
type Loader struct {
	policy *retry.Policy
	logger *log.Logger
	now    func() time.Time
}

// New creates a Loader. A nil policy means a single attempt per call; a nil
// logger writes to stderr.
func New(policy *retry.Policy, logger *log.Logger) *Loader {
	if policy == nil {
		policy = &retry.Policy{MaxAttempts: 1}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[loader] ", log.LstdFlags)
	}
	return &Loader{policy: policy, logger: logger, now: time.Now}
}

// LoadStore reads every row of a relational store.
func (l *Loader) LoadStore(ctx context.Context, src types.Source, store types.Store) (*Snapshot, error) {
	var tasks []types.Task
	res := l.policy.Do(ctx, fmt.Sprintf("%s load", src), func(ctx context.Context) error {
		var err error
		tasks, err = store.LoadAll(ctx)
		return err
	})
	if !res.OK() {
		return nil, types.NewSourceError(src, res.Err)
	}

	for i := range tasks {
		tasks[i].Source = src
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	l.logger.Printf("Loaded %d tasks from %s", len(tasks), src)
	return &Snapshot{
		Source:      src,
		Tasks:       tasks,
		Complete:    true,
		FailedLists: map[string]bool{},
		LoadedAt:    l.now(),
	}, nil
}

// LoadService reads the task service. It fails with ErrSourceUnavailable
// only when the task lists themselves cannot be listed; per-list failures
// go into the report.
func (l *Loader) LoadService(ctx context.Context, svc types.Service, req Request) (*Snapshot, *Report, error) {
	start := l.now()
	report := &Report{Source: types.SourceService, Mode: req.Mode}

	var lists []types.TaskList
	report.Calls++
	res := l.policy.Do(ctx, "list task lists", func(ctx context.Context) error {
		var err error
		lists, err = svc.ListTaskLists(ctx)
		return err
	})
	if !res.OK() {
		return nil, report, types.NewSourceError(types.SourceService, res.Err)
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].ID < lists[j].ID })
	report.TaskLists = len(lists)

	filter := types.Filter{}
	if req.Mode == Incremental {
		filter = combinedFilter(svc.SupportedFilters(), req.Since)
	}

	snap := &Snapshot{
		Source:      types.SourceService,
		Complete:    req.Mode == Full,
		Lists:       lists,
		FailedLists: make(map[string]bool),
	}
	if req.Mode == Incremental {
		snap.Since = req.Since
	}

	for _, list := range lists {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		var tasks []types.Task
		report.Calls++
		res := l.policy.Do(ctx, "list tasks "+list.ID, func(ctx context.Context) error {
			var err error
			tasks, err = svc.ListTasks(ctx, list.ID, filter)
			return err
		})
		if !res.OK() {
			l.logger.Printf("WARNING: failed to load task list %s: %v", list.ID, res.Err)
			report.Failures = append(report.Failures, ListFailure{TaskListID: list.ID, Err: res.Err})
			snap.FailedLists[list.ID] = true
			snap.Complete = false
			continue
		}

		unique, overlap := uniqueByID(tasks)
		report.Overlap += overlap
		for _, t := range unique {
			t.Source = types.SourceService
			if t.TaskListID == "" {
				t.TaskListID = list.ID
			}
			if req.Mode == Incremental && filter.IsZero() && t.ModifiedAt.Before(req.Since) {
				// The service supports no predicate; window client-side
				continue
			}
			snap.Tasks = append(snap.Tasks, t)
		}
	}

	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	snap.LoadedAt = l.now()
	report.Tasks = len(snap.Tasks)
	report.Duration = snap.LoadedAt.Sub(start)

	l.logger.Printf("Loaded %d tasks from %d task lists (%s, %d calls, %d failed lists)",
		report.Tasks, report.TaskLists, req.Mode, report.Calls, len(report.Failures))
	return snap, report, nil
}

// combinedFilter sets every supported predicate to since so one request
// covers completed-since, due-since and updated-since at once.
func combinedFilter(support types.FilterSupport, since time.Time) types.Filter {
	var f types.Filter
	if support.CompletedMin {
		s := since
		f.CompletedMin = &s
	}
	if support.DueMin {
		s := since
		f.DueMin = &s
	}
	if support.UpdatedMin {
		s := since
		f.UpdatedMin = &s
	}
	return f
}

// uniqueByID drops repeated native ids, keeping the newest copy.
func uniqueByID(tasks []types.Task) ([]types.Task, int) {
	seen := make(map[string]int, len(tasks))
	out := make([]types.Task, 0, len(tasks))
	overlap := 0
	for _, t := range tasks {
		if i, ok := seen[t.ID]; ok {
			overlap++
			if t.ModifiedAt.After(out[i].ModifiedAt) {
				out[i] = t
			}
			continue
		}
		seen[t.ID] = len(out)
		out = append(out, t)
	}
	return out, overlap
}
