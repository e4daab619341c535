package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/tasksync/internal/audit"
	"github.com/mschirtzinger/tasksync/internal/dedup"
	"github.com/mschirtzinger/tasksync/internal/executor"
	"github.com/mschirtzinger/tasksync/internal/loader"
	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/plan"
	"github.com/mschirtzinger/tasksync/internal/resolve"
	"github.com/mschirtzinger/tasksync/internal/retry"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// Config wires an Engine to its collaborators.
type Config struct {
	// Local is required. Watermarks of every destination are kept there.
	Local types.Store

	// Remote and Service are optional.
	Remote  types.Store
	Service types.Service

	Strategy        resolve.Strategy
	DefaultTaskList string
	WindowDays      int
	Policy          *retry.Policy

	// Audit receives every delete before it is issued. Required.
	Audit audit.Recorder

	// Locks serializes runs per account. Required.
	Locks *lock.Manager

	// RemoteSynced is called after the remote store finished a run without
	// failures, e.g. to stamp its remote_dbs entry.
	RemoteSynced func(ctx context.Context, at time.Time) error

	Notifier Notifier
	Logger   *log.Logger
	Now      func() time.Time
}

// Engine runs syncs.
type Engine struct {
	cfg      Config
	selector Selector
	loader   *loader.Loader
	planner  *plan.Planner
	logger   *log.Logger
}

// New validates cfg and creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Local == nil {
		return nil, errors.New("local store is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("audit log is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = resolve.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		cfg:      cfg,
		selector: Selector{WindowDays: cfg.WindowDays},
		loader:   loader.New(cfg.Policy, logger),
		planner:  plan.NewPlanner(cfg.Strategy, cfg.DefaultTaskList, logger),
		logger:   logger,
	}, nil
}

// RunOptions selects what one run does.
type RunOptions struct {
	Account string

	// DryRun stops after planning.
	DryRun bool

	// PushOnly writes only to the remote store and the service; PullOnly
	// writes only to the local store.
	PushOnly bool
	PullOnly bool

	// ForceFull ignores the incremental window.
	ForceFull bool

	// Since overrides the start of the incremental window.
	Since time.Time
}

// Result is everything a run produced. Plan and Selection are nil/zero when
// the run aborted before planning.
type Result struct {
	Report      *executor.Report `json:"report" yaml:"report"`
	Selection   Selection        `json:"selection" yaml:"selection"`
	Plan        *plan.Plan       `json:"plan,omitempty" yaml:"plan,omitempty"`
	ServiceLoad *loader.Report   `json:"-" yaml:"-"`
}

// OpLoad marks failures of a source load in the report.
const OpLoad plan.OpKind = "load"

// WatermarkTarget is the sync_state key of a destination's watermark.
func WatermarkTarget(dest types.Source, account string) string {
	return string(dest) + ":" + account
}

// Run performs one sync for opts.Account. The returned error is non-nil
// only when the run aborted; per-task failures are in the report.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if opts.Account == "" {
		return nil, errors.New("account is required")
	}
	if opts.PushOnly && opts.PullOnly {
		return nil, errors.New("push-only and pull-only are mutually exclusive")
	}

	lease, err := e.cfg.Locks.TryLock(opts.Account)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	started := e.cfg.Now().UTC()
	report := executor.NewReport(uuid.NewString(), opts.Account, started)
	report.DryRun = opts.DryRun
	result := &Result{Report: report}

	e.notify(Event{Type: EventRunStarted, RunID: report.RunID, Account: opts.Account})
	e.logger.Printf("Starting sync run %s for %s", report.RunID, opts.Account)

	err = e.run(ctx, opts, result)
	report.FinishedAt = e.cfg.Now().UTC()
	if err != nil {
		report.Error = err.Error()
		e.logger.Printf("ERROR: sync run %s aborted: %v", report.RunID, err)
	} else {
		e.logger.Printf("Sync run %s finished in %v: created=%v updated=%v deleted=%v failed=%d",
			report.RunID, report.Duration(), report.Created(), report.Updated(), report.Deleted(), len(report.Failures()))
	}
	e.notify(Event{Type: EventRunComplete, RunID: report.RunID, Account: opts.Account, Report: report, Error: report.Error})
	return result, err
}

func (e *Engine) run(ctx context.Context, opts RunOptions, result *Result) error {
	report := result.Report

	localSnap, err := e.loader.LoadStore(ctx, types.SourceLocal, e.cfg.Local)
	if err != nil {
		return fmt.Errorf("failed to load local store: %w", err)
	}

	watermark, err := e.cfg.Local.LastSyncedAt(ctx, WatermarkTarget(types.SourceService, opts.Account))
	if err != nil {
		return fmt.Errorf("failed to read service watermark: %w", err)
	}
	sel := e.selector.Select(len(localSnap.Tasks), opts.ForceFull, report.StartedAt, watermark, opts.Since)
	result.Selection = sel
	report.Mode = sel.State.String()
	e.logger.Printf("Strategy %s (%s)", sel.State, sel.Reason)

	snaps := map[types.Source]*loader.Snapshot{types.SourceLocal: localSnap}
	var (
		remoteSnap, serviceSnap *loader.Snapshot
		remoteErr, serviceErr   error
		defaultList             string
	)

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Remote != nil {
		g.Go(func() error {
			remoteSnap, remoteErr = e.loader.LoadStore(gctx, types.SourceRemote, e.cfg.Remote)
			return nil
		})
	}
	if e.cfg.Service != nil {
		g.Go(func() error {
			serviceSnap, result.ServiceLoad, serviceErr = e.loader.LoadService(gctx, e.cfg.Service, sel.Request())
			if serviceErr == nil {
				defaultList, serviceErr = e.defaultList(gctx)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("load cancelled: %w", err)
	}

	if remoteErr != nil {
		e.degrade(report, types.SourceRemote, remoteErr)
	} else if remoteSnap != nil {
		snaps[types.SourceRemote] = remoteSnap
	}
	if serviceErr != nil {
		if len(localSnap.Tasks) == 0 {
			return fmt.Errorf("local store is empty and the task service is unavailable: %w", serviceErr)
		}
		e.degrade(report, types.SourceService, serviceErr)
	} else if serviceSnap != nil {
		snaps[types.SourceService] = serviceSnap
		if result.ServiceLoad != nil {
			for _, lf := range result.ServiceLoad.Failures {
				report.For(types.SourceService).Fail("", OpLoad, fmt.Errorf("task list %s: %w", lf.TaskListID, lf.Err))
			}
		}
	}

	deduped := make(map[types.Source]dedup.Result, len(snaps))
	for src, s := range snaps {
		d := dedup.Deduplicate(s.Tasks)
		if len(d.Removed) > 0 {
			e.logger.Printf("Found %d duplicates in %s", len(d.Removed), src)
		}
		deduped[src] = d
	}

	dests := destinations(snaps, opts)
	in := plan.Input{
		Snapshots:    snaps,
		Deduped:      deduped,
		Destinations: dests,
		AllowPurge:   len(report.Degraded) == 0 && !opts.PushOnly && !opts.PullOnly,

		DefaultTaskList: defaultList,
	}
	p, err := e.planner.Build(in)
	if err != nil {
		return fmt.Errorf("failed to plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	result.Plan = p

	if opts.DryRun {
		e.logger.Printf("Dry run: %d changes planned, nothing written", p.Changes())
		for _, dest := range dests {
			report.For(dest).Skipped = true
		}
		return nil
	}

	targets := executor.Targets{Local: e.cfg.Local}
	if _, ok := snaps[types.SourceRemote]; ok {
		targets.Remote = e.cfg.Remote
	}
	if _, ok := snaps[types.SourceService]; ok {
		targets.Service = e.cfg.Service
	}
	exec := executor.New(targets, executor.Config{
		Account: opts.Account,
		Policy:  e.cfg.Policy,
		Audit:   e.cfg.Audit,
		Mark: func(ctx context.Context, dest types.Source, at time.Time) error {
			return e.mark(ctx, opts.Account, dest, at)
		},
		OnPhase: func(dest types.Source, r executor.DestinationReport) {
			e.notify(Event{Type: EventPhaseComplete, RunID: report.RunID, Account: opts.Account, Source: dest, Phase: &r})
		},
		Logger: e.logger,
		Now:    e.cfg.Now,
	})
	exec.Execute(ctx, p, report)
	return nil
}

// defaultList resolves the configured default task list to a native id so
// rows never store an alias the service reports under another name.
func (e *Engine) defaultList(ctx context.Context) (string, error) {
	list := e.planner.DefaultTaskList
	resolver, ok := e.cfg.Service.(types.ListResolver)
	if !ok || !types.IsListAlias(list) {
		return list, nil
	}
	var id string
	res := e.cfg.Policy.Do(ctx, "resolve "+list, func(ctx context.Context) error {
		var err error
		id, err = resolver.ResolveTaskList(ctx, list)
		return err
	})
	if !res.OK() {
		return "", fmt.Errorf("failed to resolve task list %s: %w", list, res.Err)
	}
	return id, nil
}

// destinations returns the sources the run writes to.
func destinations(snaps map[types.Source]*loader.Snapshot, opts RunOptions) []types.Source {
	var out []types.Source
	for _, src := range types.Sources {
		if _, ok := snaps[src]; !ok {
			continue
		}
		switch {
		case opts.PushOnly && src == types.SourceLocal:
			continue
		case opts.PullOnly && src != types.SourceLocal:
			continue
		}
		out = append(out, src)
	}
	return out
}

func (e *Engine) degrade(report *executor.Report, src types.Source, err error) {
	e.logger.Printf("WARNING: %s is unavailable, continuing without it: %v", src, err)
	report.Degraded = append(report.Degraded, src)
	e.notify(Event{Type: EventSourceDegraded, RunID: report.RunID, Account: report.Account, Source: src, Error: err.Error()})
}

func (e *Engine) mark(ctx context.Context, account string, dest types.Source, at time.Time) error {
	if err := e.cfg.Local.SetLastSyncedAt(ctx, WatermarkTarget(dest, account), at); err != nil {
		return fmt.Errorf("failed to store %s watermark: %w", dest, err)
	}
	if dest == types.SourceRemote && e.cfg.RemoteSynced != nil {
		if err := e.cfg.RemoteSynced(ctx, at); err != nil {
			return fmt.Errorf("failed to stamp remote: %w", err)
		}
	}
	return nil
}

func (e *Engine) notify(ev Event) {
	if e.cfg.Notifier == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.cfg.Now().UTC()
	}
	e.cfg.Notifier.Notify(ev)
}

// Status summarizes the persisted sync state of an account.
type Status struct {
	Account    string                     `json:"account" yaml:"account"`
	State      State                      `json:"-" yaml:"-"`
	StateName  string                     `json:"state" yaml:"state"`
	Tasks      int                        `json:"tasks" yaml:"tasks"`
	Watermarks map[types.Source]time.Time `json:"watermarks" yaml:"watermarks"`
}

// Status reports the strategy state and the watermarks of account.
func (e *Engine) Status(ctx context.Context, account string) (*Status, error) {
	return ReadStatus(ctx, e.cfg.Local, account)
}

// ReadStatus reads the status of account from the local store without
// building an engine.
func ReadStatus(ctx context.Context, local types.Store, account string) (*Status, error) {
	tasks, err := local.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load local store: %w", err)
	}
	st := &Status{Account: account, Tasks: len(tasks), Watermarks: make(map[types.Source]time.Time)}
	st.State = Incremental
	if len(tasks) == 0 {
		st.State = Full
	}
	st.StateName = st.State.String()
	for _, dest := range types.Sources {
		at, err := local.LastSyncedAt(ctx, WatermarkTarget(dest, account))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s watermark: %w", dest, err)
		}
		if !at.IsZero() {
			st.Watermarks[dest] = at
		}
	}
	return st, nil
}
