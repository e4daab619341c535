// Package executor applies a sync plan to its destinations.
//
// Phases run in a fixed order: local, remote, then the task service, which
// is least recoverable. Relational phases are one bulk upsert plus one bulk
// delete per destination. Service operations are issued one by one, grouped
// by task list, each wrapped in the retry policy. A failed operation is
// recorded and the rest of the plan continues. Every delete is written to
// the audit log before the destination is called.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/mschirtzinger/tasksync/internal/audit"
	"github.com/mschirtzinger/tasksync/internal/plan"
	"github.com/mschirtzinger/tasksync/internal/retry"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// Targets are the destination adapters. Nil entries are never written.
type Targets struct {
	Local   types.Store
	Remote  types.Store
	Service types.Service
}

func (t Targets) store(dest types.Source) types.Store {
	switch dest {
	case types.SourceLocal:
		return t.Local
	case types.SourceRemote:
		return t.Remote
	}
	return nil
}

// MarkFunc advances the watermark of a destination that finished without
// failures.
type MarkFunc func(ctx context.Context, dest types.Source, at time.Time) error

// PhaseFunc observes each finished phase.
type PhaseFunc func(dest types.Source, r DestinationReport)

// Config configures an Executor.
type Config struct {
	Account string
	Policy  *retry.Policy
	Audit   audit.Recorder
	Mark    MarkFunc
	OnPhase PhaseFunc
	Logger  *log.Logger
	Now     func() time.Time
}

// Executor applies plans.
type Executor struct {
	targets Targets
	cfg     Config
	logger  *log.Logger
}

// New creates an Executor. An audit recorder is required because deletes
// are refused without one.
func New(targets Targets, cfg Config) *Executor {
	if cfg.Policy == nil {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[executor] ", log.LstdFlags)
	}
	return &Executor{targets: targets, cfg: cfg, logger: logger}
}

// errNoAudit refuses deletes that could not be logged first.
var errNoAudit = errors.New("no audit log configured")

// Execute applies p and fills report. Cancellation is honoured between
// phases; completed phases stay committed and the report is marked partial.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, report *Report) {
	serviceDeleted := make(map[string]bool)
	reached := make(map[types.Source]bool)

	for _, dest := range types.Sources {
		dp := p.For(dest)
		if dp == nil {
			continue
		}
		dr := report.For(dest)

		if err := ctx.Err(); err != nil {
			e.logger.Printf("WARNING: run cancelled before %s phase: %v", dest, err)
			report.Partial = true
			dr.Skipped = true
			continue
		}
		reached[dest] = true

		if dp.Empty() {
			e.logger.Printf("Skipping %s phase: no changes", dest)
			dr.Skipped = !purgesTouch(p, dest)
			e.phaseDone(dest, dr)
			continue
		}

		switch {
		case dest.IsRelational():
			store := e.targets.store(dest)
			if store == nil {
				dr.fail("", "", fmt.Errorf("no %s store configured", dest))
				break
			}
			e.applyRelational(ctx, dest, store, dp, report.RunID, dr)
		case dest == types.SourceService:
			links := e.applyService(ctx, dp, report.RunID, dr, serviceDeleted)
			e.link(ctx, links, report)
		}
		e.phaseDone(dest, dr)
	}

	if len(p.Purges) > 0 && ctx.Err() == nil {
		e.purge(ctx, p, report, serviceDeleted)
	}

	at := report.StartedAt
	if at.IsZero() {
		at = e.cfg.Now()
	}
	for _, dest := range types.Sources {
		if !reached[dest] {
			continue
		}
		dr := report.For(dest)
		if len(dr.Failed) > 0 || e.cfg.Mark == nil {
			continue
		}
		if err := e.cfg.Mark(ctx, dest, at); err != nil {
			e.logger.Printf("WARNING: failed to advance %s watermark: %v", dest, err)
			continue
		}
		dr.Synced = true
	}
}

func (e *Executor) phaseDone(dest types.Source, dr *DestinationReport) {
	e.logger.Printf("%s phase: %d created, %d updated, %d deleted, %d failed",
		dest, dr.Created, dr.Updated, dr.Deleted, len(dr.Failed))
	if e.cfg.OnPhase != nil {
		e.cfg.OnPhase(dest, *dr)
	}
}

// recordDelete writes the audit entry of a delete. Deletes whose entry
// cannot be written are not executed.
func (e *Executor) recordDelete(runID string, dest types.Source, op plan.Operation) error {
	if e.cfg.Audit == nil {
		return errNoAudit
	}
	entry := audit.Entry{
		RunID:       runID,
		Time:        e.cfg.Now().UTC(),
		Account:     e.cfg.Account,
		Destination: dest,
		TaskID:      op.TargetID,
		CanonicalID: op.CanonicalID,
		TaskListID:  op.TaskListID,
		Reason:      op.Reason,
		Hard:        op.Hard,
		Task:        op.Task,
	}
	if err := e.cfg.Audit.Record(entry); err != nil {
		return fmt.Errorf("failed to audit delete of %s: %w", op.CanonicalID, err)
	}
	return nil
}

func (e *Executor) applyRelational(ctx context.Context, dest types.Source, store types.Store, dp *plan.DestinationPlan, runID string, dr *DestinationReport) {
	now := e.cfg.Now()

	var (
		upserts   []types.Task
		upsertOps []plan.Operation
		hardIDs   []string
		hardOps   []plan.Operation
	)
	for _, op := range dp.Operations {
		if op.Kind == plan.OpDelete {
			if err := e.recordDelete(runID, dest, op); err != nil {
				e.logger.Printf("WARNING: skipping delete of %s in %s: %v", op.CanonicalID, dest, err)
				dr.fail(op.CanonicalID, op.Kind, err)
				continue
			}
		}
		if op.Kind == plan.OpDelete && op.Hard {
			hardIDs = append(hardIDs, op.TargetID)
			hardOps = append(hardOps, op)
			continue
		}
		row := op.Task.Clone()
		row.SetDefaults(now)
		upserts = append(upserts, row)
		upsertOps = append(upsertOps, op)
	}

	if len(upserts) > 0 {
		res := e.cfg.Policy.Do(ctx, fmt.Sprintf("%s upsert", dest), func(ctx context.Context) error {
			return store.UpsertMany(ctx, upserts)
		})
		e.settle(res, upsertOps, dr)
	}
	if len(hardIDs) > 0 {
		res := e.cfg.Policy.Do(ctx, fmt.Sprintf("%s delete", dest), func(ctx context.Context) error {
			return store.DeleteMany(ctx, hardIDs)
		})
		e.settle(res, hardOps, dr)
	}
}

// settle books the outcome of a bulk call against every operation in it.
func (e *Executor) settle(res retry.Result, ops []plan.Operation, dr *DestinationReport) {
	if res.OK() {
		for _, op := range ops {
			dr.count(op.Kind)
		}
		return
	}
	e.logger.Printf("WARNING: %s bulk write of %d operations %s: %v", dr.Destination, len(ops), res.Outcome, res.Err)
	for _, op := range ops {
		dr.fail(op.CanonicalID, op.Kind, &types.OperationError{Op: string(op.Kind), TaskID: op.CanonicalID, Err: res.Err})
	}
}

// applyService issues service operations list by list and returns the
// native ids of created tasks keyed by canonical id.
func (e *Executor) applyService(ctx context.Context, dp *plan.DestinationPlan, runID string, dr *DestinationReport, deleted map[string]bool) map[string]string {
	links := make(map[string]string)
	svc := e.targets.Service
	if svc == nil {
		for _, op := range dp.Operations {
			dr.fail(op.CanonicalID, op.Kind, errors.New("no task service configured"))
		}
		return links
	}

	byList := make(map[string][]plan.Operation)
	for _, op := range dp.Operations {
		byList[op.TaskListID] = append(byList[op.TaskListID], op)
	}
	lists := make([]string, 0, len(byList))
	for l := range byList {
		lists = append(lists, l)
	}
	sort.Strings(lists)

	for _, list := range lists {
		for _, op := range byList[list] {
			switch op.Kind {
			case plan.OpCreate:
				created, err := e.create(ctx, svc, list, op)
				if err != nil {
					dr.fail(op.CanonicalID, op.Kind, err)
					continue
				}
				links[op.CanonicalID] = created.ID
				dr.Created++

			case plan.OpUpdate:
				task := op.Task.Clone()
				task.ID = op.TargetID
				res := e.cfg.Policy.Do(ctx, "update "+op.CanonicalID, func(ctx context.Context) error {
					_, err := svc.UpdateTask(ctx, list, task)
					return err
				})
				if !res.OK() && errors.Is(res.Err, types.ErrNotFound) {
					// The service copy is gone; recreate it instead of losing the task
					e.logger.Printf("WARNING: service task %s of %s vanished, recreating", op.TargetID, op.CanonicalID)
					created, err := e.create(ctx, svc, list, op)
					if err != nil {
						dr.fail(op.CanonicalID, op.Kind, err)
						continue
					}
					links[op.CanonicalID] = created.ID
					dr.Created++
					continue
				}
				if !res.OK() {
					dr.fail(op.CanonicalID, op.Kind, opError(op, res))
					continue
				}
				dr.Updated++

			case plan.OpDelete:
				if err := e.recordDelete(runID, types.SourceService, op); err != nil {
					e.logger.Printf("WARNING: skipping delete of %s in service: %v", op.CanonicalID, err)
					dr.fail(op.CanonicalID, op.Kind, err)
					continue
				}
				res := e.cfg.Policy.Do(ctx, "delete "+op.CanonicalID, func(ctx context.Context) error {
					return svc.DeleteTask(ctx, list, op.TargetID)
				})
				if !res.OK() && !errors.Is(res.Err, types.ErrNotFound) {
					dr.fail(op.CanonicalID, op.Kind, opError(op, res))
					continue
				}
				deleted[op.CanonicalID] = true
				dr.Deleted++
			}
		}
	}
	return links
}

func (e *Executor) create(ctx context.Context, svc types.Service, list string, op plan.Operation) (types.Task, error) {
	task := op.Task.Clone()
	task.ID = ""
	var created types.Task
	res := e.cfg.Policy.Do(ctx, "create "+op.CanonicalID, func(ctx context.Context) error {
		var err error
		created, err = svc.CreateTask(ctx, list, task)
		return err
	})
	if !res.OK() {
		return types.Task{}, opError(op, res)
	}
	return created, nil
}

func opError(op plan.Operation, res retry.Result) error {
	return &types.OperationError{Op: string(op.Kind), TaskID: op.CanonicalID, Err: res.Err}
}

// link records new service ids on every relational store, in or out of
// scope, so the next run matches the copies by id.
func (e *Executor) link(ctx context.Context, links map[string]string, report *Report) {
	if len(links) == 0 {
		return
	}
	for _, dest := range []types.Source{types.SourceLocal, types.SourceRemote} {
		store := e.targets.store(dest)
		if store == nil {
			continue
		}
		res := e.cfg.Policy.Do(ctx, fmt.Sprintf("%s link", dest), func(ctx context.Context) error {
			return store.LinkService(ctx, links)
		})
		if !res.OK() {
			e.logger.Printf("WARNING: failed to record %d service links in %s: %v", len(links), dest, res.Err)
			if _, inScope := report.Results[dest]; inScope {
				report.For(dest).fail("", "link", res.Err)
			}
		}
	}
}

// purge removes tombstones whose delete has been confirmed everywhere.
func (e *Executor) purge(ctx context.Context, p *plan.Plan, report *Report, serviceDeleted map[string]bool) {
	ids := make(map[types.Source][]string)
	ops := make(map[types.Source][]plan.Operation)

	for _, pg := range p.Purges {
		if pg.AwaitService && !serviceDeleted[pg.CanonicalID] {
			continue
		}
		if e.failedAnywhere(report, pg.CanonicalID) {
			continue
		}
		for dest, id := range pg.Rows {
			if !p.InScope(dest) || e.targets.store(dest) == nil {
				continue
			}
			op := plan.Operation{Kind: plan.OpDelete, CanonicalID: pg.CanonicalID, TargetID: id, Reason: "purge", Hard: true}
			if err := e.recordDelete(report.RunID, dest, op); err != nil {
				e.logger.Printf("WARNING: keeping tombstone %s in %s: %v", pg.CanonicalID, dest, err)
				continue
			}
			ids[dest] = append(ids[dest], id)
			ops[dest] = append(ops[dest], op)
		}
	}

	for _, dest := range []types.Source{types.SourceLocal, types.SourceRemote} {
		if len(ids[dest]) == 0 {
			continue
		}
		store := e.targets.store(dest)
		batch := ids[dest]
		res := e.cfg.Policy.Do(ctx, fmt.Sprintf("%s purge", dest), func(ctx context.Context) error {
			return store.DeleteMany(ctx, batch)
		})
		dr := report.For(dest)
		if !res.OK() {
			// Tombstones stay and are purged by a later run
			e.logger.Printf("WARNING: failed to purge %d tombstones from %s: %v", len(batch), dest, res.Err)
			continue
		}
		dr.Purged += len(batch)
	}
}

func purgesTouch(p *plan.Plan, dest types.Source) bool {
	for _, pg := range p.Purges {
		if _, ok := pg.Rows[dest]; ok {
			return true
		}
	}
	return false
}

func (e *Executor) failedAnywhere(report *Report, canonicalID string) bool {
	for _, dr := range report.Results {
		for _, f := range dr.Failed {
			if f.TaskID == canonicalID {
				return true
			}
		}
	}
	return false
}
