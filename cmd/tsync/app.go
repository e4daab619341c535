package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/tasksync/internal/audit"
	"github.com/mschirtzinger/tasksync/internal/auth"
	"github.com/mschirtzinger/tasksync/internal/gtasks"
	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/resolve"
	tsync "github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/turso/db"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// app holds the collaborators of one command invocation.
type app struct {
	local     *db.DB
	remote    *db.DB
	remoteCfg *types.RemoteDBConfig
	auditLog  *audit.Log
	engine    *tsync.Engine
}

// openLocal opens the local store only.
func openLocal() (*db.DB, error) {
	local, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	return local, nil
}

// openApp wires the engine for account. A remote that cannot be reached is
// handed to the engine as unavailable so the run degrades instead of
// failing; a missing service authorization is an error.
func openApp(ctx context.Context, account string, notifier tsync.Notifier) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	local, err := openLocal()
	if err != nil {
		return nil, err
	}
	a.local = local

	strategy, err := resolve.ByName(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	manager := auth.NewManager(configDir, []string{gtasks.Scope}, logs.Logger("auth"))
	httpClient, err := manager.Client(ctx, account)
	if errors.Is(err, auth.ErrNoToken) {
		return nil, fmt.Errorf("%w; run 'tsync auth --account %s' first", err, account)
	}
	if err != nil {
		return nil, err
	}
	service, err := gtasks.New(ctx, httpClient, gtasks.Options{
		RequestsPerSecond: cfg.Service.RequestsPerSecond,
		Burst:             cfg.Service.Burst,
		Logger:            logs.Logger("gtasks"),
	})
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.Open(cfg.AuditPath(), cfg.Audit.MaxSizeMB)
	if err != nil {
		return nil, err
	}
	a.auditLog = auditLog

	engineCfg := tsync.Config{
		Local:           local,
		Service:         service,
		Strategy:        strategy,
		DefaultTaskList: cfg.DefaultTaskList,
		WindowDays:      cfg.WindowDays,
		Policy:          cfg.RetryPolicy(),
		Audit:           auditLog,
		Locks:           lock.NewManager(cfg.LockDir()),
		Notifier:        notifier,
		Logger:          logs.Logger("sync"),
	}
	engineCfg.Policy.Logger = logs.Logger("retry")

	remoteCfg, err := local.ActiveRemote(ctx)
	if err != nil {
		return nil, err
	}
	if remoteCfg != nil {
		a.remoteCfg = remoteCfg
		remote, err := db.OpenRemote(ctx, remoteCfg.URL, cfg.Remote.AuthToken)
		if err != nil {
			engineCfg.Remote = unavailableStore{err: types.NewSourceError(types.SourceRemote, err)}
		} else {
			a.remote = remote
			engineCfg.Remote = remote
			engineCfg.RemoteSynced = func(ctx context.Context, at time.Time) error {
				return local.TouchRemote(ctx, remoteCfg.ID, at)
			}
		}
	}

	engine, err := tsync.New(engineCfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	ok = true
	return a, nil
}

// Close releases every open resource.
func (a *app) Close() {
	if a.remote != nil {
		_ = a.remote.Close()
	}
	if a.local != nil {
		_ = a.local.Close()
	}
	if a.auditLog != nil {
		_ = a.auditLog.Close()
	}
}

// unavailableStore stands in for a store that could not be opened. Every
// call fails with the open error, which the engine reports as a degraded
// source.
type unavailableStore struct {
	err error
}

var _ types.Store = unavailableStore{}

func (s unavailableStore) LoadAll(context.Context) ([]types.Task, error)        { return nil, s.err }
func (s unavailableStore) UpsertMany(context.Context, []types.Task) error       { return s.err }
func (s unavailableStore) DeleteMany(context.Context, []string) error           { return s.err }
func (s unavailableStore) LinkService(context.Context, map[string]string) error { return s.err }
func (s unavailableStore) LastSyncedAt(context.Context, string) (time.Time, error) {
	return time.Time{}, s.err
}
func (s unavailableStore) SetLastSyncedAt(context.Context, string, time.Time) error { return s.err }
