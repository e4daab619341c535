// Package sync runs one reconciliation of the local store, the optional
// remote store and the task service for an account.
//
// Overview
//
// A run is a fixed sequence of phases that never overlap:
//
//	lock ─→ load ─→ dedup ─→ resolve/plan ─→ execute ─→ watermarks
//	         │
//	         ├── local   (required, read first to pick the strategy)
//	         ├── remote  (optional, loaded concurrently)
//	         └── service (optional, loaded concurrently)
//
// The strategy selector picks Full while the local store is empty and
// Incremental afterwards; an incremental run reads the task service over a
// trailing window with one combined-filter request per task list.
//
// Usage
//
//	engine, err := sync.New(sync.Config{
//	    Local:   localDB,
//	    Remote:  remoteDB, // may be nil
//	    Service: tasksService,
//	    Audit:   auditLog,
//	    Locks:   lock.NewManager(dataDir),
//	})
//	if err != nil {
//	    return err
//	}
//
//	result, err := engine.Run(ctx, sync.RunOptions{Account: "me@example.com"})
//	if err != nil {
//	    // aborted: local store unreachable, plan inconsistent, already syncing
//	}
//	fmt.Println(result.Report.Created())
//
// Error Handling
//
// Per-task failures are collected in the run report and never abort the
// run. An unreachable remote store or task service is reported as degraded
// and left out of the run. An unreachable local store, a local store that
// is empty while the service is unreachable, and an inconsistent plan abort
// the run before anything is written.
//
// Concurrency
//
// Runs of one account are serialized through a lock.Manager; a second run
// fails with types.ErrAlreadySyncing instead of waiting. Different accounts
// may run concurrently on the same Engine.
package sync
