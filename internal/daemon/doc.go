// Package daemon keeps an account in sync in the background.
//
// # Overview
//
// The daemon runs one sync at start, then one per Interval, and one after
// every settled change to the watched files. Runs never overlap within a
// process; across processes the account lock held by the engine refuses a
// second run, which the daemon counts as skipped.
//
// # Usage
//
//	d, err := daemon.New(engine, &daemon.Config{
//	    Interval:   15 * time.Minute,
//	    Debounce:   2 * time.Second,
//	    WatchPaths: []string{cfg.DatabasePath()},
//	    Options:    sync.RunOptions{Account: account},
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
//
// # File Watching
//
// Writes to a watched file are debounced: a run is triggered once no event
// has arrived for Debounce. A run writes the local database itself, so
// events during a run and for Debounce after it are ignored.
//
// # Error Handling
//
// A failed or partial run is logged and counted in Stats; the daemon keeps
// going. Only a watcher that cannot start makes Start return an error.
package daemon
