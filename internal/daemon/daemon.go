package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	tsync "github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// Runner performs one sync run. *sync.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, opts tsync.RunOptions) (*tsync.Result, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is the time between scheduled runs.
	Interval time.Duration

	// Debounce is how long file changes must settle before they trigger a
	// run. Changes seen within Debounce after a run are attributed to that
	// run and ignored.
	Debounce time.Duration

	// WatchPaths are files whose changes trigger a run, typically the
	// local database. Empty disables watching.
	WatchPaths []string

	// Options is passed to every run.
	Options tsync.RunOptions

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 15 * time.Minute,
		Debounce: 2 * time.Second,
		Logger:   log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats describes what the daemon has done so far.
type Stats struct {
	Runs       int
	Failures   int
	Skipped    int
	LastRun    time.Time
	LastResult *tsync.Result
	LastError  error
}

// Daemon runs syncs on a schedule and when watched files change.
type Daemon struct {
	runner Runner
	config *Config

	watcher *FileWatcher
	trigger chan struct{}

	mu         sync.Mutex
	running    bool
	quietUntil time.Time
	stats      Stats

	wg sync.WaitGroup
}

// New creates a Daemon. Use Start() to begin.
func New(runner Runner, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Options.Account == "" {
		return nil, fmt.Errorf("account cannot be empty")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	d := &Daemon{
		runner:  runner,
		config:  config,
		trigger: make(chan struct{}, 1),
	}

	if len(config.WatchPaths) > 0 {
		w, err := NewFileWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start runs once immediately and then on every tick or trigger until ctx
// is cancelled. It blocks.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon for %s (interval %v)", d.config.Options.Account, d.config.Interval)

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.WatchPaths...); err != nil {
			return err
		}
		d.config.Logger.Printf("Watching: %v", d.config.WatchPaths)
		d.wg.Add(1)
		go d.watchFileEvents(ctx)
	}

	d.RunOnce(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Shutdown signal received")
			return d.stop()
		case <-ticker.C:
			d.RunOnce(ctx)
		case <-d.trigger:
			d.RunOnce(ctx)
		}
	}
}

func (d *Daemon) stop() error {
	d.config.Logger.Println("Stopping daemon")
	var err error
	if d.watcher != nil {
		err = d.watcher.Stop()
	}
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return err
}

// Trigger requests a run as soon as the current one (if any) finishes.
// Repeated triggers collapse into one.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// RunOnce performs one run and records its outcome. A run refused because
// another process holds the account lock is counted as skipped.
func (d *Daemon) RunOnce(ctx context.Context) {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	result, err := d.runner.Run(ctx, d.config.Options)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.quietUntil = time.Now().Add(d.config.Debounce)
	d.stats.LastRun = time.Now()

	switch {
	case errors.Is(err, types.ErrAlreadySyncing):
		d.stats.Skipped++
		d.config.Logger.Printf("Skipping run: %v", err)
		return
	case err != nil:
		d.stats.Runs++
		d.stats.Failures++
		d.stats.LastError = err
		d.stats.LastResult = result
		d.config.Logger.Printf("Error: sync run failed: %v", err)
		return
	}

	d.stats.Runs++
	d.stats.LastError = nil
	d.stats.LastResult = result
	if result != nil && result.Report != nil && !result.Report.OK() {
		d.stats.Failures++
		d.config.Logger.Printf("Warning: run %s finished with %d failures", result.Report.RunID, len(result.Report.Failures()))
	}
}

// Stats returns a copy of the counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// watchFileEvents turns settled file changes into triggers.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if d.ownWrite() {
				continue
			}
			d.config.Logger.Printf("File event: %s %s", ev.Op, ev.Path)
			pending = true
			if timer == nil {
				timer = time.NewTimer(d.config.Debounce)
			} else {
				timer.Reset(d.config.Debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if pending && !d.ownWrite() {
				d.Trigger()
			}
			pending = false

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// ownWrite reports whether changes now are likely caused by a run.
func (d *Daemon) ownWrite() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running || time.Now().Before(d.quietUntil)
}
