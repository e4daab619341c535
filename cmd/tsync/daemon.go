package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/daemon"
	"github.com/mschirtzinger/tasksync/internal/dashboard"
	tsync "github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep syncing in the background",
	Long: `Run a sync now, then every daemon.interval and whenever another process
writes to the local database.

With --dashboard-port the run events are also broadcast over WebSocket
(see 'tsync dashboard').

Examples:
  tsync daemon                          # default interval (15m)
  tsync daemon --interval 5m
  tsync daemon --dashboard-port 8080`,
	Run: func(cmd *cobra.Command, args []string) {
		account := requireAccount()
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = cfg.Daemon.Interval
		}
		port, _ := cmd.Flags().GetInt("dashboard-port")

		runDaemon(account, interval, port)
	},
}

// runDaemon runs the background worker until interrupted. A positive port
// also serves the dashboard.
func runDaemon(account string, interval time.Duration, port int) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logs.Logger("daemon")
	notifiers := tsync.Notifiers{tsync.NotifierFunc(func(ev tsync.Event) {
		switch ev.Type {
		case tsync.EventSourceDegraded:
			logger.Printf("WARNING: %s degraded in run %s: %s", ev.Source, ev.RunID, ev.Error)
		case tsync.EventRunComplete:
			if ev.Report != nil {
				logger.Printf("Run %s complete: created=%v updated=%v deleted=%v failed=%d",
					ev.RunID, ev.Report.Created(), ev.Report.Updated(), ev.Report.Deleted(), len(ev.Report.Failures()))
			}
		}
	})}

	var server *dashboard.Server
	if port > 0 {
		handler := dashboard.NewHandler(nil, logs.Logger("dashboard"))
		server = dashboard.NewServer(&dashboard.Config{
			Port:    port,
			Welcome: handler.StatsMessage,
			Logger:  logs.Logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}
		handler.SetServer(server)
		notifiers = append(notifiers, handler)
		fmt.Printf("Dashboard: ws://%s/ws\n", server.GetAddr())
	}

	a, err := openApp(ctx, account, notifiers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	d, err := daemon.New(a.engine, &daemon.Config{
		Interval:   interval,
		Debounce:   cfg.Daemon.Debounce,
		WatchPaths: []string{cfg.DatabasePath()},
		Options:    tsync.RunOptions{Account: account},
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Syncing %s every %v\n", ui.RenderAccent("🔄"), account, interval)
	fmt.Println("Press Ctrl+C to stop...")

	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if server != nil {
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}

	st := d.Stats()
	fmt.Printf("%s Daemon stopped after %d runs (%d with problems, %d skipped)\n",
		ui.RenderPass("✓"), st.Runs, st.Failures, st.Skipped)
}

func init() {
	daemonCmd.Flags().Duration("interval", 0, "Time between runs (default daemon.interval)")
	daemonCmd.Flags().Int("dashboard-port", 0, "Also serve the event dashboard on this port")

	rootCmd.AddCommand(daemonCmd)
}
