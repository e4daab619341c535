package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the background sync with a real-time WebSocket dashboard",
	Long: `Run the sync daemon and broadcast its run events to WebSocket clients.

WebSocket messages include:
- run_started: a run began
- source_degraded: a source could not be read and was left out
- phase_complete: one destination finished (counts and failures)
- run_complete: the run finished (full report)
- stats: running totals, also sent to every new client

Example usage:
  tsync dashboard                   # Start on dashboard.port (8080)
  tsync dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		account := requireAccount()
		port, _ := cmd.Flags().GetInt("port")
		if port <= 0 {
			port = cfg.Dashboard.Port
		}
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		runDaemon(account, cfg.Daemon.Interval, port)
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 0, "Port to listen on (default dashboard.port)")

	rootCmd.AddCommand(dashboardCmd)
}
