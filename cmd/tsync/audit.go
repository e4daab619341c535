package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/audit"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:     "audit",
	GroupID: "advanced",
	Short:   "Inspect and undo deletions",
	Long: `Every task removed from a destination is written to the audit log
before the delete is issued. Use these commands to find and restore them.`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audited deletions",
	Run: func(cmd *cobra.Command, args []string) {
		id, _ := cmd.Flags().GetString("id")
		runID, _ := cmd.Flags().GetString("run")
		sinceText, _ := cmd.Flags().GetString("since")
		formatText, _ := cmd.Flags().GetString("format")

		format, err := ui.ParseFormat(formatText)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		q := audit.Query{TaskID: id, RunID: runID}
		if sinceText != "" {
			if q.Since, err = parseSince(sinceText, time.Now()); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		entries, err := audit.ReadAll(cfg.AuditPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		entries = audit.Filter(entries, q)

		if format != ui.FormatText {
			if err := ui.Encode(os.Stdout, entries, format); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
				os.Exit(1)
			}
			return
		}
		if len(entries) == 0 {
			fmt.Println("No deletions recorded")
			return
		}
		for _, e := range entries {
			kind := "tombstone"
			if e.Hard {
				kind = "removed"
			}
			fmt.Printf("%s  %-7s  %-9s  %s  %q  %s\n",
				e.Time.Local().Format(time.RFC3339), e.Destination, kind, e.CanonicalID, e.Task.Title, ui.RenderMuted(e.Reason))
		}
	},
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Restore a deleted task into the local database",
	Long: `Re-insert the most recent logged copy of a deleted task into the local
database as a pending task. The next sync recreates it everywhere else.`,
	Run: func(cmd *cobra.Command, args []string) {
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			fmt.Fprintf(os.Stderr, "Error: --id is required\n")
			os.Exit(1)
		}

		entries, err := audit.ReadAll(cfg.AuditPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		matches := audit.Filter(entries, audit.Query{TaskID: id})
		if len(matches) == 0 {
			fmt.Fprintf(os.Stderr, "Error: no audited deletion of %s\n", id)
			os.Exit(1)
		}

		local, err := openLocal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer local.Close()

		restored, err := audit.Replay(context.Background(), local, matches[len(matches)-1], time.Now().UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Restored %q as %s\n", ui.RenderPass("✓"), restored.Title, restored.ID)
		fmt.Printf("   Run 'tsync sync' to recreate it in the other sources\n")
	},
}

func init() {
	auditListCmd.Flags().String("id", "", "Only entries of this task (native or canonical id)")
	auditListCmd.Flags().String("run", "", "Only entries of this run")
	auditListCmd.Flags().String("since", "", `Only entries after this time, e.g. "yesterday"`)
	auditListCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")

	auditReplayCmd.Flags().String("id", "", "Task to restore (native or canonical id)")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditReplayCmd)
	rootCmd.AddCommand(auditCmd)
}
