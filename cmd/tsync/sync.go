package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	tsync "github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/types"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile the local database, the remote database and Google Tasks",
	Long: `Run one sync for the account.

The first run (empty local database) or --full loads everything. Later runs
only ask Google Tasks for tasks changed inside the incremental window
(window_days, default 90), widened to the last successful sync if that is
older.

Examples:
  tsync sync                       # incremental sync
  tsync sync --dry-run             # show the plan, write nothing
  tsync sync --full --yes          # full resync without prompting
  tsync sync --since "2 weeks ago" # override the window start
  tsync sync --push-only           # write only to remote and Google Tasks`,
	Run: func(cmd *cobra.Command, args []string) {
		account := requireAccount()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		pushOnly, _ := cmd.Flags().GetBool("push-only")
		pullOnly, _ := cmd.Flags().GetBool("pull-only")
		full, _ := cmd.Flags().GetBool("full")
		yes, _ := cmd.Flags().GetBool("yes")
		sinceText, _ := cmd.Flags().GetString("since")
		formatText, _ := cmd.Flags().GetString("format")

		format, err := ui.ParseFormat(formatText)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if pushOnly && pullOnly {
			fmt.Fprintf(os.Stderr, "Error: --push-only and --pull-only are mutually exclusive\n")
			os.Exit(1)
		}

		opts := tsync.RunOptions{
			Account:   account,
			DryRun:    dryRun,
			PushOnly:  pushOnly,
			PullOnly:  pullOnly,
			ForceFull: full,
		}
		if sinceText != "" {
			since, err := parseSince(sinceText, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			opts.Since = since
		}

		if full && !dryRun && !yes {
			if !interactive() {
				fmt.Fprintf(os.Stderr, "Error: --full rereads every task; pass --yes to confirm\n")
				os.Exit(1)
			}
			if !confirm(fmt.Sprintf("Run a full resync of %s?", account)) {
				fmt.Println("Aborted")
				return
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, account, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if format == ui.FormatText {
			fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), account)
		}
		result, runErr := a.engine.Run(ctx, opts)
		if errors.Is(runErr, types.ErrAlreadySyncing) {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), runErr)
			a.Close()
			os.Exit(2)
		}
		if result == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
			a.Close()
			os.Exit(1)
		}
		if err := ui.WriteResult(os.Stdout, result, format); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			os.Exit(1)
		}
		if runErr != nil || !result.Report.OK() {
			a.Close()
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state, watermarks and remotes",
	Run: func(cmd *cobra.Command, args []string) {
		account := requireAccount()
		formatText, _ := cmd.Flags().GetString("format")
		format, err := ui.ParseFormat(formatText)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		local, err := openLocal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer local.Close()

		st, err := tsync.ReadStatus(ctx, local, account)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := ui.WriteStatus(os.Stdout, st, format); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			os.Exit(1)
		}
		if format != ui.FormatText {
			return
		}

		counts, err := local.StatusCounts(ctx)
		if err == nil && len(counts) > 0 {
			fmt.Printf("   Pending: %d  Completed: %d  Deleted: %d\n",
				counts[types.StatusPending], counts[types.StatusCompleted], counts[types.StatusDeleted])
		}
		remotes, err := local.ListRemotes(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, r := range remotes {
			marker := " "
			if r.IsActive {
				marker = ui.RenderPass("*")
			}
			fmt.Printf(" %s remote %s (%s)\n", marker, r.Name, r.URL)
		}
		fmt.Printf("   Database: %s\n", local.Path())
	},
}

// parseSince accepts a date, an RFC 3339 timestamp or a phrase such as
// "2 weeks ago".
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, text, time.Local); err == nil {
			return t.UTC(), nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: not a date", text)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("--since %q is in the future", text)
	}
	return r.Time.UTC(), nil
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) // #nosec G115 - fd fits in int
}

func confirm(question string) bool {
	var ok bool
	err := huh.NewConfirm().
		Title(question).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	return err == nil && ok
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "Plan only, write nothing")
	syncCmd.Flags().Bool("push-only", false, "Write only to the remote database and Google Tasks")
	syncCmd.Flags().Bool("pull-only", false, "Write only to the local database")
	syncCmd.Flags().Bool("full", false, "Ignore the incremental window and reload everything")
	syncCmd.Flags().String("since", "", `Start of the incremental window, e.g. "2024-05-01" or "3 days ago"`)
	syncCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
	syncCmd.Flags().BoolP("yes", "y", false, "Do not prompt for confirmation")

	statusCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
