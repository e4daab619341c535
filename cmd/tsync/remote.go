package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/turso/db"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "setup",
	Short:   "Manage shared remote databases",
	Long: `Register libSQL/Turso databases that act as the shared remote copy.

Only the active remote takes part in syncs. The auth token is read from
remote.auth_token in the config file or TSYNC_REMOTE_AUTH_TOKEN.`,
}

var remoteAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Register a remote database",
	Long: `Register a remote database. The first remote becomes active.

Examples:
  tsync remote add libsql://tasks-me.turso.io --name shared
  tsync remote add                                # prompts for the URL and name`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		check, _ := cmd.Flags().GetBool("check")
		var url string
		if len(args) == 1 {
			url = args[0]
		}

		if url == "" || name == "" {
			if !interactive() {
				fmt.Fprintf(os.Stderr, "Error: url and --name are required\n")
				os.Exit(1)
			}
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Remote URL").Placeholder("libsql://<db>.turso.io").Value(&url).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("URL is required")
						}
						return nil
					}),
				huh.NewInput().Title("Name").Value(&name),
			))
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		ctx := context.Background()
		if check {
			checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			remote, err := db.OpenRemote(checkCtx, url, cfg.Remote.AuthToken)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			_ = remote.Close()
		}

		local, err := openLocal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer local.Close()

		added, err := local.AddRemote(ctx, url, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Added remote %s (%s)\n", ui.RenderPass("✓"), added.Name, added.URL)
		if added.IsActive {
			fmt.Printf("   It is the active remote\n")
		} else {
			fmt.Printf("   Run 'tsync remote use %s' to make it active\n", added.Name)
		}
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered remote databases",
	Run: func(cmd *cobra.Command, args []string) {
		local, err := openLocal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer local.Close()

		remotes, err := local.ListRemotes(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(remotes) == 0 {
			fmt.Printf("%s No remotes registered\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'tsync remote add <url> --name <name>' to add one\n")
			return
		}
		for _, r := range remotes {
			marker := " "
			if r.IsActive {
				marker = ui.RenderPass("*")
			}
			synced := ui.RenderMuted("never synced")
			if r.LastSyncedAt != nil {
				synced = "last synced " + r.LastSyncedAt.Local().Format(time.RFC3339)
			}
			fmt.Printf("%s %s\t%s\t%s\n", marker, ui.RenderBold(r.Name), r.URL, synced)
		}
	},
}

var remoteUseCmd = &cobra.Command{
	Use:   "use <name|id>",
	Short: "Make a remote database the active one",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		local, err := openLocal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer local.Close()

		if err := local.SetActiveRemote(context.Background(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Active remote is now %s\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	remoteAddCmd.Flags().StringP("name", "n", "", "Name of the remote")
	remoteAddCmd.Flags().Bool("check", true, "Connect to the remote before registering it")

	remoteCmd.AddCommand(remoteAddCmd)
	remoteCmd.AddCommand(remoteListCmd)
	remoteCmd.AddCommand(remoteUseCmd)
	rootCmd.AddCommand(remoteCmd)
}
