package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/auth"
	"github.com/mschirtzinger/tasksync/internal/gtasks"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "setup",
	Short:   "Authorize tsync to access Google Tasks",
	Long: `Run the OAuth consent flow for the account and store the token.

Download an OAuth client of type "Desktop app" from the Google Cloud
console and save it as credentials.json in the config directory
(~/.config/tsync) first.`,
	Run: func(cmd *cobra.Command, args []string) {
		account := requireAccount()
		timeout, _ := cmd.Flags().GetDuration("timeout")

		manager := auth.NewManager(configDir, []string{gtasks.Scope}, logs.Logger("auth"))
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			manager.CallbackAddr = addr
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
		defer cancelTimeout()

		err := manager.Authorize(ctx, account, func(url string) {
			fmt.Printf("%s Open this URL in your browser to authorize %s:\n\n  %s\n\n", ui.RenderAccent("🔑"), account, url)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if _, statErr := os.Stat(filepath.Join(configDir, auth.CredentialsFile)); statErr != nil {
				fmt.Fprintf(os.Stderr, "Save your OAuth client as %s\n", filepath.Join(configDir, auth.CredentialsFile))
			}
			os.Exit(1)
		}
		fmt.Printf("%s Authorized %s\n", ui.RenderPass("✓"), account)
		fmt.Printf("   Token: %s\n", manager.TokenPath(account))
	},
}

func init() {
	authCmd.Flags().Duration("timeout", 5*time.Minute, "How long to wait for the browser")
	authCmd.Flags().String("listen", "", "Address of the local redirect listener (default 127.0.0.1:6789)")

	rootCmd.AddCommand(authCmd)
}
