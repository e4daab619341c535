package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/logging"
)

var (
	// Populated by PersistentPreRun of rootCmd.
	cfg       *config.Config
	configDir string
	logs      *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "tsync",
	Short: "Keep local, remote and Google Tasks copies of your tasks in sync",
	Long: `tsync reconciles three copies of a task collection: a local embedded
database, an optional shared remote database (libSQL/Turso) and Google Tasks.

Each run loads all sources, collapses duplicates, picks a winner for every
task and writes the minimal set of changes to each destination. Deletes are
recorded in an audit log before they are issued.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func loadConfig() error {
	dir, err := config.DefaultDir()
	if err != nil {
		return err
	}
	path, _ := rootCmd.PersistentFlags().GetString("config")
	if path == "" {
		path = filepath.Join(dir, config.FileName)
	} else {
		dir = filepath.Dir(path)
	}
	configDir = dir

	v := config.New(dir)
	if err := bindFlags(v); err != nil {
		return err
	}
	loaded, err := config.Load(v, path)
	if err != nil {
		return err
	}
	cfg = loaded

	logs = logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return nil
}

func bindFlags(v *viper.Viper) error {
	flags := rootCmd.PersistentFlags()
	for key, flag := range map[string]string{
		"account":  "account",
		"data_dir": "data-dir",
		"strategy": "strategy",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return nil
}

// requireAccount returns the configured account or exits.
func requireAccount() string {
	if cfg.Account == "" {
		fmt.Fprintf(os.Stderr, "Error: no account configured\n")
		fmt.Fprintf(os.Stderr, "Pass --account or set 'account' in %s\n", filepath.Join(configDir, config.FileName))
		os.Exit(1)
	}
	return cfg.Account
}

func init() {
	// Assigned here rather than in the literal: loadConfig reads rootCmd,
	// which would otherwise be an initialization cycle.
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := loadConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/tsync/config.toml)")
	rootCmd.PersistentFlags().StringP("account", "a", "", "Account to sync")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory holding the local database, locks and audit log")
	rootCmd.PersistentFlags().String("strategy", "", "Conflict resolution strategy")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
