// Package cli implements the contextctl operator commands. Each command
// opens the service directly against a runs root, so it works without a
// running daemon (single-writer assumption applies).
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aos-labs/contextd/internal/fsio"
	"github.com/aos-labs/contextd/internal/memory"
	"github.com/aos-labs/contextd/internal/service"
)

var (
	runsRoot    string
	tokenBudget int
	pinnedMax   int
	testMode    bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "contextctl",
	Short: "Operate contextd run state from the command line",
	Long:  "Boot runs, apply patches, seal milestones, and move resume packs without a running daemon.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&runsRoot, "runs-root", "r", "", "Runs root directory (default: $CONTEXTD_RUNS_ROOT or ./runs)")
	RootCmd.PersistentFlags().IntVar(&tokenBudget, "token-budget", 8192, "Working-set token budget")
	RootCmd.PersistentFlags().IntVar(&pinnedMax, "pinned-max", 32, "Maximum pinned context items")
	RootCmd.PersistentFlags().BoolVar(&testMode, "test-mode", false, "Allow outside-milestone memory commits")
}

func getRunsRoot() string {
	if runsRoot != "" {
		return runsRoot
	}
	if env := os.Getenv("CONTEXTD_RUNS_ROOT"); env != "" {
		return env
	}
	return "./runs"
}

func openService() (*service.Service, error) {
	root := getRunsRoot()
	store, err := memory.NewSQLite(filepath.Join(root, "memory.db"))
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	return service.New(service.Params{
		RunsRoot:       root,
		TokenBudget:    tokenBudget,
		PinnedMax:      pinnedMax,
		LedgerLockMode: fsio.LockAdvisory,
		TestMode:       testMode,
		Store:          store,
		Logger:         logger,
	})
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
