// Package main is the tradebook entry point. One binary carries every
// process role: the long-lived supervisor, the per-day dispatcher, the
// short-lived phase workers, the broker sync run, and the operator tooling
// for the mapping and COA stores. The supervisor execs the same binary for
// dispatch, and the dispatcher execs it again for each phase, so a single
// deployed artifact is the whole system.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/modules/ledger"
	"github.com/aristath/tradebook/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tradebook",
	Short: "Identity-scoped trading bot with a double-entry ledger",
	Long: `Tradebook runs one trading bot per identity (entity, jurisdiction,
broker, bot). The supervisor computes the day's phase schedule and spawns a
dispatcher; the dispatcher spawns one worker per phase at its scheduled
time. Broker activity is synced into a double-entry SQLite ledger with FIFO
lot tracking and a versioned account-mapping table.

All state lives under the identity's directory tree, so several bots can
share a host without touching each other's files. Configuration comes from
environment variables; a .env file in the working directory is honored.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles what every subcommand needs before doing real work.
type app struct {
	cfg  *config.Config
	tree *identity.Tree
	log  zerolog.Logger
}

// bootstrap loads configuration, resolves the identity tree, and builds the
// process logger. logToFile tees output into the rotating process log;
// interactive operator commands keep stdout only so their output stays
// readable.
func bootstrap(logToFile bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	tree, err := identity.NewTree(cfg.DataDir, cfg.Identity)
	if err != nil {
		return nil, err
	}
	if err := tree.EnsureDirs(); err != nil {
		return nil, err
	}

	logCfg := logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty}
	if logToFile {
		logCfg.File = tree.ProcessLogFile()
		logCfg.MaxSizeMB = cfg.LogFileMax
	}
	log := logger.New(logCfg)
	logger.SetGlobalLogger(log)

	return &app{cfg: cfg, tree: tree, log: log}, nil
}

// ledgerPolicy translates the configured compliance limits into the ledger
// engine's posting policy.
func ledgerPolicy(cfg *config.Config) ledger.Policy {
	return ledger.Policy{
		MaxAbsAmount:      cfg.LedgerMaxAbsAmount,
		EnforceDateWindow: cfg.LedgerEnforceDateWindow,
		MaxBackdateDays:   cfg.LedgerMaxBackdateDays,
		MaxFutureMinutes:  cfg.LedgerMaxFutureMinutes,
	}
}
