package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/lifecycle"
	"github.com/aristath/tradebook/internal/modules/ledger"
	"github.com/aristath/tradebook/internal/modules/lots"
	"github.com/aristath/tradebook/internal/modules/mapping"
	"github.com/aristath/tradebook/internal/reliability"
	"github.com/aristath/tradebook/internal/scheduler"
	"github.com/aristath/tradebook/internal/server"
	"github.com/aristath/tradebook/internal/utils"
)

var supervisorCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Run the long-lived supervisor and HTTP API",
	Long: `The supervisor is the only long-lived process. Every trading morning it
recomputes the day's phase schedule, publishes it, and launches one
dispatcher (this binary's dispatch command) for the day. It also serves
the HTTP API the dashboard reads and runs ledger maintenance after the
trading day settles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap(true)
		if err != nil {
			return err
		}
		log := app.log
		log.Info().Str("identity", app.tree.Identity().String()).Msg("Starting tradebook supervisor")

		state := lifecycle.NewStore(app.tree.StateFile(), app.tree.StateHistoryFile(), log)
		flags := lifecycle.NewFlags(app.tree, log)
		status := lifecycle.NewStatusWriter(app.tree.StatusFile(), log)

		db, err := database.New(database.Config{
			Path:    app.tree.LedgerDB(),
			Profile: database.ProfileLedger,
			Name:    "ledger",
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}

		// The mapping table is optional. Without one, unresolved cash
		// postings go to the suspense pair until an operator installs rules
		// with "tradebook mapping ensure".
		var table *mapping.Table
		if utils.Exists(app.tree.MappingLiveFile()) {
			table = mapping.NewTable(app.tree.MappingLiveFile(), app.tree.MappingVersionsDir(), app.tree.MappingAuditFile(), log)
		}

		audit := ledger.NewAuditLog(app.tree.LedgerAuditFile(), db.Conn(), app.tree.Identity(), log)
		lotsEng := lots.NewEngine(db.Conn(), audit, log)
		engine := ledger.NewEngine(db.Conn(), lotsEng, table, audit, ledgerPolicy(app.cfg), app.tree.Identity(), log)

		calendar, err := scheduler.NewCalendar(app.cfg, app.tree.HolidaysFile())
		if err != nil {
			return err
		}

		launcher := scheduler.NewExecDispatchLauncher(app.tree, log)
		sup := scheduler.NewSupervisor(app.tree, app.cfg, calendar, state, status, launcher, log)

		// Ledger maintenance (integrity check, snapshot, pruning) runs after
		// the day's dispatcher finishes. Archive upload only happens when a
		// bucket is configured.
		var store *reliability.ObjectStore
		if app.cfg.SnapshotS3Bucket != "" {
			store, err = reliability.NewObjectStore(cmd.Context(), reliability.ObjectStoreConfig{
				Bucket:   app.cfg.SnapshotS3Bucket,
				Prefix:   app.cfg.SnapshotS3Prefix,
				Region:   app.cfg.SnapshotS3Region,
				Endpoint: app.cfg.SnapshotS3Endpoint,
				Key:      app.cfg.SnapshotS3Key,
				Secret:   app.cfg.SnapshotS3Secret,
			}, log)
			if err != nil {
				return err
			}
			log.Info().Str("bucket", app.cfg.SnapshotS3Bucket).Msg("Snapshot archive upload enabled")
		}
		sup.SetMaintenance(reliability.NewBackupService(app.tree, db, store, status, app.cfg.SnapshotRetention, log))

		srv := server.New(server.Config{
			Log:    log,
			Tree:   app.tree,
			State:  state,
			Flags:  flags,
			Status: status,
			Ledger: engine,
			Table:  table,
			Port:   app.cfg.Port,
		})

		// Start server in goroutine so the supervisor loop owns the main
		// thread.
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Failed to start server")
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		supDone := make(chan error, 1)
		go func() { supDone <- sup.Run(ctx) }()

		// Wait for interrupt. Canceling the context makes the supervisor
		// terminate any running dispatcher with its grace window before Run
		// returns, so the wait below is part of the graceful shutdown.
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		var runErr error
		select {
		case <-quit:
			log.Info().Msg("Shutdown signal received")
			cancel()
			runErr = <-supDone
		case runErr = <-supDone:
		}

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		log.Info().Msg("Supervisor stopped")
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(supervisorCmd)
}
