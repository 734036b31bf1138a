package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/lifecycle"
	"github.com/aristath/tradebook/internal/modules/ledger"
	"github.com/aristath/tradebook/internal/modules/lots"
	"github.com/aristath/tradebook/internal/modules/strategy"
)

var phaseCmd = &cobra.Command{
	Use:   "phase <name>",
	Short: "Run a single phase worker",
	Long: `Phase runs one dispatched phase end to end: the lifecycle gate, the
daily idempotency stamp, the phase's work, and the result file the status
document surfaces.

The dispatcher spawns this command at each phase target. Running it by
hand with --force bypasses the gate and repeats a phase that already
stamped today.

Valid names: ` + phaseNames() + `.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		phase := domain.Phase(args[0])
		if !validPhase(phase) {
			return fmt.Errorf("unknown phase %q (valid: %s)", args[0], phaseNames())
		}

		app, err := bootstrap(false)
		if err != nil {
			return err
		}
		log := app.log

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

		audit := ledger.NewAuditLog(app.tree.LedgerAuditFile(), db.Conn(), app.tree.Identity(), log)
		lotsEng := lots.NewEngine(db.Conn(), audit, log)

		// Quotes, Orders, and Universe stay nil here: the worker then runs
		// against the local bar cache and records signals without routing
		// orders. A broker-wired build sets them before Run.
		worker := strategy.NewWorker(app.tree, app.cfg, state, flags, status, lotsEng, force, log)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-quit
			cancel()
		}()

		return worker.Run(ctx, phase)
	},
}

func validPhase(p domain.Phase) bool {
	for _, q := range domain.PhaseOrder() {
		if p == q {
			return true
		}
	}
	return false
}

func phaseNames() string {
	order := domain.PhaseOrder()
	names := make([]string, len(order))
	for i, p := range order {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func init() {
	phaseCmd.Flags().Bool("force", false, "Bypass the lifecycle gate and the already-ran-today stamp")
	rootCmd.AddCommand(phaseCmd)
}
