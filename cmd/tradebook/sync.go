package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/tradebook/internal/clients/feedfile"
	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/lifecycle"
	"github.com/aristath/tradebook/internal/modules/ledger"
	"github.com/aristath/tradebook/internal/modules/mapping"
	brokersync "github.com/aristath/tradebook/internal/modules/sync"
	"github.com/aristath/tradebook/internal/utils"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync broker activity into the ledger",
	Long: `Sync snapshots the ledger file, pulls the lookback window of broker
trades and cash activity, normalizes and dedupes every record, and posts
what survives compliance as balanced double-entry postings with FIFO lot
accounting. Replaying a window only inserts what is new. Broker positions
are then reconciled against the lot book and the run summary lands in
logs/sync_last.json.

The broker feed is a JSON drop file (BROKER_FEED_FILE or --feed) written
by an external export job. With the test_mode flag raised the run stops
after the compliance rehearsal and posts nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		feed, _ := cmd.Flags().GetString("feed")

		app, err := bootstrap(true)
		if err != nil {
			return err
		}
		log := app.log

		if feed == "" {
			feed = app.cfg.BrokerFeedFile
		}
		if feed == "" {
			return fmt.Errorf("no broker feed configured: set BROKER_FEED_FILE or pass --feed")
		}

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

		var table *mapping.Table
		if utils.Exists(app.tree.MappingLiveFile()) {
			table = mapping.NewTable(app.tree.MappingLiveFile(), app.tree.MappingVersionsDir(), app.tree.MappingAuditFile(), log)
		}

		audit := ledger.NewAuditLog(app.tree.LedgerAuditFile(), db.Conn(), app.tree.Identity(), log)
		flags := lifecycle.NewFlags(app.tree, log)
		source := feedfile.New(feed, log)

		driver := brokersync.NewDriver(app.tree, app.cfg, db.Conn(), table, ledgerPolicy(app.cfg), audit, flags, source, log)
		res, err := driver.Run(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("sync %s: fetched=%d posted=%d duplicates=%d rejected=%d malformed=%d failed=%d\n",
			res.RunID, res.Fetched, res.Posted, res.Duplicates, res.Rejected, res.Malformed, res.Failed)
		if res.DryRun {
			fmt.Println("test_mode flag raised: rehearsal only, nothing was posted")
		}
		if res.PositionDrift > 0 {
			fmt.Printf("warning: %d positions drift from the broker snapshot\n", res.PositionDrift)
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d records failed to post", res.Failed)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("feed", "", "Broker activity feed file (overrides BROKER_FEED_FILE)")
	rootCmd.AddCommand(syncCmd)
}
