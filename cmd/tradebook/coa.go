package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/tradebook/internal/modules/coa"
)

var coaCmd = &cobra.Command{
	Use:   "coa",
	Short: "Inspect the chart of accounts",
}

var coaInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Seed the default chart of accounts",
	Long: `Init writes the default account forest and its metadata document when
none exists yet. An existing chart is never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		currency, _ := cmd.Flags().GetString("currency")

		app, err := bootstrap(false)
		if err != nil {
			return err
		}
		store := coa.NewStore(app.tree.COAFile(), app.tree.COAMetaFile(), app.tree.COAAuditFile(), app.log)
		id := app.tree.Identity()
		seeded, err := store.EnsureInitialized(id.EntityCode, id.JurisdictionCode, currency)
		if err != nil {
			return err
		}
		if !seeded {
			fmt.Println("chart of accounts already exists, nothing seeded")
			return nil
		}
		doc, err := store.Load()
		if err != nil {
			return err
		}
		fmt.Printf("seeded default chart of accounts: %s\n", coa.Summarize(doc.Accounts))
		return nil
	},
}

var coaValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the chart of accounts structure",
	Long: `Validate checks the stored account forest: codes must be unique across
the whole tree, names non-empty, and no account may be its own ancestor.
The load path runs the same checks, so a chart that validates here is one
every process can read.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap(false)
		if err != nil {
			return err
		}
		store := coa.NewStore(app.tree.COAFile(), app.tree.COAMetaFile(), app.tree.COAAuditFile(), app.log)
		doc, err := store.Load()
		if err != nil {
			return err
		}
		meta, err := store.LoadMeta()
		if err != nil {
			return err
		}
		fmt.Printf("chart of accounts v%d is valid: %s\n", meta.COAVersion, coa.Summarize(doc.Accounts))
		return nil
	},
}

var coaAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the chart of accounts change log, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap(false)
		if err != nil {
			return err
		}
		store := coa.NewStore(app.tree.COAFile(), app.tree.COAMetaFile(), app.tree.COAAuditFile(), app.log)
		entries, err := store.ReadAudit()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no chart of accounts changes recorded")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %s\n", e.TsUTC, e.User, e.Summary)
		}
		return nil
	},
}

func init() {
	coaInitCmd.Flags().String("currency", "USD", "Currency code recorded in the metadata document")

	coaCmd.AddCommand(coaInitCmd)
	coaCmd.AddCommand(coaValidateCmd)
	coaCmd.AddCommand(coaAuditCmd)
	rootCmd.AddCommand(coaCmd)
}
