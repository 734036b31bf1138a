package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/modules/mapping"
	"github.com/aristath/tradebook/internal/utils"
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect and edit the COA mapping table",
	Long: `The mapping table translates broker transaction discriminators (broker,
type, subtype, description) into debit/credit account pairs. It is
append-only and snapshot-versioned: every assign, import, and rollback
bumps the version and freezes a copy under mapping/versions/.`,
}

var mappingEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create an empty v1 mapping table if none exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap(false)
		if err != nil {
			return err
		}
		table := mapping.NewTable(app.tree.MappingLiveFile(), app.tree.MappingVersionsDir(), app.tree.MappingAuditFile(), app.log)
		created, err := table.EnsureInitialized(operatorName(cmd))
		if err != nil {
			return err
		}
		version, err := table.Version()
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("mapping table created at version %d\n", version)
		} else {
			fmt.Printf("mapping table already installed (version %d)\n", version)
		}
		return nil
	},
}

var mappingExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the mapping rows as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		table, err := openMappingTable()
		if err != nil {
			return err
		}

		export, err := table.ExportRows()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(export, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode export: %w", err)
		}
		if out == "" {
			fmt.Println(string(data))
			return nil
		}
		if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		fmt.Printf("exported %d rows (version %d) to %s\n", len(export.Rows), export.VersionID, out)
		return nil
	},
}

var mappingImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the row set from an export document",
	Long: `Import replaces the table's rows wholesale with the rows of an export
document under a new version. The previous version stays available for
rollback.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		table, err := openMappingTable()
		if err != nil {
			return err
		}

		var export mapping.Export
		if err := utils.ReadJSONFile(args[0], &export); err != nil {
			return fmt.Errorf("failed to read export document %s: %w", args[0], err)
		}
		if len(export.Rows) == 0 {
			return fmt.Errorf("export document %s carries no rows", args[0])
		}
		if err := table.ImportRows(export.Rows, operatorName(cmd), reason); err != nil {
			return err
		}
		version, err := table.Version()
		if err != nil {
			return err
		}
		fmt.Printf("imported %d rows, table now at version %d\n", len(export.Rows), version)
		return nil
	},
}

var mappingAssignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign a debit/credit pair to a transaction shape",
	Long: `Assign writes a new active rule for the given discriminators,
deactivating any prior rule with the same derived code. At least one of
--broker, --type, --subtype, or --description must be set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		broker, _ := cmd.Flags().GetString("broker")
		txnType, _ := cmd.Flags().GetString("type")
		subtype, _ := cmd.Flags().GetString("subtype")
		description, _ := cmd.Flags().GetString("description")
		debit, _ := cmd.Flags().GetString("debit")
		credit, _ := cmd.Flags().GetString("credit")
		reason, _ := cmd.Flags().GetString("reason")

		if broker == "" && txnType == "" && subtype == "" && description == "" {
			return fmt.Errorf("at least one discriminator is required (--broker, --type, --subtype, --description)")
		}

		table, err := openMappingTable()
		if err != nil {
			return err
		}

		match := domain.MatchSpec{Broker: broker, Type: txnType, Subtype: subtype, Description: description}
		row, err := table.Assign(match, debit, credit, operatorName(cmd), reason)
		if err != nil {
			return err
		}
		fmt.Printf("assigned %s -> debit %s / credit %s (version %d)\n",
			row.RuleCode, row.DebitAccount, row.CreditAccount, row.VersionID)
		return nil
	},
}

var mappingRollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Restore an earlier version's rows under a new version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}

		table, err := openMappingTable()
		if err != nil {
			return err
		}
		if err := table.Rollback(version, operatorName(cmd)); err != nil {
			return err
		}
		current, err := table.Version()
		if err != nil {
			return err
		}
		fmt.Printf("rows of version %d restored, table now at version %d\n", version, current)
		return nil
	},
}

var mappingUnmappedCmd = &cobra.Command{
	Use:   "unmapped",
	Short: "List rule codes that reached the ledger without a rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := openMappingTable()
		if err != nil {
			return err
		}
		entries, err := table.Unmapped()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no unmapped rule codes")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  seen %d times, last %s\n", e.RuleCode, e.Count, e.LastSeenUTC)
		}
		return nil
	},
}

// openMappingTable bootstraps and opens the installed mapping table,
// failing with a hint when none exists yet.
func openMappingTable() (*mapping.Table, error) {
	app, err := bootstrap(false)
	if err != nil {
		return nil, err
	}
	if !utils.Exists(app.tree.MappingLiveFile()) {
		return nil, fmt.Errorf("no mapping table installed; run 'tradebook mapping ensure' first")
	}
	return mapping.NewTable(app.tree.MappingLiveFile(), app.tree.MappingVersionsDir(), app.tree.MappingAuditFile(), app.log), nil
}

// operatorName resolves the name recorded in audit trails: the --user flag,
// then $USER, then a fixed fallback.
func operatorName(cmd *cobra.Command) string {
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "operator"
}

func init() {
	mappingCmd.PersistentFlags().String("user", "", "Operator name recorded in the audit trail (default: $USER)")

	mappingExportCmd.Flags().String("out", "", "Write the export to a file instead of stdout")

	mappingImportCmd.Flags().String("reason", "", "Reason recorded with the new version")

	mappingAssignCmd.Flags().String("broker", "", "Broker code discriminator")
	mappingAssignCmd.Flags().String("type", "", "Transaction type discriminator")
	mappingAssignCmd.Flags().String("subtype", "", "Transaction subtype discriminator")
	mappingAssignCmd.Flags().String("description", "", "Description discriminator")
	mappingAssignCmd.Flags().String("debit", "", "Debit account code")
	mappingAssignCmd.Flags().String("credit", "", "Credit account code")
	mappingAssignCmd.Flags().String("reason", "", "Reason recorded with the new version")
	_ = mappingAssignCmd.MarkFlagRequired("debit")
	_ = mappingAssignCmd.MarkFlagRequired("credit")

	mappingCmd.AddCommand(mappingEnsureCmd)
	mappingCmd.AddCommand(mappingExportCmd)
	mappingCmd.AddCommand(mappingImportCmd)
	mappingCmd.AddCommand(mappingAssignCmd)
	mappingCmd.AddCommand(mappingRollbackCmd)
	mappingCmd.AddCommand(mappingUnmappedCmd)
	rootCmd.AddCommand(mappingCmd)
}
