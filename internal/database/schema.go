package database

import (
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema/ledger_schema.sql
var ledgerSchema string

// ApplySchema executes the embedded ledger schema against conn. All
// statements are IF NOT EXISTS so repeated application is a no-op.
func ApplySchema(conn *sql.DB) error {
	return WithTransaction(conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(ledgerSchema); err != nil {
			return fmt.Errorf("failed to execute ledger schema: %w", err)
		}
		return nil
	})
}

// Migrate applies the ledger schema to this database.
func (db *DB) Migrate() error {
	if err := ApplySchema(db.conn); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", db.name, err)
	}
	return nil
}
