package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// TableSchema is the registered column set of one table, loaded once via
// PRAGMA table_info and held by the writer for the life of the connection.
// Insert builders refuse columns the loader didn't register, so a writer
// can never silently drop or misroute a value.
type TableSchema struct {
	set     map[string]bool
	table   string
	columns []string
}

// LoadTableSchema introspects the columns of table.
func LoadTableSchema(conn *sql.DB, table string) (*TableSchema, error) {
	rows, err := conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read table_info for %s: %w", table, err)
	}
	defer rows.Close()

	ts := &TableSchema{table: table, set: make(map[string]bool)}
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table_info row for %s: %w", table, err)
		}
		ts.columns = append(ts.columns, name)
		ts.set[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate table_info for %s: %w", table, err)
	}
	if len(ts.columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns (table missing?)", table)
	}
	return ts, nil
}

// Table returns the introspected table name.
func (s *TableSchema) Table() string { return s.table }

// Columns returns the ordered column names.
func (s *TableSchema) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// Has reports whether col exists on the table.
func (s *TableSchema) Has(col string) bool { return s.set[col] }

// Intersect returns the subset of cols present on the table, preserving
// the requested order.
func (s *TableSchema) Intersect(cols []string) []string {
	var out []string
	for _, c := range cols {
		if s.set[c] {
			out = append(out, c)
		}
	}
	return out
}

// InsertSQL builds an INSERT statement for exactly cols. Unregistered
// columns are refused rather than dropped.
func (s *TableSchema) InsertSQL(cols []string) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("no columns to insert into %s", s.table)
	}
	for _, c := range cols {
		if !s.set[c] {
			return "", fmt.Errorf("column %s is not registered on %s", c, s.table)
		}
	}
	placeholders := strings.Repeat("?, ", len(cols))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(cols, ", "), placeholders,
	), nil
}

// CoalesceExpr builds a COALESCE over whichever candidate columns exist,
// in the given priority order. Returns the bare column when only one is
// present and "" when none are.
func (s *TableSchema) CoalesceExpr(candidates ...string) string {
	present := s.Intersect(candidates)
	switch len(present) {
	case 0:
		return ""
	case 1:
		return present[0]
	default:
		return "COALESCE(" + strings.Join(present, ", ") + ")"
	}
}
