package mapping

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebook/internal/domain"
)

func newTestTable(t *testing.T) (*Table, string) {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	table := NewTable(
		filepath.Join(dir, "coa_mapping_table.json"),
		filepath.Join(dir, "versions"),
		filepath.Join(dir, "mapping_audit.jsonl"),
		log,
	)
	_, err := table.EnsureInitialized("tester")
	require.NoError(t, err)
	return table, dir
}

func TestRuleCode(t *testing.T) {
	tests := []struct {
		name string
		spec domain.MatchSpec
		want string
	}{
		{
			name: "all fields",
			spec: domain.MatchSpec{Broker: "ALPACA", Type: "TRADE", Subtype: "BUY", Description: "Fill"},
			want: "alpaca:trade:buy:fill",
		},
		{
			name: "missing fields keep positions",
			spec: domain.MatchSpec{Broker: "ALPACA", Type: "DIV"},
			want: "alpaca:div::",
		},
		{
			name: "whitespace trimmed",
			spec: domain.MatchSpec{Broker: " ALPACA ", Type: "div "},
			want: "alpaca:div::",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RuleCode(tt.spec))
		})
	}
}

func TestAssignBumpsVersionAndSnapshots(t *testing.T) {
	table, dir := newTestTable(t)

	version, err := table.Version()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	row, err := table.Assign(
		domain.MatchSpec{Broker: "ALPACA", Type: "DIV"},
		"Cash", "Income:Dividends", "u1", "dividends",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, row.VersionID)
	assert.True(t, row.Active)

	version, err = table.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	snaps, err := filepath.Glob(filepath.Join(dir, "versions", "coa_mapping_v2_*.json"))
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestAssignDeactivatesPriorRow(t *testing.T) {
	table, _ := newTestTable(t)
	spec := domain.MatchSpec{Broker: "ALPACA", Type: "DIV"}

	_, err := table.Assign(spec, "Cash", "Income:Dividends", "u1", "")
	require.NoError(t, err)
	_, err = table.Assign(spec, "Cash", "Income:OtherDividends", "u1", "recategorized")
	require.NoError(t, err)

	rows, err := table.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	activeCount := 0
	for _, row := range rows {
		if row.Active {
			activeCount++
			assert.Equal(t, "Income:OtherDividends", row.CreditAccount)
			assert.Equal(t, 3, row.VersionID)
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestRollbackRestoresRowsUnderNewVersion(t *testing.T) {
	table, _ := newTestTable(t)

	_, err := table.Assign(domain.MatchSpec{Broker: "ALPACA", Type: "DIV"},
		"Cash", "Income:Dividends", "u1", "")
	require.NoError(t, err)

	require.NoError(t, table.Rollback(1, "u1"))

	version, err := table.Version()
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	rows, err := table.Rows()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRollbackUnknownVersion(t *testing.T) {
	table, _ := newTestTable(t)

	err := table.Rollback(42, "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestVersionStrictlyIncreases(t *testing.T) {
	table, _ := newTestTable(t)
	last, err := table.Version()
	require.NoError(t, err)

	mutate := []func() error{
		func() error {
			_, err := table.Assign(domain.MatchSpec{Broker: "a", Type: "b"}, "D", "C", "u", "")
			return err
		},
		func() error {
			_, err := table.Assign(domain.MatchSpec{Broker: "a", Type: "b"}, "D2", "C2", "u", "")
			return err
		},
		func() error { return table.Rollback(1, "u") },
		func() error { return table.ImportRows(nil, "u", "") },
	}
	for _, fn := range mutate {
		require.NoError(t, fn())
		version, err := table.Version()
		require.NoError(t, err)
		assert.Greater(t, version, last)
		last = version
	}
}

func TestGetForTransactionExactMatch(t *testing.T) {
	table, _ := newTestTable(t)
	spec := domain.MatchSpec{Broker: "ALPACA", Type: "TRADE", Subtype: "BUY"}

	_, err := table.Assign(spec, "Equity", "Cash", "u1", "")
	require.NoError(t, err)
	_, err = table.Assign(spec, "Equity:US", "Cash", "u1", "split by region")
	require.NoError(t, err)

	row, err := table.GetForTransaction(domain.MatchSpec{Broker: "alpaca", Type: "trade", Subtype: "buy"})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Equity:US", row.DebitAccount)
	assert.Equal(t, 3, row.VersionID)
}

func TestGetForTransactionFallbackPrefersSpecific(t *testing.T) {
	table, _ := newTestTable(t)

	_, err := table.Assign(domain.MatchSpec{Broker: "ALPACA"}, "Suspense", "PnL", "u1", "broker-wide")
	require.NoError(t, err)
	_, err = table.Assign(domain.MatchSpec{Broker: "ALPACA", Type: "FEE"}, "Expenses:Fees", "Cash", "u1", "")
	require.NoError(t, err)

	// No exact row for this full discriminator set, falls back.
	row, err := table.GetForTransaction(domain.MatchSpec{
		Broker: "ALPACA", Type: "FEE", Subtype: "WIRE", Description: "wire fee",
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Expenses:Fees", row.DebitAccount)
}

func TestGetForTransactionNoMatch(t *testing.T) {
	table, _ := newTestTable(t)

	row, err := table.GetForTransaction(domain.MatchSpec{Broker: "IBKR", Type: "TRADE"})
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestExportImportPreservesActiveRows(t *testing.T) {
	table, _ := newTestTable(t)
	_, err := table.Assign(domain.MatchSpec{Broker: "ALPACA", Type: "DIV"},
		"Cash", "Income:Dividends", "u1", "")
	require.NoError(t, err)
	_, err = table.Assign(domain.MatchSpec{Broker: "ALPACA", Type: "FEE"},
		"Expenses:Fees", "Cash", "u1", "")
	require.NoError(t, err)

	export, err := table.ExportRows()
	require.NoError(t, err)

	fresh, _ := newTestTable(t)
	require.NoError(t, fresh.ImportRows(export.Rows, "u2", "migrated"))

	wantActive, err := table.ActiveRows()
	require.NoError(t, err)
	gotActive, err := fresh.ActiveRows()
	require.NoError(t, err)
	assert.Equal(t, wantActive, gotActive)
}

func TestEnsureRequired(t *testing.T) {
	table, _ := newTestTable(t)
	_, err := table.Assign(domain.MatchSpec{Broker: "ALPACA", Type: "TRADE"},
		"1110", "3100", "u1", "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		required []string
		wantErr  string
	}{
		{name: "exact present", required: []string{"1110"}},
		{name: "wildcard present", required: []string{"111x"}},
		{name: "exact missing", required: []string{"6100"}, wantErr: "6100"},
		{name: "wildcard missing", required: []string{"400x"}, wantErr: "400x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := table.EnsureRequired(tt.required)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRecordUnmappedAccumulates(t *testing.T) {
	table, dir := newTestTable(t)

	require.NoError(t, table.RecordUnmapped("ibkr:trade:sell:"))
	require.NoError(t, table.RecordUnmapped("ibkr:trade:sell:"))

	unmapped, err := table.Unmapped()
	require.NoError(t, err)
	require.Len(t, unmapped, 1)
	assert.Equal(t, 2, unmapped[0].Count)

	// Survives a reload from disk.
	log := zerolog.New(nil).Level(zerolog.Disabled)
	reread := NewTable(
		filepath.Join(dir, "coa_mapping_table.json"),
		filepath.Join(dir, "versions"),
		filepath.Join(dir, "mapping_audit.jsonl"),
		log,
	)
	require.NoError(t, reread.Load())
	unmapped, err = reread.Unmapped()
	require.NoError(t, err)
	require.Len(t, unmapped, 1)
	assert.Equal(t, 2, unmapped[0].Count)
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	table := NewTable(
		filepath.Join(dir, "coa_mapping_table.json"),
		filepath.Join(dir, "versions"),
		filepath.Join(dir, "mapping_audit.jsonl"),
		log,
	)

	err := table.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
