package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/lifecycle"
	"github.com/aristath/tradebook/internal/modules/ledger"
	"github.com/aristath/tradebook/internal/modules/lots"
	"github.com/aristath/tradebook/internal/utils"
)

type fakeSource struct {
	trades    []domain.RawTradeRecord
	cash      []domain.RawCashActivity
	positions []domain.RawPositionRecord
	snapshot  *domain.AccountSnapshot
	tradesErr error
	snapCalls int
}

func (f *fakeSource) FetchTrades(_ context.Context, _, _ time.Time) ([]domain.RawTradeRecord, error) {
	if f.tradesErr != nil {
		return nil, f.tradesErr
	}
	return f.trades, nil
}

func (f *fakeSource) FetchCashActivities(_ context.Context, _, _ time.Time) ([]domain.RawCashActivity, error) {
	return f.cash, nil
}

func (f *fakeSource) FetchPositions(_ context.Context) ([]domain.RawPositionRecord, error) {
	return f.positions, nil
}

func (f *fakeSource) FetchAccountSnapshot(_ context.Context) (*domain.AccountSnapshot, error) {
	f.snapCalls++
	return f.snapshot, nil
}

type nopAudit struct{}

func (nopAudit) Event(string, domain.JSONValue) {}

type driverFixture struct {
	tree   *identity.Tree
	conn   *sql.DB
	flags  *lifecycle.Flags
	source *fakeSource
	driver *Driver
}

func newDriverFixture(t *testing.T) *driverFixture {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	id, err := domain.NewIdentity4("ACME", "US", "ALPACA", "BOT01")
	require.NoError(t, err)
	tree, err := identity.NewTree(t.TempDir(), id)
	require.NoError(t, err)
	require.NoError(t, tree.EnsureDirs())

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, database.ApplySchema(conn))

	source := &fakeSource{
		snapshot: &domain.AccountSnapshot{
			AsOfUTC: time.Now().UTC().Add(-time.Hour),
			Cash:    decimal.NewFromInt(10_000),
		},
	}
	flags := lifecycle.NewFlags(tree, log)
	audit := ledger.NewAuditLog(tree.LedgerAuditFile(), nil, id, log)
	cfg := &config.Config{SyncLookbackDays: 7}

	return &driverFixture{
		tree:   tree,
		conn:   conn,
		flags:  flags,
		source: source,
		driver: NewDriver(tree, cfg, conn, nil, ledger.DefaultPolicy(), audit, flags, source, log),
	}
}

// recentTS returns a timestamp safely inside the default compliance window.
func recentTS(hoursAgo int) string {
	return time.Now().UTC().Add(-time.Duration(hoursAgo) * time.Hour).Format(time.RFC3339)
}

func rawTrade(id, symbol, action, qty, price, executedAt string) domain.RawTradeRecord {
	return domain.RawTradeRecord{
		TradeID:    id,
		Symbol:     symbol,
		Action:     action,
		ExecutedAt: executedAt,
		Quantity:   json.Number(qty),
		Price:      json.Number(price),
	}
}

func rawDividend(id, symbol, amount, date string) domain.RawCashActivity {
	return domain.RawCashActivity{
		ActivityID:   id,
		ActivityType: "dividend",
		Symbol:       symbol,
		Description:  symbol + " dividend",
		Date:         date,
		Amount:       json.Number(amount),
	}
}

func (f *driverFixture) auditTrail(t *testing.T) string {
	t.Helper()
	raw, err := os.ReadFile(f.tree.LedgerAuditFile())
	require.NoError(t, err)
	return string(raw)
}

func (f *driverFixture) ledgerRows(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.conn.QueryRow(`SELECT COUNT(*) FROM trades`).Scan(&n))
	return n
}

func TestDriverRunPostsTradesCashAndBootstraps(t *testing.T) {
	f := newDriverFixture(t)
	f.source.trades = []domain.RawTradeRecord{
		rawTrade("T-1", "AAPL", "buy", "10", "100", recentTS(30)),
		rawTrade("T-2", "AAPL", "sell", "4", "110", recentTS(5)),
	}
	f.source.cash = []domain.RawCashActivity{
		rawDividend("D-1", "AAPL", "12.5", recentTS(10)),
	}
	f.source.positions = []domain.RawPositionRecord{
		{Symbol: "AAPL", Quantity: json.Number("6")},
	}

	res, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 3, res.Posted)
	assert.True(t, res.Bootstrapped)
	assert.Zero(t, res.Rejected)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.PositionDrift)
	assert.False(t, res.DryRun)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	remaining, err := lots.NewEngine(f.conn, nopAudit{}, log).RemainingQty("AAPL", domain.LotLong)
	require.NoError(t, err)
	assert.Equal(t, "6", remaining.String())

	trail := f.auditTrail(t)
	assert.Contains(t, trail, "sync_completed")
	assert.Contains(t, trail, res.RunID)
	assert.Contains(t, trail, "response_hash")

	var saved Result
	require.NoError(t, utils.ReadJSONFile(f.tree.SyncResultFile(), &saved))
	assert.Equal(t, res.RunID, saved.RunID)
	assert.Equal(t, 3, saved.Posted)
}

func TestDriverRunSecondPassDeduplicates(t *testing.T) {
	f := newDriverFixture(t)
	f.source.trades = []domain.RawTradeRecord{
		rawTrade("T-1", "AAPL", "buy", "10", "100", recentTS(30)),
	}
	f.source.cash = []domain.RawCashActivity{
		rawDividend("D-1", "AAPL", "12.5", recentTS(10)),
	}

	first, err := f.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, first.Posted)
	require.Equal(t, 1, f.source.snapCalls)

	second, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, second.Posted)
	assert.Equal(t, 2, second.Duplicates)
	assert.False(t, second.Bootstrapped)
	assert.Equal(t, 1, f.source.snapCalls, "snapshot fetch must be skipped once seeded")
}

func TestDriverRunDedupesWithinPayload(t *testing.T) {
	f := newDriverFixture(t)
	f.source.trades = []domain.RawTradeRecord{
		rawTrade("T-1", "AAPL", "buy", "10", "100", recentTS(6)),
		rawTrade("T-1", "AAPL", "buy", "10", "100", recentTS(6)),
	}

	res, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Posted)
	assert.Equal(t, 1, res.Duplicates)
}

func TestDriverRunRejectsStaleTrade(t *testing.T) {
	f := newDriverFixture(t)
	stale := time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC3339)
	f.source.trades = []domain.RawTradeRecord{
		rawTrade("T-OLD", "AAPL", "buy", "5", "50", stale),
	}

	res, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, res.Posted)
	assert.Zero(t, res.Failed)

	trail := f.auditTrail(t)
	assert.Contains(t, trail, "compliance_reject")
	assert.Contains(t, trail, "timestamp_too_old")
}

func TestDriverRunSkipsMalformedRecords(t *testing.T) {
	f := newDriverFixture(t)
	f.source.trades = []domain.RawTradeRecord{
		rawTrade("T-BAD", "ADBE", "buy", "10", "100", ""),
		rawTrade("T-OK", "MSFT", "buy", "1", "10", recentTS(3)),
	}
	f.source.cash = []domain.RawCashActivity{
		{ActivityID: "C-BAD", ActivityType: "fee", Date: recentTS(2), Amount: json.Number("abc")},
	}

	res, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Malformed)
	assert.Equal(t, 1, res.Posted)
}

func TestDriverRunDryRunPostsNothing(t *testing.T) {
	f := newDriverFixture(t)
	require.NoError(t, f.flags.Raise(domain.FlagTestMode))
	f.source.trades = []domain.RawTradeRecord{
		rawTrade("T-1", "AAPL", "buy", "10", "100", recentTS(6)),
	}
	f.source.cash = []domain.RawCashActivity{
		rawDividend("D-1", "AAPL", "12.5", recentTS(4)),
	}

	res, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Zero(t, res.Posted)
	assert.Empty(t, res.SnapshotPath)
	assert.Zero(t, f.source.snapCalls)
	assert.Zero(t, f.ledgerRows(t))

	var saved Result
	require.NoError(t, utils.ReadJSONFile(f.tree.SyncResultFile(), &saved))
	assert.True(t, saved.DryRun)

	assert.Contains(t, f.auditTrail(t), "sync_dry_run")
}

func TestDriverRunDryRunReportsWouldBeRejects(t *testing.T) {
	f := newDriverFixture(t)
	require.NoError(t, f.flags.Raise(domain.FlagTestMode))
	stale := time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC3339)
	f.source.trades = []domain.RawTradeRecord{
		rawTrade("T-OLD", "AAPL", "buy", "5", "50", stale),
		rawTrade("T-OK", "AAPL", "buy", "5", "50", recentTS(6)),
	}

	res, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, res.Posted)
	assert.Zero(t, f.ledgerRows(t))
	assert.NotContains(t, f.auditTrail(t), "compliance_reject")
}

func TestDriverRunSnapshotsLedgerFile(t *testing.T) {
	f := newDriverFixture(t)
	require.NoError(t, utils.WriteFileAtomic(f.tree.LedgerDB(), []byte("ledger-bytes"), 0o644))

	res, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, res.SnapshotPath)
	assert.True(t, strings.HasPrefix(filepath.Base(res.SnapshotPath), "ledger_"))

	copied, err := os.ReadFile(res.SnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, "ledger-bytes", string(copied))

	entries, err := os.ReadDir(f.tree.SnapshotsDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDriverRunFetchFailureAborts(t *testing.T) {
	f := newDriverFixture(t)
	f.source.tradesErr = errors.New("alpaca: 500")

	res, err := f.driver.Run(context.Background())
	require.Error(t, err)

	assert.Contains(t, err.Error(), "failed to fetch trades")
	assert.Zero(t, res.Posted)
	assert.Zero(t, f.ledgerRows(t))
}

func TestDriverRunReportsPositionDrift(t *testing.T) {
	f := newDriverFixture(t)
	f.source.trades = []domain.RawTradeRecord{
		rawTrade("T-1", "AAPL", "buy", "10", "100", recentTS(6)),
	}
	f.source.positions = []domain.RawPositionRecord{
		{Symbol: "AAPL", Quantity: json.Number("15")},
		{Symbol: "TSLA", Quantity: json.Number("3")},
	}

	res, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.PositionDrift)
	assert.Contains(t, f.auditTrail(t), "position_drift")
}

func TestDriverRunFailedTradeDoesNotAbortRun(t *testing.T) {
	f := newDriverFixture(t)
	f.source.trades = []domain.RawTradeRecord{
		// Sells with no open lot fail at the lots engine.
		rawTrade("T-1", "NFLX", "sell", "5", "400", recentTS(8)),
		rawTrade("T-2", "MSFT", "buy", "2", "300", recentTS(4)),
	}

	res, err := f.driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Posted)
}
