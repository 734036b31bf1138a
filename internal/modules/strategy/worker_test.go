package strategy

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/lifecycle"
	"github.com/aristath/tradebook/internal/modules/lots"
	"github.com/aristath/tradebook/internal/utils"
)

type nopAudit struct{}

func (nopAudit) Event(string, domain.JSONValue) {}

type fakeQuotes struct {
	bars map[string][]domain.Bar
	last map[string]float64
}

func (f *fakeQuotes) FetchBars(_ context.Context, symbol string, _ int) ([]domain.Bar, error) {
	if b, ok := f.bars[symbol]; ok {
		return b, nil
	}
	return nil, errors.New("no bars for symbol")
}

func (f *fakeQuotes) FetchLastPrice(_ context.Context, symbol string) (float64, error) {
	if px, ok := f.last[symbol]; ok {
		return px, nil
	}
	return 0, errors.New("no quote for symbol")
}

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []domain.OrderRequest
}

func (f *fakeSubmitter) SubmitOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return "ORD-1", nil
}

type fakeRebuilder struct {
	symbols []string
	err     error
	calls   int
}

func (f *fakeRebuilder) RebuildUniverse(context.Context) ([]string, error) {
	f.calls++
	return f.symbols, f.err
}

type workerFixture struct {
	worker *Worker
	tree   *identity.Tree
	state  *lifecycle.Store
	flags  *lifecycle.Flags
	status *lifecycle.StatusWriter
	lots   *lots.Engine
	bars   *BarCache
}

func newWorkerFixture(t *testing.T, force bool) *workerFixture {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	tree, err := identity.NewTree(t.TempDir(), domain.Identity4{
		EntityCode:       "ACME",
		JurisdictionCode: "US",
		BrokerCode:       "ALPACA",
		BotID:            "BOT1",
	})
	require.NoError(t, err)
	require.NoError(t, tree.EnsureDirs())

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, database.ApplySchema(conn))

	state := lifecycle.NewStore(tree.StateFile(), tree.StateHistoryFile(), log)
	flags := lifecycle.NewFlags(tree, log)
	status := lifecycle.NewStatusWriter(tree.StatusFile(), log)
	lotEngine := lots.NewEngine(conn, nopAudit{}, log)

	w := NewWorker(tree, testCfg(), state, flags, status, lotEngine, force, log)
	w.now = func() time.Time { return time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC) }

	return &workerFixture{
		worker: w,
		tree:   tree,
		state:  state,
		flags:  flags,
		status: status,
		lots:   lotEngine,
		bars:   w.bars,
	}
}

// peakAndFade returns a month of bars that climb into a peak and then slide
// far enough to put any trailing stop under water.
func peakAndFade() []domain.Bar {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, 30)
	for i := range bars {
		close := 100 + float64(i)
		if i > 20 {
			close = 120 - 3.3*float64(i-20)
		}
		if i == len(bars)-1 {
			close = 90
		}
		bars[i] = domain.Bar{
			Date:   base.AddDate(0, 0, i),
			Open:   close,
			High:   close + 0.5,
			Low:    close - 0.5,
			Close:  close,
			Volume: 1000,
		}
	}
	return bars
}

func openLot(t *testing.T, f *workerFixture, symbol string) {
	t.Helper()
	_, err := f.lots.Open(lots.OpenParams{
		Symbol:        symbol,
		Side:          domain.LotLong,
		Qty:           decimal.RequireFromString("10"),
		UnitCost:      decimal.RequireFromString("100"),
		Fees:          decimal.Zero,
		OpenedTradeID: "T-1",
		OpenedAt:      time.Date(2026, 2, 20, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func TestWorkerStrategyGateBlocksIdleState(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.bars.Store("BRK", risingSeries(40, 120)))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))

	assert.False(t, utils.Exists(f.tree.PhaseResultFile(domain.PhaseOpen)))
	assert.False(t, utils.Exists(f.tree.StrategyStampFile(domain.PhaseOpen)))
}

func TestWorkerStrategyRunsWhenTrading(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateTrading, "test"))
	require.NoError(t, f.bars.Store("BRK", risingSeries(40, 120)))
	require.NoError(t, f.bars.Store("FLT", flatSeries(40)))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))

	var doc strategyResult
	require.NoError(t, utils.ReadJSONFile(f.tree.PhaseResultFile(domain.PhaseOpen), &doc))
	assert.Equal(t, "open", doc.Phase)
	assert.Equal(t, "live", doc.Mode)
	assert.Equal(t, 2, doc.SymbolsScanned)
	require.Len(t, doc.Signals, 1)
	assert.Equal(t, "BRK", doc.Signals[0].Symbol)

	status, err := f.status.Read()
	require.NoError(t, err)
	st, ok := status.Stamps["strategy_open_last.json"]
	require.True(t, ok)
	assert.Equal(t, lifecycle.StampOK, st.Kind)
	assert.Contains(t, st.Detail, "1 signals")

	assert.True(t, utils.Exists(f.tree.StrategyStampFile(domain.PhaseOpen)))
}

func TestWorkerStrategySecondRunIsQuiet(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateTrading, "test"))
	require.NoError(t, f.bars.Store("BRK", risingSeries(40, 120)))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))
	require.NoError(t, os.Remove(f.tree.PhaseResultFile(domain.PhaseOpen)))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))
	assert.False(t, utils.Exists(f.tree.PhaseResultFile(domain.PhaseOpen)))
}

func TestWorkerForceBypassesGateAndStamp(t *testing.T) {
	f := newWorkerFixture(t, true)
	require.NoError(t, f.bars.Store("BRK", risingSeries(40, 120)))

	// State never set: idle would normally block.
	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))
	assert.True(t, utils.Exists(f.tree.PhaseResultFile(domain.PhaseOpen)))

	require.NoError(t, os.Remove(f.tree.PhaseResultFile(domain.PhaseOpen)))
	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))
	assert.True(t, utils.Exists(f.tree.PhaseResultFile(domain.PhaseOpen)))
}

func TestWorkerStrategyDisabledPhase(t *testing.T) {
	f := newWorkerFixture(t, false)
	f.worker.cfg.StratOpenEnabled = false
	require.NoError(t, f.state.Set(domain.StateTrading, "test"))
	require.NoError(t, f.bars.Store("BRK", risingSeries(40, 120)))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))
	assert.False(t, utils.Exists(f.tree.PhaseResultFile(domain.PhaseOpen)))
}

func TestWorkerStrategyTestModeFlag(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateTrading, "test"))
	require.NoError(t, f.flags.Raise(domain.FlagTestMode))
	require.NoError(t, f.bars.Store("BRK", risingSeries(40, 120)))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))

	var doc strategyResult
	require.NoError(t, utils.ReadJSONFile(f.tree.PhaseResultFile(domain.PhaseOpen), &doc))
	assert.Equal(t, "test", doc.Mode)

	status, err := f.status.Read()
	require.NoError(t, err)
	assert.Contains(t, status.Stamps["strategy_open_last.json"].Detail, "test mode")
}

func TestWorkerStrategyUsesUniverseFileAndQuoteSource(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateTrading, "test"))
	require.NoError(t, utils.WriteJSONAtomic(f.tree.UniverseFile(), universeDoc{
		GeneratedAtUTC: "2026-03-01T21:30:00Z",
		Symbols:        []string{"FETCH"},
	}, 0o644))
	f.worker.Quotes = &fakeQuotes{bars: map[string][]domain.Bar{"FETCH": risingSeries(40, 120)}}

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))

	var doc strategyResult
	require.NoError(t, utils.ReadJSONFile(f.tree.PhaseResultFile(domain.PhaseOpen), &doc))
	require.Len(t, doc.Signals, 1)
	assert.Equal(t, "FETCH", doc.Signals[0].Symbol)

	// The fetched window landed in the cache for later phases.
	cached, err := f.bars.Load("FETCH")
	require.NoError(t, err)
	assert.Len(t, cached, 40)
}

func TestWorkerHoldingsTriggersTrailingExit(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateTrading, "test"))
	openLot(t, f, "AAPL")
	require.NoError(t, f.bars.Store("AAPL", peakAndFade()))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseHoldingsOpen))

	raw, err := os.ReadFile(f.tree.PhaseResultFile(domain.PhaseHoldingsOpen))
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "checked=1 exits=1")
	assert.Contains(t, text, "AAPL sell qty=10")
	assert.Contains(t, text, "trailing stop hit")

	status, err := f.status.Read()
	require.NoError(t, err)
	st := status.Stamps["holdings_manager_last.txt"]
	assert.Equal(t, lifecycle.StampOK, st.Kind)
	assert.Equal(t, "checked=1 exits=1", st.Detail)
}

func TestWorkerHoldingsNoPositions(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateTrading, "test"))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseHoldingsOpen))

	raw, err := os.ReadFile(f.tree.PhaseResultFile(domain.PhaseHoldingsOpen))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "checked=0 exits=0")
}

func TestWorkerHoldingsSubmitsExitOrder(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateTrading, "test"))
	openLot(t, f, "AAPL")
	require.NoError(t, f.bars.Store("AAPL", peakAndFade()))

	submitter := &fakeSubmitter{}
	f.worker.Orders = submitter

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseHoldingsOpen))

	require.Len(t, submitter.reqs, 1)
	req := submitter.reqs[0]
	assert.Equal(t, "AAPL", req.Symbol)
	assert.Equal(t, "sell", req.Side)
	assert.Equal(t, "trailing_stop", req.Strategy)
	assert.Equal(t, "10", req.Quantity.String())
	assert.True(t, req.LimitPrice.IsPositive())
}

func TestWorkerHoldingsTestModeSkipsOrderRouting(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateTrading, "test"))
	require.NoError(t, f.flags.Raise(domain.FlagTestMode))
	openLot(t, f, "AAPL")
	require.NoError(t, f.bars.Store("AAPL", peakAndFade()))

	submitter := &fakeSubmitter{}
	f.worker.Orders = submitter

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseHoldingsOpen))

	assert.Empty(t, submitter.reqs)
	raw, err := os.ReadFile(f.tree.PhaseResultFile(domain.PhaseHoldingsOpen))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "mode=test")
	assert.Contains(t, string(raw), "exits=1")
}

func TestWorkerHoldingsGateAcceptsUpdatingState(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateUpdating, "test"))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseHoldingsOpen))
	assert.True(t, utils.Exists(f.tree.PhaseResultFile(domain.PhaseHoldingsOpen)))

	// Strategy phases still require a runnable state.
	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseOpen))
	assert.False(t, utils.Exists(f.tree.PhaseResultFile(domain.PhaseOpen)))
}

func TestWorkerUniverseRebuild(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateUpdating, "test"))
	rebuilder := &fakeRebuilder{symbols: []string{"AAA", "BBB"}}
	f.worker.Universe = rebuilder

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseUniverse))

	assert.Equal(t, 1, rebuilder.calls)
	var doc universeDoc
	require.NoError(t, utils.ReadJSONFile(f.tree.UniverseFile(), &doc))
	assert.Equal(t, []string{"AAA", "BBB"}, doc.Symbols)

	raw, err := os.ReadFile(f.tree.PhaseResultFile(domain.PhaseUniverse))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "symbols=2")

	status, err := f.status.Read()
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StampOK, status.Stamps["universe_rebuild_last.txt"].Kind)
}

func TestWorkerUniverseNoRebuilderWired(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateUpdating, "test"))

	require.NoError(t, f.worker.Run(context.Background(), domain.PhaseUniverse))

	assert.False(t, utils.Exists(f.tree.UniverseFile()))
	status, err := f.status.Read()
	require.NoError(t, err)
	st := status.Stamps["universe_rebuild_last.txt"]
	assert.Equal(t, lifecycle.StampOK, st.Kind)
	assert.Contains(t, st.Detail, "not wired")
}

func TestWorkerUniverseFailureRecordsFailedStamp(t *testing.T) {
	f := newWorkerFixture(t, false)
	require.NoError(t, f.state.Set(domain.StateUpdating, "test"))
	f.worker.Universe = &fakeRebuilder{err: errors.New("screener down")}

	err := f.worker.Run(context.Background(), domain.PhaseUniverse)
	require.Error(t, err)

	status, rerr := f.status.Read()
	require.NoError(t, rerr)
	st := status.Stamps["universe_rebuild_last.txt"]
	assert.Equal(t, lifecycle.StampFailed, st.Kind)
	assert.Contains(t, st.Detail, "screener down")
}

func TestWorkerUnknownPhase(t *testing.T) {
	f := newWorkerFixture(t, false)
	err := f.worker.Run(context.Background(), domain.Phase("bogus"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
