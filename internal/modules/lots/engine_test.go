package lots

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
)

type captureAudit struct {
	actions []string
	fields  []domain.JSONValue
}

func (c *captureAudit) Event(action string, fields domain.JSONValue) {
	c.actions = append(c.actions, action)
	c.fields = append(c.fields, fields)
}

func newTestEngine(t *testing.T) (*Engine, *captureAudit) {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, database.ApplySchema(conn))

	audit := &captureAudit{}
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewEngine(conn, audit, log), audit
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openAt(t *testing.T, e *Engine, tradeID string, day int, qty, cost string) *domain.Lot {
	t.Helper()
	lot, err := e.Open(OpenParams{
		Symbol:        "AAPL",
		Side:          domain.LotLong,
		Qty:           d(qty),
		UnitCost:      d(cost),
		Fees:          decimal.Zero,
		OpenedTradeID: tradeID,
		OpenedAt:      time.Date(2026, 3, day, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return lot
}

func TestOpenLot(t *testing.T) {
	e, audit := newTestEngine(t)

	lot, err := e.Open(OpenParams{
		Symbol:        "aapl",
		Side:          domain.LotLong,
		Qty:           d("10"),
		UnitCost:      d("100.50"),
		Fees:          d("1.25"),
		OpenedTradeID: "T-1",
		OpenedAt:      time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "AAPL", lot.Symbol)
	assert.True(t, lot.QtyOpen.Equal(lot.QtyRemaining))

	remaining, err := e.RemainingQty("AAPL", domain.LotLong)
	require.NoError(t, err)
	assert.Equal(t, "10", remaining.String())

	require.Len(t, audit.actions, 1)
	assert.Equal(t, "LOT_OPENED", audit.actions[0])
}

func TestOpenLotValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	base := OpenParams{
		Symbol:        "AAPL",
		Side:          domain.LotLong,
		Qty:           d("1"),
		UnitCost:      d("10"),
		OpenedTradeID: "T-1",
		OpenedAt:      time.Now(),
	}

	tests := []struct {
		name   string
		mutate func(*OpenParams)
	}{
		{"empty symbol", func(p *OpenParams) { p.Symbol = "" }},
		{"bad side", func(p *OpenParams) { p.Side = "sideways" }},
		{"zero qty", func(p *OpenParams) { p.Qty = decimal.Zero }},
		{"negative qty", func(p *OpenParams) { p.Qty = d("-1") }},
		{"zero time", func(p *OpenParams) { p.OpenedAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := e.Open(p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
		})
	}
}

func TestAllocateForCloseFIFO(t *testing.T) {
	e, _ := newTestEngine(t)
	first := openAt(t, e, "T-1", 2, "5", "10")
	second := openAt(t, e, "T-2", 3, "5", "12")
	openAt(t, e, "T-3", 4, "5", "14")

	allocs, err := e.AllocateForClose("AAPL", d("8"), domain.LotLong, "FIFO")
	require.NoError(t, err)

	require.Len(t, allocs, 2)
	assert.Equal(t, first.ID, allocs[0].LotID)
	assert.Equal(t, "5", allocs[0].Qty.String())
	assert.Equal(t, second.ID, allocs[1].LotID)
	assert.Equal(t, "3", allocs[1].Qty.String())
	assert.Equal(t, "12", allocs[1].UnitCost.String())
}

func TestAllocateForCloseInsufficient(t *testing.T) {
	e, _ := newTestEngine(t)
	openAt(t, e, "T-1", 2, "5", "10")

	_, err := e.AllocateForClose("AAPL", d("6"), domain.LotLong, "FIFO")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientInventory))
}

func TestAllocateForCloseUnknownPolicy(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.AllocateForClose("AAPL", d("1"), domain.LotLong, "LIFO")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestRecordCloseLong(t *testing.T) {
	e, audit := newTestEngine(t)
	openAt(t, e, "T-1", 2, "10", "100")

	allocs, err := e.AllocateForClose("AAPL", d("10"), domain.LotLong, "")
	require.NoError(t, err)

	result, err := e.RecordClose(CloseParams{
		Side:           domain.LotLong,
		Allocations:    allocs,
		CloseTradeID:   "T-2",
		ProceedsTotal:  d("1100"),
		TotalCloseFees: d("2"),
		ClosedAt:       time.Date(2026, 3, 5, 16, 0, 0, 0, time.UTC),
		PnLFeesAffect:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, "98", result.RealizedPnL.String())
	assert.Equal(t, "1000", result.BasisTotal.String())
	require.Len(t, result.Closures, 1)

	remaining, err := e.RemainingQty("AAPL", domain.LotLong)
	require.NoError(t, err)
	assert.True(t, remaining.IsZero())

	assert.Contains(t, audit.actions, "LOT_CLOSED")
}

func TestRecordCloseShort(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Open(OpenParams{
		Symbol:        "TSLA",
		Side:          domain.LotShort,
		Qty:           d("5"),
		UnitCost:      d("50"),
		OpenedTradeID: "T-1",
		OpenedAt:      time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	allocs, err := e.AllocateForClose("TSLA", d("5"), domain.LotShort, "")
	require.NoError(t, err)

	result, err := e.RecordClose(CloseParams{
		Side:           domain.LotShort,
		Allocations:    allocs,
		CloseTradeID:   "T-2",
		ProceedsTotal:  d("200"),
		TotalCloseFees: d("1"),
		ClosedAt:       time.Date(2026, 3, 6, 16, 0, 0, 0, time.UTC),
		PnLFeesAffect:  true,
	})
	require.NoError(t, err)

	// Short: opened at 50/share (250 basis), covered for 200, minus 1 fee.
	assert.Equal(t, "49", result.RealizedPnL.String())
}

func TestRecordCloseProRata(t *testing.T) {
	e, _ := newTestEngine(t)
	a := openAt(t, e, "T-1", 2, "5", "10")
	b := openAt(t, e, "T-2", 3, "5", "12")

	allocs, err := e.AllocateForClose("AAPL", d("8"), domain.LotLong, "")
	require.NoError(t, err)

	result, err := e.RecordClose(CloseParams{
		Side:           domain.LotLong,
		Allocations:    allocs,
		CloseTradeID:   "T-3",
		ProceedsTotal:  d("96"),
		TotalCloseFees: d("0.90"),
		ClosedAt:       time.Date(2026, 3, 7, 16, 0, 0, 0, time.UTC),
		PnLFeesAffect:  true,
	})
	require.NoError(t, err)
	require.Len(t, result.Closures, 2)

	// Pro-rata by 5/8 and 3/8, remainder on the last row.
	assert.Equal(t, "60", result.Closures[0].ProceedsAmount.String())
	assert.Equal(t, "36", result.Closures[1].ProceedsAmount.String())
	sumFees := result.Closures[0].FeesAlloc.Add(result.Closures[1].FeesAlloc)
	assert.Equal(t, "0.9", sumFees.String())

	sumProceeds := result.Closures[0].ProceedsAmount.Add(result.Closures[1].ProceedsAmount)
	assert.True(t, sumProceeds.Equal(d("96")))

	// Lot conservation: qty_open = qty_remaining + closed qty.
	lotA, err := e.Lot(a.ID)
	require.NoError(t, err)
	assert.True(t, lotA.QtyRemaining.IsZero())
	lotB, err := e.Lot(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", lotB.QtyRemaining.String())

	closures, err := e.ClosuresForTrade("T-3")
	require.NoError(t, err)
	closed := decimal.Zero
	for _, c := range closures {
		closed = closed.Add(c.CloseQty)
	}
	assert.True(t, closed.Equal(d("8")))
}

func TestRecordCloseRollsBackOnInsufficient(t *testing.T) {
	e, _ := newTestEngine(t)
	lot := openAt(t, e, "T-1", 2, "5", "10")

	// Fabricated over-allocation: more than the lot holds.
	_, err := e.RecordClose(CloseParams{
		Side: domain.LotLong,
		Allocations: []Allocation{
			{LotID: lot.ID, Qty: d("3"), UnitCost: d("10")},
			{LotID: lot.ID, Qty: d("3"), UnitCost: d("10")},
		},
		CloseTradeID:  "T-2",
		ProceedsTotal: d("66"),
		ClosedAt:      time.Now(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientInventory))

	// Nothing committed: the first decrement was rolled back too.
	got, err := e.Lot(lot.ID)
	require.NoError(t, err)
	assert.Equal(t, "5", got.QtyRemaining.String())

	closures, err := e.ClosuresForTrade("T-2")
	require.NoError(t, err)
	assert.Empty(t, closures)
}

func TestRecordCloseFeesDoNotAffectPnL(t *testing.T) {
	e, _ := newTestEngine(t)
	openAt(t, e, "T-1", 2, "10", "100")

	allocs, err := e.AllocateForClose("AAPL", d("10"), domain.LotLong, "")
	require.NoError(t, err)

	result, err := e.RecordClose(CloseParams{
		Side:           domain.LotLong,
		Allocations:    allocs,
		CloseTradeID:   "T-2",
		ProceedsTotal:  d("1100"),
		TotalCloseFees: d("2"),
		ClosedAt:       time.Now(),
		PnLFeesAffect:  false,
	})
	require.NoError(t, err)
	assert.Equal(t, "100", result.RealizedPnL.String())
}
