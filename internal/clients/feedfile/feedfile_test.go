package feedfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `{
  "account": {
    "as_of_utc": "2026-03-02T21:00:00Z",
    "cash": "2500.00",
    "positions": [
      {"symbol": "AAPL", "qty": "10", "basis": "1500.00", "market_value": "1750.00"}
    ]
  },
  "trades": [
    {"trade_id": "T-1", "symbol": "AAPL", "action": "buy", "executed_at": "2026-03-03T14:40:00Z",
     "quantity": "10", "price": "150.25", "fee": "1.00"},
    {"trade_id": "T-OLD", "symbol": "MSFT", "action": "buy", "executed_at": "2025-01-01T10:00:00Z",
     "quantity": "5", "price": "300"},
    {"trade_id": "T-NODATE", "symbol": "IBM", "action": "sell", "quantity": "1", "price": "120"}
  ],
  "cash_activities": [
    {"activity_id": "A-1", "activity_type": "dividend", "symbol": "AAPL",
     "date": "2026-03-03T12:00:00Z", "amount": "12.34"}
  ],
  "positions": [
    {"symbol": "AAPL", "quantity": "10", "unit_price": "175.00"}
  ]
}`

func newTestSource(t *testing.T, content string) *Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return New(path, zerolog.New(nil).Level(zerolog.Disabled))
}

func window() (time.Time, time.Time) {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
}

func TestFetchTradesFiltersWindow(t *testing.T) {
	src := newTestSource(t, sampleFeed)
	from, to := window()

	trades, err := src.FetchTrades(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Equal(t, "T-1", trades[0].TradeID)
	assert.Equal(t, "150.25", trades[0].Price.String())
	require.NotNil(t, trades[0].Raw)
	assert.Equal(t, "buy", trades[0].Raw["action"])

	// Missing timestamp passes through for the normalizer to judge.
	assert.Equal(t, "T-NODATE", trades[1].TradeID)
}

func TestFetchCashActivities(t *testing.T) {
	src := newTestSource(t, sampleFeed)
	from, to := window()

	cash, err := src.FetchCashActivities(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, cash, 1)
	assert.Equal(t, "A-1", cash[0].ActivityID)
	assert.Equal(t, "dividend", cash[0].ActivityType)
	assert.Equal(t, "12.34", cash[0].Amount.String())
}

func TestFetchPositions(t *testing.T) {
	src := newTestSource(t, sampleFeed)

	positions, err := src.FetchPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)

	// A feed without a positions list must error, not read as flat.
	bare := newTestSource(t, `{"trades": []}`)
	_, err = bare.FetchPositions(context.Background())
	assert.Error(t, err)
}

func TestFetchAccountSnapshot(t *testing.T) {
	src := newTestSource(t, sampleFeed)

	snap, err := src.FetchAccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2500", snap.Cash.String())
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "AAPL", snap.Positions[0].Symbol)
	assert.Equal(t, 2026, snap.AsOfUTC.Year())

	bare := newTestSource(t, `{"trades": []}`)
	_, err = bare.FetchAccountSnapshot(context.Background())
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	src := New(filepath.Join(t.TempDir(), "missing.json"), zerolog.New(nil).Level(zerolog.Disabled))
	_, err := src.FetchTrades(context.Background(), time.Time{}, time.Now())
	assert.Error(t, err)

	bad := newTestSource(t, `{not json`)
	_, err = bad.FetchTrades(context.Background(), time.Time{}, time.Now())
	assert.Error(t, err)
}
