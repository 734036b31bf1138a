package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BrokerActivitySource defines the boundary to an external broker adapter.
// The sync driver pulls raw activity through this interface; adapters for
// specific brokers (Alpaca, IBKR, etc.) live outside the core.
type BrokerActivitySource interface {
	// FetchTrades returns executed trades in [from, to].
	FetchTrades(ctx context.Context, from, to time.Time) ([]RawTradeRecord, error)

	// FetchCashActivities returns non-trade cash activity in [from, to]:
	// dividends, interest, fees, transfers, deposits, withdrawals.
	FetchCashActivities(ctx context.Context, from, to time.Time) ([]RawCashActivity, error)

	// FetchPositions returns the broker's current position rows.
	FetchPositions(ctx context.Context) ([]RawPositionRecord, error)

	// FetchAccountSnapshot returns the account's cash and positions as of
	// now, used by the opening balance bootstrap.
	FetchAccountSnapshot(ctx context.Context) (*AccountSnapshot, error)
}

// QuoteSource provides market data to the strategy phase workers.
type QuoteSource interface {
	// FetchBars returns up to days daily candles for symbol, oldest first.
	FetchBars(ctx context.Context, symbol string, days int) ([]Bar, error)

	// FetchLastPrice returns the most recent traded price for symbol.
	FetchLastPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderRequest is a strategy signal turned into an order instruction for
// the external broker adapter.
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Strategy   string          `json:"strategy"`
	Notes      string          `json:"notes,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// OrderSubmitter forwards order instructions to the external broker
// adapter. Implementations return the broker-assigned order id.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
}

// UniverseRebuilder regenerates the tradable symbol list. The screener is an
// external collaborator; the universe phase worker drives it and records the
// outcome.
type UniverseRebuilder interface {
	RebuildUniverse(ctx context.Context) ([]string, error)
}
