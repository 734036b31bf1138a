// Package domain provides the shared core types: identity, normalized
// records, ledger legs, lots, mapping rows, and schedules. It has no
// dependencies on other internal packages so every component can import it.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// JSONValue holds arbitrary JSON-shaped data, used for raw broker
// passthrough and audit extras. Typed records everywhere else.
type JSONValue = map[string]any

// TrnType is the OFX-aligned transaction type of a normalized record.
type TrnType string

const (
	TrnBuy        TrnType = "BUY"
	TrnSell       TrnType = "SELL"
	TrnTransfer   TrnType = "TRANSFER"
	TrnDiv        TrnType = "DIV"
	TrnInt        TrnType = "INT"
	TrnFee        TrnType = "FEE"
	TrnXfer       TrnType = "XFER"
	TrnWithdrawal TrnType = "WITHDRAWAL"
	TrnDeposit    TrnType = "DEPOSIT"
	TrnPos        TrnType = "POS"
	TrnOther      TrnType = "OTHER"
)

// RecordKind discriminates the three normalized record families.
type RecordKind string

const (
	KindTrade    RecordKind = "trade"
	KindCash     RecordKind = "cash"
	KindPosition RecordKind = "position"
)

// NormalizedRecord is the canonical form of one broker record. Exactly one
// of Trade, Cash, Position is non-nil, selected by Kind.
type NormalizedRecord struct {
	DTPosted time.Time       `json:"dtposted"`
	Trade    *TradeFields    `json:"trade,omitempty"`
	Cash     *CashFields     `json:"cash,omitempty"`
	Position *PositionFields `json:"position,omitempty"`
	Raw      JSONValue       `json:"raw_broker,omitempty"`
	Kind     RecordKind      `json:"kind"`
	TrnType  TrnType         `json:"trntype"`
	FITID    string          `json:"fitid"`
	GroupID  string          `json:"group_id"`
	Identity4
}

// TradeFields carries the trade-family payload of a NormalizedRecord.
type TradeFields struct {
	TradeID    string          `json:"trade_id"`
	OrderID    string          `json:"order_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Action     string          `json:"action"`
	Currency   string          `json:"currency,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	TotalValue decimal.Decimal `json:"total_value"`
	Fee        decimal.Decimal `json:"fee"`
	Commission decimal.Decimal `json:"commission"`
}

// CashFields carries the cash-activity payload of a NormalizedRecord.
type CashFields struct {
	ActivityID  string          `json:"activity_id"`
	Symbol      string          `json:"symbol,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// PositionFields carries a point-in-time position snapshot payload.
type PositionFields struct {
	Symbol      string          `json:"symbol"`
	Currency    string          `json:"currency,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	MarketValue decimal.Decimal `json:"market_value"`
	Basis       decimal.Decimal `json:"basis"`
}

// LegSide is the double-entry side of a ledger leg.
type LegSide string

const (
	SideDebit  LegSide = "debit"
	SideCredit LegSide = "credit"
)

// Valid reports whether s is one of the two recognized sides.
func (s LegSide) Valid() bool { return s == SideDebit || s == SideCredit }

// TradeLeg is one row of the ledger: half of a double-entry journal.
// Sign convention: positive TotalValue = debit, negative = credit.
// Amount is the magnitude of TotalValue.
type TradeLeg struct {
	DatetimeUTC time.Time       `json:"datetime_utc"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	RawBroker   JSONValue       `json:"raw_broker_json,omitempty"`
	Metadata    JSONValue       `json:"json_metadata,omitempty"`
	TradeID     string          `json:"trade_id"`
	GroupID     string          `json:"group_id"`
	Symbol      string          `json:"symbol,omitempty"`
	Action      string          `json:"action,omitempty"`
	Account     string          `json:"account"`
	Strategy    string          `json:"strategy,omitempty"`
	Tags        string          `json:"tags,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	FITID       string          `json:"fitid,omitempty"`
	Status      string          `json:"status,omitempty"`
	Side        LegSide         `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Commission  decimal.Decimal `json:"commission"`
	ID          int64           `json:"id"`
	Identity4
}

// LotSide distinguishes long inventory from short inventory.
type LotSide string

const (
	LotLong  LotSide = "long"
	LotShort LotSide = "short"
)

// Lot is one inventory unit. For long lots UnitCost is the cost per share;
// for short lots it is the short proceeds per share.
type Lot struct {
	OpenedAtUTC   time.Time       `json:"opened_at_utc"`
	Symbol        string          `json:"symbol"`
	OpenedTradeID string          `json:"opened_trade_id"`
	Side          LotSide         `json:"side"`
	QtyOpen       decimal.Decimal `json:"qty_open"`
	QtyRemaining  decimal.Decimal `json:"qty_remaining"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	FeesAlloc     decimal.Decimal `json:"fees_alloc"`
	ID            int64           `json:"id"`
}

// LotClosure records one allocation of a close against an open lot.
type LotClosure struct {
	ClosedAtUTC    time.Time       `json:"closed_at_utc"`
	CloseTradeID   string          `json:"close_trade_id"`
	CloseQty       decimal.Decimal `json:"close_qty"`
	BasisAmount    decimal.Decimal `json:"basis_amount"`
	ProceedsAmount decimal.Decimal `json:"proceeds_amount"`
	FeesAlloc      decimal.Decimal `json:"fees_alloc"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	ID             int64           `json:"id"`
	LotID          int64           `json:"lot_id"`
}

// MatchSpec is the subset of discriminators a mapping rule matches on.
// Missing keys are ignored during fallback matching.
type MatchSpec struct {
	Broker      string `json:"broker,omitempty"`
	Type        string `json:"type,omitempty"`
	Subtype     string `json:"subtype,omitempty"`
	Description string `json:"description,omitempty"`
}

// MappingRow is one immutable row of the append-only COA mapping table.
// For a given RuleCode at most one row is active at a time.
type MappingRow struct {
	RuleCode      string    `json:"rule_code"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	UpdatedBy     string    `json:"updated_by"`
	UpdatedAtUTC  string    `json:"updated_at_utc"`
	Reason        string    `json:"reason,omitempty"`
	Match         MatchSpec `json:"match"`
	VersionID     int       `json:"version_id"`
	Active        bool      `json:"active"`
}

// Schedule holds one trading day's computed phase targets, all UTC.
type Schedule struct {
	CreatedAtUTC          time.Time `json:"created_at_utc"`
	OpenUTC               time.Time `json:"open_utc"`
	MidUTC                time.Time `json:"mid_utc"`
	CloseUTC              time.Time `json:"close_utc"`
	HoldingsOpenUTC       time.Time `json:"holdings_open_utc"`
	HoldingsMidUTC        time.Time `json:"holdings_mid_utc"`
	UniverseUTC           time.Time `json:"universe_utc"`
	TradingDate           string    `json:"trading_date"`
	MarketCloseUTCHint    string    `json:"market_close_utc_hint,omitempty"`
	HoldingsAfterOpenMin  int       `json:"holdings_after_open_min"`
	HoldingsAfterMidMin   int       `json:"holdings_after_mid_min"`
	UniverseAfterCloseMin int       `json:"universe_after_close_min"`
}

// AccountBalance is one account's computed balance window.
type AccountBalance struct {
	Account        string          `json:"account"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Debits         decimal.Decimal `json:"debits"`
	Credits        decimal.Decimal `json:"credits"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
}

// SnapshotPosition is one position inside a broker account snapshot.
type SnapshotPosition struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	Basis       decimal.Decimal `json:"basis"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// AccountSnapshot is the broker's point-in-time account state, consumed by
// the opening balance bootstrap.
type AccountSnapshot struct {
	AsOfUTC   time.Time          `json:"as_of_utc"`
	Positions []SnapshotPosition `json:"positions"`
	Cash      decimal.Decimal    `json:"cash"`
}

// RawTradeRecord is one execution as delivered by a broker adapter.
// Numeric fields stay json.Number until the normalizer sanitizes them.
type RawTradeRecord struct {
	ID         string      `json:"id,omitempty"`
	TradeID    string      `json:"trade_id,omitempty"`
	OrderID    string      `json:"order_id,omitempty"`
	Symbol     string      `json:"symbol"`
	Action     string      `json:"action"`
	Currency   string      `json:"currency,omitempty"`
	ExecutedAt string      `json:"executed_at,omitempty"`
	Quantity   json.Number `json:"quantity"`
	Price      json.Number `json:"price"`
	TotalValue json.Number `json:"total_value,omitempty"`
	Fee        json.Number `json:"fee,omitempty"`
	Commission json.Number `json:"commission,omitempty"`
	Raw        JSONValue   `json:"-"`
}

// RawCashActivity is one cash-family activity as delivered by a broker
// adapter: dividends, interest, fees, transfers, deposits, withdrawals.
type RawCashActivity struct {
	ID           string      `json:"id,omitempty"`
	ActivityID   string      `json:"activity_id,omitempty"`
	ActivityType string      `json:"activity_type"`
	Symbol       string      `json:"symbol,omitempty"`
	Currency     string      `json:"currency,omitempty"`
	Description  string      `json:"description,omitempty"`
	Date         string      `json:"date,omitempty"`
	Amount       json.Number `json:"amount"`
	Raw          JSONValue   `json:"-"`
}

// RawPositionRecord is one position snapshot row as delivered by a broker
// adapter.
type RawPositionRecord struct {
	Symbol      string      `json:"symbol"`
	Currency    string      `json:"currency,omitempty"`
	AsOf        string      `json:"as_of,omitempty"`
	Quantity    json.Number `json:"quantity"`
	UnitPrice   json.Number `json:"unit_price,omitempty"`
	MarketValue json.Number `json:"market_value,omitempty"`
	Basis       json.Number `json:"basis,omitempty"`
	Raw         JSONValue   `json:"-"`
}

// Bar is one OHLCV candle used by the strategy workers.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}
