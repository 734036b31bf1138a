package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/modules/lots"
)

// TradeRoute classifies a broker action verb into the lot direction it
// opens or closes.
type TradeRoute string

const (
	RouteOpenLong   TradeRoute = "open_long"
	RouteCloseLong  TradeRoute = "close_long"
	RouteOpenShort  TradeRoute = "open_short"
	RouteCloseShort TradeRoute = "close_short"
	RouteOther      TradeRoute = "other"
)

// RouteAction maps a broker action verb to its trade route.
func RouteAction(action string) TradeRoute {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "buy", "buy_to_open", "long":
		return RouteOpenLong
	case "sell", "sell_to_close":
		return RouteCloseLong
	case "sell_short", "sell_to_open", "short":
		return RouteOpenShort
	case "buy_to_cover", "buy_to_close":
		return RouteCloseShort
	default:
		return RouteOther
	}
}

// TradeParams describes one executed fill for the trade primitives.
type TradeParams struct {
	Timestamp  time.Time
	Raw        domain.JSONValue
	TradeID    string
	GroupID    string
	FITID      string
	Symbol     string
	Action     string
	Strategy   string
	Notes      string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	Commission decimal.Decimal
}

// CashParams describes a non-trade money movement.
type CashParams struct {
	Timestamp   time.Time
	Raw         domain.JSONValue
	ActivityID  string
	GroupID     string
	FITID       string
	Symbol      string
	Description string
	Amount      decimal.Decimal
}

func (p *TradeParams) validate() error {
	if p.Symbol == "" {
		return domain.NewValidationError("symbol", "trade symbol is required")
	}
	if p.TradeID == "" {
		return domain.NewValidationError("trade_id", "trade id is required")
	}
	if p.Timestamp.IsZero() {
		return domain.NewValidationError("timestamp", "trade timestamp is required")
	}
	if p.Quantity.LessThanOrEqual(decimal.Zero) {
		return domain.NewValidationError("quantity", "trade quantity must be positive")
	}
	if p.Price.IsNegative() {
		return domain.NewValidationError("price", "trade price cannot be negative")
	}
	return nil
}

func (p *TradeParams) gross() decimal.Decimal {
	return domain.QuantizeMoney(p.Quantity.Mul(p.Price))
}

func (p *TradeParams) feeTotal() decimal.Decimal {
	return domain.QuantizeMoney(p.Fee.Add(p.Commission))
}

func (p *TradeParams) groupID() string {
	if p.GroupID != "" {
		return p.GroupID
	}
	return p.TradeID
}

// EquityAccount returns the per-symbol holdings account, or the aggregate
// holdings account when the symbol is unknown.
func EquityAccount(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return AccountEquityFallbck
	}
	return AccountEquityPrefix + symbol
}

// PostTrade dispatches a fill to the matching primitive by its action verb.
func (e *Engine) PostTrade(p TradeParams) error {
	switch RouteAction(p.Action) {
	case RouteOpenLong:
		return e.PostBuy(p)
	case RouteCloseLong:
		return e.PostSell(p)
	case RouteOpenShort:
		return e.PostShortOpen(p)
	case RouteCloseShort:
		return e.PostShortCover(p)
	default:
		return domain.NewValidationError("action", fmt.Sprintf("unroutable trade action %q", p.Action))
	}
}

// PostBuy records a long open: debit the holdings account, credit cash,
// with fees journaled as their own expense pair. A matching long lot is
// opened at the fill price.
func (e *Engine) PostBuy(p TradeParams) error {
	if err := p.validate(); err != nil {
		return err
	}

	gross := p.gross()
	legs := e.tradePair(&p, "buy", EquityAccount(p.Symbol), AccountCash, gross)
	legs = e.appendFeeLegs(legs, &p)
	if err := e.postLegs(legs); err != nil {
		return err
	}

	_, err := e.lots.Open(lots.OpenParams{
		OpenedAt:      p.Timestamp,
		Symbol:        p.Symbol,
		OpenedTradeID: p.TradeID,
		Side:          domain.LotLong,
		Qty:           p.Quantity,
		UnitCost:      p.Price,
		Fees:          p.feeTotal(),
	})
	if err != nil {
		return fmt.Errorf("buy journal posted but lot open failed: %w", err)
	}

	e.logTrade("buy", &p, gross)
	return nil
}

// PostSell records a long close: FIFO lots are consumed, cash receives the
// gross proceeds, holdings are relieved at basis, and the realized
// difference lands in the trading P&L account. Fees stay out of realized
// P&L and post as their own expense pair.
func (e *Engine) PostSell(p TradeParams) error {
	return e.postClose(p, domain.LotLong)
}

// PostShortOpen records a short sale: cash receives the gross proceeds
// against a short-positions liability, and a short lot opens at the fill
// price.
func (e *Engine) PostShortOpen(p TradeParams) error {
	if err := p.validate(); err != nil {
		return err
	}

	gross := p.gross()
	legs := e.tradePair(&p, "sell_short", AccountCash, AccountShort, gross)
	legs = e.appendFeeLegs(legs, &p)
	if err := e.postLegs(legs); err != nil {
		return err
	}

	_, err := e.lots.Open(lots.OpenParams{
		OpenedAt:      p.Timestamp,
		Symbol:        p.Symbol,
		OpenedTradeID: p.TradeID,
		Side:          domain.LotShort,
		Qty:           p.Quantity,
		UnitCost:      p.Price,
		Fees:          p.feeTotal(),
	})
	if err != nil {
		return fmt.Errorf("short-open journal posted but lot open failed: %w", err)
	}

	e.logTrade("sell_short", &p, gross)
	return nil
}

// PostShortCover records a short close: the liability is relieved at
// basis, cash pays the cover cost, and the realized difference lands in
// the trading P&L account.
func (e *Engine) PostShortCover(p TradeParams) error {
	return e.postClose(p, domain.LotShort)
}

// postClose shares the close flow for sells and covers. Lots are closed
// first so the journal can carry the authoritative basis and realized
// figures from the closures.
func (e *Engine) postClose(p TradeParams, side domain.LotSide) error {
	if err := p.validate(); err != nil {
		return err
	}

	gross := p.gross()
	allocs, err := e.lots.AllocateForClose(p.Symbol, p.Quantity, side, "FIFO")
	if err != nil {
		return err
	}

	result, err := e.lots.RecordClose(lots.CloseParams{
		ClosedAt:       p.Timestamp,
		CloseTradeID:   p.TradeID,
		Side:           side,
		Allocations:    allocs,
		ProceedsTotal:  gross,
		TotalCloseFees: p.feeTotal(),
		PnLFeesAffect:  false,
	})
	if err != nil {
		return err
	}

	action := "sell"
	debitAcct, creditAcct := AccountCash, EquityAccount(p.Symbol)
	debitTotal, creditTotal := gross, result.BasisTotal.Neg()
	if side == domain.LotShort {
		action = "buy_to_cover"
		debitAcct, creditAcct = AccountShort, AccountCash
		debitTotal, creditTotal = result.BasisTotal, gross.Neg()
	}

	legs := []domain.TradeLeg{
		e.buildLeg(&p, action, p.TradeID, debitAcct, domain.SideDebit, debitTotal),
		e.buildLeg(&p, action, p.TradeID, creditAcct, domain.SideCredit, creditTotal),
	}
	if !result.RealizedPnL.IsZero() {
		pnlTotal := result.RealizedPnL.Neg()
		pnlSide := domain.SideCredit
		if pnlTotal.Sign() > 0 {
			pnlSide = domain.SideDebit
		}
		legs = append(legs, e.buildLeg(&p, action, p.TradeID+"_PNL", AccountRealizedPnL, pnlSide, pnlTotal))
	}
	legs = e.appendFeeLegs(legs, &p)

	if err := e.postLegs(legs); err != nil {
		return fmt.Errorf("lots closed but journal failed: %w", err)
	}

	e.log.Info().
		Str("trade_id", p.TradeID).
		Str("symbol", p.Symbol).
		Str("action", action).
		Str("realized_pnl", result.RealizedPnL.String()).
		Str("basis", result.BasisTotal.String()).
		Msg("Close posted")
	return nil
}

// PostDividend credits dividend income against cash.
func (e *Engine) PostDividend(p CashParams) error {
	return e.postCashPair(p, "div", AccountCash, AccountDividends)
}

// PostInterest credits interest income against cash.
func (e *Engine) PostInterest(p CashParams) error {
	return e.postCashPair(p, "int", AccountCash, AccountInterest)
}

// PostDeposit records an external contribution into the account.
func (e *Engine) PostDeposit(p CashParams) error {
	return e.postCashPair(p, "deposit", AccountCash, AccountTransfers)
}

// PostWithdrawal records an external withdrawal out of the account.
func (e *Engine) PostWithdrawal(p CashParams) error {
	return e.postCashPair(p, "withdrawal", AccountTransfers, AccountCash)
}

// PostFee records a standalone account fee.
func (e *Engine) PostFee(p CashParams) error {
	return e.postCashPair(p, "fee", AccountFees, AccountCash)
}

func (e *Engine) postCashPair(p CashParams, action, debitAcct, creditAcct string) error {
	if p.ActivityID == "" {
		return domain.NewValidationError("activity_id", "activity id is required")
	}
	if p.Timestamp.IsZero() {
		return domain.NewValidationError("timestamp", "activity timestamp is required")
	}
	amount := domain.QuantizeMoney(p.Amount.Abs())
	if amount.IsZero() {
		return domain.NewValidationError("amount", "activity amount cannot be zero")
	}

	groupID := p.GroupID
	if groupID == "" {
		groupID = p.ActivityID
	}

	base := domain.TradeLeg{
		DatetimeUTC: p.Timestamp.UTC(),
		TradeID:     p.ActivityID,
		GroupID:     groupID,
		Symbol:      strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Action:      action,
		Notes:       p.Description,
		FITID:       p.FITID,
		Status:      "posted",
		RawBroker:   p.Raw,
		Identity4:   e.id,
	}

	debit := base
	debit.Side = domain.SideDebit
	debit.Account = debitAcct
	debit.TotalValue = amount
	debit.Amount = amount

	credit := base
	credit.Side = domain.SideCredit
	credit.Account = creditAcct
	credit.TotalValue = amount.Neg()
	credit.Amount = amount

	if err := e.postLegs([]domain.TradeLeg{debit, credit}); err != nil {
		return err
	}

	e.log.Debug().
		Str("activity_id", p.ActivityID).
		Str("action", action).
		Str("amount", amount.String()).
		Msg("Cash activity posted")
	return nil
}

// tradePair builds the main debit/credit pair of a trade journal.
func (e *Engine) tradePair(p *TradeParams, action, debitAcct, creditAcct string, gross decimal.Decimal) []domain.TradeLeg {
	return []domain.TradeLeg{
		e.buildLeg(p, action, p.TradeID, debitAcct, domain.SideDebit, gross),
		e.buildLeg(p, action, p.TradeID, creditAcct, domain.SideCredit, gross.Neg()),
	}
}

// appendFeeLegs adds the expense pair for the fill's fees, if any. Fee
// legs carry a suffixed trade id so the (trade_id, side) uniqueness holds
// within the group.
func (e *Engine) appendFeeLegs(legs []domain.TradeLeg, p *TradeParams) []domain.TradeLeg {
	feeTotal := p.feeTotal()
	if !feeTotal.IsPositive() {
		return legs
	}
	feeID := p.TradeID + "_FEE"
	return append(legs,
		e.buildLeg(p, "fee", feeID, AccountFees, domain.SideDebit, feeTotal),
		e.buildLeg(p, "fee", feeID, AccountCash, domain.SideCredit, feeTotal.Neg()),
	)
}

func (e *Engine) buildLeg(p *TradeParams, action, tradeID, account string, side domain.LegSide, total decimal.Decimal) domain.TradeLeg {
	return domain.TradeLeg{
		DatetimeUTC: p.Timestamp.UTC(),
		TradeID:     tradeID,
		GroupID:     p.groupID(),
		Symbol:      strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Action:      action,
		Account:     account,
		Strategy:    p.Strategy,
		Notes:       p.Notes,
		FITID:       p.FITID,
		Status:      "posted",
		Side:        side,
		Quantity:    domain.QuantizeQty(p.Quantity),
		Price:       domain.QuantizePrice(p.Price),
		TotalValue:  domain.QuantizeMoney(total),
		Amount:      domain.QuantizeMoney(total.Abs()),
		Fee:         domain.QuantizeMoney(p.Fee),
		Commission:  domain.QuantizeMoney(p.Commission),
		RawBroker:   p.Raw,
		Identity4:   e.id,
	}
}

func (e *Engine) logTrade(action string, p *TradeParams, gross decimal.Decimal) {
	e.log.Info().
		Str("trade_id", p.TradeID).
		Str("symbol", strings.ToUpper(strings.TrimSpace(p.Symbol))).
		Str("action", action).
		Str("qty", p.Quantity.String()).
		Str("gross", gross.String()).
		Msg("Trade posted")
}
