// Package lots maintains FIFO inventory: open lots per (symbol, side) and
// the closures that realize P&L against them.
package lots

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
)

// Auditor receives immutable audit events. The ledger's audit trail
// implements it; a nil Auditor drops events.
type Auditor interface {
	Event(action string, fields domain.JSONValue)
}

// Engine runs lot inventory operations against the ledger database.
type Engine struct {
	db    *sql.DB
	audit Auditor
	log   zerolog.Logger
}

// NewEngine creates a lots engine on the ledger database.
func NewEngine(ledgerDB *sql.DB, audit Auditor, log zerolog.Logger) *Engine {
	return &Engine{
		db:    ledgerDB,
		audit: audit,
		log:   log.With().Str("component", "lots").Logger(),
	}
}

// OpenParams describes a lot to open. For short lots UnitCost carries the
// short proceeds per share.
type OpenParams struct {
	OpenedAt      time.Time
	Symbol        string
	OpenedTradeID string
	Side          domain.LotSide
	Qty           decimal.Decimal
	UnitCost      decimal.Decimal
	Fees          decimal.Decimal
}

// Allocation is one slice of inventory selected to satisfy a close.
type Allocation struct {
	OpenedAt      time.Time
	OpenedTradeID string
	LotID         int64
	Qty           decimal.Decimal
	UnitCost      decimal.Decimal
	FeesAlloc     decimal.Decimal
}

// CloseParams describes a close to record against previously allocated
// lots.
type CloseParams struct {
	ClosedAt       time.Time
	CloseTradeID   string
	Side           domain.LotSide
	Allocations    []Allocation
	ProceedsTotal  decimal.Decimal
	TotalCloseFees decimal.Decimal
	PnLFeesAffect  bool
}

// CloseResult carries the totals of a recorded close.
type CloseResult struct {
	Closures      []domain.LotClosure
	CloseQty      decimal.Decimal
	BasisTotal    decimal.Decimal
	ProceedsTotal decimal.Decimal
	FeesTotal     decimal.Decimal
	RealizedPnL   decimal.Decimal
}

// Open inserts a new lot with the full quantity remaining.
func (e *Engine) Open(p OpenParams) (*domain.Lot, error) {
	if p.Symbol == "" {
		return nil, domain.NewValidationError("symbol", "lot symbol is required")
	}
	if p.Side != domain.LotLong && p.Side != domain.LotShort {
		return nil, domain.NewValidationError("side", fmt.Sprintf("unknown lot side %q", p.Side))
	}
	if p.Qty.LessThanOrEqual(decimal.Zero) {
		return nil, domain.NewValidationError("qty", "lot quantity must be positive")
	}
	if p.OpenedAt.IsZero() {
		return nil, domain.NewValidationError("opened_at", "lot open timestamp is required")
	}

	qty := domain.QuantizeQty(p.Qty)
	unitCost := domain.QuantizePrice(p.UnitCost)
	fees := domain.QuantizeMoney(p.Fees)
	openedAt := p.OpenedAt.UTC()

	query := `
		INSERT INTO lots
		(symbol, side, qty_open, qty_remaining, unit_cost, fees_alloc, opened_trade_id, opened_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := e.db.Exec(query,
		strings.ToUpper(strings.TrimSpace(p.Symbol)),
		string(p.Side),
		qty.InexactFloat64(),
		qty.InexactFloat64(),
		unitCost.InexactFloat64(),
		fees.InexactFloat64(),
		p.OpenedTradeID,
		domain.FormatMillisUTC(openedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open lot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read lot id: %w", err)
	}

	lot := &domain.Lot{
		ID:            id,
		Symbol:        strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Side:          p.Side,
		QtyOpen:       qty,
		QtyRemaining:  qty,
		UnitCost:      unitCost,
		FeesAlloc:     fees,
		OpenedTradeID: p.OpenedTradeID,
		OpenedAtUTC:   openedAt,
	}

	e.emit("LOT_OPENED", domain.JSONValue{
		"lot_id":          lot.ID,
		"symbol":          lot.Symbol,
		"side":            string(lot.Side),
		"qty_open":        lot.QtyOpen.String(),
		"unit_cost":       lot.UnitCost.String(),
		"fees_alloc":      lot.FeesAlloc.String(),
		"opened_trade_id": lot.OpenedTradeID,
		"opened_at_utc":   domain.FormatMillisUTC(lot.OpenedAtUTC),
	})
	e.log.Debug().
		Int64("lot_id", lot.ID).
		Str("symbol", lot.Symbol).
		Str("side", string(lot.Side)).
		Str("qty", qty.String()).
		Msg("Lot opened")

	return lot, nil
}

// AllocateForClose selects open lots of (symbol, side) in FIFO order until
// the requested quantity is covered. It reads only; RecordClose applies the
// decrements.
func (e *Engine) AllocateForClose(symbol string, qtyToClose decimal.Decimal, side domain.LotSide, policy string) ([]Allocation, error) {
	if policy != "" && !strings.EqualFold(policy, "FIFO") {
		return nil, domain.NewValidationError("policy", fmt.Sprintf("unsupported allocation policy %q", policy))
	}
	if qtyToClose.LessThanOrEqual(decimal.Zero) {
		return nil, domain.NewValidationError("qty", "close quantity must be positive")
	}

	open, err := e.OpenLots(symbol, side)
	if err != nil {
		return nil, err
	}

	needed := domain.QuantizeQty(qtyToClose)
	var allocations []Allocation
	for _, lot := range open {
		if needed.LessThanOrEqual(domain.LotTolerance) {
			break
		}
		take := decimal.Min(lot.QtyRemaining, needed)
		feesShare := decimal.Zero
		if lot.QtyOpen.IsPositive() {
			feesShare = domain.QuantizeMoney(lot.FeesAlloc.Mul(take).Div(lot.QtyOpen))
		}
		allocations = append(allocations, Allocation{
			LotID:         lot.ID,
			Qty:           take,
			UnitCost:      lot.UnitCost,
			FeesAlloc:     feesShare,
			OpenedAt:      lot.OpenedAtUTC,
			OpenedTradeID: lot.OpenedTradeID,
		})
		needed = needed.Sub(take)
	}

	if needed.GreaterThan(domain.LotTolerance) {
		return nil, fmt.Errorf("%s %s inventory short by %s of %s requested: %w",
			symbol, side, needed.String(), qtyToClose.String(), domain.ErrInsufficientInventory)
	}
	return allocations, nil
}

// RecordClose applies a close inside a single transaction: decrement each
// allocated lot, insert one closure row per allocation with pro-rata
// proceeds and fees, and compute realized P&L. Any failure rolls the whole
// close back.
func (e *Engine) RecordClose(p CloseParams) (*CloseResult, error) {
	if len(p.Allocations) == 0 {
		return nil, domain.NewValidationError("allocations", "close requires at least one allocation")
	}
	if p.Side != domain.LotLong && p.Side != domain.LotShort {
		return nil, domain.NewValidationError("side", fmt.Sprintf("unknown lot side %q", p.Side))
	}
	if p.ClosedAt.IsZero() {
		return nil, domain.NewValidationError("closed_at", "close timestamp is required")
	}

	closeQty := decimal.Zero
	for _, a := range p.Allocations {
		closeQty = closeQty.Add(a.Qty)
	}
	if closeQty.LessThanOrEqual(decimal.Zero) {
		return nil, domain.NewValidationError("allocations", "close quantity must be positive")
	}

	closedAt := domain.FormatMillisUTC(p.ClosedAt.UTC())
	proceedsTotal := domain.QuantizeMoney(p.ProceedsTotal)
	feesTotal := domain.QuantizeMoney(p.TotalCloseFees)

	result := &CloseResult{
		CloseQty:      closeQty,
		ProceedsTotal: proceedsTotal,
		FeesTotal:     feesTotal,
		BasisTotal:    decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}

	err := database.WithTransaction(e.db, func(tx *sql.Tx) error {
		proceedsLeft := proceedsTotal
		feesLeft := feesTotal
		tol := domain.LotTolerance.InexactFloat64()

		for i, a := range p.Allocations {
			res, err := tx.Exec(
				`UPDATE lots SET qty_remaining = qty_remaining - ? WHERE id = ? AND qty_remaining + ? >= ?`,
				a.Qty.InexactFloat64(), a.LotID, tol, a.Qty.InexactFloat64(),
			)
			if err != nil {
				return fmt.Errorf("failed to decrement lot %d: %w", a.LotID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to check lot decrement: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("lot %d has less than %s remaining: %w",
					a.LotID, a.Qty.String(), domain.ErrInsufficientInventory)
			}
			if _, err := tx.Exec(
				`UPDATE lots SET qty_remaining = 0 WHERE id = ? AND ABS(qty_remaining) < ?`,
				a.LotID, tol,
			); err != nil {
				return fmt.Errorf("failed to settle lot dust: %w", err)
			}

			// Last allocation absorbs the rounding remainder so the
			// pro-rata parts always sum to the given totals.
			var proceeds, fees decimal.Decimal
			if i == len(p.Allocations)-1 {
				proceeds = proceedsLeft
				fees = feesLeft
			} else {
				share := a.Qty.Div(closeQty)
				proceeds = domain.QuantizeMoney(proceedsTotal.Mul(share))
				fees = domain.QuantizeMoney(feesTotal.Mul(share))
			}
			proceedsLeft = proceedsLeft.Sub(proceeds)
			feesLeft = feesLeft.Sub(fees)

			basis := domain.QuantizeMoney(a.UnitCost.Mul(a.Qty))
			var realized decimal.Decimal
			if p.Side == domain.LotLong {
				realized = proceeds.Sub(basis)
			} else {
				realized = basis.Sub(proceeds)
			}
			if p.PnLFeesAffect {
				realized = realized.Sub(fees)
			}
			realized = domain.QuantizeMoney(realized)

			res, err = tx.Exec(`
				INSERT INTO lot_closures
				(lot_id, close_trade_id, close_qty, basis_amount, proceeds_amount, fees_alloc, realized_pnl, closed_at_utc)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				a.LotID,
				p.CloseTradeID,
				a.Qty.InexactFloat64(),
				basis.InexactFloat64(),
				proceeds.InexactFloat64(),
				fees.InexactFloat64(),
				realized.InexactFloat64(),
				closedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert lot closure: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read closure id: %w", err)
			}

			result.Closures = append(result.Closures, domain.LotClosure{
				ID:             id,
				LotID:          a.LotID,
				CloseTradeID:   p.CloseTradeID,
				CloseQty:       a.Qty,
				BasisAmount:    basis,
				ProceedsAmount: proceeds,
				FeesAlloc:      fees,
				RealizedPnL:    realized,
				ClosedAtUTC:    p.ClosedAt.UTC(),
			})
			result.BasisTotal = result.BasisTotal.Add(basis)
			result.RealizedPnL = result.RealizedPnL.Add(realized)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lotIDs := make([]int64, 0, len(result.Closures))
	for _, c := range result.Closures {
		lotIDs = append(lotIDs, c.LotID)
	}
	e.emit("LOT_CLOSED", domain.JSONValue{
		"close_trade_id": p.CloseTradeID,
		"side":           string(p.Side),
		"close_qty":      result.CloseQty.String(),
		"basis_total":    result.BasisTotal.String(),
		"proceeds_total": result.ProceedsTotal.String(),
		"fees_total":     result.FeesTotal.String(),
		"realized_pnl":   result.RealizedPnL.String(),
		"lot_ids":        lotIDs,
		"closed_at_utc":  closedAt,
	})
	e.log.Info().
		Str("close_trade_id", p.CloseTradeID).
		Str("realized_pnl", result.RealizedPnL.String()).
		Int("closures", len(result.Closures)).
		Msg("Lot close recorded")

	return result, nil
}

// OpenLots returns lots with remaining quantity for a symbol and side in
// FIFO order. An empty symbol returns every open lot of that side.
func (e *Engine) OpenLots(symbol string, side domain.LotSide) ([]domain.Lot, error) {
	query := `
		SELECT id, symbol, side, qty_open, qty_remaining, unit_cost, fees_alloc, opened_trade_id, opened_at_utc
		FROM lots
		WHERE side = ? AND qty_remaining > ?
	`
	args := []any{string(side), domain.LotTolerance.InexactFloat64()}
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, strings.ToUpper(strings.TrimSpace(symbol)))
	}
	query += " ORDER BY opened_at_utc ASC, id ASC"

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query open lots: %w", err)
	}
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate open lots: %w", err)
	}
	return lots, nil
}

// OpenPositions returns every open lot across both sides, grouped by symbol
// in FIFO order. Used by the holdings phases to sweep trailing stops.
func (e *Engine) OpenPositions() ([]domain.Lot, error) {
	rows, err := e.db.Query(`
		SELECT id, symbol, side, qty_open, qty_remaining, unit_cost, fees_alloc, opened_trade_id, opened_at_utc
		FROM lots
		WHERE qty_remaining > ?
		ORDER BY symbol ASC, opened_at_utc ASC, id ASC
	`, domain.LotTolerance.InexactFloat64())
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate open positions: %w", err)
	}
	return lots, nil
}

// RemainingQty returns the total open quantity for (symbol, side).
func (e *Engine) RemainingQty(symbol string, side domain.LotSide) (decimal.Decimal, error) {
	var total sql.NullFloat64
	err := e.db.QueryRow(
		`SELECT SUM(qty_remaining) FROM lots WHERE symbol = ? AND side = ?`,
		strings.ToUpper(strings.TrimSpace(symbol)), string(side),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum remaining quantity: %w", err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return domain.QuantizeQty(decimal.NewFromFloat(total.Float64)), nil
}

// ClosuresForTrade returns the closure rows recorded for a closing trade.
func (e *Engine) ClosuresForTrade(closeTradeID string) ([]domain.LotClosure, error) {
	rows, err := e.db.Query(`
		SELECT id, lot_id, close_trade_id, close_qty, basis_amount, proceeds_amount, fees_alloc, realized_pnl, closed_at_utc
		FROM lot_closures
		WHERE close_trade_id = ?
		ORDER BY id ASC`, closeTradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lot closures: %w", err)
	}
	defer rows.Close()

	var closures []domain.LotClosure
	for rows.Next() {
		var (
			c        domain.LotClosure
			closeQty float64
			basis    float64
			proceeds float64
			fees     float64
			realized float64
			closedAt string
		)
		if err := rows.Scan(&c.ID, &c.LotID, &c.CloseTradeID, &closeQty, &basis, &proceeds, &fees, &realized, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lot closure: %w", err)
		}
		c.CloseQty = decimal.NewFromFloat(closeQty)
		c.BasisAmount = decimal.NewFromFloat(basis)
		c.ProceedsAmount = decimal.NewFromFloat(proceeds)
		c.FeesAlloc = decimal.NewFromFloat(fees)
		c.RealizedPnL = decimal.NewFromFloat(realized)
		ts, err := domain.ParseTimestamp(closedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse closure timestamp: %w", err)
		}
		c.ClosedAtUTC = ts
		closures = append(closures, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lot closures: %w", err)
	}
	return closures, nil
}

// Lot returns one lot by id.
func (e *Engine) Lot(id int64) (*domain.Lot, error) {
	row := e.db.QueryRow(`
		SELECT id, symbol, side, qty_open, qty_remaining, unit_cost, fees_alloc, opened_trade_id, opened_at_utc
		FROM lots WHERE id = ?`, id)
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lot %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLot(row rowScanner) (domain.Lot, error) {
	var (
		lot      domain.Lot
		side     string
		qtyOpen  float64
		qtyRem   float64
		unitCost float64
		fees     float64
		openedAt string
	)
	err := row.Scan(&lot.ID, &lot.Symbol, &side, &qtyOpen, &qtyRem, &unitCost, &fees, &lot.OpenedTradeID, &openedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return lot, err
	}
	if err != nil {
		return lot, fmt.Errorf("failed to scan lot: %w", err)
	}
	lot.Side = domain.LotSide(side)
	lot.QtyOpen = decimal.NewFromFloat(qtyOpen)
	lot.QtyRemaining = decimal.NewFromFloat(qtyRem)
	lot.UnitCost = decimal.NewFromFloat(unitCost)
	lot.FeesAlloc = decimal.NewFromFloat(fees)
	ts, err := domain.ParseTimestamp(openedAt)
	if err != nil {
		return lot, fmt.Errorf("failed to parse lot timestamp: %w", err)
	}
	lot.OpenedAtUTC = ts
	return lot, nil
}

func (e *Engine) emit(action string, fields domain.JSONValue) {
	if e.audit == nil {
		return
	}
	e.audit.Event(action, fields)
}
