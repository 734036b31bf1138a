package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/modules/lots"
)

const metaOpeningPosted = "opening_balances_posted"

// BootstrapOpeningBalances seeds an empty ledger from a broker snapshot:
// one opening pair for cash and one per held position, all in a single
// OPENING_BALANCE group, offset against the opening-balances equity
// account. Long lots open at basis so later sells have inventory.
//
// Returns false without touching anything when the ledger already has
// trades or the opening marker is set. Safe to call on every sync.
func (e *Engine) BootstrapOpeningBalances(snap *domain.AccountSnapshot) (bool, error) {
	if snap == nil {
		return false, domain.NewValidationError("snapshot", "account snapshot is required")
	}

	needed, err := e.NeedsBootstrap()
	if err != nil {
		return false, err
	}
	if !needed {
		return false, nil
	}

	asOf := snap.AsOfUTC
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	groupID := "OPENING_BALANCE_" + domain.CompactDateUTC(asOf)

	var (
		legs     []domain.TradeLeg
		lotOpens []lots.OpenParams
	)

	cash := domain.QuantizeMoney(snap.Cash)
	if !cash.IsZero() {
		legs = append(legs, e.openingPair(asOf, groupID, groupID+"_CASH", AccountCash, "", cash, "")...)
	}

	for _, pos := range snap.Positions {
		symbol := strings.ToUpper(strings.TrimSpace(pos.Symbol))
		if symbol == "" || pos.Qty.LessThanOrEqual(decimal.Zero) {
			continue
		}

		value := domain.QuantizeMoney(pos.Basis)
		note := ""
		if !value.IsPositive() {
			value = domain.QuantizeMoney(pos.MarketValue)
			note = "est @ MV"
		}
		if !value.IsPositive() {
			e.log.Warn().Str("symbol", symbol).Msg("Skipping opening position with no value")
			continue
		}

		tradeID := groupID + "_" + symbol
		legs = append(legs, e.openingPair(asOf, groupID, tradeID, EquityAccount(symbol), symbol, value, note)...)
		lotOpens = append(lotOpens, lots.OpenParams{
			OpenedAt:      asOf,
			Symbol:        symbol,
			OpenedTradeID: tradeID,
			Side:          domain.LotLong,
			Qty:           pos.Qty,
			UnitCost:      domain.QuantizePrice(value.Div(pos.Qty)),
		})
	}

	if len(legs) == 0 {
		e.log.Info().Msg("Opening snapshot carries no cash or positions, nothing to bootstrap")
		return false, nil
	}

	if _, err := validateJournal(legs); err != nil {
		return false, err
	}

	err = database.WithTransaction(e.conn, func(tx *sql.Tx) error {
		if err := writeJournal(tx, groupID, legs); err != nil {
			return err
		}
		return setMetaTx(tx, metaOpeningPosted, domain.FormatMillisUTC(time.Now()))
	})
	if err != nil {
		return false, err
	}

	for _, open := range lotOpens {
		if _, err := e.lots.Open(open); err != nil {
			return true, fmt.Errorf("opening balances posted but lot open failed: %w", err)
		}
	}

	e.audit.Event("opening_balances_posted", domain.JSONValue{
		"group_id": groupID,
		"after": domain.JSONValue{
			"cash":      cash.String(),
			"positions": len(lotOpens),
			"as_of_utc": domain.FormatMillisUTC(asOf),
		},
	})
	e.log.Info().
		Str("group_id", groupID).
		Str("cash", cash.String()).
		Int("positions", len(lotOpens)).
		Msg("Opening balances bootstrapped")
	return true, nil
}

// openingPair builds the debit/credit pair for one opening line. Negative
// values flip the pair so cash overdrafts still balance against the
// opening-balances account.
func (e *Engine) openingPair(asOf time.Time, groupID, tradeID, account, symbol string, value decimal.Decimal, note string) []domain.TradeLeg {
	amount := value.Abs()
	debitAcct, creditAcct := account, AccountOpeningEquity
	if value.IsNegative() {
		debitAcct, creditAcct = AccountOpeningEquity, account
	}

	base := domain.TradeLeg{
		DatetimeUTC: asOf.UTC(),
		TradeID:     tradeID,
		GroupID:     groupID,
		Symbol:      symbol,
		Action:      "opening_balance",
		Notes:       note,
		Status:      "posted",
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

	return []domain.TradeLeg{debit, credit}
}

// NeedsBootstrap reports whether the ledger is still empty and unseeded,
// letting the sync driver skip the account snapshot fetch entirely.
func (e *Engine) NeedsBootstrap() (bool, error) {
	if _, ok, err := e.MetaValue(metaOpeningPosted); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	hasTrades, err := e.hasAnyTrades()
	if err != nil {
		return false, err
	}
	return !hasTrades, nil
}

// MetaValue reads one key from the ledger meta table.
func (e *Engine) MetaValue(key string) (string, bool, error) {
	var value string
	err := e.conn.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, true, nil
}

// SetMeta upserts one key in the ledger meta table.
func (e *Engine) SetMeta(key, value string) error {
	return database.WithTransaction(e.conn, func(tx *sql.Tx) error {
		return setMetaTx(tx, key, value)
	})
}

func setMetaTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %q: %w", key, err)
	}
	return nil
}

func (e *Engine) hasAnyTrades() (bool, error) {
	var one int
	err := e.conn.QueryRow(`SELECT 1 FROM trades LIMIT 1`).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check for existing trades: %w", err)
	}
	return true, nil
}
