package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/modules/lots"
	"github.com/aristath/tradebook/internal/modules/mapping"
)

// Account paths used by the trade primitives and the opening bootstrap.
// The suspense pair are COA codes, everything else is a colon path.
const (
	AccountCash          = "Brokerage:Cash"
	AccountEquityPrefix  = "Brokerage:Equity:"
	AccountEquityFallbck = "Brokerage:Equity"
	AccountShort         = "Liabilities:ShortPositions"
	AccountOpeningEquity = "Equity:OpeningBalances"
	AccountTransfers     = "Equity:Transfers"
	AccountDividends     = "Income:Dividends"
	AccountInterest      = "Income:Interest"
	AccountRealizedPnL   = "Income:TradingPnL"
	AccountFees          = "Expenses:Fees"

	SuspenseDebitAccount  = "3999_SUSPENSE"
	SuspenseCreditAccount = "5000_TRADING_PNL"
)

// Engine posts balanced journals into the trades table. All writes run in
// one transaction per journal group.
type Engine struct {
	conn    *sql.DB
	lots    *lots.Engine
	mapping *mapping.Table
	audit   *AuditLog
	policy  Policy
	id      domain.Identity4
	log     zerolog.Logger
	tsOnce  sync.Once
	tsExpr  string
}

// NewEngine wires the ledger over its collaborators. mapping may be nil
// when only the trade primitives are used.
func NewEngine(conn *sql.DB, lotsEngine *lots.Engine, table *mapping.Table, audit *AuditLog, policy Policy, id domain.Identity4, log zerolog.Logger) *Engine {
	return &Engine{
		conn:    conn,
		lots:    lotsEngine,
		mapping: table,
		audit:   audit,
		policy:  policy,
		id:      id,
		log:     log.With().Str("component", "ledger").Logger(),
	}
}

// Lots exposes the lot engine for callers that allocate inventory directly.
func (e *Engine) Lots() *lots.Engine { return e.lots }

// BatchResult summarizes one posting batch. Failed entries rolled back and
// stay pending for the next sync cycle.
type BatchResult struct {
	Rejects []domain.ComplianceReject
	Failed  []string
	Posted  int
}

// PostBatch validates, dedupes, and posts a batch of entries. Rejected
// entries are audited and dropped; a journal failure never aborts the
// remaining entries.
func (e *Engine) PostBatch(entries []Entry) (*BatchResult, error) {
	result := &BatchResult{}
	now := time.Now().UTC()
	seen := make(map[string]bool, len(entries))

	for i := range entries {
		entry := entries[i]

		if entry.TradeID != "" && seen[entry.TradeID] {
			reject := domain.ComplianceReject{
				Reason:  domain.RejectDuplicateTradeID,
				TradeID: entry.TradeID,
				FITID:   entry.FITID,
				Detail:  "duplicate within batch",
			}
			result.Rejects = append(result.Rejects, reject)
			e.audit.RecordReject(reject, entrySnapshot(&entry))
			continue
		}
		if entry.TradeID != "" {
			seen[entry.TradeID] = true
		}

		if reject := e.policy.ValidateEntry(&entry, now); reject != nil {
			result.Rejects = append(result.Rejects, *reject)
			e.audit.RecordReject(*reject, entrySnapshot(&entry))
			continue
		}

		exists, err := e.TradeExists(entry.TradeID)
		if err != nil {
			return result, err
		}
		if exists {
			reject := domain.ComplianceReject{
				Reason:  domain.RejectDuplicateTradeID,
				TradeID: entry.TradeID,
				FITID:   entry.FITID,
				Detail:  "already posted",
			}
			result.Rejects = append(result.Rejects, reject)
			e.audit.RecordReject(reject, entrySnapshot(&entry))
			continue
		}

		if err := e.postEntry(&entry); err != nil {
			e.log.Error().Err(err).Str("trade_id", entry.TradeID).Msg("Journal rolled back")
			result.Failed = append(result.Failed, entry.TradeID)
			continue
		}
		result.Posted++
	}

	e.log.Info().
		Int("posted", result.Posted).
		Int("rejected", len(result.Rejects)).
		Int("failed", len(result.Failed)).
		Msg("Posting batch complete")
	return result, nil
}

// postEntry resolves accounts and writes the two-leg journal for one entry.
func (e *Engine) postEntry(entry *Entry) error {
	debitAcct, creditAcct, suspense := e.resolveAccounts(entry)

	amount := domain.QuantizeMoney(entry.TotalValue.Abs())
	groupID := entry.GroupID
	if groupID == "" {
		groupID = entry.TradeID
	}

	base := domain.TradeLeg{
		DatetimeUTC: entry.DatetimeUTC.UTC(),
		TradeID:     entry.TradeID,
		GroupID:     groupID,
		Symbol:      entry.Symbol,
		Action:      entry.Action,
		Strategy:    entry.Strategy,
		Tags:        entry.Tags,
		Notes:       entry.Notes,
		FITID:       entry.FITID,
		Status:      entry.Status,
		Quantity:    entry.Quantity,
		Price:       entry.Price,
		Fee:         entry.Fee,
		Commission:  entry.Commission,
		RawBroker:   entry.Raw,
		Metadata:    entry.Metadata,
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

	if suspense && e.mapping != nil {
		ruleCode := mapping.RuleCode(entry.Match)
		if err := e.mapping.RecordUnmapped(ruleCode); err != nil {
			e.log.Warn().Err(err).Str("rule_code", ruleCode).Msg("Failed to record unmapped rule")
		}
	}

	e.audit.Event("journal_posted", domain.JSONValue{
		"entry_id": entry.TradeID,
		"group_id": groupID,
		"fitid":    entry.FITID,
		"after": domain.JSONValue{
			"legs":           2,
			"total_value":    entry.TotalValue.String(),
			"debit_account":  debitAcct,
			"credit_account": creditAcct,
			"suspense":       suspense,
		},
	})
	return nil
}

// resolveAccounts picks the debit/credit pair for an entry: mapping rule
// first, then the explicit account, then the suspense pair. The third
// return reports a suspense fallback.
func (e *Engine) resolveAccounts(entry *Entry) (string, string, bool) {
	if e.mapping != nil && entry.hasDiscriminators() {
		row, err := e.mapping.GetForTransaction(entry.Match)
		if err != nil {
			e.log.Warn().Err(err).Msg("Mapping lookup failed, falling back")
		} else if row != nil {
			return row.DebitAccount, row.CreditAccount, false
		}
	}

	if entry.Account != "" && entry.Account != "Uncategorized" {
		if entry.TotalValue.Sign() >= 0 {
			return entry.Account, SuspenseCreditAccount, true
		}
		return SuspenseDebitAccount, entry.Account, true
	}

	return SuspenseDebitAccount, SuspenseCreditAccount, true
}

// postLegs writes one journal atomically. The legs must zero-sum within
// tolerance and no (trade_id, side) pair may exist yet.
func (e *Engine) postLegs(legs []domain.TradeLeg) error {
	groupID, err := validateJournal(legs)
	if err != nil {
		return err
	}
	return database.WithTransaction(e.conn, func(tx *sql.Tx) error {
		return writeJournal(tx, groupID, legs)
	})
}

// validateJournal checks sides, group coherence, and the zero-sum
// invariant, returning the shared group id.
func validateJournal(legs []domain.TradeLeg) (string, error) {
	if len(legs) == 0 {
		return "", domain.NewValidationError("journal", "journal has no legs")
	}

	sum := decimal.Zero
	groupID := legs[0].GroupID
	for i := range legs {
		if !legs[i].Side.Valid() {
			return "", domain.NewValidationError(legs[i].TradeID, fmt.Sprintf("invalid side %q", legs[i].Side))
		}
		if legs[i].GroupID != groupID {
			return "", domain.NewValidationError(legs[i].TradeID, "journal legs span multiple groups")
		}
		sum = sum.Add(legs[i].TotalValue)
	}
	if !domain.IsZeroSum(sum) {
		return "", domain.NewValidationError(groupID, fmt.Sprintf("journal does not balance: sum=%s", sum.String()))
	}
	return groupID, nil
}

func writeJournal(tx *sql.Tx, groupID string, legs []domain.TradeLeg) error {
	if err := ensureGroup(tx, groupID); err != nil {
		return err
	}
	for i := range legs {
		if err := insertLeg(tx, &legs[i]); err != nil {
			return err
		}
	}
	return nil
}

func ensureGroup(tx *sql.Tx, groupID string) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO trade_groups (group_id, created_at) VALUES (?, ?)`,
		groupID, domain.FormatMillisUTC(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure trade group: %w", err)
	}
	return nil
}

func insertLeg(tx *sql.Tx, leg *domain.TradeLeg) error {
	var exists int
	err := tx.QueryRow(
		`SELECT 1 FROM trades WHERE trade_id = ? AND side = ? LIMIT 1`,
		leg.TradeID, string(leg.Side),
	).Scan(&exists)
	if err == nil {
		return domain.NewValidationError(leg.TradeID, fmt.Sprintf("leg (%s, %s) already exists", leg.TradeID, leg.Side))
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check leg existence: %w", err)
	}

	now := domain.FormatMillisUTC(time.Now())
	rawJSON, err := encodeJSON(leg.RawBroker)
	if err != nil {
		return fmt.Errorf("failed to encode raw broker json: %w", err)
	}
	metaJSON, err := encodeJSON(leg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode leg metadata: %w", err)
	}

	query := `
		INSERT INTO trades
		(trade_id, group_id, datetime_utc, symbol, action, side, quantity, price,
		 total_value, amount, fee, commission, account, strategy, tags, notes,
		 entity_code, jurisdiction_code, broker_code, bot_id, fitid, status,
		 raw_broker_json, json_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.Exec(query,
		leg.TradeID,
		leg.GroupID,
		domain.FormatMillisUTC(leg.DatetimeUTC),
		leg.Symbol,
		leg.Action,
		string(leg.Side),
		leg.Quantity.InexactFloat64(),
		leg.Price.InexactFloat64(),
		leg.TotalValue.InexactFloat64(),
		leg.Amount.InexactFloat64(),
		leg.Fee.InexactFloat64(),
		leg.Commission.InexactFloat64(),
		leg.Account,
		leg.Strategy,
		leg.Tags,
		leg.Notes,
		leg.EntityCode,
		leg.JurisdictionCode,
		leg.BrokerCode,
		leg.BotID,
		leg.FITID,
		leg.Status,
		rawJSON,
		metaJSON,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger leg: %w", err)
	}
	return nil
}

// TradeExists reports whether any leg with the trade id is on disk.
func (e *Engine) TradeExists(tradeID string) (bool, error) {
	if tradeID == "" {
		return false, nil
	}
	var one int
	err := e.conn.QueryRow(`SELECT 1 FROM trades WHERE trade_id = ? LIMIT 1`, tradeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check trade existence: %w", err)
	}
	return true, nil
}

// EntryFromRecord converts a normalized cash or generic record into a
// posting entry. Trade-family records go through the trade primitives
// instead, so they can open and close lots.
func EntryFromRecord(rec *domain.NormalizedRecord) Entry {
	entry := Entry{
		DatetimeUTC: rec.DTPosted,
		FITID:       rec.FITID,
		GroupID:     rec.GroupID,
		Raw:         rec.Raw,
		Metadata:    domain.JSONValue{"raw_broker": rec.Raw},
		Status:      "posted",
		Match: domain.MatchSpec{
			Broker: rec.BrokerCode,
			Type:   string(rec.TrnType),
		},
	}
	if rec.Cash != nil {
		entry.TradeID = rec.Cash.ActivityID
		entry.Symbol = rec.Cash.Symbol
		entry.Notes = rec.Cash.Description
		entry.TotalValue = rec.Cash.Amount
		entry.Match.Description = rec.Cash.Description
		if rec.Cash.Amount.Sign() >= 0 {
			entry.Side = domain.SideDebit
		} else {
			entry.Side = domain.SideCredit
		}
	}
	return entry
}

func entrySnapshot(e *Entry) domain.JSONValue {
	return domain.JSONValue{
		"trade_id":     e.TradeID,
		"group_id":     e.GroupID,
		"fitid":        e.FITID,
		"symbol":       e.Symbol,
		"action":       e.Action,
		"side":         string(e.Side),
		"total_value":  e.TotalValue.String(),
		"datetime_utc": formatOrEmpty(e.DatetimeUTC),
		"account":      e.Account,
	}
}

func formatOrEmpty(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return domain.FormatMillisUTC(ts)
}

func encodeJSON(v domain.JSONValue) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
