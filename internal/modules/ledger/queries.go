package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
)

// legColumns is the canonical column list scanned by scanLeg.
const legColumns = `id, trade_id, group_id, datetime_utc, symbol, action, side,
	quantity, price, total_value, amount, fee, commission, account, strategy,
	tags, notes, entity_code, jurisdiction_code, broker_code, bot_id, fitid,
	status, raw_broker_json, json_metadata, created_at, updated_at`

// timestampExpr resolves the ordering timestamp once per engine. Older
// ledger files carried different column names, so the expression coalesces
// over whichever of them the open database actually has.
func (e *Engine) timestampExpr() string {
	e.tsOnce.Do(func() {
		e.tsExpr = "datetime_utc"
		schema, err := database.LoadTableSchema(e.conn, "trades")
		if err != nil {
			e.log.Warn().Err(err).Msg("Failed to introspect trades table, using datetime_utc")
			return
		}
		if expr := schema.CoalesceExpr("timestamp_utc", "datetime_utc", "created_at_utc", "DTPOSTED", "posted_at_utc"); expr != "" {
			e.tsExpr = expr
		}
	})
	return e.tsExpr
}

// GroupSummary is one journal group with its legs in posting order.
type GroupSummary struct {
	FirstSeen time.Time
	GroupID   string
	Symbol    string
	Action    string
	Legs      []domain.TradeLeg
	Gross     decimal.Decimal
	Collapsed bool
}

// GroupedTrades returns journal groups ordered by their earliest leg
// timestamp, ties broken by insert order. limit bounds the number of
// groups; zero means all.
func (e *Engine) GroupedTrades(limit int) ([]GroupSummary, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM trades ORDER BY %s ASC, id ASC`,
		legColumns, e.timestampExpr(),
	)
	rows, err := e.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query grouped trades: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	var groups []GroupSummary
	for rows.Next() {
		leg, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}

		i, ok := index[leg.GroupID]
		if !ok {
			index[leg.GroupID] = len(groups)
			groups = append(groups, GroupSummary{
				GroupID:   leg.GroupID,
				FirstSeen: leg.DatetimeUTC,
				Gross:     decimal.Zero,
			})
			i = len(groups) - 1
		}

		g := &groups[i]
		g.Legs = append(g.Legs, leg)
		if g.Symbol == "" {
			g.Symbol = leg.Symbol
		}
		if g.Action == "" {
			g.Action = leg.Action
		}
		if leg.Side == domain.SideDebit {
			g.Gross = g.Gross.Add(leg.TotalValue)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grouped trades: %w", err)
	}

	collapsed, err := e.collapsedGroups()
	if err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].Collapsed = collapsed[groups[i].GroupID]
	}

	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

// LegFilter narrows QueryLegs. Zero values are ignored.
type LegFilter struct {
	From    time.Time
	To      time.Time
	Account string
	Symbol  string
	GroupID string
	Limit   int
}

// QueryLegs returns individual ledger legs matching the filter, in
// timestamp order.
func (e *Engine) QueryLegs(f LegFilter) ([]domain.TradeLeg, error) {
	query := fmt.Sprintf(`SELECT %s FROM trades WHERE 1=1`, legColumns)
	var args []any

	if f.Account != "" {
		query += " AND account = ?"
		args = append(args, f.Account)
	}
	if f.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, f.Symbol)
	}
	if f.GroupID != "" {
		query += " AND group_id = ?"
		args = append(args, f.GroupID)
	}
	if !f.From.IsZero() {
		query += " AND datetime_utc >= ?"
		args = append(args, domain.FormatMillisUTC(f.From))
	}
	if !f.To.IsZero() {
		query += " AND datetime_utc <= ?"
		args = append(args, domain.FormatMillisUTC(f.To))
	}
	query += fmt.Sprintf(" ORDER BY %s ASC, id ASC", e.timestampExpr())
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := e.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger legs: %w", err)
	}
	defer rows.Close()

	var legs []domain.TradeLeg
	for rows.Next() {
		leg, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger legs: %w", err)
	}
	return legs, nil
}

// LegsForGroup returns every leg of one journal group.
func (e *Engine) LegsForGroup(groupID string) ([]domain.TradeLeg, error) {
	return e.QueryLegs(LegFilter{GroupID: groupID})
}

// SetGroupCollapsed stores the UI collapse state of a journal group.
func (e *Engine) SetGroupCollapsed(groupID string, collapsed bool) error {
	state := 0
	if collapsed {
		state = 1
	}
	_, err := e.conn.Exec(
		`INSERT OR REPLACE INTO trade_group_collapsed (group_id, collapsed, updated_at) VALUES (?, ?, ?)`,
		groupID, state, domain.FormatMillisUTC(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to set group collapse state: %w", err)
	}
	return nil
}

// GroupCollapsed reads the collapse state of one group, defaulting to
// expanded.
func (e *Engine) GroupCollapsed(groupID string) (bool, error) {
	var state int
	err := e.conn.QueryRow(
		`SELECT collapsed FROM trade_group_collapsed WHERE group_id = ?`, groupID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read group collapse state: %w", err)
	}
	return state != 0, nil
}

func (e *Engine) collapsedGroups() (map[string]bool, error) {
	rows, err := e.conn.Query(`SELECT group_id, collapsed FROM trade_group_collapsed`)
	if err != nil {
		return nil, fmt.Errorf("failed to query collapse states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			groupID string
			state   int
		)
		if err := rows.Scan(&groupID, &state); err != nil {
			return nil, fmt.Errorf("failed to scan collapse state: %w", err)
		}
		out[groupID] = state != 0
	}
	return out, rows.Err()
}

// RemoveDuplicateLegs deletes legs whose (trade_id, side) pair appears
// more than once, keeping the earliest insert. The unique index prevents
// new duplicates; this repairs databases created before it existed.
func (e *Engine) RemoveDuplicateLegs() (int64, error) {
	var removed int64
	err := database.WithTransaction(e.conn, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM trades WHERE id NOT IN (
				SELECT MIN(id) FROM trades GROUP BY trade_id, side
			)`)
		if err != nil {
			return fmt.Errorf("failed to remove duplicate legs: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		e.audit.Event("duplicates_removed", domain.JSONValue{
			"reason": "duplicate (trade_id, side) repair",
			"after":  domain.JSONValue{"removed": removed},
		})
		e.log.Warn().Int64("removed", removed).Msg("Removed duplicate ledger legs")
	}
	return removed, nil
}

// scanLeg reads one trades row in legColumns order.
func scanLeg(rows *sql.Rows) (domain.TradeLeg, error) {
	var (
		leg          domain.TradeLeg
		datetime     string
		createdAt    string
		updatedAt    string
		side         string
		quantity     float64
		price        float64
		totalValue   float64
		amount       float64
		fee          float64
		commission   float64
		symbol       sql.NullString
		action       sql.NullString
		strategy     sql.NullString
		tags         sql.NullString
		notes        sql.NullString
		fitid        sql.NullString
		status       sql.NullString
		rawJSON      sql.NullString
		metadataJSON sql.NullString
	)

	err := rows.Scan(
		&leg.ID, &leg.TradeID, &leg.GroupID, &datetime, &symbol, &action, &side,
		&quantity, &price, &totalValue, &amount, &fee, &commission, &leg.Account,
		&strategy, &tags, &notes, &leg.EntityCode, &leg.JurisdictionCode,
		&leg.BrokerCode, &leg.BotID, &fitid, &status, &rawJSON, &metadataJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return leg, fmt.Errorf("failed to scan ledger leg: %w", err)
	}

	leg.Side = domain.LegSide(side)
	leg.Symbol = symbol.String
	leg.Action = action.String
	leg.Strategy = strategy.String
	leg.Tags = tags.String
	leg.Notes = notes.String
	leg.FITID = fitid.String
	leg.Status = status.String
	leg.Quantity = decimal.NewFromFloat(quantity)
	leg.Price = decimal.NewFromFloat(price)
	leg.TotalValue = decimal.NewFromFloat(totalValue)
	leg.Amount = decimal.NewFromFloat(amount)
	leg.Fee = decimal.NewFromFloat(fee)
	leg.Commission = decimal.NewFromFloat(commission)

	if ts, err := domain.ParseTimestamp(datetime); err == nil {
		leg.DatetimeUTC = ts
	}
	if ts, err := domain.ParseTimestamp(createdAt); err == nil {
		leg.CreatedAt = ts
	}
	if ts, err := domain.ParseTimestamp(updatedAt); err == nil {
		leg.UpdatedAt = ts
	}

	if rawJSON.Valid && rawJSON.String != "" {
		if err := json.Unmarshal([]byte(rawJSON.String), &leg.RawBroker); err != nil {
			return leg, fmt.Errorf("failed to decode raw broker json: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &leg.Metadata); err != nil {
			return leg, fmt.Errorf("failed to decode leg metadata: %w", err)
		}
	}
	return leg, nil
}
