package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/domain"
)

// Balances computes per-account balances as of a point in time. The
// opening balance is the signed sum of everything before the window,
// debits and credits are the gross activity inside it, and the closing
// balance is the signed sum through the as-of instant. windowStart
// defaults to UTC midnight of the as-of day.
//
// Timestamps are stored in a fixed-width ISO layout, so string comparison
// in SQL orders them correctly.
func (e *Engine) Balances(asOf time.Time, windowStart *time.Time) ([]domain.AccountBalance, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	start := domain.MidnightUTC(asOf)
	if windowStart != nil {
		start = windowStart.UTC()
	}
	asOfStr := domain.FormatMillisUTC(asOf)
	startStr := domain.FormatMillisUTC(start)

	query := `
		SELECT account,
		       COALESCE(SUM(CASE WHEN datetime_utc < ? THEN total_value ELSE 0 END), 0) AS opening,
		       COALESCE(SUM(CASE WHEN datetime_utc >= ? AND (side = 'debit' OR total_value > 0) THEN ABS(total_value) ELSE 0 END), 0) AS debits,
		       COALESCE(SUM(CASE WHEN datetime_utc >= ? AND (side = 'credit' OR total_value < 0) THEN ABS(total_value) ELSE 0 END), 0) AS credits,
		       COALESCE(SUM(total_value), 0) AS closing
		FROM trades
		WHERE datetime_utc <= ?
		GROUP BY account
		ORDER BY account ASC
	`
	rows, err := e.conn.Query(query, startStr, startStr, startStr, asOfStr)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []domain.AccountBalance
	for rows.Next() {
		var (
			account string
			opening float64
			debits  float64
			credits float64
			closing float64
		)
		if err := rows.Scan(&account, &opening, &debits, &credits, &closing); err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}

		b := domain.AccountBalance{
			Account:        account,
			OpeningBalance: domain.QuantizeBalance(decimal.NewFromFloat(opening)),
			Debits:         domain.QuantizeBalance(decimal.NewFromFloat(debits)),
			Credits:        domain.QuantizeBalance(decimal.NewFromFloat(credits)),
			ClosingBalance: domain.QuantizeBalance(decimal.NewFromFloat(closing)),
		}
		if b.ClosingBalance.IsZero() && (!b.Debits.IsZero() || !b.Credits.IsZero()) {
			b.ClosingBalance = domain.QuantizeBalance(b.OpeningBalance.Add(b.Debits).Sub(b.Credits))
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate balances: %w", err)
	}
	return balances, nil
}

// AccountBalanceAt returns the balance row for one account, or a zeroed
// row when the account has no postings.
func (e *Engine) AccountBalanceAt(account string, asOf time.Time) (domain.AccountBalance, error) {
	balances, err := e.Balances(asOf, nil)
	if err != nil {
		return domain.AccountBalance{}, err
	}
	for _, b := range balances {
		if b.Account == account {
			return b, nil
		}
	}
	return domain.AccountBalance{Account: account}, nil
}
