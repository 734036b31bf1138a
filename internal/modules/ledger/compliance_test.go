package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/tradebook/internal/domain"
)

func TestValidateEntry(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	policy := DefaultPolicy()

	valid := Entry{
		DatetimeUTC: now.Add(-time.Hour),
		TradeID:     "T-OK",
		Side:        domain.SideDebit,
		TotalValue:  decimal.NewFromInt(100),
		Account:     "Income:Dividends",
	}

	tests := []struct {
		name   string
		mutate func(e *Entry)
		want   domain.RejectReason
	}{
		{
			name:   "valid entry passes",
			mutate: func(e *Entry) {},
			want:   "",
		},
		{
			name:   "invalid side",
			mutate: func(e *Entry) { e.Side = "up" },
			want:   domain.RejectInvalidSide,
		},
		{
			name:   "zero total value",
			mutate: func(e *Entry) { e.TotalValue = decimal.Zero },
			want:   domain.RejectZeroTotalValue,
		},
		{
			name: "zero total value allowed when flagged",
			mutate: func(e *Entry) {
				e.TotalValue = decimal.Zero
				e.AllowZeroValue = true
			},
			want: "",
		},
		{
			name:   "amount above policy limit",
			mutate: func(e *Entry) { e.TotalValue = decimal.New(2, 8) },
			want:   domain.RejectAmountExceedsPolicy,
		},
		{
			name:   "negative amount above policy limit",
			mutate: func(e *Entry) { e.TotalValue = decimal.New(-2, 8) },
			want:   domain.RejectAmountExceedsPolicy,
		},
		{
			name:   "missing timestamp",
			mutate: func(e *Entry) { e.DatetimeUTC = time.Time{} },
			want:   domain.RejectMissingTimestamp,
		},
		{
			name:   "timestamp too old",
			mutate: func(e *Entry) { e.DatetimeUTC = now.AddDate(0, 0, -15) },
			want:   domain.RejectTimestampTooOld,
		},
		{
			name:   "timestamp in future",
			mutate: func(e *Entry) { e.DatetimeUTC = now.Add(11 * time.Minute) },
			want:   domain.RejectTimestampInFuture,
		},
		{
			name:   "future within allowance passes",
			mutate: func(e *Entry) { e.DatetimeUTC = now.Add(9 * time.Minute) },
			want:   "",
		},
		{
			name: "no account and no discriminators",
			mutate: func(e *Entry) {
				e.Account = ""
				e.Match = domain.MatchSpec{}
			},
			want: domain.RejectUnmappedOrMissingAcct,
		},
		{
			name: "uncategorized account treated as missing",
			mutate: func(e *Entry) {
				e.Account = "Uncategorized"
				e.Match = domain.MatchSpec{}
			},
			want: domain.RejectUnmappedOrMissingAcct,
		},
		{
			name: "discriminators stand in for the account",
			mutate: func(e *Entry) {
				e.Account = ""
				e.Match = domain.MatchSpec{Broker: "alpaca", Type: "div"}
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := valid
			tt.mutate(&entry)
			reject := policy.ValidateEntry(&entry, now)
			if tt.want == "" {
				assert.Nil(t, reject)
				return
			}
			if assert.NotNil(t, reject) {
				assert.Equal(t, tt.want, reject.Reason)
				assert.Equal(t, entry.TradeID, reject.TradeID)
			}
		})
	}
}

func TestValidateEntryWindowDisabled(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	policy := DefaultPolicy()
	policy.EnforceDateWindow = false

	entry := Entry{
		DatetimeUTC: now.AddDate(-1, 0, 0),
		TradeID:     "T-OLD",
		Side:        domain.SideDebit,
		TotalValue:  decimal.NewFromInt(5),
		Account:     "Income:Dividends",
	}
	assert.Nil(t, policy.ValidateEntry(&entry, now))
}
