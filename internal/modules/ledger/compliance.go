package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/domain"
)

// Policy holds the compliance limits applied before any write. Zero value
// means "no window enforcement, no amount cap".
type Policy struct {
	MaxAbsAmount      decimal.Decimal
	EnforceDateWindow bool
	MaxBackdateDays   int
	MaxFutureMinutes  int
}

// DefaultPolicy mirrors the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAbsAmount:      decimal.NewFromInt(100_000_000),
		EnforceDateWindow: true,
		MaxBackdateDays:   14,
		MaxFutureMinutes:  10,
	}
}

// Entry is one candidate journal before posting: the primary side, the
// signed total, and everything needed to resolve accounts and build legs.
type Entry struct {
	DatetimeUTC    time.Time
	Raw            domain.JSONValue
	Metadata       domain.JSONValue
	TradeID        string
	GroupID        string
	FITID          string
	Symbol         string
	Action         string
	Account        string
	Strategy       string
	Tags           string
	Notes          string
	Status         string
	Side           domain.LegSide
	Match          domain.MatchSpec
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	TotalValue     decimal.Decimal
	Fee            decimal.Decimal
	Commission     decimal.Decimal
	AllowZeroValue bool
}

// hasDiscriminators reports whether a mapping lookup could ever resolve
// this entry.
func (e *Entry) hasDiscriminators() bool {
	m := e.Match
	return m.Broker != "" || m.Type != "" || m.Subtype != "" || m.Description != ""
}

// ValidateEntry applies the pre-write compliance checks. A nil return means
// the entry may post; otherwise the reject carries the first failed reason.
// Rejected entries are never mutated.
func (p Policy) ValidateEntry(e *Entry, now time.Time) *domain.ComplianceReject {
	reject := func(reason domain.RejectReason, detail string) *domain.ComplianceReject {
		return &domain.ComplianceReject{
			Reason:  reason,
			TradeID: e.TradeID,
			FITID:   e.FITID,
			Detail:  detail,
		}
	}

	if !e.Side.Valid() {
		return reject(domain.RejectInvalidSide, fmt.Sprintf("side %q", e.Side))
	}
	if e.TotalValue.IsZero() && !e.AllowZeroValue {
		return reject(domain.RejectZeroTotalValue, "")
	}
	if p.MaxAbsAmount.IsPositive() && e.TotalValue.Abs().GreaterThan(p.MaxAbsAmount) {
		return reject(domain.RejectAmountExceedsPolicy,
			fmt.Sprintf("|%s| > %s", e.TotalValue.String(), p.MaxAbsAmount.String()))
	}
	if e.DatetimeUTC.IsZero() {
		return reject(domain.RejectMissingTimestamp, "")
	}
	if p.EnforceDateWindow {
		oldest := now.Add(-time.Duration(p.MaxBackdateDays) * 24 * time.Hour)
		newest := now.Add(time.Duration(p.MaxFutureMinutes) * time.Minute)
		if e.DatetimeUTC.Before(oldest) {
			return reject(domain.RejectTimestampTooOld,
				fmt.Sprintf("%s before %s", domain.FormatMillisUTC(e.DatetimeUTC), domain.FormatMillisUTC(oldest)))
		}
		if e.DatetimeUTC.After(newest) {
			return reject(domain.RejectTimestampInFuture,
				fmt.Sprintf("%s after %s", domain.FormatMillisUTC(e.DatetimeUTC), domain.FormatMillisUTC(newest)))
		}
	}
	if (e.Account == "" || e.Account == "Uncategorized") && !e.hasDiscriminators() {
		return reject(domain.RejectUnmappedOrMissingAcct, "no account and no mapping discriminators")
	}
	return nil
}
