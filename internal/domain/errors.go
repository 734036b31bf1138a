package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core error taxonomy. Callers classify with
// errors.Is; wrapping preserves the class across layers.
var (
	// ErrConfig covers missing identity, malformed schedule inputs, invalid COA metadata.
	ErrConfig = errors.New("config error")
	// ErrNotFound covers missing live files and missing snapshot versions.
	ErrNotFound = errors.New("not found")
	// ErrValidation covers structural failures: unbalanced journals, duplicate codes, invalid HH:MM.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientInventory is raised when the lots engine cannot satisfy a close.
	ErrInsufficientInventory = errors.New("insufficient lot inventory")
	// ErrTransientIO covers lock contention and retryable broker failures.
	ErrTransientIO = errors.New("transient io error")
	// ErrFatal covers DB corruption and snapshot write failure after retry.
	// It moves the lifecycle to the error state and is never retried.
	ErrFatal = errors.New("fatal error")
)

// ValidationError carries the offending node or field for structural failures.
type ValidationError struct {
	Node   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error at %q: %s", e.Node, e.Reason)
}

// Unwrap makes errors.Is(err, ErrValidation) hold for all ValidationErrors.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError for a named node.
func NewValidationError(node, reason string) error {
	return &ValidationError{Node: node, Reason: reason}
}

// RejectReason enumerates why compliance filtering dropped an entry.
type RejectReason string

const (
	RejectInvalidSide           RejectReason = "invalid_side"
	RejectInvalidTotalValue     RejectReason = "invalid_total_value"
	RejectZeroTotalValue        RejectReason = "zero_total_value_not_allowed"
	RejectAmountExceedsPolicy   RejectReason = "amount_exceeds_policy_limit"
	RejectMissingTimestamp      RejectReason = "missing_timestamp"
	RejectTimestampTooOld       RejectReason = "timestamp_too_old"
	RejectTimestampInFuture     RejectReason = "timestamp_in_future"
	RejectUnmappedOrMissingAcct RejectReason = "unmapped_or_missing_account"
	RejectMalformedEntry        RejectReason = "malformed_entry"
	RejectDuplicateTradeID      RejectReason = "duplicate_trade_id"
)

// ComplianceReject is a per-entry rejection. Rejects are ordinary data:
// they are audited and dropped, never raised as errors.
type ComplianceReject struct {
	Reason  RejectReason `json:"reason"`
	TradeID string       `json:"trade_id,omitempty"`
	FITID   string       `json:"fitid,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

func (r ComplianceReject) String() string {
	if r.TradeID != "" {
		return fmt.Sprintf("%s (trade_id=%s)", r.Reason, r.TradeID)
	}
	return string(r.Reason)
}
