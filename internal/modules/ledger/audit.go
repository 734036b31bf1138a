// Package ledger implements the double-entry engine: compliance-gated
// journal posting, opening balance bootstrap, balances, grouping queries,
// and the append-only audit trail.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// AuditLog appends immutable events to the ledger audit JSONL file and
// mirrors them into the audit_trail table for in-DB queries. The JSONL
// file is authoritative; a mirror failure is logged and swallowed.
type AuditLog struct {
	path   string
	mirror *sql.DB
	id     domain.Identity4
	extras domain.JSONValue
	log    zerolog.Logger
}

// NewAuditLog creates an audit log writing to path, scoped to one identity.
// mirror may be nil.
func NewAuditLog(path string, mirror *sql.DB, id domain.Identity4, log zerolog.Logger) *AuditLog {
	return &AuditLog{
		path:   path,
		mirror: mirror,
		id:     id,
		log:    log.With().Str("component", "audit").Logger(),
	}
}

// WithExtras returns a copy of the log that adds the given keys to every
// record, used to stamp run-scoped context like sync_run_id.
func (a *AuditLog) WithExtras(extras domain.JSONValue) *AuditLog {
	merged := make(domain.JSONValue, len(a.extras)+len(extras))
	for k, v := range a.extras {
		merged[k] = v
	}
	for k, v := range extras {
		merged[k] = v
	}
	clone := *a
	clone.extras = merged
	return &clone
}

// Record appends one event. The base keys are always present; fields and
// run extras are merged on top, so consumers must tolerate extra keys.
func (a *AuditLog) Record(action string, fields domain.JSONValue) error {
	record := domain.JSONValue{
		"ts_utc":            domain.FormatMillisUTC(time.Now()),
		"action":            action,
		"entry_id":          nil,
		"actor":             "system",
		"reason":            nil,
		"audit_reference":   nil,
		"group_id":          nil,
		"fitid":             nil,
		"before":            nil,
		"after":             nil,
		"entity_code":       a.id.EntityCode,
		"jurisdiction_code": a.id.JurisdictionCode,
		"broker_code":       a.id.BrokerCode,
		"bot_id":            a.id.BotID,
	}
	for k, v := range a.extras {
		record[k] = v
	}
	for k, v := range fields {
		record[k] = v
	}

	if err := utils.AppendJSONL(a.path, record); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	a.mirrorRecord(action, record)
	return nil
}

// Event implements the lots engine's Auditor: best-effort Record.
func (a *AuditLog) Event(action string, fields domain.JSONValue) {
	if err := a.Record(action, fields); err != nil {
		a.log.Warn().Err(err).Str("action", action).Msg("Failed to write audit event")
	}
}

// RecordReject audits one dropped compliance reject, keeping the offending
// entry under "before" so nothing is lost.
func (a *AuditLog) RecordReject(reject domain.ComplianceReject, before domain.JSONValue) {
	fields := domain.JSONValue{
		"reason": string(reject.Reason),
		"before": before,
	}
	if reject.TradeID != "" {
		fields["entry_id"] = reject.TradeID
	}
	if reject.FITID != "" {
		fields["fitid"] = reject.FITID
	}
	if reject.Detail != "" {
		fields["detail"] = reject.Detail
	}
	if err := a.Record("compliance_reject", fields); err != nil {
		a.log.Warn().Err(err).Str("reason", string(reject.Reason)).Msg("Failed to audit compliance reject")
	}
}

func (a *AuditLog) mirrorRecord(action string, record domain.JSONValue) {
	if a.mirror == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to encode audit mirror payload")
		return
	}
	_, err = a.mirror.Exec(`
		INSERT INTO audit_trail (ts_utc, action, entry_id, actor, reason, group_id, fitid, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record["ts_utc"],
		action,
		stringOrNil(record["entry_id"]),
		stringOrNil(record["actor"]),
		stringOrNil(record["reason"]),
		stringOrNil(record["group_id"]),
		stringOrNil(record["fitid"]),
		string(payload),
	)
	if err != nil {
		a.log.Warn().Err(err).Str("action", action).Msg("Failed to mirror audit record")
	}
}

func stringOrNil(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return s
}
