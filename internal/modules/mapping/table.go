// Package mapping implements the append-only, snapshot-versioned table that
// maps broker transaction discriminators to debit/credit account pairs.
package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// Meta is the live-file header. VersionID strictly increases across
// assigns, imports, and rollbacks.
type Meta struct {
	VersionID    int    `json:"version_id"`
	UpdatedAtUTC string `json:"updated_at_utc"`
	UpdatedBy    string `json:"updated_by,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// HistoryEntry records one version bump.
type HistoryEntry struct {
	VersionID int    `json:"version_id"`
	TsUTC     string `json:"ts"`
	User      string `json:"user"`
	Reason    string `json:"reason,omitempty"`
	RowCount  int    `json:"row_count"`
}

// UnmappedEntry tracks a rule code that reached the ledger without a
// matching rule, so an operator can assign one later.
type UnmappedEntry struct {
	RuleCode     string `json:"rule_code"`
	FirstSeenUTC string `json:"first_seen_utc"`
	LastSeenUTC  string `json:"last_seen_utc"`
	Count        int    `json:"count"`
}

// liveDoc is the on-disk shape of coa_mapping_table.json. Version mirrors
// Meta.VersionID for older readers.
type liveDoc struct {
	Meta     Meta                `json:"meta"`
	Version  int                 `json:"version"`
	Rows     []domain.MappingRow `json:"rows"`
	History  []HistoryEntry      `json:"history"`
	Unmapped []UnmappedEntry     `json:"unmapped"`
}

// Export is the portable form produced by Export and consumed by Import.
type Export struct {
	ExportedAtUTC string              `json:"exported_at_utc"`
	VersionID     int                 `json:"version_id"`
	Rows          []domain.MappingRow `json:"rows"`
}

type auditEvent struct {
	TsUTC     string `json:"ts_utc"`
	Event     string `json:"event"`
	RuleCode  string `json:"rule_code,omitempty"`
	User      string `json:"user,omitempty"`
	Reason    string `json:"reason,omitempty"`
	VersionID int    `json:"version_id"`
	RowCount  int    `json:"row_count"`
}

// Table is the single-writer mapping store. Mutations rewrite the live file
// atomically and snapshot every new version into the versions directory.
type Table struct {
	livePath    string
	versionsDir string
	auditPath   string
	log         zerolog.Logger

	mu  sync.Mutex
	doc *liveDoc
}

// NewTable creates a table over the live file, versions directory, and
// audit log paths. Call Load or EnsureInitialized before using it.
func NewTable(livePath, versionsDir, auditPath string, log zerolog.Logger) *Table {
	return &Table{
		livePath:    livePath,
		versionsDir: versionsDir,
		auditPath:   auditPath,
		log:         log.With().Str("component", "mapping").Logger(),
	}
}

// RuleCode derives the deterministic rule code from a set of transaction
// discriminators: the four fields lowercased, trimmed, and colon-joined.
// Missing fields stay as empty segments so positions never shift.
func RuleCode(m domain.MatchSpec) string {
	parts := []string{m.Broker, m.Type, m.Subtype, m.Description}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ":")
}

func canonicalMatch(m domain.MatchSpec) domain.MatchSpec {
	return domain.MatchSpec{
		Broker:      strings.ToLower(strings.TrimSpace(m.Broker)),
		Type:        strings.ToLower(strings.TrimSpace(m.Type)),
		Subtype:     strings.ToLower(strings.TrimSpace(m.Subtype)),
		Description: strings.ToLower(strings.TrimSpace(m.Description)),
	}
}

// Load reads the live file into memory.
func (t *Table) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadLocked()
}

func (t *Table) loadLocked() error {
	var doc liveDoc
	if err := utils.ReadJSONFile(t.livePath, &doc); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mapping table %s: %w", t.livePath, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to read mapping table: %w", err)
	}
	if doc.Meta.VersionID == 0 {
		doc.Meta.VersionID = doc.Version
	}
	t.doc = &doc
	return nil
}

func (t *Table) ensureLoadedLocked() error {
	if t.doc != nil {
		return nil
	}
	return t.loadLocked()
}

// EnsureInitialized writes an empty v1 table when no live file exists yet,
// including the v1 snapshot so a later rollback(1) has something to load.
// Returns true when the table was created.
func (t *Table) EnsureInitialized(user string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if utils.Exists(t.livePath) {
		if t.doc == nil {
			return false, t.loadLocked()
		}
		return false, nil
	}

	now := domain.FormatMillisUTC(time.Now())
	doc := &liveDoc{
		Meta:     Meta{VersionID: 1, UpdatedAtUTC: now, UpdatedBy: user, Reason: "initialized"},
		Version:  1,
		Rows:     []domain.MappingRow{},
		History:  []HistoryEntry{{VersionID: 1, TsUTC: now, User: user, Reason: "initialized", RowCount: 0}},
		Unmapped: []UnmappedEntry{},
	}
	t.doc = doc
	if err := t.persistLocked(true); err != nil {
		return false, err
	}
	t.auditLocked("initialized", "", user, "initialized")
	t.log.Info().Str("path", t.livePath).Msg("Mapping table initialized")
	return true, nil
}

// Version returns the current table version.
func (t *Table) Version() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return 0, err
	}
	return t.doc.Meta.VersionID, nil
}

// Rows returns a copy of all rows, active and inactive.
func (t *Table) Rows() ([]domain.MappingRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	out := make([]domain.MappingRow, len(t.doc.Rows))
	copy(out, t.doc.Rows)
	return out, nil
}

// ActiveRows returns a copy of the active rows only.
func (t *Table) ActiveRows() ([]domain.MappingRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	var out []domain.MappingRow
	for _, row := range t.doc.Rows {
		if row.Active {
			out = append(out, row)
		}
	}
	return out, nil
}

// Unmapped returns the recorded unmapped rule codes.
func (t *Table) Unmapped() ([]UnmappedEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	out := make([]UnmappedEntry, len(t.doc.Unmapped))
	copy(out, t.doc.Unmapped)
	return out, nil
}

// GetForTransaction resolves the mapping row for a transaction's
// discriminators. The exact rule code wins, tie-broken by highest version.
// When no exact row exists, rows match by their declared discriminators
// only, the most specific match first. Returns nil when nothing matches.
func (t *Table) GetForTransaction(m domain.MatchSpec) (*domain.MappingRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return nil, err
	}

	code := RuleCode(m)
	var exact *domain.MappingRow
	for i := range t.doc.Rows {
		row := &t.doc.Rows[i]
		if !row.Active || row.RuleCode != code {
			continue
		}
		if exact == nil || row.VersionID > exact.VersionID {
			exact = row
		}
	}
	if exact != nil {
		out := *exact
		return &out, nil
	}

	canon := canonicalMatch(m)
	var best *domain.MappingRow
	bestSpecificity := 0
	for i := range t.doc.Rows {
		row := &t.doc.Rows[i]
		if !row.Active {
			continue
		}
		spec, ok := matchSpecificity(row.Match, canon)
		if !ok || spec == 0 {
			continue
		}
		if best == nil || spec > bestSpecificity ||
			(spec == bestSpecificity && row.VersionID > best.VersionID) {
			best = row
			bestSpecificity = spec
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

// matchSpecificity reports how many declared discriminators matched, or
// false when any declared discriminator disagrees.
func matchSpecificity(ruleMatch, txn domain.MatchSpec) (int, bool) {
	rule := canonicalMatch(ruleMatch)
	n := 0
	check := func(want, got string) bool {
		if want == "" {
			return true
		}
		if want != got {
			return false
		}
		n++
		return true
	}
	if !check(rule.Broker, txn.Broker) ||
		!check(rule.Type, txn.Type) ||
		!check(rule.Subtype, txn.Subtype) ||
		!check(rule.Description, txn.Description) {
		return 0, false
	}
	return n, true
}

// Assign writes a new rule for the discriminators, deactivating any prior
// active row for the same rule code.
func (t *Table) Assign(m domain.MatchSpec, debitAccount, creditAccount, user, reason string) (*domain.MappingRow, error) {
	return t.AssignCode(RuleCode(m), m, debitAccount, creditAccount, user, reason)
}

// AssignCode is Assign with an explicit override rule code.
func (t *Table) AssignCode(ruleCode string, m domain.MatchSpec, debitAccount, creditAccount, user, reason string) (*domain.MappingRow, error) {
	if ruleCode == "" {
		return nil, domain.NewValidationError("rule_code", "rule code is empty")
	}
	if debitAccount == "" || creditAccount == "" {
		return nil, domain.NewValidationError(ruleCode, "debit and credit accounts are required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return nil, err
	}

	for i := range t.doc.Rows {
		if t.doc.Rows[i].RuleCode == ruleCode && t.doc.Rows[i].Active {
			t.doc.Rows[i].Active = false
		}
	}

	now := domain.FormatMillisUTC(time.Now())
	newVersion := t.doc.Meta.VersionID + 1
	row := domain.MappingRow{
		RuleCode:      ruleCode,
		DebitAccount:  debitAccount,
		CreditAccount: creditAccount,
		UpdatedBy:     user,
		UpdatedAtUTC:  now,
		Reason:        reason,
		Match:         canonicalMatch(m),
		VersionID:     newVersion,
		Active:        true,
	}
	t.doc.Rows = append(t.doc.Rows, row)
	t.bumpLocked(newVersion, now, user, reason)

	if err := t.persistLocked(true); err != nil {
		return nil, err
	}
	t.auditLocked("assign", ruleCode, user, reason)
	t.log.Info().Str("rule_code", ruleCode).Int("version", newVersion).Msg("Mapping rule assigned")
	return &row, nil
}

// Rollback restores the rows of an earlier snapshot under a new version, so
// history stays monotonic.
func (t *Table) Rollback(version int, user string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return err
	}

	snapPath, err := t.findSnapshotLocked(version)
	if err != nil {
		return err
	}
	var snap liveDoc
	if err := utils.ReadJSONFile(snapPath, &snap); err != nil {
		return fmt.Errorf("failed to read mapping snapshot %s: %w", snapPath, err)
	}

	now := domain.FormatMillisUTC(time.Now())
	newVersion := t.doc.Meta.VersionID + 1
	reason := fmt.Sprintf("rollback to v%d", version)
	t.doc.Rows = snap.Rows
	if t.doc.Rows == nil {
		t.doc.Rows = []domain.MappingRow{}
	}
	t.bumpLocked(newVersion, now, user, reason)

	if err := t.persistLocked(true); err != nil {
		return err
	}
	t.auditLocked("rollback", "", user, reason)
	t.log.Info().Int("from_version", version).Int("version", newVersion).Msg("Mapping table rolled back")
	return nil
}

// ImportRows replaces the row set wholesale under a new version.
func (t *Table) ImportRows(rows []domain.MappingRow, user, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return err
	}

	now := domain.FormatMillisUTC(time.Now())
	newVersion := t.doc.Meta.VersionID + 1
	if reason == "" {
		reason = "import"
	}
	t.doc.Rows = make([]domain.MappingRow, len(rows))
	copy(t.doc.Rows, rows)
	t.bumpLocked(newVersion, now, user, reason)

	if err := t.persistLocked(true); err != nil {
		return err
	}
	t.auditLocked("import", "", user, reason)
	t.log.Info().Int("rows", len(rows)).Int("version", newVersion).Msg("Mapping table imported")
	return nil
}

// ExportRows returns a portable export of the full row set.
func (t *Table) ExportRows() (*Export, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	rows := make([]domain.MappingRow, len(t.doc.Rows))
	copy(rows, t.doc.Rows)
	return &Export{
		ExportedAtUTC: domain.FormatMillisUTC(time.Now()),
		VersionID:     t.doc.Meta.VersionID,
		Rows:          rows,
	}, nil
}

// RecordUnmapped notes that a rule code reached the ledger without a rule.
// It does not bump the table version.
func (t *Table) RecordUnmapped(ruleCode string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return err
	}

	now := domain.FormatMillisUTC(time.Now())
	found := false
	for i := range t.doc.Unmapped {
		if t.doc.Unmapped[i].RuleCode == ruleCode {
			t.doc.Unmapped[i].LastSeenUTC = now
			t.doc.Unmapped[i].Count++
			found = true
			break
		}
	}
	if !found {
		t.doc.Unmapped = append(t.doc.Unmapped, UnmappedEntry{
			RuleCode:     ruleCode,
			FirstSeenUTC: now,
			LastSeenUTC:  now,
			Count:        1,
		})
	}

	if err := t.persistLocked(false); err != nil {
		return err
	}
	t.auditLocked("unmapped", ruleCode, "", "")
	return nil
}

// EnsureRequired verifies that the active rows reference every required
// account code. A trailing "x" in a required code is a wildcard: "111x"
// accepts any account beginning with "111".
func (t *Table) EnsureRequired(required []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(); err != nil {
		return err
	}

	referenced := make(map[string]bool)
	for _, row := range t.doc.Rows {
		if !row.Active {
			continue
		}
		referenced[row.DebitAccount] = true
		referenced[row.CreditAccount] = true
	}

	var missing []string
	for _, req := range required {
		if strings.HasSuffix(req, "x") {
			prefix := strings.TrimSuffix(req, "x")
			ok := false
			for acct := range referenced {
				if strings.HasPrefix(acct, prefix) {
					ok = true
					break
				}
			}
			if !ok {
				missing = append(missing, req)
			}
			continue
		}
		if !referenced[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("mapping table missing required accounts %s: %w",
			strings.Join(missing, ", "), domain.ErrValidation)
	}
	return nil
}

func (t *Table) bumpLocked(version int, now, user, reason string) {
	t.doc.Meta = Meta{VersionID: version, UpdatedAtUTC: now, UpdatedBy: user, Reason: reason}
	t.doc.Version = version
	t.doc.History = append(t.doc.History, HistoryEntry{
		VersionID: version,
		TsUTC:     now,
		User:      user,
		Reason:    reason,
		RowCount:  len(t.doc.Rows),
	})
}

// persistLocked writes the live file and, when snapshot is set, a snapshot
// named for the current version.
func (t *Table) persistLocked(snapshot bool) error {
	if err := utils.WriteJSONAtomic(t.livePath, t.doc, 0o644); err != nil {
		return fmt.Errorf("failed to write mapping table: %w", err)
	}
	if !snapshot {
		return nil
	}
	name := SnapshotName(t.doc.Meta.VersionID, t.doc.Meta.UpdatedAtUTC)
	if err := utils.WriteJSONAtomic(filepath.Join(t.versionsDir, name), t.doc, 0o644); err != nil {
		return fmt.Errorf("failed to write mapping snapshot: %w", err)
	}
	return nil
}

// SnapshotName builds the snapshot filename for a version, with colons in
// the timestamp replaced so the name stays filesystem-safe.
func SnapshotName(version int, tsUTC string) string {
	return fmt.Sprintf("coa_mapping_v%d_%s.json", version, strings.ReplaceAll(tsUTC, ":", "-"))
}

func (t *Table) findSnapshotLocked(version int) (string, error) {
	pattern := filepath.Join(t.versionsDir, fmt.Sprintf("coa_mapping_v%d_*.json", version))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("failed to scan mapping snapshots: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("mapping snapshot v%d: %w", version, domain.ErrNotFound)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func (t *Table) auditLocked(event, ruleCode, user, reason string) {
	entry := auditEvent{
		TsUTC:     domain.FormatMillisUTC(time.Now()),
		Event:     event,
		RuleCode:  ruleCode,
		User:      user,
		Reason:    reason,
		VersionID: t.doc.Meta.VersionID,
		RowCount:  len(t.doc.Rows),
	}
	if err := utils.AppendJSONL(t.auditPath, entry); err != nil {
		t.log.Warn().Err(err).Str("event", event).Msg("Failed to append mapping audit event")
	}
}
