package coa

import (
	"fmt"
	"os"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// Audit log keeps only the most recent entries, newest first.
const maxAuditEntries = 100

// Meta is the metadata document stored next to the chart of accounts.
type Meta struct {
	CurrencyCode     string `json:"currency_code"`
	EntityCode       string `json:"entity_code"`
	JurisdictionCode string `json:"jurisdiction_code"`
	COAVersion       int    `json:"coa_version"`
	CreatedAtUTC     string `json:"created_at_utc"`
	LastUpdatedUTC   string `json:"last_updated_utc"`
}

// AuditEntry records one saved revision of the chart of accounts.
type AuditEntry struct {
	TsUTC   string `json:"ts_utc"`
	User    string `json:"user"`
	Summary string `json:"summary"`
	Diff    string `json:"diff"`
}

// Document is the result of a load: the raw forest plus the two flattened
// views derived from it.
type Document struct {
	Accounts []Account
	Flat     []FlatAccount
	Dropdown []FlatAccount
}

// Store reads and writes the chart of accounts documents on disk.
type Store struct {
	accountsPath string
	metaPath     string
	auditPath    string
	log          zerolog.Logger
}

// NewStore creates a store over the three document paths.
func NewStore(accountsPath, metaPath, auditPath string, log zerolog.Logger) *Store {
	return &Store{
		accountsPath: accountsPath,
		metaPath:     metaPath,
		auditPath:    auditPath,
		log:          log.With().Str("component", "coa").Logger(),
	}
}

// Load reads the chart of accounts, validates it, and returns it together
// with the flattened views.
func (s *Store) Load() (*Document, error) {
	var accounts []Account
	if err := utils.ReadJSONFile(s.accountsPath, &accounts); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chart of accounts %s: %w", s.accountsPath, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read chart of accounts: %w", err)
	}
	if err := Validate(accounts); err != nil {
		return nil, err
	}
	return &Document{
		Accounts: accounts,
		Flat:     Flatten(accounts),
		Dropdown: FlattenActive(accounts),
	}, nil
}

// LoadMeta reads the metadata document.
func (s *Store) LoadMeta() (*Meta, error) {
	var meta Meta
	if err := utils.ReadJSONFile(s.metaPath, &meta); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chart of accounts metadata %s: %w", s.metaPath, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read chart of accounts metadata: %w", err)
	}
	return &meta, nil
}

// Save validates and persists a new revision of the forest, refreshes the
// metadata timestamp, and prepends an audit entry. When diff is empty it is
// computed against the currently stored document.
func (s *Store) Save(accounts []Account, user, diff string) error {
	if err := Validate(accounts); err != nil {
		return err
	}

	before := ""
	if raw, err := os.ReadFile(s.accountsPath); err == nil {
		before = string(raw)
	}

	if err := utils.WriteJSONAtomic(s.accountsPath, accounts, 0o644); err != nil {
		return fmt.Errorf("failed to write chart of accounts: %w", err)
	}

	if diff == "" {
		after, err := os.ReadFile(s.accountsPath)
		if err != nil {
			return fmt.Errorf("failed to re-read chart of accounts: %w", err)
		}
		diff, err = UnifiedDiff(before, string(after))
		if err != nil {
			return fmt.Errorf("failed to diff chart of accounts: %w", err)
		}
	}

	if err := s.touchMeta(); err != nil {
		return err
	}
	if err := s.appendAudit(user, Summarize(accounts), diff); err != nil {
		return err
	}

	s.log.Info().Str("user", user).Str("summary", Summarize(accounts)).Msg("Chart of accounts saved")
	return nil
}

// touchMeta updates the last-updated timestamp, creating the metadata
// document if it does not exist yet.
func (s *Store) touchMeta() error {
	now := domain.FormatMillisUTC(time.Now())
	meta, err := s.LoadMeta()
	if err != nil {
		meta = &Meta{COAVersion: 1, CreatedAtUTC: now}
	}
	meta.LastUpdatedUTC = now
	if err := utils.WriteJSONAtomic(s.metaPath, meta, 0o644); err != nil {
		return fmt.Errorf("failed to write chart of accounts metadata: %w", err)
	}
	return nil
}

func (s *Store) appendAudit(user, summary, diff string) error {
	entries, err := s.ReadAudit()
	if err != nil {
		return err
	}
	entry := AuditEntry{
		TsUTC:   domain.FormatMillisUTC(time.Now()),
		User:    user,
		Summary: summary,
		Diff:    diff,
	}
	entries = append([]AuditEntry{entry}, entries...)
	if len(entries) > maxAuditEntries {
		entries = entries[:maxAuditEntries]
	}
	if err := utils.WriteJSONAtomic(s.auditPath, entries, 0o644); err != nil {
		return fmt.Errorf("failed to write chart of accounts audit log: %w", err)
	}
	return nil
}

// ReadAudit returns the audit log, newest first. A missing log reads as
// empty.
func (s *Store) ReadAudit() ([]AuditEntry, error) {
	var entries []AuditEntry
	if err := utils.ReadJSONFile(s.auditPath, &entries); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read chart of accounts audit log: %w", err)
	}
	return entries, nil
}

// EnsureInitialized seeds the default chart of accounts and metadata when
// no document exists yet. Returns true when the seed was written.
func (s *Store) EnsureInitialized(entityCode, jurisdictionCode, currencyCode string) (bool, error) {
	if utils.Exists(s.accountsPath) {
		return false, nil
	}
	accounts := DefaultChartOfAccounts()
	if err := utils.WriteJSONAtomic(s.accountsPath, accounts, 0o644); err != nil {
		return false, fmt.Errorf("failed to seed chart of accounts: %w", err)
	}
	now := domain.FormatMillisUTC(time.Now())
	meta := Meta{
		CurrencyCode:     currencyCode,
		EntityCode:       entityCode,
		JurisdictionCode: jurisdictionCode,
		COAVersion:       1,
		CreatedAtUTC:     now,
		LastUpdatedUTC:   now,
	}
	if err := utils.WriteJSONAtomic(s.metaPath, meta, 0o644); err != nil {
		return false, fmt.Errorf("failed to seed chart of accounts metadata: %w", err)
	}
	s.log.Info().Str("path", s.accountsPath).Msg("Seeded default chart of accounts")
	return true, nil
}

// UnifiedDiff renders a unified diff between two document bodies.
func UnifiedDiff(before, after string) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("failed to build unified diff: %w", err)
	}
	return text, nil
}
