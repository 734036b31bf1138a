// Package identity resolves every on-disk location of the system from a
// data root plus an Identity4. All components receive paths from a Tree
// instead of assembling them ad hoc, so two processes with the same
// identity always agree on where state lives.
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/tradebook/internal/domain"
)

// Tree is the resolved directory layout for one identity. Methods are pure
// path arithmetic; nothing touches the filesystem except EnsureDirs.
type Tree struct {
	root string
	id   domain.Identity4
}

// NewTree validates the identity and anchors its layout under dataRoot.
func NewTree(dataRoot string, id domain.Identity4) (*Tree, error) {
	if dataRoot == "" {
		return nil, fmt.Errorf("%w: data root is empty", domain.ErrConfig)
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &Tree{root: filepath.Join(dataRoot, id.String()), id: id}, nil
}

// Identity returns the tuple this tree is scoped to.
func (t *Tree) Identity() domain.Identity4 { return t.id }

// Root returns the identity-scoped base directory.
func (t *Tree) Root() string { return t.root }

func (t *Tree) ControlDir() string { return filepath.Join(t.root, "control") }
func (t *Tree) LogsDir() string    { return filepath.Join(t.root, "logs") }
func (t *Tree) LedgerDir() string  { return filepath.Join(t.root, "ledger") }
func (t *Tree) MappingDir() string { return filepath.Join(t.root, "mapping") }
func (t *Tree) COADir() string     { return filepath.Join(t.root, "coa") }
func (t *Tree) CacheDir() string   { return filepath.Join(t.root, "cache") }

// StateFile is the single-token lifecycle file.
func (t *Tree) StateFile() string { return filepath.Join(t.ControlDir(), "bot_state.txt") }

// StateHistoryFile receives one appended line per lifecycle transition.
func (t *Tree) StateHistoryFile() string {
	return filepath.Join(t.LogsDir(), "bot_state_history.log")
}

// FlagFile resolves a presence-based control flag.
func (t *Tree) FlagFile(flag domain.ControlFlag) string {
	name := string(flag) + ".txt"
	if flag == domain.FlagTestMode {
		name = string(flag) + ".flag"
	}
	return filepath.Join(t.ControlDir(), name)
}

// ScheduleFile holds the day's computed phase schedule.
func (t *Tree) ScheduleFile() string { return filepath.Join(t.LogsDir(), "schedule.json") }

// StatusFile is the UI-facing status document.
func (t *Tree) StatusFile() string { return filepath.Join(t.LogsDir(), "status.json") }

// SyncResultFile holds the last broker sync run summary.
func (t *Tree) SyncResultFile() string { return filepath.Join(t.LogsDir(), "sync_last.json") }

// DispatchLockFile serializes dispatchers for one trading date.
func (t *Tree) DispatchLockFile(tradingDate string) string {
	return filepath.Join(t.ControlDir(), "dispatch_"+tradingDate+".lock")
}

// HolidaysFile lists non-trading dates, one ISO date per line.
func (t *Tree) HolidaysFile() string { return filepath.Join(t.root, "holidays.txt") }

// StampsDir holds the per-worker idempotency stamps and result files.
func (t *Tree) StampsDir() string { return filepath.Join(t.LogsDir(), "stamps") }

// StrategyStampFile is the daily idempotency marker for a strategy phase.
func (t *Tree) StrategyStampFile(phase domain.Phase) string {
	return filepath.Join(t.StampsDir(), fmt.Sprintf("last_strategy_%s_utc.txt", phase))
}

// PhaseStampFile is the daily idempotency marker for any phase worker.
func (t *Tree) PhaseStampFile(phase domain.Phase) string {
	if phase.StrategyPhase() {
		return t.StrategyStampFile(phase)
	}
	return filepath.Join(t.StampsDir(), fmt.Sprintf("last_%s_utc.txt", phase))
}

// PhaseResultFile is the per-phase result document surfaced in status.json.
func (t *Tree) PhaseResultFile(phase domain.Phase) string {
	switch phase {
	case domain.PhaseHoldingsOpen, domain.PhaseHoldingsMid:
		return filepath.Join(t.StampsDir(), "holdings_manager_last.txt")
	case domain.PhaseUniverse:
		return filepath.Join(t.StampsDir(), "universe_rebuild_last.txt")
	default:
		return filepath.Join(t.StampsDir(), fmt.Sprintf("strategy_%s_last.json", phase))
	}
}

// LedgerDB is the SQLite database file for this identity's ledger.
func (t *Tree) LedgerDB() string { return filepath.Join(t.LedgerDir(), "ledger.db") }

// LedgerAuditFile is the append-only JSONL audit trail.
func (t *Tree) LedgerAuditFile() string {
	return filepath.Join(t.LedgerDir(), "audit", "ledger_audit.jsonl")
}

// SnapshotsDir holds pre-sync byte copies of the ledger DB and mapping
// table backups.
func (t *Tree) SnapshotsDir() string { return filepath.Join(t.LedgerDir(), "snapshots") }

// MappingLiveFile is the current COA mapping table document.
func (t *Tree) MappingLiveFile() string {
	return filepath.Join(t.MappingDir(), "coa_mapping_table.json")
}

// MappingVersionsDir holds one immutable snapshot per table version.
func (t *Tree) MappingVersionsDir() string { return filepath.Join(t.MappingDir(), "versions") }

// MappingAuditFile is the mapping table's append-only JSONL audit trail.
func (t *Tree) MappingAuditFile() string {
	return filepath.Join(t.MappingDir(), "audit", "mapping_audit.jsonl")
}

// COAFile is the hierarchical chart of accounts document.
func (t *Tree) COAFile() string { return filepath.Join(t.COADir(), "chart_of_accounts.json") }

// COAMetaFile carries currency, identity codes, and version metadata.
func (t *Tree) COAMetaFile() string { return filepath.Join(t.COADir(), "coa_metadata.json") }

// COAAuditFile is the bounded COA change log.
func (t *Tree) COAAuditFile() string { return filepath.Join(t.COADir(), "coa_audit_log.json") }

// BarCacheDir holds the msgpack price-bar cache shared by phase workers.
func (t *Tree) BarCacheDir() string { return filepath.Join(t.CacheDir(), "bars") }

// UniverseFile is the tradable symbol list written by the universe phase.
func (t *Tree) UniverseFile() string { return filepath.Join(t.CacheDir(), "universe.json") }

// ProcessLogFile is the rotating process log (distinct from audit trails).
func (t *Tree) ProcessLogFile() string { return filepath.Join(t.LogsDir(), "tradebook.log") }

// PhaseLogFile captures one phase worker's stdout/stderr and exit codes.
func (t *Tree) PhaseLogFile(phase domain.Phase) string {
	return filepath.Join(t.LogsDir(), fmt.Sprintf("phase_%s.log", phase))
}

// DispatchLogFile captures one day's dispatcher output.
func (t *Tree) DispatchLogFile(tradingDate string) string {
	return filepath.Join(t.LogsDir(), "dispatch_"+tradingDate+".log")
}

// EnsureDirs creates the standard directory skeleton. Safe to call on
// every startup.
func (t *Tree) EnsureDirs() error {
	dirs := []string{
		t.ControlDir(),
		t.LogsDir(),
		t.StampsDir(),
		t.LedgerDir(),
		filepath.Dir(t.LedgerAuditFile()),
		t.SnapshotsDir(),
		t.MappingDir(),
		t.MappingVersionsDir(),
		filepath.Dir(t.MappingAuditFile()),
		t.COADir(),
		t.BarCacheDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
