package lifecycle

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// Stamp kinds surfaced in the status document.
const (
	StampOK     = "OK"
	StampFailed = "Failed"
)

// StampStatus is one worker's last-run block in the status document.
type StampStatus struct {
	Kind       string `json:"kind"`
	LastRunUTC string `json:"last_run_utc,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// HostMetrics is a point-in-time host health snapshot.
type HostMetrics struct {
	Hostname        string  `json:"hostname,omitempty"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemUsedPercent  float64 `json:"mem_used_percent"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
	UptimeSeconds   uint64  `json:"uptime_seconds"`
}

// LedgerHealth is the last maintenance report for the ledger store.
type LedgerHealth struct {
	Integrity    string  `json:"integrity"`
	SizeMB       float64 `json:"size_mb"`
	WALSizeMB    float64 `json:"wal_size_mb"`
	Snapshots    int     `json:"snapshots"`
	LastSnapshot string  `json:"last_snapshot,omitempty"`
	ArchiveKey   string  `json:"archive_key,omitempty"`
	CheckedUTC   string  `json:"checked_utc"`
}

// StatusDoc is the UI-facing status.json document. Supervisor and
// dispatcher each own their fields; Update merges over the file so neither
// clobbers the other.
type StatusDoc struct {
	SupervisorStatus    string                 `json:"supervisor_status,omitempty"`
	SupervisorMessage   string                 `json:"supervisor_message,omitempty"`
	SupervisorUpdatedAt string                 `json:"supervisor_updated_at,omitempty"`
	DispatcherStatus    string                 `json:"dispatcher_status,omitempty"`
	DispatcherReason    string                 `json:"reason,omitempty"`
	DispatcherUpdatedAt string                 `json:"dispatcher_updated_at,omitempty"`
	RCNonzero           bool                   `json:"rc_nonzero,omitempty"`
	TradingDate         string                 `json:"trading_date,omitempty"`
	State               string                 `json:"state,omitempty"`
	Schedule            domain.JSONValue       `json:"schedule,omitempty"`
	Stamps              map[string]StampStatus `json:"stamps,omitempty"`
	Host                *HostMetrics           `json:"host,omitempty"`
	Ledger              *LedgerHealth          `json:"ledger,omitempty"`
}

// StatusWriter maintains status.json with atomic read-modify-write
// updates.
type StatusWriter struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

// NewStatusWriter manages the status document at path.
func NewStatusWriter(path string, log zerolog.Logger) *StatusWriter {
	return &StatusWriter{
		path: path,
		log:  log.With().Str("component", "status").Logger(),
	}
}

// Read returns the current document, or an empty one when the file does
// not exist yet.
func (w *StatusWriter) Read() (*StatusDoc, error) {
	var doc StatusDoc
	err := utils.ReadJSONFile(w.path, &doc)
	if os.IsNotExist(err) {
		return &StatusDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status document: %w", err)
	}
	return &doc, nil
}

// Update applies mutate to the on-disk document and writes it back
// atomically.
func (w *StatusWriter) Update(mutate func(doc *StatusDoc)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, err := w.Read()
	if err != nil {
		w.log.Warn().Err(err).Msg("Unreadable status document, starting fresh")
		doc = &StatusDoc{}
	}
	mutate(doc)
	if err := utils.WriteJSONAtomic(w.path, doc, 0o644); err != nil {
		return fmt.Errorf("failed to write status document: %w", err)
	}
	return nil
}

// SetSupervisor updates the supervisor fields plus host metrics.
func (w *StatusWriter) SetSupervisor(status, message string) error {
	return w.Update(func(doc *StatusDoc) {
		doc.SupervisorStatus = status
		doc.SupervisorMessage = message
		doc.SupervisorUpdatedAt = domain.FormatMillisUTC(time.Now())
		doc.Host = CollectHostMetrics()
	})
}

// SetDispatcher updates the dispatcher fields. Starting a new status clears
// the reason and exit-code flag left over from the previous run.
func (w *StatusWriter) SetDispatcher(status, tradingDate string) error {
	return w.Update(func(doc *StatusDoc) {
		doc.DispatcherStatus = status
		doc.DispatcherReason = ""
		doc.RCNonzero = false
		if tradingDate != "" {
			doc.TradingDate = tradingDate
		}
		doc.DispatcherUpdatedAt = domain.FormatMillisUTC(time.Now())
	})
}

// SetDispatcherResult records the terminal dispatcher status for the day.
func (w *StatusWriter) SetDispatcherResult(status, reason string, rcNonzero bool) error {
	return w.Update(func(doc *StatusDoc) {
		doc.DispatcherStatus = status
		doc.DispatcherReason = reason
		doc.RCNonzero = rcNonzero
		doc.DispatcherUpdatedAt = domain.FormatMillisUTC(time.Now())
	})
}

// SetSchedule embeds the day's computed schedule document.
func (w *StatusWriter) SetSchedule(sched domain.JSONValue) error {
	return w.Update(func(doc *StatusDoc) {
		doc.Schedule = sched
	})
}

// SetStamp records one worker's last-run block.
func (w *StatusWriter) SetStamp(name string, st StampStatus) error {
	return w.Update(func(doc *StatusDoc) {
		if doc.Stamps == nil {
			doc.Stamps = make(map[string]StampStatus)
		}
		doc.Stamps[name] = st
	})
}

// SetLedgerHealth records the last ledger maintenance report.
func (w *StatusWriter) SetLedgerHealth(h *LedgerHealth) error {
	return w.Update(func(doc *StatusDoc) {
		doc.Ledger = h
	})
}

// CollectHostMetrics samples host health. Always returns a document; any
// probe that fails leaves its field zero.
func CollectHostMetrics() *HostMetrics {
	m := &HostMetrics{}
	if name, err := os.Hostname(); err == nil {
		m.Hostname = name
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemUsedPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		m.DiskUsedPercent = du.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		m.UptimeSeconds = up
	}
	return m
}
