package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/lifecycle"
)

// minSnapshotsKept is the retention floor: pruning never drops the snapshot
// count below this, whatever the configured retention says.
const minSnapshotsKept = 3

// minFreeDiskBytes halts maintenance when free space falls below it, so a
// VACUUM INTO cannot wedge the volume the ledger lives on.
const minFreeDiskBytes = 500 << 20

// BackupService keeps the ledger database recoverable. Each maintenance
// pass checks integrity, checkpoints the WAL, writes a verified VACUUM INTO
// snapshot, optionally ships a compressed archive to the object store, and
// prunes snapshots beyond the retention count.
type BackupService struct {
	tree   *identity.Tree
	db     *database.DB
	store  *ObjectStore            // nil disables archive upload
	status *lifecycle.StatusWriter // nil disables status publication
	keep   int
	log    zerolog.Logger

	now func() time.Time
}

// NewBackupService wires the maintenance pass. keep is the number of
// on-disk snapshots retained after pruning.
func NewBackupService(
	tree *identity.Tree,
	db *database.DB,
	store *ObjectStore,
	status *lifecycle.StatusWriter,
	keep int,
	log zerolog.Logger,
) *BackupService {
	return &BackupService{
		tree:   tree,
		db:     db,
		store:  store,
		status: status,
		keep:   keep,
		log:    log.With().Str("component", "backup").Logger(),
		now:    time.Now,
	}
}

// Report summarizes one maintenance pass.
type Report struct {
	Integrity     string  `json:"integrity"`
	SnapshotPath  string  `json:"snapshot_path,omitempty"`
	ArchiveKey    string  `json:"archive_key,omitempty"`
	SnapshotsKept int     `json:"snapshots_kept"`
	Pruned        int     `json:"pruned"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	CheckedUTC    string  `json:"checked_utc"`
}

// Maintain satisfies the supervisor's maintenance hook.
func (s *BackupService) Maintain(ctx context.Context) error {
	_, err := s.Run(ctx)
	return err
}

// Run executes one maintenance pass. The returned report is also published
// to the status document when a writer is configured.
func (s *BackupService) Run(ctx context.Context) (*Report, error) {
	s.log.Info().Msg("Starting ledger maintenance")
	startTime := s.now()

	if err := s.checkDisk(); err != nil {
		return nil, err
	}

	report := &Report{CheckedUTC: domain.FormatUTC(startTime.UTC())}

	if err := s.db.HealthCheck(ctx); err != nil {
		report.Integrity = "failed"
		s.publish(report)
		return report, fmt.Errorf("ledger integrity check failed: %w", err)
	}
	report.Integrity = "ok"

	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	snapshotPath, err := s.BackupNow(ctx)
	if err != nil {
		s.publish(report)
		return report, err
	}
	report.SnapshotPath = snapshotPath

	if s.store != nil {
		key, err := s.archive(ctx, snapshotPath)
		if err != nil {
			// The local snapshot is already on disk; a failed upload is
			// retried on the next pass.
			s.log.Error().Err(err).Msg("Archive upload failed")
		} else {
			report.ArchiveKey = key
		}
	}

	kept, removed, err := s.Prune()
	if err != nil {
		s.log.Warn().Err(err).Msg("Snapshot pruning failed")
	}
	report.SnapshotsKept = kept
	report.Pruned = removed

	if stats, err := s.db.GetStats(); err == nil {
		report.SizeMB = float64(stats.SizeBytes) / 1024 / 1024
		report.WALSizeMB = float64(stats.WALSizeBytes) / 1024 / 1024
	} else {
		s.log.Warn().Err(err).Msg("Failed to read ledger stats")
	}

	s.publish(report)

	s.log.Info().
		Dur("duration_ms", s.now().Sub(startTime)).
		Str("snapshot", filepath.Base(snapshotPath)).
		Int("kept", kept).
		Int("pruned", removed).
		Msg("Ledger maintenance completed")

	return report, nil
}

// BackupNow writes a fresh VACUUM INTO snapshot of the ledger into the
// snapshots directory and verifies it before returning its path. A snapshot
// that fails verification is deleted.
func (s *BackupService) BackupNow(ctx context.Context) (string, error) {
	name := fmt.Sprintf("ledger_%s.db", s.now().UTC().Format("20060102T150405Z"))
	backupPath := filepath.Join(s.tree.SnapshotsDir(), name)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		return "", fmt.Errorf("failed to back up ledger: %w", err)
	}

	if err := verifySnapshot(backupPath); err != nil {
		os.Remove(backupPath)
		return "", fmt.Errorf("backup verification failed: %w", err)
	}

	s.log.Debug().Str("path", backupPath).Msg("Snapshot written")
	return backupPath, nil
}

// Prune removes the oldest snapshots beyond the retention count and returns
// how many remain and how many were removed. Snapshot names embed UTC
// timestamps, so lexical order is chronological order.
func (s *BackupService) Prune() (kept, removed int, err error) {
	entries, err := os.ReadDir(s.tree.SnapshotsDir())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "ledger_") && strings.HasSuffix(name, ".db") {
			names = append(names, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	keep := s.keep
	if keep < minSnapshotsKept {
		keep = minSnapshotsKept
	}

	kept = len(names)
	for i := keep; i < len(names); i++ {
		path := filepath.Join(s.tree.SnapshotsDir(), names[i])
		if err := os.Remove(path); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("Failed to delete old snapshot")
			continue
		}
		s.log.Debug().Str("path", path).Msg("Deleted old snapshot")
		kept--
		removed++
	}

	return kept, removed, nil
}

// archive stages the snapshot plus a metadata document into a tar.gz and
// uploads it. Staging lives under the cache directory and is removed on
// exit.
func (s *BackupService) archive(ctx context.Context, snapshotPath string) (string, error) {
	stagingDir, err := os.MkdirTemp(s.tree.CacheDir(), "backup-staging-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	meta := ArchiveMetadata{
		CreatedUTC: domain.FormatUTC(s.now().UTC()),
		Identity:   s.tree.Identity(),
		Snapshot:   filepath.Base(snapshotPath),
		SizeBytes:  info.Size(),
		Checksum:   checksum,
	}
	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, meta); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := fmt.Sprintf("tradebook-backup-%s.tar.gz", s.now().UTC().Format("2006-01-02-150405"))
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := buildArchive(archivePath, snapshotPath, metadataPath); err != nil {
		return "", fmt.Errorf("failed to build archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, archiveName, archiveFile); err != nil {
		return "", err
	}
	return archiveName, nil
}

// checkDisk refuses to run when the data volume is nearly full and logs
// tiered warnings on the way there.
func (s *BackupService) checkDisk() error {
	du, err := disk.Usage(s.tree.Root())
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	freeGB := float64(du.Free) / 1e9
	switch {
	case du.Free < minFreeDiskBytes:
		s.log.Error().Float64("free_gb", freeGB).Msg("Insufficient disk space, maintenance halted")
		return fmt.Errorf("only %.2f GB free, maintenance halted", freeGB)
	case freeGB < 5.0:
		s.log.Error().Float64("free_gb", freeGB).Msg("Low disk space")
	case freeGB < 10.0:
		s.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	}
	return nil
}

func (s *BackupService) publish(report *Report) {
	if s.status == nil {
		return
	}
	err := s.status.SetLedgerHealth(&lifecycle.LedgerHealth{
		Integrity:    report.Integrity,
		SizeMB:       report.SizeMB,
		WALSizeMB:    report.WALSizeMB,
		Snapshots:    report.SnapshotsKept,
		LastSnapshot: filepath.Base(report.SnapshotPath),
		ArchiveKey:   report.ArchiveKey,
		CheckedUTC:   report.CheckedUTC,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to update status document")
	}
}

// ArchiveMetadata describes the snapshot inside an uploaded archive.
type ArchiveMetadata struct {
	CreatedUTC string           `json:"created_utc"`
	Identity   domain.Identity4 `json:"identity"`
	Snapshot   string           `json:"snapshot"`
	SizeBytes  int64            `json:"size_bytes"`
	Checksum   string           `json:"checksum"`
}

// verifySnapshot opens the snapshot and runs an integrity check.
func verifySnapshot(path string) error {
	snapDB, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer snapDB.Close()

	var result string
	if err := snapDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// fileChecksum returns the SHA-256 of a file as "sha256:<hex>".
func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, meta ArchiveMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(meta)
}

// buildArchive writes a tar.gz holding the named files under their base
// names.
func buildArchive(archivePath string, files ...string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, path := range files {
		if err := addFileToArchive(tarWriter, path); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}
	return nil
}
