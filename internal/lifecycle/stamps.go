package lifecycle

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// Stamps tracks once-per-UTC-day execution markers. A stamp file holds the
// timestamp of the last successful run; comparing calendar days decides
// whether a worker already ran. Force makes every check report not-run,
// for reruns after a bad day.
type Stamps struct {
	log   zerolog.Logger
	Force bool
}

// NewStamps creates a stamp helper. force usually comes from the
// TRADEBOOK_FORCE environment toggle.
func NewStamps(force bool, log zerolog.Logger) *Stamps {
	return &Stamps{
		Force: force,
		log:   log.With().Str("component", "stamps").Logger(),
	}
}

// ReadLast returns the timestamp recorded at path, if any.
func (s *Stamps) ReadLast(path string) (time.Time, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	ts, err := domain.ParseTimestamp(strings.TrimSpace(string(raw)))
	if err != nil {
		s.log.Warn().Str("path", path).Msg("Unreadable stamp, treating as never run")
		return time.Time{}, false
	}
	return ts, true
}

// RanToday reports whether the stamp at path falls on the same UTC
// calendar day as now.
func (s *Stamps) RanToday(path string, now time.Time) bool {
	if s.Force {
		return false
	}
	last, ok := s.ReadLast(path)
	if !ok {
		return false
	}
	return domain.DateUTC(last) == domain.DateUTC(now)
}

// Mark atomically records a run at path.
func (s *Stamps) Mark(path string, now time.Time) error {
	if err := utils.WriteFileAtomic(path, []byte(domain.FormatMillisUTC(now)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write stamp %s: %w", path, err)
	}
	return nil
}
