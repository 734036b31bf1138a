package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// FlagResolver maps a control flag to its file path. identity.Tree
// satisfies it.
type FlagResolver interface {
	FlagFile(flag domain.ControlFlag) string
}

// Flags raises, checks, and consumes presence-based control files. The
// file's existence is the whole signal.
type Flags struct {
	resolve FlagResolver
	log     zerolog.Logger
}

// NewFlags creates a flag manager over the given path resolver.
func NewFlags(resolve FlagResolver, log zerolog.Logger) *Flags {
	return &Flags{
		resolve: resolve,
		log:     log.With().Str("component", "flags").Logger(),
	}
}

// Path returns the file backing a flag.
func (f *Flags) Path(flag domain.ControlFlag) string {
	return f.resolve.FlagFile(flag)
}

// Raise creates the flag file. The timestamp content is informational only.
func (f *Flags) Raise(flag domain.ControlFlag) error {
	path := f.Path(flag)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create control directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(domain.FormatUTC(time.Now())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to raise flag %s: %w", flag, err)
	}
	f.log.Info().Str("flag", string(flag)).Msg("Control flag raised")
	return nil
}

// IsSet reports whether the flag file exists.
func (f *Flags) IsSet(flag domain.ControlFlag) bool {
	return utils.Exists(f.Path(flag))
}

// Consume removes the flag file if present and reports whether it was set.
// Handling a flag always consumes it, so a stale stop cannot fire twice.
func (f *Flags) Consume(flag domain.ControlFlag) (bool, error) {
	err := os.Remove(f.Path(flag))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume flag %s: %w", flag, err)
	}
	f.log.Info().Str("flag", string(flag)).Msg("Control flag consumed")
	return true, nil
}

// Clear removes the flag file regardless of whether it exists.
func (f *Flags) Clear(flag domain.ControlFlag) error {
	_, err := f.Consume(flag)
	return err
}
