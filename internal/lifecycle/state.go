// Package lifecycle manages the single-token state file, control flags,
// idempotency stamps, and the status document that supervisor, dispatcher,
// and workers coordinate through. Everything here is plain files, so any
// process (or an operator with a shell) can participate.
package lifecycle

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// Store reads and writes the lifecycle token. Writes are atomic and every
// transition appends one line to the history log.
type Store struct {
	statePath   string
	historyPath string
	log         zerolog.Logger
	mu          sync.Mutex
}

// NewStore manages the state file at statePath with transition history at
// historyPath.
func NewStore(statePath, historyPath string, log zerolog.Logger) *Store {
	return &Store{
		statePath:   statePath,
		historyPath: historyPath,
		log:         log.With().Str("component", "lifecycle").Logger(),
	}
}

// Read returns the current lifecycle token. A missing state file reads as
// idle; an unrecognized token is returned together with a validation error
// so callers can decide whether to proceed.
func (s *Store) Read() (domain.BotState, error) {
	raw, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return domain.StateIdle, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state file: %w", err)
	}

	state := domain.BotState(strings.TrimSpace(string(raw)))
	if state == "" {
		return domain.StateIdle, nil
	}
	if !state.Valid() {
		return state, domain.NewValidationError("state", fmt.Sprintf("unrecognized lifecycle token %q", state))
	}
	return state, nil
}

// Set writes the token atomically and records the transition. reason may
// be empty.
func (s *Store) Set(state domain.BotState, reason string) error {
	if !state.Valid() {
		return domain.NewValidationError("state", fmt.Sprintf("refusing to write unknown token %q", state))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := utils.WriteFileAtomic(s.statePath, []byte(string(state)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	line := domain.FormatUTC(time.Now()) + " " + string(state)
	if reason != "" {
		line += " [reason=" + reason + "]"
	}
	if err := utils.AppendLine(s.historyPath, line); err != nil {
		s.log.Warn().Err(err).Msg("Failed to append state history")
	}

	s.log.Info().Str("state", string(state)).Str("reason", reason).Msg("Lifecycle state set")
	return nil
}

// History returns up to limit most recent transition lines, newest last.
// Zero means all.
func (s *Store) History(limit int) ([]string, error) {
	raw, err := os.ReadFile(s.historyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state history: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
