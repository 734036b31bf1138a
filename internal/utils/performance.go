package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer measures one operation (a sync run, a phase worker, a posting
// batch) and logs its duration when stopped.
type Timer struct {
	start time.Time
	log   zerolog.Logger
	name  string
}

// NewTimer starts a timer for the named operation.
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{start: time.Now(), log: log, name: name}
}

// Stop logs the elapsed duration and returns it.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	event := t.log.Debug()
	if duration > 30*time.Second {
		event = t.log.Warn()
	}
	event.
		Str("operation", t.name).
		Dur("duration", duration).
		Msg("Operation completed")

	return duration
}

// StopN logs the elapsed duration together with a record count.
func (t *Timer) StopN(records int) time.Duration {
	duration := time.Since(t.start)

	t.log.Debug().
		Str("operation", t.name).
		Int("records", records).
		Dur("duration", duration).
		Msg("Operation completed")

	return duration
}
