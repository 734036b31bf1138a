package lifecycle

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher collapses filesystem activity under the control directory into a
// single wakeup channel. The dispatcher sleeps on timers; this lets an
// operator's flag file interrupt the sleep immediately instead of waiting
// for the next poll.
type Watcher struct {
	fs     *fsnotify.Watcher
	events chan struct{}
	done   chan struct{}
	log    zerolog.Logger
}

// WatchControl starts watching dir. Events coalesce: a burst of file
// activity produces at least one wakeup, not one per change.
func WatchControl(dir string, log zerolog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create control watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		fs:     fs,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "watcher").Logger(),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("Control watcher error")
		}
	}
}

// Events returns the wakeup channel.
func (w *Watcher) Events() <-chan struct{} { return w.events }

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
