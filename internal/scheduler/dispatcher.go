package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/lifecycle"
)

// ErrAlreadyDispatched means another dispatcher holds this trading date's
// lock. Callers treat it as a clean no-op exit.
var ErrAlreadyDispatched = errors.New("dispatch already running")

// PhaseRunner executes one phase worker and reports its failure, if any.
type PhaseRunner interface {
	RunPhase(ctx context.Context, phase domain.Phase) error
}

// Dispatcher status tokens, mirrored into the status document.
const (
	DispatchComplete = "complete"
	DispatchAborted  = "aborted"
	DispatchStopped  = "stopped"
)

// DispatchResult summarizes one dispatcher run.
type DispatchResult struct {
	Status    string
	Reason    string
	Ran       []domain.Phase
	Skipped   []domain.Phase
	RCNonzero bool
}

// Dispatcher walks one trading day's phases in canonical order, honoring
// control flags and the lateness grace window. A per-date lock file keeps
// concurrent dispatchers out.
type Dispatcher struct {
	tree   *identity.Tree
	cfg    *config.Config
	state  *lifecycle.Store
	flags  *lifecycle.Flags
	status *lifecycle.StatusWriter
	runner PhaseRunner
	log    zerolog.Logger

	now  func() time.Time
	poll time.Duration
	wake <-chan struct{}
}

// NewDispatcher wires a dispatcher with the default one-minute poll.
func NewDispatcher(tree *identity.Tree, cfg *config.Config, state *lifecycle.Store, flags *lifecycle.Flags, status *lifecycle.StatusWriter, runner PhaseRunner, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		tree:   tree,
		cfg:    cfg,
		state:  state,
		flags:  flags,
		status: status,
		runner: runner,
		log:    log.With().Str("component", "dispatcher").Logger(),
		now:    time.Now,
		poll:   time.Minute,
	}
}

// WakeOn points the waiter at a channel that fires when control files
// change, so flag checks react faster than the poll interval.
func (d *Dispatcher) WakeOn(ch <-chan struct{}) { d.wake = ch }

// Dispatch runs the day described by sched. It returns ErrAlreadyDispatched
// when the date's lock is held elsewhere.
func (d *Dispatcher) Dispatch(ctx context.Context, sched *Schedule) (*DispatchResult, error) {
	lockPath := d.tree.DispatchLockFile(sched.TradingDate)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire dispatch lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w for %s", ErrAlreadyDispatched, sched.TradingDate)
	}
	defer func() { _ = lock.Unlock() }()

	if err := d.status.SetDispatcher("running", sched.TradingDate); err != nil {
		d.log.Warn().Err(err).Msg("Failed to update status document")
	}
	d.log.Info().
		Str("trading_date", sched.TradingDate).
		Time("open", sched.Open).
		Time("universe", sched.Universe).
		Str("open_local", domain.FormatLocal(sched.Open, d.cfg.Timezone)).
		Msg("Dispatching trading day")

	res := &DispatchResult{Status: DispatchComplete}

phases:
	for _, phase := range domain.PhaseOrder() {
		outcome, lateness := d.waitForPhase(ctx, sched.PhaseTime(phase))
		switch outcome {
		case waitKill:
			d.setState(domain.StateShutdownTriggered, "kill flag")
			res.Status = DispatchAborted
			res.Reason = "kill"
			d.log.Warn().Str("phase", string(phase)).Msg("Kill flag raised, aborting dispatch")
			break phases
		case waitCanceled:
			res.Status = DispatchAborted
			res.Reason = "terminated"
			d.log.Warn().Str("phase", string(phase)).Msg("Dispatch canceled")
			break phases
		case waitStop:
			d.setState(domain.StateGracefulClosing, "stop flag")
			res.Status = DispatchStopped
			res.Reason = "stop"
			d.log.Info().Str("phase", string(phase)).Msg("Stop flag raised, skipping remaining phases")
			break phases
		case waitSkip:
			d.log.Warn().
				Str("phase", string(phase)).
				Msgf("Phase missed by %dm, skipping", int(lateness.Minutes()))
			res.Skipped = append(res.Skipped, phase)
		case waitRun:
			if phase.StrategyPhase() && !d.cfg.StrategyEnabled(phase) {
				d.log.Info().Str("phase", string(phase)).Msg("Strategy disabled for phase, skipping")
				res.Skipped = append(res.Skipped, phase)
				continue
			}
			d.runPhase(ctx, phase, res)
		}
	}

	d.setState(domain.StateIdle, "dispatch "+res.Status)
	if err := d.status.SetDispatcherResult(res.Status, res.Reason, res.RCNonzero); err != nil {
		d.log.Warn().Err(err).Msg("Failed to write final dispatcher status")
	}
	d.log.Info().
		Str("status", res.Status).
		Int("ran", len(res.Ran)).
		Int("skipped", len(res.Skipped)).
		Bool("rc_nonzero", res.RCNonzero).
		Msg("Dispatch finished")
	return res, nil
}

func (d *Dispatcher) runPhase(ctx context.Context, phase domain.Phase, res *DispatchResult) {
	d.setState(phase.ExpectedState(), "phase "+string(phase))
	start := d.now()
	if err := d.runner.RunPhase(ctx, phase); err != nil {
		res.RCNonzero = true
		d.log.Error().Err(err).Str("phase", string(phase)).Msg("Phase worker failed")
	} else {
		d.log.Info().
			Str("phase", string(phase)).
			Dur("elapsed", d.now().Sub(start)).
			Msg("Phase complete")
	}
	res.Ran = append(res.Ran, phase)
}

type waitOutcome int

const (
	waitRun waitOutcome = iota
	waitSkip
	waitStop
	waitKill
	waitCanceled
)

// waitForPhase blocks until the target instant, checking control flags on
// every wakeup. It reports how the phase boundary resolved and, for
// waitRun/waitSkip, the observed lateness.
func (d *Dispatcher) waitForPhase(ctx context.Context, target time.Time) (waitOutcome, time.Duration) {
	for {
		if found, err := d.flags.Consume(domain.FlagKill); err != nil {
			d.log.Warn().Err(err).Msg("Failed to consume kill flag")
		} else if found {
			return waitKill, 0
		}
		if found, err := d.flags.Consume(domain.FlagStop); err != nil {
			d.log.Warn().Err(err).Msg("Failed to consume stop flag")
		} else if found {
			return waitStop, 0
		}

		now := d.now()
		if !now.Before(target) {
			break
		}
		wait := target.Sub(now)
		if wait > d.poll {
			wait = d.poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waitCanceled, 0
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
		}
	}

	lateness := d.now().Sub(target)
	grace := time.Duration(d.cfg.PhaseGraceMin) * time.Minute
	if lateness > grace {
		return waitSkip, lateness
	}
	return waitRun, lateness
}

func (d *Dispatcher) setState(state domain.BotState, reason string) {
	if err := d.state.Set(state, reason); err != nil {
		d.log.Warn().Err(err).Str("state", string(state)).Msg("Failed to write lifecycle state")
	}
}
