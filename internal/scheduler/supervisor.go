package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/lifecycle"
)

// Supervisor state tokens surfaced in status.json.
const (
	SupervisorNotScheduled = "not_scheduled"
	SupervisorScheduled    = "scheduled"
	SupervisorLaunched     = "launched"
	SupervisorRunning      = "running"
	SupervisorFailed       = "failed"
)

// termGrace is how long a dispatcher child gets between TERM and KILL.
const termGrace = 8 * time.Second

// cronLeadMin is how many minutes before the open the daily cycle fires, so
// the dispatcher is waiting ahead of the first phase.
const cronLeadMin = 5

// DispatchChild is a running dispatcher owned by the supervisor.
type DispatchChild interface {
	// Wait blocks until the dispatcher exits. Canceling ctx asks it to
	// terminate: TERM, wait up to grace, then KILL.
	Wait(ctx context.Context, grace time.Duration) error
}

// DispatchLauncher starts one trading date's dispatcher.
type DispatchLauncher interface {
	StartDispatch(tradingDate string) (DispatchChild, error)
}

// Maintainer runs the daily housekeeping pass (backups, integrity checks,
// snapshot pruning) after the trading day settles.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Supervisor is the long-lived parent process. Every trading morning it
// recomputes the schedule, publishes it, and launches one dispatcher for the
// day. Non-trading days get a schedule and a skipped status, nothing else.
type Supervisor struct {
	tree     *identity.Tree
	cfg      *config.Config
	calendar *Calendar
	state    *lifecycle.Store
	status   *lifecycle.StatusWriter
	launcher DispatchLauncher
	maintain Maintainer
	cron     *cron.Cron
	log      zerolog.Logger

	now func() time.Time
}

// NewSupervisor wires a supervisor. The cron runs in UTC because all
// schedule arithmetic is UTC.
func NewSupervisor(tree *identity.Tree, cfg *config.Config, calendar *Calendar, state *lifecycle.Store, status *lifecycle.StatusWriter, launcher DispatchLauncher, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		tree:     tree,
		cfg:      cfg,
		calendar: calendar,
		state:    state,
		status:   status,
		launcher: launcher,
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		log:      log.With().Str("component", "supervisor").Logger(),
		now:      time.Now,
	}
}

// SetMaintenance registers the housekeeping pass that runs once the day's
// dispatcher has finished, and on non-trading days.
func (s *Supervisor) SetMaintenance(m Maintainer) { s.maintain = m }

// Run blocks until ctx is canceled. It cycles once immediately so a late
// start still dispatches today, then daily ahead of the open.
func (s *Supervisor) Run(ctx context.Context) error {
	spec := s.cronSpec()
	if _, err := s.cron.AddFunc(spec, func() { s.Cycle(ctx) }); err != nil {
		return fmt.Errorf("failed to register daily cycle: %w", err)
	}
	s.log.Info().Str("schedule", spec).Msg("Supervisor started")

	s.Cycle(ctx)

	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.log.Info().Msg("Supervisor stopped")
	return nil
}

// Cycle runs one day's supervision: compute and publish the schedule, then
// dispatch if the calendar says today trades.
func (s *Supervisor) Cycle(ctx context.Context) {
	today := s.now().UTC()
	sched := Compute(s.cfg, today, s.now())

	if err := WriteSchedule(s.tree.ScheduleFile(), sched); err != nil {
		s.log.Error().Err(err).Msg("Failed to write schedule")
		s.setSupervisor(SupervisorFailed, "schedule write failed")
		return
	}
	s.publishSchedule(sched)

	if !s.calendar.IsTradingDay(today) {
		s.log.Info().Str("trading_date", sched.TradingDate).Msg("Non-trading day, dispatch skipped")
		s.setSupervisor(SupervisorNotScheduled, "non-trading day "+sched.TradingDate)
		if err := s.status.SetDispatcherResult("skipped", "non_trading_day", false); err != nil {
			s.log.Warn().Err(err).Msg("Failed to update status document")
		}
		s.runMaintenance(ctx)
		return
	}

	s.setSupervisor(SupervisorScheduled, "dispatch pending for "+sched.TradingDate)
	child, err := s.launcher.StartDispatch(sched.TradingDate)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to launch dispatcher")
		s.setSupervisor(SupervisorFailed, "dispatcher launch failed")
		return
	}
	s.setSupervisor(SupervisorLaunched, "dispatcher launched for "+sched.TradingDate)
	s.setSupervisor(SupervisorRunning, "dispatcher running for "+sched.TradingDate)

	err = child.Wait(ctx, termGrace)
	if ctx.Err() != nil {
		if err := s.state.Set(domain.StateIdle, "supervisor shutdown"); err != nil {
			s.log.Warn().Err(err).Msg("Failed to write lifecycle state")
		}
		s.log.Info().Str("trading_date", sched.TradingDate).Msg("Dispatcher terminated on shutdown")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("trading_date", sched.TradingDate).Msg("Dispatcher exited with error")
		s.setSupervisor(SupervisorFailed, "dispatcher for "+sched.TradingDate+" exited with error")
		return
	}
	s.log.Info().Str("trading_date", sched.TradingDate).Msg("Dispatcher finished")
	s.setSupervisor(SupervisorScheduled, "awaiting next trading day")
	s.runMaintenance(ctx)
}

// runMaintenance is best effort: a failed pass is logged, never escalated,
// because the next cycle retries it.
func (s *Supervisor) runMaintenance(ctx context.Context) {
	if s.maintain == nil {
		return
	}
	if err := s.maintain.Maintain(ctx); err != nil {
		s.log.Error().Err(err).Msg("Maintenance pass failed")
	}
}

// cronSpec fires the daily cycle a few minutes before the open.
func (s *Supervisor) cronSpec() string {
	total := s.cfg.Open.Hour*60 + s.cfg.Open.Minute - cronLeadMin
	if total < 0 {
		total += 24 * 60
	}
	return fmt.Sprintf("0 %d %d * * *", total%60, total/60)
}

func (s *Supervisor) setSupervisor(state, message string) {
	if err := s.status.SetSupervisor(state, message); err != nil {
		s.log.Warn().Err(err).Msg("Failed to update status document")
	}
}

func (s *Supervisor) publishSchedule(sched *Schedule) {
	data, err := json.Marshal(sched)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to marshal schedule for status")
		return
	}
	var doc domain.JSONValue
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warn().Err(err).Msg("Failed to round-trip schedule for status")
		return
	}
	if err := s.status.SetSchedule(doc); err != nil {
		s.log.Warn().Err(err).Msg("Failed to update status document")
	}
}
