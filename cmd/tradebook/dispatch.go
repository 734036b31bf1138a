package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/lifecycle"
	"github.com/aristath/tradebook/internal/scheduler"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one trading day's phase dispatcher",
	Long: `Dispatch walks the day's phase schedule in canonical order, sleeping
until each phase target and spawning one worker process per phase. A
per-date lock makes a second dispatcher for the same date exit cleanly,
so the supervisor can relaunch after a crash without double-running.

The supervisor launches this command each trading morning; running it by
hand re-dispatches a day whose phases have not stamped yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")

		app, err := bootstrap(false)
		if err != nil {
			return err
		}
		log := app.log
		if date == "" {
			date = domain.DateUTC(time.Now())
		}

		state := lifecycle.NewStore(app.tree.StateFile(), app.tree.StateHistoryFile(), log)
		flags := lifecycle.NewFlags(app.tree, log)
		status := lifecycle.NewStatusWriter(app.tree.StatusFile(), log)

		sched, err := loadOrComputeSchedule(app, date)
		if err != nil {
			return err
		}

		runner := scheduler.NewExecPhaseRunner(app.tree, log)
		d := scheduler.NewDispatcher(app.tree, app.cfg, state, flags, status, runner, log)

		// Control flag files wake the dispatcher immediately instead of at
		// the next poll tick.
		watcher, err := lifecycle.WatchControl(app.tree.ControlDir(), log)
		if err != nil {
			log.Warn().Err(err).Msg("Control watcher unavailable, falling back to polling")
		} else {
			defer watcher.Close()
			d.WakeOn(watcher.Events())
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-quit
			log.Info().Msg("Termination signal received")
			cancel()
		}()

		res, err := d.Dispatch(ctx, sched)
		if errors.Is(err, scheduler.ErrAlreadyDispatched) {
			log.Info().Str("trading_date", sched.TradingDate).Msg("Date already dispatched, nothing to do")
			return nil
		}
		if err != nil {
			return err
		}
		if res.RCNonzero {
			return fmt.Errorf("dispatch for %s finished with failed phases", sched.TradingDate)
		}
		return nil
	},
}

// loadOrComputeSchedule prefers the schedule the supervisor published. A
// missing file or one for a different date is recomputed, so a hand-run
// dispatch works without a supervisor.
func loadOrComputeSchedule(app *app, date string) (*scheduler.Schedule, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}

	sched, err := scheduler.LoadSchedule(app.tree.ScheduleFile())
	if err == nil && sched.TradingDate == date {
		return sched, nil
	}

	sched = scheduler.Compute(app.cfg, day, time.Now())
	if err := scheduler.WriteSchedule(app.tree.ScheduleFile(), sched); err != nil {
		return nil, err
	}
	return sched, nil
}

func init() {
	dispatchCmd.Flags().String("date", "", "Trading date to dispatch (YYYY-MM-DD, default today UTC)")
	rootCmd.AddCommand(dispatchCmd)
}
