package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/lifecycle"
)

type fakeChild struct {
	err   error
	block time.Duration
}

func (c *fakeChild) Wait(ctx context.Context, _ time.Duration) error {
	if c.block > 0 {
		select {
		case <-ctx.Done():
			return errors.New("terminated")
		case <-time.After(c.block):
		}
	}
	return c.err
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	child    *fakeChild
	startErr error
}

func (l *fakeLauncher) StartDispatch(tradingDate string) (DispatchChild, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return nil, l.startErr
	}
	l.launched = append(l.launched, tradingDate)
	if l.child != nil {
		return l.child, nil
	}
	return &fakeChild{}, nil
}

func (l *fakeLauncher) dates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}

type supervisorFixture struct {
	supervisor *Supervisor
	launcher   *fakeLauncher
	tree       *identity.Tree
	state      *lifecycle.Store
	status     *lifecycle.StatusWriter
}

func newSupervisorFixture(t *testing.T, cfg *config.Config, now time.Time) *supervisorFixture {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	tree, err := identity.NewTree(t.TempDir(), domain.Identity4{
		EntityCode:       "ACME",
		JurisdictionCode: "US",
		BrokerCode:       "ALPACA",
		BotID:            "BOT1",
	})
	require.NoError(t, err)
	require.NoError(t, tree.EnsureDirs())

	cal, err := NewCalendar(cfg, tree.HolidaysFile())
	require.NoError(t, err)

	state := lifecycle.NewStore(tree.StateFile(), tree.StateHistoryFile(), log)
	status := lifecycle.NewStatusWriter(tree.StatusFile(), log)
	launcher := &fakeLauncher{}

	sup := NewSupervisor(tree, cfg, cal, state, status, launcher, log)
	sup.now = func() time.Time { return now }

	return &supervisorFixture{
		supervisor: sup,
		launcher:   launcher,
		tree:       tree,
		state:      state,
		status:     status,
	}
}

func TestSupervisorCycleDispatchesTradingDay(t *testing.T) {
	monday := time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC)
	f := newSupervisorFixture(t, testConfig(), monday)

	f.supervisor.Cycle(context.Background())

	assert.Equal(t, []string{"2025-02-10"}, f.launcher.dates())

	sched, err := LoadSchedule(f.tree.ScheduleFile())
	require.NoError(t, err)
	assert.Equal(t, "2025-02-10", sched.TradingDate)

	doc, err := f.status.Read()
	require.NoError(t, err)
	assert.Equal(t, SupervisorScheduled, doc.SupervisorStatus)
	require.NotNil(t, doc.Schedule)
	assert.Equal(t, "2025-02-10T14:35:00Z", doc.Schedule["open_utc"])
}

func TestSupervisorCycleSkipsNonTradingDay(t *testing.T) {
	saturday := time.Date(2025, 2, 8, 14, 0, 0, 0, time.UTC)
	f := newSupervisorFixture(t, testConfig(), saturday)

	f.supervisor.Cycle(context.Background())

	assert.Empty(t, f.launcher.dates())

	// Schedule is still written for the UI even though nothing dispatches.
	sched, err := LoadSchedule(f.tree.ScheduleFile())
	require.NoError(t, err)
	assert.Equal(t, "2025-02-08", sched.TradingDate)

	doc, err := f.status.Read()
	require.NoError(t, err)
	assert.Equal(t, SupervisorNotScheduled, doc.SupervisorStatus)
	assert.Equal(t, "skipped", doc.DispatcherStatus)
	assert.Equal(t, "non_trading_day", doc.DispatcherReason)
}

type fakeMaintainer struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (m *fakeMaintainer) Maintain(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	return m.err
}

func (m *fakeMaintainer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

func TestSupervisorCycleRunsMaintenance(t *testing.T) {
	monday := time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC)
	f := newSupervisorFixture(t, testConfig(), monday)
	maint := &fakeMaintainer{}
	f.supervisor.SetMaintenance(maint)

	f.supervisor.Cycle(context.Background())
	assert.Equal(t, 1, maint.count())

	// Non-trading days still get the housekeeping pass.
	f.supervisor.now = func() time.Time { return time.Date(2025, 2, 8, 14, 0, 0, 0, time.UTC) }
	f.supervisor.Cycle(context.Background())
	assert.Equal(t, 2, maint.count())
}

func TestSupervisorCycleSurvivesMaintenanceFailure(t *testing.T) {
	monday := time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC)
	f := newSupervisorFixture(t, testConfig(), monday)
	f.supervisor.SetMaintenance(&fakeMaintainer{err: errors.New("disk full")})

	f.supervisor.Cycle(context.Background())

	doc, err := f.status.Read()
	require.NoError(t, err)
	assert.Equal(t, SupervisorScheduled, doc.SupervisorStatus)
}

func TestSupervisorCycleFlagsDispatcherFailure(t *testing.T) {
	monday := time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC)
	f := newSupervisorFixture(t, testConfig(), monday)
	f.launcher.child = &fakeChild{err: errors.New("rc=1")}

	f.supervisor.Cycle(context.Background())

	doc, err := f.status.Read()
	require.NoError(t, err)
	assert.Equal(t, SupervisorFailed, doc.SupervisorStatus)
}

func TestSupervisorCycleFlagsLaunchFailure(t *testing.T) {
	monday := time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC)
	f := newSupervisorFixture(t, testConfig(), monday)
	f.launcher.startErr = errors.New("binary missing")

	f.supervisor.Cycle(context.Background())

	doc, err := f.status.Read()
	require.NoError(t, err)
	assert.Equal(t, SupervisorFailed, doc.SupervisorStatus)
	assert.Empty(t, f.launcher.dates())
}

func TestSupervisorShutdownTerminatesChild(t *testing.T) {
	monday := time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC)
	f := newSupervisorFixture(t, testConfig(), monday)
	f.launcher.child = &fakeChild{block: 10 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(30*time.Millisecond, cancel)
	defer timer.Stop()

	start := time.Now()
	f.supervisor.Cycle(ctx)
	assert.Less(t, time.Since(start), 5*time.Second)

	state, err := f.state.Read()
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, state)
}

func TestSupervisorRunStopsOnContextCancel(t *testing.T) {
	saturday := time.Date(2025, 2, 8, 14, 0, 0, 0, time.UTC)
	f := newSupervisorFixture(t, testConfig(), saturday)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	require.NoError(t, f.supervisor.Run(ctx))
}

func TestSupervisorCronSpec(t *testing.T) {
	cfg := testConfig()
	f := newSupervisorFixture(t, cfg, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "0 30 14 * * *", f.supervisor.cronSpec())

	cfg.Open = config.HHMM{Hour: 0, Minute: 2} // lead wraps past midnight
	assert.Equal(t, "0 57 23 * * *", f.supervisor.cronSpec())
}
