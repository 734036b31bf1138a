package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/domain"
)

func testConfig() *config.Config {
	return &config.Config{
		Open:              config.HHMM{Hour: 14, Minute: 35},
		Mid:               config.HHMM{Hour: 17, Minute: 0},
		Close:             config.HHMM{Hour: 20, Minute: 30},
		MarketClose:       config.HHMM{Hour: 21, Minute: 0},
		HoldOpenMin:       15,
		HoldMidMin:        15,
		UnivAfterCloseMin: 30,
		PhaseGraceMin:     2,
		TradingDays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
		StratOpenEnabled:  true,
		StratMidEnabled:   true,
		StratCloseEnabled: true,
	}
}

func TestComputeSchedule(t *testing.T) {
	cfg := testConfig()
	day := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC) // Monday
	now := time.Date(2025, 2, 10, 9, 1, 2, 0, time.UTC)

	sched := Compute(cfg, day, now)

	assert.Equal(t, "2025-02-10", sched.TradingDate)
	assert.Equal(t, now, sched.CreatedAt)
	assert.Equal(t, time.Date(2025, 2, 10, 14, 35, 0, 0, time.UTC), sched.Open)
	assert.Equal(t, time.Date(2025, 2, 10, 14, 50, 0, 0, time.UTC), sched.HoldingsOpen)
	assert.Equal(t, time.Date(2025, 2, 10, 17, 0, 0, 0, time.UTC), sched.Mid)
	assert.Equal(t, time.Date(2025, 2, 10, 17, 15, 0, 0, time.UTC), sched.HoldingsMid)
	assert.Equal(t, time.Date(2025, 2, 10, 20, 30, 0, 0, time.UTC), sched.Close)
	assert.Equal(t, time.Date(2025, 2, 10, 21, 0, 0, 0, time.UTC), sched.MarketCloseHint)
	assert.Equal(t, time.Date(2025, 2, 10, 21, 30, 0, 0, time.UTC), sched.Universe)
	assert.Equal(t, 15, sched.HoldAfterOpenMin)
	assert.Equal(t, 15, sched.HoldAfterMidMin)
	assert.Equal(t, 30, sched.UnivAfterCloseMin)
}

func TestPhaseTimeCoversCanonicalOrder(t *testing.T) {
	cfg := testConfig()
	day := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	sched := Compute(cfg, day, day)

	prev := time.Time{}
	for _, phase := range domain.PhaseOrder() {
		target := sched.PhaseTime(phase)
		require.False(t, target.IsZero(), "phase %s has no target", phase)
		assert.True(t, target.After(prev), "phase %s target %s not after %s", phase, target, prev)
		prev = target
	}

	assert.True(t, sched.PhaseTime(domain.Phase("bogus")).IsZero())
}

func TestScheduleWriteLoadRoundTrip(t *testing.T) {
	cfg := testConfig()
	day := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	sched := Compute(cfg, day, day)
	path := filepath.Join(t.TempDir(), "logs", "schedule.json")

	require.NoError(t, WriteSchedule(path, sched))

	loaded, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, sched.TradingDate, loaded.TradingDate)
	assert.True(t, sched.Open.Equal(loaded.Open))
	assert.True(t, sched.HoldingsOpen.Equal(loaded.HoldingsOpen))
	assert.True(t, sched.Mid.Equal(loaded.Mid))
	assert.True(t, sched.HoldingsMid.Equal(loaded.HoldingsMid))
	assert.True(t, sched.Close.Equal(loaded.Close))
	assert.True(t, sched.Universe.Equal(loaded.Universe))
	assert.True(t, sched.MarketCloseHint.Equal(loaded.MarketCloseHint))
	assert.Equal(t, sched.HoldAfterOpenMin, loaded.HoldAfterOpenMin)
	assert.Equal(t, sched.UnivAfterCloseMin, loaded.UnivAfterCloseMin)
}

func TestScheduleDocumentKeys(t *testing.T) {
	cfg := testConfig()
	day := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	sched := Compute(cfg, day, day)
	path := filepath.Join(t.TempDir(), "schedule.json")
	require.NoError(t, WriteSchedule(path, sched))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	for _, key := range []string{
		"trading_date", "created_at_utc",
		"open_utc", "mid_utc", "close_utc",
		"holdings_open_utc", "holdings_mid_utc", "universe_utc",
		"holdings_after_open_min", "holdings_after_mid_min", "universe_after_close_min",
		"market_close_utc_hint",
	} {
		assert.Contains(t, doc, key)
	}
	assert.Equal(t, "2025-02-10T14:35:00Z", doc["open_utc"])
	assert.Equal(t, "2025-02-10T21:30:00Z", doc["universe_utc"])
}

func TestLoadScheduleMissing(t *testing.T) {
	_, err := LoadSchedule(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
