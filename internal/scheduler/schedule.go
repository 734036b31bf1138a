// Package scheduler computes the trading day's phase schedule, dispatches
// phase workers exactly once each with grace semantics, and runs the
// long-lived supervisor that kicks the whole cycle off every trading day.
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// Schedule is one trading date's computed phase timeline. All instants are
// UTC.
type Schedule struct {
	CreatedAt          time.Time
	Open               time.Time
	HoldingsOpen       time.Time
	Mid                time.Time
	HoldingsMid        time.Time
	Close              time.Time
	Universe           time.Time
	MarketCloseHint    time.Time
	TradingDate        string
	HoldAfterOpenMin   int
	HoldAfterMidMin    int
	UnivAfterCloseMin  int
}

type scheduleDoc struct {
	TradingDate        string `json:"trading_date"`
	CreatedAtUTC       string `json:"created_at_utc"`
	OpenUTC            string `json:"open_utc"`
	MidUTC             string `json:"mid_utc"`
	CloseUTC           string `json:"close_utc"`
	HoldingsOpenUTC    string `json:"holdings_open_utc"`
	HoldingsMidUTC     string `json:"holdings_mid_utc"`
	UniverseUTC        string `json:"universe_utc"`
	HoldAfterOpenMin   int    `json:"holdings_after_open_min"`
	HoldAfterMidMin    int    `json:"holdings_after_mid_min"`
	UnivAfterCloseMin  int    `json:"universe_after_close_min"`
	MarketCloseUTCHint string `json:"market_close_utc_hint"`
}

// Compute derives the phase timeline for the UTC calendar day of date.
func Compute(cfg *config.Config, date time.Time, now time.Time) *Schedule {
	open := cfg.Open.At(date)
	mid := cfg.Mid.At(date)
	closeAt := cfg.Close.At(date)
	marketClose := cfg.MarketClose.At(date)

	return &Schedule{
		TradingDate:       domain.DateUTC(date),
		CreatedAt:         now.UTC(),
		Open:              open,
		HoldingsOpen:      open.Add(time.Duration(cfg.HoldOpenMin) * time.Minute),
		Mid:               mid,
		HoldingsMid:       mid.Add(time.Duration(cfg.HoldMidMin) * time.Minute),
		Close:             closeAt,
		Universe:          marketClose.Add(time.Duration(cfg.UnivAfterCloseMin) * time.Minute),
		MarketCloseHint:   marketClose,
		HoldAfterOpenMin:  cfg.HoldOpenMin,
		HoldAfterMidMin:   cfg.HoldMidMin,
		UnivAfterCloseMin: cfg.UnivAfterCloseMin,
	}
}

// PhaseTime returns the target instant of the given phase.
func (s *Schedule) PhaseTime(p domain.Phase) time.Time {
	switch p {
	case domain.PhaseOpen:
		return s.Open
	case domain.PhaseHoldingsOpen:
		return s.HoldingsOpen
	case domain.PhaseMid:
		return s.Mid
	case domain.PhaseHoldingsMid:
		return s.HoldingsMid
	case domain.PhaseClose:
		return s.Close
	case domain.PhaseUniverse:
		return s.Universe
	}
	return time.Time{}
}

// MarshalJSON renders the on-disk schedule.json layout.
func (s *Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(scheduleDoc{
		TradingDate:        s.TradingDate,
		CreatedAtUTC:       domain.FormatUTC(s.CreatedAt),
		OpenUTC:            domain.FormatUTC(s.Open),
		MidUTC:             domain.FormatUTC(s.Mid),
		CloseUTC:           domain.FormatUTC(s.Close),
		HoldingsOpenUTC:    domain.FormatUTC(s.HoldingsOpen),
		HoldingsMidUTC:     domain.FormatUTC(s.HoldingsMid),
		UniverseUTC:        domain.FormatUTC(s.Universe),
		HoldAfterOpenMin:   s.HoldAfterOpenMin,
		HoldAfterMidMin:    s.HoldAfterMidMin,
		UnivAfterCloseMin:  s.UnivAfterCloseMin,
		MarketCloseUTCHint: domain.FormatUTC(s.MarketCloseHint),
	})
}

// UnmarshalJSON parses the on-disk schedule.json layout.
func (s *Schedule) UnmarshalJSON(data []byte) error {
	var doc scheduleDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	parse := func(field, v string) (time.Time, error) {
		if v == "" {
			return time.Time{}, nil
		}
		ts, err := domain.ParseTimestamp(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule field %s: %w", field, err)
		}
		return ts, nil
	}

	var err error
	if s.CreatedAt, err = parse("created_at_utc", doc.CreatedAtUTC); err != nil {
		return err
	}
	if s.Open, err = parse("open_utc", doc.OpenUTC); err != nil {
		return err
	}
	if s.Mid, err = parse("mid_utc", doc.MidUTC); err != nil {
		return err
	}
	if s.Close, err = parse("close_utc", doc.CloseUTC); err != nil {
		return err
	}
	if s.HoldingsOpen, err = parse("holdings_open_utc", doc.HoldingsOpenUTC); err != nil {
		return err
	}
	if s.HoldingsMid, err = parse("holdings_mid_utc", doc.HoldingsMidUTC); err != nil {
		return err
	}
	if s.Universe, err = parse("universe_utc", doc.UniverseUTC); err != nil {
		return err
	}
	if s.MarketCloseHint, err = parse("market_close_utc_hint", doc.MarketCloseUTCHint); err != nil {
		return err
	}

	s.TradingDate = doc.TradingDate
	s.HoldAfterOpenMin = doc.HoldAfterOpenMin
	s.HoldAfterMidMin = doc.HoldAfterMidMin
	s.UnivAfterCloseMin = doc.UnivAfterCloseMin
	return nil
}

// WriteSchedule writes the schedule document atomically.
func WriteSchedule(path string, s *Schedule) error {
	if err := utils.WriteJSONAtomic(path, s, 0o644); err != nil {
		return fmt.Errorf("failed to write schedule: %w", err)
	}
	return nil
}

// LoadSchedule reads the schedule document at path.
func LoadSchedule(path string) (*Schedule, error) {
	var s Schedule
	err := utils.ReadJSONFile(path, &s)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("schedule %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
