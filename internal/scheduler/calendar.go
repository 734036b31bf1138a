package scheduler

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/domain"
)

// Calendar decides which days the dispatcher runs. Weekday membership comes
// from config, exceptions from the holidays file (one ISO date per line,
// blank lines and # comments ignored).
type Calendar struct {
	tradingDays map[time.Weekday]bool
	holidays    map[string]bool
}

// NewCalendar loads the holidays file at path. A missing file means no
// holidays.
func NewCalendar(cfg *config.Config, path string) (*Calendar, error) {
	holidays, err := LoadHolidays(path)
	if err != nil {
		return nil, err
	}
	return &Calendar{tradingDays: cfg.TradingDays, holidays: holidays}, nil
}

// IsTradingDay reports whether the UTC calendar day of date trades.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	day := date.UTC()
	if !c.tradingDays[day.Weekday()] {
		return false
	}
	return !c.holidays[domain.DateUTC(day)]
}

// NextTradingDay returns the first trading day strictly after date. Gives up
// after a year so a degenerate calendar cannot spin forever.
func (c *Calendar) NextTradingDay(date time.Time) (time.Time, error) {
	day := date.UTC()
	for i := 0; i < 366; i++ {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return day, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading day within a year of %s", domain.DateUTC(date))
}

// LoadHolidays parses the holidays file. Lines that do not parse as
// YYYY-MM-DD are rejected so a typo cannot silently un-holiday a date.
func LoadHolidays(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open holidays file: %w", err)
	}
	defer f.Close()

	holidays := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := time.Parse("2006-01-02", line); err != nil {
			return nil, fmt.Errorf("holidays file line %d: %w: %q", lineNo, domain.ErrValidation, line)
		}
		holidays[line] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read holidays file: %w", err)
	}
	return holidays, nil
}
