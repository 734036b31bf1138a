// Package config loads every recognized option from the environment (with
// .env support) into one explicit Config passed through call sites.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// HHMM is a wall-clock UTC time of day.
type HHMM struct {
	Hour   int
	Minute int
}

// ParseHHMM parses "HH:MM" with strict range checks.
func ParseHHMM(s string) (HHMM, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return HHMM{}, domain.NewValidationError(s, "expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return HHMM{}, domain.NewValidationError(s, "hour out of range")
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return HHMM{}, domain.NewValidationError(s, "minute out of range")
	}
	return HHMM{Hour: h, Minute: m}, nil
}

// At anchors the wall-clock time onto the UTC calendar date of day.
func (h HHMM) At(day time.Time) time.Time {
	d := day.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), h.Hour, h.Minute, 0, 0, time.UTC)
}

func (h HHMM) String() string { return fmt.Sprintf("%02d:%02d", h.Hour, h.Minute) }

// Config holds the full runtime configuration.
type Config struct {
	// Identity and storage
	DataDir  string
	Identity domain.Identity4

	// Schedule inputs (all UTC wall-clock)
	Open              HHMM
	Mid               HHMM
	Close             HHMM
	MarketClose       HHMM
	HoldOpenMin       int
	HoldMidMin        int
	UnivAfterCloseMin int
	TradingDays       map[time.Weekday]bool
	PhaseGraceMin     int
	Timezone          string // IANA zone, display only

	// Strategy
	StratOpenEnabled    bool
	StratMidEnabled     bool
	StratCloseEnabled   bool
	MaxTrades           int
	CandidateMultiplier int
	Weights             []float64
	TrailingStopPct     float64
	TrailPctOpen        float64
	TrailPctMid         float64
	TrailPctClose       float64
	MaxRiskPerTrade     float64
	DailyLossLimit      float64
	HardCloseBufferSec  int
	TrailTightenFactor  float64

	// Ledger policy
	LedgerMaxAbsAmount      decimal.Decimal
	LedgerEnforceDateWindow bool
	LedgerMaxBackdateDays   int
	LedgerMaxFutureMinutes  int

	// Sync
	SyncLookbackDays int
	BrokerFeedFile   string

	// Snapshots
	SnapshotRetention  int
	SnapshotS3Bucket   string
	SnapshotS3Prefix   string
	SnapshotS3Region   string
	SnapshotS3Endpoint string
	SnapshotS3Key      string
	SnapshotS3Secret   string

	// Ambient
	LogLevel   string
	LogPretty  bool
	LogFileMax int // MB per rotated process log file
	Port       int
}

// Load reads configuration from environment variables. A .env file in the
// working directory is honored if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("TRADEBOOK_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	id, err := loadIdentity()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Identity: id,

		HoldOpenMin:       getEnvAsInt("HOLD_OPEN_MIN", 15),
		HoldMidMin:        getEnvAsInt("HOLD_MID_MIN", 15),
		UnivAfterCloseMin: getEnvAsInt("UNIV_AFTER_CLOSE_MIN", 30),
		PhaseGraceMin:     getEnvAsInt("PHASE_GRACE_MIN", 2),
		Timezone:          getEnv("TIMEZONE", "UTC"),

		StratOpenEnabled:    getEnvAsBool("STRAT_OPEN_ENABLED", true),
		StratMidEnabled:     getEnvAsBool("STRAT_MID_ENABLED", true),
		StratCloseEnabled:   getEnvAsBool("STRAT_CLOSE_ENABLED", true),
		MaxTrades:           getEnvAsInt("MAX_TRADES", 5),
		CandidateMultiplier: getEnvAsInt("CANDIDATE_MULTIPLIER", 3),
		TrailingStopPct:     getEnvAsFloat("TRADING_TRAILING_STOP_PCT", 0.05),
		TrailPctOpen:        getEnvAsFloat("TRAIL_PCT_OPEN", 0),
		TrailPctMid:         getEnvAsFloat("TRAIL_PCT_MID", 0),
		TrailPctClose:       getEnvAsFloat("TRAIL_PCT_CLOSE", 0),
		MaxRiskPerTrade:     getEnvAsFloat("MAX_RISK_PER_TRADE", 0.01),
		DailyLossLimit:      getEnvAsFloat("DAILY_LOSS_LIMIT", 0.03),
		HardCloseBufferSec:  getEnvAsInt("HARD_CLOSE_BUFFER_SEC", 300),
		TrailTightenFactor:  getEnvAsFloat("TRAIL_TIGHTEN_FACTOR", 0.5),

		LedgerEnforceDateWindow: getEnvAsBool("LEDGER_ENFORCE_DATE_WINDOW", false),
		LedgerMaxBackdateDays:   getEnvAsInt("LEDGER_MAX_BACKDATE_DAYS", 14),
		LedgerMaxFutureMinutes:  getEnvAsInt("LEDGER_MAX_FUTURE_MINUTES", 10),

		SyncLookbackDays: getEnvAsInt("SYNC_LOOKBACK_DAYS", 7),
		BrokerFeedFile:   getEnv("BROKER_FEED_FILE", ""),

		SnapshotRetention:  getEnvAsInt("SNAPSHOT_RETENTION", 30),
		SnapshotS3Bucket:   getEnv("SNAPSHOT_S3_BUCKET", ""),
		SnapshotS3Prefix:   getEnv("SNAPSHOT_S3_PREFIX", "tradebook"),
		SnapshotS3Region:   getEnv("SNAPSHOT_S3_REGION", "us-east-1"),
		SnapshotS3Endpoint: getEnv("SNAPSHOT_S3_ENDPOINT", ""),
		SnapshotS3Key:      getEnv("SNAPSHOT_S3_ACCESS_KEY", ""),
		SnapshotS3Secret:   getEnv("SNAPSHOT_S3_SECRET_KEY", ""),

		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPretty:  getEnvAsBool("LOG_PRETTY", false),
		LogFileMax: getEnvAsInt("LOG_FILE_MAX_MB", 20),
		Port:       getEnvAsInt("PORT", 8001),
	}

	if cfg.Open, err = ParseHHMM(getEnv("OPEN_HHMM", "14:35")); err != nil {
		return nil, fmt.Errorf("OPEN_HHMM: %w", err)
	}
	if cfg.Mid, err = ParseHHMM(getEnv("MID_HHMM", "17:00")); err != nil {
		return nil, fmt.Errorf("MID_HHMM: %w", err)
	}
	if cfg.Close, err = ParseHHMM(getEnv("CLOSE_HHMM", "20:30")); err != nil {
		return nil, fmt.Errorf("CLOSE_HHMM: %w", err)
	}
	if cfg.MarketClose, err = ParseHHMM(getEnv("MARKET_CLOSE_HHMM", "21:00")); err != nil {
		return nil, fmt.Errorf("MARKET_CLOSE_HHMM: %w", err)
	}

	if cfg.TradingDays, err = ParseTradingDays(getEnv("TRADING_DAYS", "mon,tue,wed,thu,fri")); err != nil {
		return nil, err
	}
	if cfg.Weights, err = parseWeights(getEnv("WEIGHTS", "")); err != nil {
		return nil, err
	}

	maxAbs := getEnv("LEDGER_MAX_ABS_AMOUNT", "100000000")
	if cfg.LedgerMaxAbsAmount, err = decimal.NewFromString(maxAbs); err != nil {
		return nil, fmt.Errorf("LEDGER_MAX_ABS_AMOUNT: %w: %q", domain.ErrConfig, maxAbs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Identity.IsZero() {
		return fmt.Errorf("%w: identity is not configured (ENTITY_CODE, JURISDICTION_CODE, BROKER_CODE, BOT_ID)", domain.ErrConfig)
	}
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if len(c.TradingDays) == 0 {
		return fmt.Errorf("%w: TRADING_DAYS is empty", domain.ErrConfig)
	}
	if c.PhaseGraceMin < 0 {
		return fmt.Errorf("%w: PHASE_GRACE_MIN must be >= 0", domain.ErrConfig)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: unknown TIMEZONE %q", domain.ErrConfig, c.Timezone)
	}
	return nil
}

// TrailPctFor returns the phase-specific trailing stop fraction, falling
// back to the global TRADING_TRAILING_STOP_PCT.
func (c *Config) TrailPctFor(phase domain.Phase) float64 {
	var pct float64
	switch phase {
	case domain.PhaseOpen:
		pct = c.TrailPctOpen
	case domain.PhaseMid:
		pct = c.TrailPctMid
	case domain.PhaseClose:
		pct = c.TrailPctClose
	}
	if pct <= 0 {
		pct = c.TrailingStopPct
	}
	return pct
}

// StrategyEnabled reports whether the given strategy phase is switched on.
func (c *Config) StrategyEnabled(phase domain.Phase) bool {
	switch phase {
	case domain.PhaseOpen:
		return c.StratOpenEnabled
	case domain.PhaseMid:
		return c.StratMidEnabled
	case domain.PhaseClose:
		return c.StratCloseEnabled
	}
	return true
}

func loadIdentity() (domain.Identity4, error) {
	joined := getEnv("IDENTITY", "")
	if joined != "" {
		return domain.ParseIdentity4(joined)
	}
	entity := getEnv("ENTITY_CODE", "")
	jur := getEnv("JURISDICTION_CODE", "")
	broker := getEnv("BROKER_CODE", "")
	bot := getEnv("BOT_ID", "")
	if entity == "" && jur == "" && broker == "" && bot == "" {
		return domain.Identity4{}, nil
	}
	return domain.NewIdentity4(entity, jur, broker, bot)
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	"sun": time.Sunday,
}

// ParseTradingDays parses a csv of lowercase three-letter weekday names.
func ParseTradingDays(csv string) (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool)
	for _, tok := range utils.ParseCSV(csv) {
		wd, ok := weekdayNames[strings.ToLower(tok)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown trading day %q", domain.ErrConfig, tok)
		}
		days[wd] = true
	}
	return days, nil
}

func parseWeights(csv string) ([]float64, error) {
	var out []float64
	for _, tok := range utils.ParseCSV(csv) {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad weight %q", domain.ErrConfig, tok)
		}
		out = append(out, f)
	}
	return out, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
