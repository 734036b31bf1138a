package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/utils"
)

// maxCachedBars caps the rolling window kept per symbol. 500 daily candles
// is ample for every indicator the workers compute.
const maxCachedBars = 500

// BarCache persists per-symbol OHLCV windows as msgpack files so separate
// phase worker processes share one rolling history.
type BarCache struct {
	dir string
	log zerolog.Logger
}

// NewBarCache anchors a cache at dir.
func NewBarCache(dir string, log zerolog.Logger) *BarCache {
	return &BarCache{
		dir: dir,
		log: log.With().Str("component", "bar_cache").Logger(),
	}
}

// Load returns the cached window for symbol, oldest first. A missing entry
// is (nil, nil).
func (c *BarCache) Load(symbol string) ([]domain.Bar, error) {
	data, err := os.ReadFile(c.path(symbol))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bar cache for %s: %w", symbol, err)
	}

	var bars []domain.Bar
	if err := msgpack.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to decode bar cache for %s: %w", symbol, err)
	}
	return bars, nil
}

// Store replaces symbol's window, sorted by date and truncated to the cap.
func (c *BarCache) Store(symbol string, bars []domain.Bar) error {
	window := append([]domain.Bar(nil), bars...)
	sort.Slice(window, func(i, j int) bool { return window[i].Date.Before(window[j].Date) })
	if len(window) > maxCachedBars {
		window = window[len(window)-maxCachedBars:]
	}

	data, err := msgpack.Marshal(window)
	if err != nil {
		return fmt.Errorf("failed to encode bar cache for %s: %w", symbol, err)
	}
	if err := utils.WriteFileAtomic(c.path(symbol), data, 0o644); err != nil {
		return fmt.Errorf("failed to write bar cache for %s: %w", symbol, err)
	}
	return nil
}

// Merge folds fresh bars into symbol's window, last write wins per date, and
// returns the updated window.
func (c *BarCache) Merge(symbol string, fresh []domain.Bar) ([]domain.Bar, error) {
	existing, err := c.Load(symbol)
	if err != nil {
		return nil, err
	}

	byDate := make(map[int64]domain.Bar, len(existing)+len(fresh))
	for _, b := range existing {
		byDate[b.Date.UTC().Unix()] = b
	}
	for _, b := range fresh {
		byDate[b.Date.UTC().Unix()] = b
	}

	merged := make([]domain.Bar, 0, len(byDate))
	for _, b := range byDate {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Date.Before(merged[j].Date) })
	if len(merged) > maxCachedBars {
		merged = merged[len(merged)-maxCachedBars:]
	}

	if err := c.Store(symbol, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Symbols lists every symbol with a cached window.
func (c *BarCache) Symbols() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list bar cache: %w", err)
	}

	var symbols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".msgpack") {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(name, ".msgpack"))
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (c *BarCache) path(symbol string) string {
	name := strings.ToUpper(strings.TrimSpace(symbol))
	return filepath.Join(c.dir, name+".msgpack")
}
