package strategy

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/lifecycle"
	"github.com/aristath/tradebook/internal/modules/lots"
	"github.com/aristath/tradebook/internal/utils"
)

// barFetchDays is how much daily history a strategy phase asks the quote
// source for. Enough for indicator warmup plus slack for non-trading days.
const barFetchDays = 60

// Worker executes one dispatched phase end to end: lifecycle gate, daily
// idempotency stamp, the phase's real work, then the result file and status
// stamp the UI reads.
//
// Quotes, Orders, and Universe are optional collaborators. A worker without
// them still runs against the local bar cache and records signals without
// routing orders.
type Worker struct {
	Quotes   domain.QuoteSource
	Orders   domain.OrderSubmitter
	Universe domain.UniverseRebuilder
	Force    bool

	tree    *identity.Tree
	cfg     *config.Config
	state   *lifecycle.Store
	stamps  *lifecycle.Stamps
	status  *lifecycle.StatusWriter
	flags   *lifecycle.Flags
	signals *SignalEngine
	bars    *BarCache
	lots    *lots.Engine
	log     zerolog.Logger
	now     func() time.Time
}

// NewWorker wires a phase worker against the identity tree. force bypasses
// both the lifecycle gate and the already-ran-today stamps.
func NewWorker(tree *identity.Tree, cfg *config.Config, state *lifecycle.Store, flags *lifecycle.Flags, status *lifecycle.StatusWriter, lotEngine *lots.Engine, force bool, log zerolog.Logger) *Worker {
	return &Worker{
		Force:   force,
		tree:    tree,
		cfg:     cfg,
		state:   state,
		stamps:  lifecycle.NewStamps(force, log),
		status:  status,
		flags:   flags,
		signals: NewSignalEngine(cfg, log),
		bars:    NewBarCache(tree.BarCacheDir(), log),
		lots:    lotEngine,
		log:     log.With().Str("component", "phase_worker").Logger(),
		now:     time.Now,
	}
}

// Run executes the named phase.
func (w *Worker) Run(ctx context.Context, phase domain.Phase) error {
	switch phase {
	case domain.PhaseOpen, domain.PhaseMid, domain.PhaseClose:
		return w.runStrategy(ctx, phase)
	case domain.PhaseHoldingsOpen, domain.PhaseHoldingsMid:
		return w.runHoldings(ctx, phase)
	case domain.PhaseUniverse:
		return w.runUniverse(ctx)
	default:
		return fmt.Errorf("%w: unknown phase %q", domain.ErrValidation, phase)
	}
}

// strategyResult is the JSON document a strategy phase leaves for the UI and
// the external order adapter.
type strategyResult struct {
	Phase          string   `json:"phase"`
	Mode           string   `json:"mode"`
	GeneratedAtUTC string   `json:"generated_at_utc"`
	SymbolsScanned int      `json:"symbols_scanned"`
	Signals        []Signal `json:"signals"`
}

// universeDoc is the cached tradable symbol list.
type universeDoc struct {
	GeneratedAtUTC string   `json:"generated_at_utc"`
	Symbols        []string `json:"symbols"`
}

func (w *Worker) runStrategy(ctx context.Context, phase domain.Phase) error {
	now := w.now().UTC()
	if !w.gateOpen(phase) {
		return nil
	}
	if !w.cfg.StrategyEnabled(phase) {
		w.log.Info().Str("phase", string(phase)).Msg("Strategy phase disabled, nothing to do")
		return nil
	}
	stamp := w.tree.StrategyStampFile(phase)
	if w.stamps.RanToday(stamp, now) {
		w.log.Info().Str("phase", string(phase)).Msg("Already ran today, exiting")
		return nil
	}
	if err := w.stamps.Mark(stamp, now); err != nil {
		return err
	}

	symbols := w.universeSymbols()
	windows, err := w.collectBars(ctx, symbols)
	if err != nil {
		return w.failPhase(phase, now, err)
	}

	signals := w.signals.Breakouts(phase, windows, now)
	mode := w.mode()
	doc := strategyResult{
		Phase:          string(phase),
		Mode:           mode,
		GeneratedAtUTC: domain.FormatUTC(now),
		SymbolsScanned: len(windows),
		Signals:        signals,
	}
	if err := utils.WriteJSONAtomic(w.tree.PhaseResultFile(phase), doc, 0o644); err != nil {
		return w.failPhase(phase, now, fmt.Errorf("failed to write strategy result: %w", err))
	}

	detail := fmt.Sprintf("%d signals from %d symbols", len(signals), len(windows))
	if mode == "test" {
		detail += " (test mode)"
	}
	w.okPhase(phase, now, detail)
	w.log.Info().
		Str("phase", string(phase)).
		Int("symbols", len(windows)).
		Int("signals", len(signals)).
		Str("mode", mode).
		Msg("Strategy phase complete")
	return nil
}

func (w *Worker) runHoldings(ctx context.Context, phase domain.Phase) error {
	now := w.now().UTC()
	if !w.gateOpen(phase) {
		return nil
	}
	stamp := w.tree.PhaseStampFile(phase)
	if w.stamps.RanToday(stamp, now) {
		w.log.Info().Str("phase", string(phase)).Msg("Already ran today, exiting")
		return nil
	}
	if err := w.stamps.Mark(stamp, now); err != nil {
		return err
	}

	open, err := w.lots.OpenPositions()
	if err != nil {
		return w.failPhase(phase, now, err)
	}

	mode := w.mode()
	nearClose := w.nearClose(now)
	trail := w.cfg.TrailPctFor(trailPhase(phase))

	checked := 0
	var exits []Signal
	for _, lot := range open {
		if err := ctx.Err(); err != nil {
			return w.failPhase(phase, now, err)
		}
		current, window := w.lotQuote(ctx, lot.Symbol)
		if current <= 0 {
			w.log.Warn().Str("symbol", lot.Symbol).Msg("No price available, skipping lot")
			continue
		}
		checked++

		stop, err := ComputeStop(StopParams{
			Side:          lot.Side,
			Entry:         decimalToFloat(lot.UnitCost),
			Extreme:       extremeSince(window, lot, current),
			Current:       current,
			TrailPct:      trail,
			ATR:           atrOf(window),
			ATRMult:       atrStopMultiplier,
			NearClose:     nearClose,
			TightenFactor: w.cfg.TrailTightenFactor,
		})
		if err != nil {
			w.log.Warn().Err(err).Str("symbol", lot.Symbol).Msg("Stop computation failed, skipping lot")
			continue
		}
		if !stop.Triggered {
			continue
		}

		exit := Signal{
			Symbol:       lot.Symbol,
			Side:         exitSide(lot.Side),
			Price:        round6(current),
			Stop:         stop.Threshold,
			Quantity:     lot.QtyRemaining.String(),
			Reason:       fmt.Sprintf("trailing stop hit (%s)", stop.Source),
			CreatedAtUTC: domain.FormatUTC(now),
		}
		exits = append(exits, exit)
		w.submitExit(ctx, lot, exit, mode)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s checked=%d exits=%d mode=%s\n", domain.FormatUTC(now), checked, len(exits), mode)
	for _, s := range exits {
		fmt.Fprintf(&b, "%s %s qty=%s stop=%.6f current=%.6f %s\n", s.Symbol, s.Side, s.Quantity, s.Stop, s.Price, s.Reason)
	}
	if err := utils.WriteFileAtomic(w.tree.PhaseResultFile(phase), []byte(b.String()), 0o644); err != nil {
		return w.failPhase(phase, now, fmt.Errorf("failed to write holdings result: %w", err))
	}

	w.okPhase(phase, now, fmt.Sprintf("checked=%d exits=%d", checked, len(exits)))
	w.log.Info().
		Str("phase", string(phase)).
		Int("checked", checked).
		Int("exits", len(exits)).
		Bool("near_close", nearClose).
		Msg("Holdings sweep complete")
	return nil
}

func (w *Worker) runUniverse(ctx context.Context) error {
	phase := domain.PhaseUniverse
	now := w.now().UTC()
	if !w.gateOpen(phase) {
		return nil
	}
	stamp := w.tree.PhaseStampFile(phase)
	if w.stamps.RanToday(stamp, now) {
		w.log.Info().Msg("Universe already rebuilt today, exiting")
		return nil
	}
	if err := w.stamps.Mark(stamp, now); err != nil {
		return err
	}

	if w.Universe == nil {
		detail := "screener not wired, kept existing universe"
		line := fmt.Sprintf("%s %s\n", domain.FormatUTC(now), detail)
		if err := utils.WriteFileAtomic(w.tree.PhaseResultFile(phase), []byte(line), 0o644); err != nil {
			return w.failPhase(phase, now, err)
		}
		w.okPhase(phase, now, detail)
		return nil
	}

	symbols, err := w.Universe.RebuildUniverse(ctx)
	if err != nil {
		return w.failPhase(phase, now, fmt.Errorf("failed to rebuild universe: %w", err))
	}
	doc := universeDoc{GeneratedAtUTC: domain.FormatUTC(now), Symbols: symbols}
	if err := utils.WriteJSONAtomic(w.tree.UniverseFile(), doc, 0o644); err != nil {
		return w.failPhase(phase, now, fmt.Errorf("failed to write universe: %w", err))
	}
	line := fmt.Sprintf("%s symbols=%d\n", domain.FormatUTC(now), len(symbols))
	if err := utils.WriteFileAtomic(w.tree.PhaseResultFile(phase), []byte(line), 0o644); err != nil {
		return w.failPhase(phase, now, err)
	}

	w.okPhase(phase, now, fmt.Sprintf("%d symbols", len(symbols)))
	w.log.Info().Int("symbols", len(symbols)).Msg("Universe rebuilt")
	return nil
}

// gateOpen enforces the lifecycle gate. Strategy phases require a runnable
// state; holdings and universe phases also accept updating, which the
// dispatcher writes before spawning them.
func (w *Worker) gateOpen(phase domain.Phase) bool {
	if w.Force {
		return true
	}
	state, err := w.state.Read()
	if err != nil {
		w.log.Warn().Err(err).Msg("Unreadable bot state, refusing to run")
		return false
	}
	ok := state.Runnable()
	if !phase.StrategyPhase() {
		ok = ok || state == domain.StateUpdating
	}
	if !ok {
		w.log.Info().
			Str("phase", string(phase)).
			Str("state", string(state)).
			Msg("Bot state not runnable, exiting quietly")
	}
	return ok
}

func (w *Worker) mode() string {
	if w.flags.IsSet(domain.FlagTestMode) {
		return "test"
	}
	return "live"
}

// universeSymbols returns the tradable list, falling back to whatever the
// bar cache already holds when no universe file exists yet.
func (w *Worker) universeSymbols() []string {
	var doc universeDoc
	err := utils.ReadJSONFile(w.tree.UniverseFile(), &doc)
	if err == nil && len(doc.Symbols) > 0 {
		return doc.Symbols
	}
	if err != nil {
		w.log.Debug().Err(err).Msg("No universe file, using cached symbols")
	}
	symbols, err := w.bars.Symbols()
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to list cached symbols")
		return nil
	}
	return symbols
}

func (w *Worker) collectBars(ctx context.Context, symbols []string) (map[string][]domain.Bar, error) {
	windows := make(map[string][]domain.Bar, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if w.Quotes != nil {
			fresh, err := w.Quotes.FetchBars(ctx, symbol, barFetchDays)
			if err != nil {
				w.log.Warn().Err(err).Str("symbol", symbol).Msg("Bar fetch failed, using cache")
			} else if _, err := w.bars.Merge(symbol, fresh); err != nil {
				w.log.Warn().Err(err).Str("symbol", symbol).Msg("Bar cache merge failed")
			}
		}
		window, err := w.bars.Load(symbol)
		if err != nil {
			w.log.Warn().Err(err).Str("symbol", symbol).Msg("Unreadable bar cache, skipping symbol")
			continue
		}
		if len(window) > 0 {
			windows[symbol] = window
		}
	}
	return windows, nil
}

// lotQuote returns the freshest price for symbol plus its cached window.
// With a quote source wired the live last price wins; otherwise the last
// cached close serves.
func (w *Worker) lotQuote(ctx context.Context, symbol string) (float64, []domain.Bar) {
	window, err := w.bars.Load(symbol)
	if err != nil {
		w.log.Warn().Err(err).Str("symbol", symbol).Msg("Unreadable bar cache")
	}
	current := 0.0
	if len(window) > 0 {
		current = window[len(window)-1].Close
	}
	if w.Quotes != nil {
		px, err := w.Quotes.FetchLastPrice(ctx, symbol)
		if err != nil {
			w.log.Warn().Err(err).Str("symbol", symbol).Msg("Last price fetch failed, using cached close")
		} else if px > 0 {
			current = px
		}
	}
	return current, window
}

// submitExit routes a triggered stop to the broker adapter. Test mode and
// an unwired adapter both leave the signal recorded but unrouted.
func (w *Worker) submitExit(ctx context.Context, lot domain.Lot, exit Signal, mode string) {
	if w.Orders == nil || mode == "test" {
		return
	}
	req := domain.OrderRequest{
		Symbol:     lot.Symbol,
		Side:       exit.Side,
		Strategy:   "trailing_stop",
		Notes:      exit.Reason,
		Quantity:   lot.QtyRemaining,
		LimitPrice: decimal.NewFromFloat(exit.Stop),
	}
	orderID, err := w.Orders.SubmitOrder(ctx, req)
	if err != nil {
		w.log.Error().Err(err).Str("symbol", lot.Symbol).Msg("Exit order submission failed")
		return
	}
	w.log.Info().Str("symbol", lot.Symbol).Str("order_id", orderID).Msg("Exit order submitted")
}

// nearClose reports whether now falls inside the hard-close buffer before
// the market close.
func (w *Worker) nearClose(now time.Time) bool {
	closeAt := w.cfg.MarketClose.At(now)
	remaining := closeAt.Sub(now)
	return remaining >= 0 && remaining <= time.Duration(w.cfg.HardCloseBufferSec)*time.Second
}

func (w *Worker) okPhase(phase domain.Phase, now time.Time, detail string) {
	w.recordStamp(phase, lifecycle.StampOK, now, detail)
}

func (w *Worker) failPhase(phase domain.Phase, now time.Time, err error) error {
	w.recordStamp(phase, lifecycle.StampFailed, now, err.Error())
	return err
}

func (w *Worker) recordStamp(phase domain.Phase, kind string, now time.Time, detail string) {
	name := filepath.Base(w.tree.PhaseResultFile(phase))
	st := lifecycle.StampStatus{Kind: kind, LastRunUTC: domain.FormatUTC(now), Detail: detail}
	if err := w.status.SetStamp(name, st); err != nil {
		w.log.Warn().Err(err).Str("stamp", name).Msg("Failed to update status stamp")
	}
}

// trailPhase maps a holdings sweep onto the strategy phase whose trailing
// percentage applies.
func trailPhase(phase domain.Phase) domain.Phase {
	switch phase {
	case domain.PhaseHoldingsOpen:
		return domain.PhaseOpen
	case domain.PhaseHoldingsMid:
		return domain.PhaseMid
	}
	return phase
}

func exitSide(side domain.LotSide) string {
	if side == domain.LotShort {
		return "buy_to_cover"
	}
	return "sell"
}

// extremeSince is the most favorable price seen since the lot opened: the
// highest high for longs, the lowest low for shorts. The entry and current
// prices participate so a thin window never loosens the stop.
func extremeSince(window []domain.Bar, lot domain.Lot, current float64) float64 {
	entry := decimalToFloat(lot.UnitCost)
	if lot.Side == domain.LotShort {
		extreme := math.Min(entry, current)
		for _, b := range window {
			if b.Date.Before(lot.OpenedAtUTC) || b.Low <= 0 {
				continue
			}
			extreme = math.Min(extreme, b.Low)
		}
		return extreme
	}
	extreme := math.Max(entry, current)
	for _, b := range window {
		if b.Date.Before(lot.OpenedAtUTC) {
			continue
		}
		extreme = math.Max(extreme, b.High)
	}
	return extreme
}

// atrOf returns the window's latest ATR, or zero when the window is too
// short for warmup.
func atrOf(window []domain.Bar) float64 {
	if len(window) < atrPeriod+1 {
		return 0
	}
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	closes := make([]float64, len(window))
	for i, b := range window {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}
	atr, _ := lastValid(talib.Atr(highs, lows, closes, atrPeriod))
	return atr
}

func decimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
