package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/domain"
)

const (
	breakoutLookback = 20
	atrPeriod        = 14
	emaPeriod        = 20

	// minSignalBars is the shortest window Breakouts will score; ATR and
	// EMA both need warmup on top of the breakout lookback.
	minSignalBars = breakoutLookback + atrPeriod + 1

	// atrStopMultiplier sizes the volatility arm of protective stops.
	atrStopMultiplier = 2.0
)

// Signal is one proposed order emitted by a phase worker. Entries come from
// the breakout scan, exits from the trailing-stop sweep.
type Signal struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Price        float64 `json:"price"`
	Stop         float64 `json:"stop,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Weight       float64 `json:"weight,omitempty"`
	Quantity     string  `json:"quantity,omitempty"`
	Reason       string  `json:"reason"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// SignalEngine scores symbols for threshold breakouts: a close above the
// prior N-day high, holding above its EMA, ranked by ATR-normalized breakout
// distance and then by momentum within the candidate pool.
type SignalEngine struct {
	cfg *config.Config
	log zerolog.Logger
}

// NewSignalEngine builds the breakout scorer.
func NewSignalEngine(cfg *config.Config, log zerolog.Logger) *SignalEngine {
	return &SignalEngine{
		cfg: cfg,
		log: log.With().Str("component", "signals").Logger(),
	}
}

type candidate struct {
	sig      Signal
	breakout float64 // ATR-normalized distance above the prior high
	momentum float64 // close z-score over the lookback window
}

// Breakouts scans the given bar windows and returns entry signals capped at
// MAX_TRADES, strongest first. The wider candidate pool (MAX_TRADES times
// CANDIDATE_MULTIPLIER) is selected on breakout distance, then the final cut
// is re-ranked on momentum so marginal pokes above the high lose to clean
// trends.
func (e *SignalEngine) Breakouts(phase domain.Phase, bars map[string][]domain.Bar, now time.Time) []Signal {
	trail := e.cfg.TrailPctFor(phase)

	candidates := make([]candidate, 0, len(bars))
	for symbol, window := range bars {
		c, ok := e.scoreBreakout(symbol, window, trail)
		if !ok {
			continue
		}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].breakout != candidates[j].breakout {
			return candidates[i].breakout > candidates[j].breakout
		}
		return candidates[i].sig.Symbol < candidates[j].sig.Symbol
	})
	if pool := e.cfg.MaxTrades * e.cfg.CandidateMultiplier; pool > 0 && len(candidates) > pool {
		candidates = candidates[:pool]
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].momentum != candidates[j].momentum {
			return candidates[i].momentum > candidates[j].momentum
		}
		return candidates[i].sig.Symbol < candidates[j].sig.Symbol
	})
	if e.cfg.MaxTrades > 0 && len(candidates) > e.cfg.MaxTrades {
		candidates = candidates[:e.cfg.MaxTrades]
	}

	signals := make([]Signal, len(candidates))
	for i, c := range candidates {
		sig := c.sig
		sig.Score = round6(c.momentum)
		sig.CreatedAtUTC = domain.FormatUTC(now)
		signals[i] = sig
	}
	assignWeights(signals, e.cfg.Weights)
	return signals
}

func (e *SignalEngine) scoreBreakout(symbol string, window []domain.Bar, trail float64) (candidate, bool) {
	if len(window) < minSignalBars {
		return candidate{}, false
	}
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	closes := make([]float64, len(window))
	for i, b := range window {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}
	last := closes[len(closes)-1]
	if last <= 0 {
		return candidate{}, false
	}

	priorHigh := floats.Max(highs[len(highs)-1-breakoutLookback : len(highs)-1])
	if last <= priorHigh {
		return candidate{}, false
	}

	if ema, ok := lastValid(talib.Ema(closes, emaPeriod)); ok && last < ema {
		return candidate{}, false
	}

	atr, _ := lastValid(talib.Atr(highs, lows, closes, atrPeriod))
	breakout := last - priorHigh
	if atr > 0 {
		breakout /= atr
	}

	recent := closes[len(closes)-1-breakoutLookback : len(closes)-1]
	momentum := 0.0
	if sd := stat.StdDev(recent, nil); sd > 0 {
		momentum = (last - stat.Mean(recent, nil)) / sd
	}

	stopPx := 0.0
	stop, err := ComputeStop(StopParams{
		Side:     domain.LotLong,
		Entry:    last,
		Extreme:  last,
		TrailPct: trail,
		ATR:      atr,
		ATRMult:  atrStopMultiplier,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("Initial stop computation failed")
	} else {
		stopPx = stop.Threshold
	}

	return candidate{
		sig: Signal{
			Symbol: symbol,
			Side:   "buy",
			Price:  round6(last),
			Stop:   stopPx,
			Reason: fmt.Sprintf("close %.4f above %d-day high %.4f", last, breakoutLookback, priorHigh),
		},
		breakout: breakout,
		momentum: momentum,
	}, true
}

// lastValid returns the trailing non-warmup value of an indicator series.
// go-talib leaves zeros (or NaN) in the warmup region.
func lastValid(series []float64) (float64, bool) {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if !math.IsNaN(v) && v != 0 {
			return v, true
		}
	}
	return 0, false
}

// assignWeights distributes portfolio weight over the chosen signals. The
// configured WEIGHTS ladder applies when it covers the count; otherwise the
// split is equal. Either way the weights are normalized to sum to one.
func assignWeights(signals []Signal, ladder []float64) {
	if len(signals) == 0 {
		return
	}
	w := make([]float64, len(signals))
	if len(ladder) >= len(signals) {
		copy(w, ladder[:len(signals)])
	} else {
		for i := range w {
			w[i] = 1
		}
	}
	total := floats.Sum(w)
	if total <= 0 {
		return
	}
	floats.Scale(1/total, w)
	for i := range signals {
		signals[i].Weight = round6(w[i])
	}
}
