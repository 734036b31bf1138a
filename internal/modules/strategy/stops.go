// Package strategy holds the thin signal producers driven by the phase
// dispatcher: threshold breakout scans, trailing-stop sweeps over open lots,
// and the msgpack bar cache the worker processes share.
package strategy

import (
	"fmt"
	"math"

	"github.com/aristath/tradebook/internal/domain"
)

// StopParams feeds one trailing-stop computation. Extreme is the peak since
// entry for long positions, the trough for shorts. ATR and ATRMult must both
// be positive for the ATR candidate to participate. MinStopPct/MaxStopPct of
// zero disable that clamp side.
type StopParams struct {
	Side          domain.LotSide
	Entry         float64
	Extreme       float64
	Current       float64
	TrailPct      float64
	ATR           float64
	ATRMult       float64
	MinStopPct    float64
	MaxStopPct    float64
	NearClose     bool
	TightenFactor float64
}

// Stop is one computed exit threshold.
type Stop struct {
	Source    string
	Threshold float64
	Triggered bool
}

// ComputeStop returns the most conservative exit threshold among the
// percent-of-extreme and ATR-distance candidates, clamped to the configured
// band around entry. Near the hard market close the trail percent is
// tightened by TightenFactor.
func ComputeStop(p StopParams) (Stop, error) {
	if p.Entry <= 0 || p.Extreme <= 0 {
		return Stop{}, fmt.Errorf("%w: entry and extreme prices must be positive", domain.ErrValidation)
	}
	if p.TrailPct <= 0 || p.TrailPct >= 1 {
		return Stop{}, fmt.Errorf("%w: trail percent %v out of (0, 1)", domain.ErrValidation, p.TrailPct)
	}
	if p.MinStopPct > 0 && p.MaxStopPct > 0 && p.MaxStopPct < p.MinStopPct {
		return Stop{}, fmt.Errorf("%w: max stop %v below min stop %v", domain.ErrValidation, p.MaxStopPct, p.MinStopPct)
	}

	trail := p.TrailPct
	if p.NearClose && p.TightenFactor > 0 {
		trail *= p.TightenFactor
	}

	switch p.Side {
	case domain.LotLong:
		return longStop(p, trail), nil
	case domain.LotShort:
		return shortStop(p, trail), nil
	default:
		return Stop{}, fmt.Errorf("%w: unknown lot side %q", domain.ErrValidation, p.Side)
	}
}

func longStop(p StopParams, trail float64) Stop {
	threshold := p.Extreme * (1 - trail)
	source := "pct"

	if p.ATR > 0 && p.ATRMult > 0 {
		if atrStop := p.Extreme - p.ATR*p.ATRMult; atrStop > threshold {
			threshold = atrStop
			source = "atr"
		}
	}
	if p.MaxStopPct > 0 {
		if floor := p.Entry * (1 - p.MaxStopPct); threshold < floor {
			threshold = floor
			source = "clamp"
		}
	}
	if p.MinStopPct > 0 {
		if ceil := p.Entry * (1 - p.MinStopPct); threshold > ceil {
			threshold = ceil
			source = "clamp"
		}
	}

	threshold = round6(threshold)
	return Stop{
		Threshold: threshold,
		Triggered: p.Current > 0 && p.Current <= threshold,
		Source:    source,
	}
}

func shortStop(p StopParams, trail float64) Stop {
	threshold := p.Extreme * (1 + trail)
	source := "pct"

	if p.ATR > 0 && p.ATRMult > 0 {
		if atrStop := p.Extreme + p.ATR*p.ATRMult; atrStop < threshold {
			threshold = atrStop
			source = "atr"
		}
	}
	if p.MaxStopPct > 0 {
		if ceil := p.Entry * (1 + p.MaxStopPct); threshold > ceil {
			threshold = ceil
			source = "clamp"
		}
	}
	if p.MinStopPct > 0 {
		if floor := p.Entry * (1 + p.MinStopPct); threshold < floor {
			threshold = floor
			source = "clamp"
		}
	}

	threshold = round6(threshold)
	return Stop{
		Threshold: threshold,
		Triggered: p.Current > 0 && p.Current >= threshold,
		Source:    source,
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
