package pricing

import (
	"math"

	"ridecore/internal/config"
)

// Ladder maps a supply/demand snapshot to a surge multiplier clamped to [Min, Max].
func Ladder(cfg config.SurgeConfig, supply, demand int) float64 {
	mult := 1.0
	switch {
	case supply <= 0 && demand > 0:
		mult = cfg.NoSupply
	case supply > 0:
		ratio := float64(demand) / float64(supply)
		switch {
		case ratio >= cfg.HighRatio:
			mult = cfg.High
		case ratio >= cfg.MediumHighRatio:
			mult = cfg.MediumHigh
		case ratio >= cfg.LowRatio:
			mult = cfg.Low
		}
	}
	return clampSurge(cfg, mult)
}

func clampSurge(cfg config.SurgeConfig, mult float64) float64 {
	if math.IsNaN(mult) || math.IsInf(mult, 0) {
		return cfg.Min
	}
	return math.Min(cfg.Max, math.Max(cfg.Min, mult))
}
