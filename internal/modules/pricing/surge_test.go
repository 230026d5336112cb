package pricing

import (
	"testing"
)

func TestLadder(t *testing.T) {
	cfg := testSurgeConfig()
	tests := []struct {
		name           string
		supply, demand int
		want           float64
	}{
		{"no supply no demand", 0, 0, 1},
		{"no supply with demand", 0, 4, 1.5},
		{"quiet", 10, 5, 1},
		{"just below low", 10, 11, 1},
		{"low", 10, 12, 1.2},
		{"medium high", 5, 10, 1.5},
		{"high", 2, 6, 1.8},
		{"extreme stays high", 1, 100, 1.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ladder(cfg, tt.supply, tt.demand); got != tt.want {
				t.Errorf("Ladder(%d, %d) = %f, want %f", tt.supply, tt.demand, got, tt.want)
			}
		})
	}
}

func TestLadder_ClampedToBand(t *testing.T) {
	cfg := testSurgeConfig()
	cfg.High = 3.5
	cfg.NoSupply = 0.5
	if got := Ladder(cfg, 1, 10); got != cfg.Max {
		t.Errorf("high rung = %f, want clamp to max %f", got, cfg.Max)
	}
	if got := Ladder(cfg, 0, 1); got != cfg.Min {
		t.Errorf("no-supply rung = %f, want clamp to min %f", got, cfg.Min)
	}
}
