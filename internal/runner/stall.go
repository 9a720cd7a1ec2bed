package runner

import (
	"log/slog"
	"math/big"
)

// StallConfig defines when a run counts as stalled: Patience consecutive
// iterations whose relative objective improvement stays below Threshold.
type StallConfig struct {
	// Patience is the number of iterations without significant improvement
	// before stopping. Zero disables stall detection.
	Patience int

	// Threshold is the minimum relative improvement required to count as
	// progress, measured from the last significant value:
	// (last - value) / |last|.
	Threshold float64
}

// Enabled reports whether stall detection is active.
func (c StallConfig) Enabled() bool {
	return c.Patience > 0
}

// StallTracker tracks objective values and detects when the iteration has
// stopped making significant progress. Values are compared as big.Float so
// that objectives below the float64 range are still told apart.
type StallTracker struct {
	config          StallConfig
	threshold       *big.Float
	lastSignificant *big.Float // nil until the first value
	staleCount      int
	rel             *big.Float
}

// NewStallTracker creates a tracker with the given config.
func NewStallTracker(config StallConfig) *StallTracker {
	return &StallTracker{
		config:    config,
		threshold: big.NewFloat(config.Threshold),
		rel:       new(big.Float).SetPrec(64),
	}
}

// Update records a new objective value and returns true if the run has
// stalled.
func (t *StallTracker) Update(value *big.Float) bool {
	if !t.config.Enabled() {
		return false
	}
	if t.lastSignificant == nil {
		t.lastSignificant = new(big.Float).Set(value)
		return false
	}

	significant := false
	t.rel.SetInt64(0)
	if t.lastSignificant.Sign() != 0 {
		t.rel.Sub(t.lastSignificant, value)
		t.rel.Quo(t.rel, new(big.Float).Abs(t.lastSignificant))
		significant = t.rel.Cmp(t.threshold) >= 0
	}

	if significant {
		t.lastSignificant.Set(value)
		t.staleCount = 0
		return false
	}

	t.staleCount++
	slog.Debug("No significant objective improvement",
		"relative_improvement", t.rel.Text('e', 3),
		"stale_count", t.staleCount,
		"patience", t.config.Patience,
	)
	if t.staleCount >= t.config.Patience {
		slog.Info("Stall detected - stopping early",
			"stale_count", t.staleCount,
			"patience", t.config.Patience,
		)
		return true
	}
	return false
}

// StaleCount returns the current number of iterations without significant
// improvement.
func (t *StallTracker) StaleCount() int {
	return t.staleCount
}
