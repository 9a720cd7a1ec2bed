package opt

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minMayflyPopulation is the smallest population mayfly accepts.
const minMayflyPopulation = 20

// MayflySeeder runs the mayfly swarm optimizer in float64 to find a starting
// point for a refinement run.
type MayflySeeder struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayflySeeder creates a seeder running maxIters swarm generations of
// popSize individuals. Populations below the library minimum are raised.
func NewMayflySeeder(maxIters, popSize int, seed int64) *MayflySeeder {
	if popSize < minMayflyPopulation {
		popSize = minMayflyPopulation
	}
	return &MayflySeeder{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Seed implements Seeder.
func (m *MayflySeeder) Seed(eval func([]float64) float64, lower, upper float64, dim int) ([]float64, float64, error) {
	if dim <= 0 {
		return nil, 0, fmt.Errorf("seed dimension must be positive, got %d", dim)
	}
	if !(lower < upper) {
		return nil, 0, fmt.Errorf("seed bounds [%g, %g] are empty", lower, upper)
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = lower
	config.UpperBound = upper
	config.Rand = rand.New(rand.NewSource(m.seed))

	slog.Debug("Starting mayfly seed search",
		"dim", dim, "iterations", m.maxIters, "population", m.popSize, "seed", m.seed)

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly seed search: %w", err)
	}

	best := append([]float64(nil), result.GlobalBest.Position...)
	slog.Info("Mayfly seed search finished", "cost", result.GlobalBest.Cost)
	return best, result.GlobalBest.Cost, nil
}
