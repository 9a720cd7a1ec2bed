package opt

// Seeder searches a box for a good float64 starting point before the
// arbitrary precision iteration takes over.
type Seeder interface {
	// Seed minimizes eval over [lower, upper]^dim and returns the best point
	// found together with its value.
	Seed(eval func([]float64) float64, lower, upper float64, dim int) ([]float64, float64, error)
}
