package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new minimization run",
	Long: `Starts a new run. Without --from the starting point is drawn uniformly
from [0, 1)^n, or found by a float64 mayfly swarm search with
--seed-search mayfly. With --from the run refines the point stored in the
given file; a checkpoint file continues its run identifier and iteration
count, any other file starts a new run.

The progress table has one line per print period:

  iteration | f | |grad f| | step size | |x| | step type`,
	Args: cobra.NoArgs,
	RunE: runMinimize,
}

func init() {
	addRunFlags(runCmd.Flags())
	runCmd.Flags().String("from", "", "Refine the point stored in this file")
	runCmd.Flags().Int64("seed", 0, "Random seed (0 = time based)")
	runCmd.Flags().String("seed-search", "none", "Starting point search: none or mayfly")
	runCmd.Flags().Int("seed-iters", 200, "Mayfly generations")
	runCmd.Flags().Int("seed-pop", 30, "Mayfly population size")
	runCmd.Flags().Float64("seed-bound", 5, "Mayfly searches [-bound, bound] in every coordinate")
	rootCmd.AddCommand(runCmd)
}

func runMinimize(cmd *cobra.Command, args []string) error {
	opts := loadRunOptions(cfg)
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	b, err := opts.newOptimizer()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	from := cfg.GetString("from")
	switch {
	case from != "":
		err = b.InitFromFile(from)
	case opts.SeedSearch == "mayfly":
		err = opts.seedStart(b, rng)
	case opts.SeedSearch == "none" || opts.SeedSearch == "":
		err = b.InitRandom(rng)
	default:
		return fmt.Errorf("unknown seed search %q (want none or mayfly)", opts.SeedSearch)
	}
	if err != nil {
		if isInputError(err) {
			return fmt.Errorf("failed to read starting point: %w", err)
		}
		return fmt.Errorf("initialization failed: %w", err)
	}

	_, err = opts.execute(cmd.Context(), b, cmd.OutOrStdout())
	return err
}
