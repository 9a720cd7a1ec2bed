package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cwbudde/mpbfgs/internal/linalg"
	"github.com/cwbudde/mpbfgs/internal/objective"
	"github.com/cwbudde/mpbfgs/internal/opt"
	"github.com/cwbudde/mpbfgs/internal/runner"
	"github.com/cwbudde/mpbfgs/internal/server"
	"github.com/cwbudde/mpbfgs/internal/store"
)

// runOptions holds the settings shared by run and resume.
type runOptions struct {
	Precision       uint
	Rounding        string
	Objective       string
	Dim             int
	Direction       string
	Update          string
	MaxRetries      int
	PrintPeriod     time.Duration
	PrintPrecision  int
	CheckpointEvery uint64
	MaxIters        uint64
	Seed            int64
	SeedSearch      string
	SeedIters       int
	SeedPop         int
	SeedBound       float64
	Patience        int
	Threshold       float64
	StatusAddr      string
	DataDir         string
}

// addRunFlags registers the optimizer and run loop flags on fs.
func addRunFlags(fs *pflag.FlagSet) {
	fs.Uint("precision", 53, "Working precision in bits")
	fs.String("rounding", "nearest", "Rounding mode: nearest, nearest-away, zero, away, down, up")
	fs.String("objective", "rosenbrock", "Objective name (sphere, rosenbrock) or YAML expression file")
	fs.Int("dim", 2, "Number of coordinates (0 takes it from the expression file)")
	fs.String("direction", "bfgs", "Step direction: bfgs or race (BFGS against steepest descent)")
	fs.String("update", "bfgs", "Inverse Hessian update: bfgs or damped")
	fs.Int("max-retries", opt.DefaultConfig().MaxRetries, "Rejected steps tolerated per iteration")
	fs.Duration("print-period", 500*time.Millisecond, "Minimum time between progress lines")
	fs.Int("print-precision", 0, "Digits after the decimal point in progress lines (0 = full precision)")
	fs.Uint64("checkpoint-every", 100, "Write a checkpoint every N iterations (0 = start and end only)")
	fs.Uint64("max-iters", 0, "Stop after N iterations (0 = unlimited)")
	fs.Int("patience", 0, "Stop after N iterations without significant improvement (0 = disabled)")
	fs.Float64("threshold", 1e-6, "Relative improvement counted as significant")
	fs.String("status-addr", "", "Serve run status on this address, e.g. :8090")
}

func loadRunOptions(v *viper.Viper) runOptions {
	return runOptions{
		Precision:       v.GetUint("precision"),
		Rounding:        v.GetString("rounding"),
		Objective:       v.GetString("objective"),
		Dim:             v.GetInt("dim"),
		Direction:       v.GetString("direction"),
		Update:          v.GetString("update"),
		MaxRetries:      v.GetInt("max-retries"),
		PrintPeriod:     v.GetDuration("print-period"),
		PrintPrecision:  v.GetInt("print-precision"),
		CheckpointEvery: v.GetUint64("checkpoint-every"),
		MaxIters:        v.GetUint64("max-iters"),
		Seed:            v.GetInt64("seed"),
		SeedSearch:      v.GetString("seed-search"),
		SeedIters:       v.GetInt("seed-iters"),
		SeedPop:         v.GetInt("seed-pop"),
		SeedBound:       v.GetFloat64("seed-bound"),
		Patience:        v.GetInt("patience"),
		Threshold:       v.GetFloat64("threshold"),
		StatusAddr:      v.GetString("status-addr"),
		DataDir:         v.GetString("data-dir"),
	}
}

// newOptimizer builds the context, objective and optimizer described by o.
// The optimizer is returned uninitialized.
func (o runOptions) newOptimizer() (*opt.BFGS, error) {
	mode, err := linalg.ParseRoundingMode(o.Rounding)
	if err != nil {
		return nil, err
	}
	c, err := linalg.NewContext(o.Precision, mode)
	if err != nil {
		return nil, err
	}
	obj, err := objective.Lookup(o.Objective, o.Dim)
	if err != nil {
		return nil, err
	}

	cfg := opt.DefaultConfig()
	if cfg.Direction, err = opt.ParseDirection(o.Direction); err != nil {
		return nil, err
	}
	if cfg.Update, err = opt.ParseUpdate(o.Update); err != nil {
		return nil, err
	}
	cfg.MaxRetries = o.MaxRetries
	return opt.New(c, obj, cfg)
}

func (o runOptions) runnerConfig() runner.Config {
	cfg := runner.DefaultConfig()
	cfg.PrintPeriod = o.PrintPeriod
	cfg.PrintDigits = o.PrintPrecision
	cfg.CheckpointEvery = o.CheckpointEvery
	cfg.MaxIters = o.MaxIters
	cfg.Stall = runner.StallConfig{Patience: o.Patience, Threshold: o.Threshold}
	cfg.TraceDir = o.DataDir
	return cfg
}

// seedStart initializes b from a float64 mayfly search over
// [-SeedBound, SeedBound]^n.
func (o runOptions) seedStart(b *opt.BFGS, rng *rand.Rand) error {
	seeder := opt.NewMayflySeeder(o.SeedIters, o.SeedPop, o.Seed)
	return b.InitFromSeed(seeder, -o.SeedBound, o.SeedBound, rng)
}

// execute runs an initialized optimizer to completion, printing the progress
// table to out.
func (o runOptions) execute(ctx context.Context, b *opt.BFGS, out io.Writer) (*runner.Result, error) {
	st, err := store.NewFSStore(o.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	r := runner.New(b, st, out, o.runnerConfig())

	if o.StatusAddr != "" {
		metrics := server.NewMetrics()
		runs := server.NewRunManager(metrics)
		runs.Start(b.Snapshot(0))
		r.AddObserver(runs)

		srv := server.NewServer(o.StatusAddr, runs, metrics, st)
		srv.EnableTraces(o.DataDir)
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("Status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Status server shutdown", "error", err)
			}
		}()
	}

	res, err := r.Run(ctx)
	if err != nil {
		return nil, err
	}
	report(out, res)
	return res, nil
}

func report(out io.Writer, res *runner.Result) {
	switch res.Status {
	case runner.StatusConverged:
		fmt.Fprintln(out, "Located candidate local minimum.")
	case runner.StatusSearchFailed:
		fmt.Fprintln(out, "No improving step found; stopping.")
	case runner.StatusStalled:
		fmt.Fprintln(out, "Objective stalled; stopping.")
	case runner.StatusInterrupted:
		fmt.Fprintln(out, "Interrupted.")
	case runner.StatusIterationLimit:
		fmt.Fprintln(out, "Iteration limit reached.")
	}
	fmt.Fprintf(out, "Run %s: %d iterations, checkpoint %s\n", res.RunID, res.Iterations, res.Checkpoint)
}

// isInputError reports whether err stems from reading a starting point.
func isInputError(err error) bool {
	var re *store.ReadError
	return errors.As(err, &re)
}
