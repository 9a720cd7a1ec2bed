// Package runner drives an optimizer through a run: it prints the progress
// table, persists checkpoints and traces, and decides when to stop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/cwbudde/mpbfgs/internal/opt"
	"github.com/cwbudde/mpbfgs/internal/store"
)

// Status is the reason a run ended.
type Status int

const (
	StatusConverged Status = iota
	StatusSearchFailed
	StatusStalled
	StatusInterrupted
	StatusIterationLimit
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusSearchFailed:
		return "search-failed"
	case StatusStalled:
		return "stalled"
	case StatusInterrupted:
		return "interrupted"
	case StatusIterationLimit:
		return "iteration-limit"
	default:
		return "failed"
	}
}

// Observer receives value snapshots of a run. Implementations must not
// block; they are called on the optimizer's goroutine.
type Observer interface {
	Progress(snap opt.Snapshot)
	Finished(snap opt.Snapshot, status Status, err error)
}

// Config controls the run loop.
type Config struct {
	// PrintPeriod is the minimum time between progress lines. Zero prints
	// every iteration.
	PrintPeriod time.Duration

	// PrintDigits is the number of digits after the decimal point in the
	// progress table. Zero uses the precision of the run.
	PrintDigits int

	// CheckpointEvery saves a checkpoint whenever the iteration counter is a
	// multiple of it. Zero saves only at the start and end of the run.
	CheckpointEvery uint64

	// MaxIters bounds the iterations performed by this run. Zero is
	// unlimited.
	MaxIters uint64

	Stall StallConfig

	// TraceDir enables the JSONL iteration trace under TraceDir/traces.
	TraceDir string
}

// DefaultConfig returns the settings of an interactive run.
func DefaultConfig() Config {
	return Config{
		PrintPeriod:     500 * time.Millisecond,
		CheckpointEvery: 100,
	}
}

// Result summarizes a finished run.
type Result struct {
	Status     Status
	RunID      store.RunID
	Iteration  uint64
	Iterations uint64 // performed by this run
	Value      *big.Float
	GradNorm   *big.Float
	Checkpoint string // path of the final checkpoint
	Elapsed    time.Duration
}

// Runner owns an initialized optimizer for the duration of a run.
type Runner struct {
	opt       *opt.BFGS
	store     store.Store
	out       io.Writer
	cfg       Config
	observers []Observer
	stall     *StallTracker
	trace     *store.TraceWriter
	digits    int
	lastPath  string

	now func() time.Time
}

// New creates a runner for o, which must already be initialized. Progress
// lines are written to out; checkpoints go to st.
func New(o *opt.BFGS, st store.Store, out io.Writer, cfg Config) *Runner {
	digits := cfg.PrintDigits
	if digits <= 0 {
		digits = o.Context().Digits()
	}
	return &Runner{
		opt:    o,
		store:  st,
		out:    out,
		cfg:    cfg,
		stall:  NewStallTracker(cfg.Stall),
		digits: digits,
		now:    time.Now,
	}
}

// AddObserver registers obs for progress snapshots.
func (r *Runner) AddObserver(obs Observer) {
	r.observers = append(r.observers, obs)
}

// Run iterates until the optimizer converges, the line search fails, the run
// stalls, the iteration limit is reached or ctx is cancelled. A zero step size
// is reset to 2^-(P/2) after the starting point has been recorded. The context is
// checked between iterations only. A checkpoint is written at the start, every
// CheckpointEvery iterations and at the end.
//
// Non-finite arithmetic ends the run with an error and no final checkpoint.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	o := r.opt
	if o.State() == opt.StateUninitialized {
		return nil, opt.ErrNotReady
	}

	start := r.now()
	startIter := o.Iteration()
	slog.Info("Starting run",
		"run_id", o.RunID(),
		"iteration", startIter,
		"dim", o.Objective().Dim(),
		"precision", o.Context().Prec(),
		"direction", o.Config().Direction,
		"update", o.Config().Update,
	)

	if r.cfg.TraceDir != "" {
		tw, err := store.NewTraceWriter(r.cfg.TraceDir, o.RunID(), startIter > 0)
		if err != nil {
			return nil, err
		}
		r.trace = tw
		defer func() {
			if err := tw.Close(); err != nil {
				slog.Warn("Failed to close trace", "path", tw.Path(), "error", err)
			}
		}()
	}

	if _, err := r.checkpoint(); err != nil {
		return nil, err
	}
	r.printLine()
	lastPrint := r.now()

	// The starting record shows the step size the run was initialized with;
	// a fresh start searches from 2^-(P/2).
	if o.StepSize().Sign() == 0 {
		o.ResetStepSize()
	}

	var status Status
	for {
		if err := ctx.Err(); err != nil {
			slog.Info("Run interrupted", "run_id", o.RunID(), "iteration", o.Iteration())
			status = StatusInterrupted
			break
		}
		if r.cfg.MaxIters > 0 && o.Iteration()-startIter >= r.cfg.MaxIters {
			status = StatusIterationLimit
			break
		}

		st, err := o.Step()
		if errors.Is(err, opt.ErrSearchFailed) {
			status = StatusSearchFailed
			break
		}
		if err != nil {
			r.finish(StatusFailed, err)
			return nil, fmt.Errorf("iteration %d: %w", o.Iteration(), err)
		}
		if st == opt.StatusConverged {
			status = StatusConverged
			break
		}
		if err := o.Shift(); err != nil {
			return nil, err
		}

		r.record()
		if now := r.now(); now.Sub(lastPrint) >= r.cfg.PrintPeriod {
			r.printLine()
			lastPrint = now
		}
		if r.cfg.CheckpointEvery > 0 && o.Iteration()%r.cfg.CheckpointEvery == 0 {
			if _, err := r.checkpoint(); err != nil {
				return nil, err
			}
		}
		if r.stall.Update(o.Value()) {
			status = StatusStalled
			break
		}
	}

	r.printLine()
	path, err := r.checkpoint()
	if err != nil {
		return nil, err
	}
	r.finish(status, nil)

	res := &Result{
		Status:     status,
		RunID:      o.RunID(),
		Iteration:  o.Iteration(),
		Iterations: o.Iteration() - startIter,
		Value:      o.Value(),
		GradNorm:   o.GradNorm(),
		Checkpoint: path,
		Elapsed:    r.now().Sub(start),
	}
	slog.Info("Run finished",
		"run_id", res.RunID,
		"status", res.Status,
		"iteration", res.Iteration,
		"iterations", res.Iterations,
		"value", res.Value.Text('e', 6),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// checkpoint saves the current state and returns its path, flushing the trace
// so that it covers every checkpointed iteration.
func (r *Runner) checkpoint() (string, error) {
	if r.trace != nil {
		if err := r.trace.Flush(); err != nil {
			slog.Warn("Failed to flush trace", "path", r.trace.Path(), "error", err)
		}
	}
	cp := r.opt.Checkpoint()
	path, err := r.store.SaveCheckpoint(cp)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if path != r.lastPath {
		slog.Info("Checkpoint saved", "run_id", cp.RunID, "iteration", cp.Iteration, "path", path)
		r.lastPath = path
	}
	return path, nil
}

// printLine writes one row of the progress table:
//
//	iteration | f | |grad f| | step size | |x| | step type
func (r *Runner) printLine() {
	o, d := r.opt, r.digits
	fmt.Fprintf(r.out, "%012d | %+.*e | %+.*e | %+.*e | %+.*e | %s\n",
		o.Iteration(),
		d, o.Value(),
		d, o.GradNorm(),
		d, o.StepSize(),
		d, o.XNorm(),
		o.LastStepType(),
	)
}

// record traces the accepted iteration and notifies observers.
func (r *Runner) record() {
	snap := r.opt.Snapshot(r.digits)
	if r.trace != nil {
		err := r.trace.Write(store.TraceEntry{
			Iteration: snap.Iteration,
			Value:     snap.Exact[0],
			GradNorm:  snap.Exact[1],
			StepSize:  snap.Exact[2],
			XNorm:     snap.Exact[3],
			StepType:  snap.StepType,
			Timestamp: r.now(),
		})
		if err != nil {
			slog.Warn("Failed to write trace entry", "iteration", snap.Iteration, "error", err)
		}
	}
	for _, obs := range r.observers {
		obs.Progress(snap)
	}
}

func (r *Runner) finish(status Status, err error) {
	if err != nil {
		slog.Error("Run failed", "run_id", r.opt.RunID(), "iteration", r.opt.Iteration(), "error", err)
	} else if status == StatusSearchFailed {
		slog.Warn("Run ended without improving step", "run_id", r.opt.RunID(), "iteration", r.opt.Iteration())
	}
	snap := r.opt.Snapshot(r.digits)
	for _, obs := range r.observers {
		obs.Finished(snap, status, err)
	}
}
