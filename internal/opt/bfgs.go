package opt

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/cwbudde/mpbfgs/internal/linalg"
	"github.com/cwbudde/mpbfgs/internal/objective"
	"github.com/cwbudde/mpbfgs/internal/store"
)

// State is the lifecycle state of an optimizer.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateIterating
	StateConverged
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	default:
		return "uninitialized"
	}
}

// Status is the outcome of a single Step.
type Status int

const (
	// StatusProgress means an improving candidate is ready for Shift.
	StatusProgress Status = iota
	// StatusConverged means no representable step improves the objective.
	StatusConverged
)

// StepType identifies the direction that produced the last step.
type StepType int

const (
	StepNone StepType = iota
	StepBFGS
	StepGrad
)

func (t StepType) String() string {
	switch t {
	case StepBFGS:
		return "BFGS"
	case StepGrad:
		return "GRAD"
	default:
		return "NONE"
	}
}

// Direction selects how the search direction is chosen.
type Direction int

const (
	// DirectionBFGS searches along −H·∇f only.
	DirectionBFGS Direction = iota
	// DirectionRace also searches along −∇f and keeps the better of the two,
	// resetting H when the gradient wins.
	DirectionRace
)

// Update selects the inverse Hessian update formula.
type Update int

const (
	UpdateBFGS Update = iota
	UpdateDamped
)

// ParseDirection maps "bfgs" or "race" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "bfgs":
		return DirectionBFGS, nil
	case "race":
		return DirectionRace, nil
	}
	return 0, fmt.Errorf("unknown direction %q (want bfgs or race)", s)
}

func (d Direction) String() string {
	if d == DirectionRace {
		return "race"
	}
	return "bfgs"
}

// ParseUpdate maps "bfgs" or "damped" to an Update.
func ParseUpdate(s string) (Update, error) {
	switch strings.ToLower(s) {
	case "", "bfgs":
		return UpdateBFGS, nil
	case "damped":
		return UpdateDamped, nil
	}
	return 0, fmt.Errorf("unknown update %q (want bfgs or damped)", s)
}

func (u Update) String() string {
	if u == UpdateDamped {
		return "damped"
	}
	return "bfgs"
}

// Config holds the optimizer variants.
type Config struct {
	Direction Direction
	Update    Update

	// MaxRetries bounds the line searches repeated within one Step when the
	// candidate fails to improve the objective.
	MaxRetries int
}

// DefaultConfig returns the plain BFGS configuration.
func DefaultConfig() Config {
	return Config{
		Direction:  DirectionBFGS,
		Update:     UpdateBFGS,
		MaxRetries: 8,
	}
}

var (
	// ErrSearchFailed matches the *SearchFailedError returned by Step when
	// repeated line searches fail to produce an improving candidate. The
	// optimizer state remains valid.
	ErrSearchFailed = errors.New("line search failed to improve the objective")

	// ErrNotReady is returned by Step before initialization.
	ErrNotReady = errors.New("optimizer is not initialized")

	// ErrNoCandidate is returned by Shift without an improving candidate.
	ErrNoCandidate = errors.New("no improving candidate to shift")
)

// SearchFailedError is the ErrSearchFailed returned by Step. Attempts counts
// the line searches tried, MaxRetries + 1.
type SearchFailedError struct {
	Attempts int
}

func (e *SearchFailedError) Error() string {
	return fmt.Sprintf("%v after %d attempts", ErrSearchFailed, e.Attempts)
}

func (e *SearchFailedError) Is(target error) bool {
	return target == ErrSearchFailed
}

// BFGS is a quasi-Newton minimizer at arbitrary precision. It keeps the
// current point and a candidate point; Step computes the candidate and Shift
// commits it. A BFGS is not safe for concurrent use.
type BFGS struct {
	c   *linalg.Context
	obj objective.Objective
	cfg Config

	state    State
	pending  bool
	stepType StepType
	phase    string

	x, xNew         linalg.Vector
	grad, gradNew   linalg.Vector
	gradDelta       linalg.Vector
	gradDir         linalg.Vector
	stepDir         linalg.Vector
	xNorm, xNewNorm *big.Float
	gradNorm        *big.Float
	gradNewNorm     *big.Float
	f, fNew, fGrad  *big.Float

	stepSize, stepSizeNew, stepSizeGrad *big.Float
	guess                               *big.Float

	hInv *linalg.Matrix

	iteration uint64
	runID     store.RunID

	search *LineSearcher
	update *hessianUpdater
}

// New allocates an optimizer and all its workspace for obj.
func New(c *linalg.Context, obj objective.Objective, cfg Config) (*BFGS, error) {
	n := obj.Dim()
	if n <= 0 {
		return nil, fmt.Errorf("objective dimension must be positive, got %d", n)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", cfg.MaxRetries)
	}
	return &BFGS{
		c:            c,
		obj:          obj,
		cfg:          cfg,
		x:            c.NewVector(n),
		xNew:         c.NewVector(n),
		grad:         c.NewVector(n),
		gradNew:      c.NewVector(n),
		gradDelta:    c.NewVector(n),
		gradDir:      c.NewVector(n),
		stepDir:      c.NewVector(n),
		xNorm:        c.New(),
		xNewNorm:     c.New(),
		gradNorm:     c.New(),
		gradNewNorm:  c.New(),
		f:            c.New(),
		fNew:         c.New(),
		fGrad:        c.New(),
		stepSize:     c.New(),
		stepSizeNew:  c.New(),
		stepSizeGrad: c.New(),
		guess:        c.New(),
		hInv:         c.NewMatrix(n),
		search:       NewLineSearcher(c, obj),
		update:       newHessianUpdater(c, n),
	}, nil
}

func (o *BFGS) currentPhase() string { return o.phase }

// InitRandom starts a fresh run at a point drawn uniformly from [0, 1)^N.
// The run identifier is drawn from the same source.
func (o *BFGS) InitRandom(rng *rand.Rand) error {
	for i := range o.x {
		o.x[i].SetFloat64(rng.Float64())
	}
	id, err := store.NewRunID(rng)
	if err != nil {
		return err
	}
	return o.InitFromVector(o.x, 0, id)
}

// InitFromFile reads the starting point from a checkpoint file. If the file
// name is a checkpoint name, the run continues with its iteration counter and
// run identifier; otherwise a new run starts at iteration 0.
func (o *BFGS) InitFromFile(path string) error {
	x, err := store.ReadPoint(o.c, path, len(o.x))
	if err != nil {
		return err
	}
	name, err := store.ParseName(filepath.Base(path))
	if err != nil {
		slog.Debug("Starting new run from file", "path", path, "reason", err)
		return o.InitFromVector(x, 0, store.RandomRunID())
	}
	return o.InitFromVector(x, name.Iteration, name.RunID)
}

// InitFromSeed starts a new run at the best point s finds for the float64
// projection of the objective in [lower, upper]^n. The run identifier is
// drawn from rng.
func (o *BFGS) InitFromSeed(s Seeder, lower, upper float64, rng *rand.Rand) error {
	best, cost, err := s.Seed(objective.Float64Func(o.obj), lower, upper, len(o.x))
	if err != nil {
		return err
	}
	slog.Info("Seed search finished", "cost", cost)

	id, err := store.NewRunID(rng)
	if err != nil {
		return err
	}
	return o.InitFromVector(o.c.VectorOf(best...), 0, id)
}

// InitFromVector starts from the point x with the given iteration counter and
// run identifier.
func (o *BFGS) InitFromVector(x linalg.Vector, iteration uint64, id store.RunID) (err error) {
	if len(x) != len(o.x) {
		return fmt.Errorf("starting point has dimension %d, objective has %d", len(x), len(o.x))
	}
	o.phase = "during workspace initialization"
	defer linalg.Recover(&err, o.currentPhase)

	o.c.Copy(o.x, x)
	linalg.CheckVector("starting point", o.x)
	o.c.Norm(o.xNorm, o.x)
	o.obj.Value(o.c, o.x, o.f)
	linalg.Check("objective function", o.f)
	o.obj.Gradient(o.c, o.x, o.grad)
	linalg.CheckVector("objective gradient", o.grad)
	o.c.Norm(o.gradNorm, o.grad)
	o.stepSize.SetInt64(0)
	o.hInv.SetIdentity()

	o.iteration = iteration
	o.runID = id
	o.stepType = StepNone
	o.pending = false
	o.state = StateReady
	o.mirror()
	return nil
}

// Step performs one iteration: it computes a search direction, line searches
// along it and, on improvement, evaluates the candidate and updates the
// inverse Hessian. A zero step resets the inverse Hessian and retries once
// before reporting convergence. Non-finite arithmetic is returned as a
// *linalg.NonFiniteError naming the phase.
func (o *BFGS) Step() (status Status, err error) {
	switch o.state {
	case StateUninitialized:
		return 0, ErrNotReady
	case StateConverged:
		return StatusConverged, nil
	}
	o.phase = "before performing BFGS iteration"
	defer linalg.Recover(&err, o.currentPhase)

	o.pending = false
	if o.gradNorm.Sign() == 0 {
		o.converge()
		return StatusConverged, nil
	}
	o.state = StateIterating

	o.guess.Set(o.stepSize)
	for attempt := 0; ; attempt++ {
		o.searchDirection()
		if o.stepSizeNew.Sign() == 0 {
			slog.Debug("Step size reduced to zero, resetting inverse Hessian",
				"run_id", o.runID, "iteration", o.iteration)
			o.hInv.SetIdentity()
			o.searchDirection()
			if o.stepSizeNew.Sign() == 0 {
				o.converge()
				return StatusConverged, nil
			}
		}

		o.phase = "during evaluation of objective function at new point"
		o.c.Axpy(o.xNew, o.stepSizeNew, o.stepDir, o.x)
		o.c.Norm(o.xNewNorm, o.xNew)
		o.obj.Value(o.c, o.xNew, o.fNew)
		linalg.Check("objective function", o.fNew)
		if o.fNew.Cmp(o.f) < 0 {
			break
		}

		if attempt >= o.cfg.MaxRetries {
			slog.Warn("Line search failed to improve objective",
				"run_id", o.runID, "iteration", o.iteration, "attempts", attempt+1)
			o.mirror()
			return StatusProgress, &SearchFailedError{Attempts: attempt + 1}
		}
		// Shrink below a failed step that was already smaller than the last
		// accepted one, otherwise start over from the last accepted step.
		if o.stepSizeNew.Cmp(o.stepSize) < 0 {
			o.guess.SetMantExp(o.stepSizeNew, -1)
		} else {
			o.guess.Set(o.stepSize)
		}
	}

	o.phase = "during evaluation of objective gradient at new point"
	o.obj.Gradient(o.c, o.xNew, o.gradNew)
	linalg.CheckVector("objective gradient", o.gradNew)
	o.phase = "while evaluating norm of objective gradient"
	o.c.Norm(o.gradNewNorm, o.gradNew)

	o.phase = "while subtracting consecutive gradient vectors"
	o.c.Sub(o.gradDelta, o.gradNew, o.grad)

	o.phase = "while updating approximate inverse Hessian"
	var updated bool
	switch o.cfg.Update {
	case UpdateDamped:
		updated = o.update.updateDamped(o.hInv, o.f, o.fNew, o.grad, o.gradDelta, o.stepSizeNew, o.stepDir)
	default:
		updated = o.update.update(o.hInv, o.gradDelta, o.stepSizeNew, o.stepDir)
	}
	if !updated {
		slog.Debug("Inverse Hessian update skipped", "run_id", o.runID, "iteration", o.iteration)
	}

	o.pending = true
	return StatusProgress, nil
}

// searchDirection computes the step direction from guess and line searches
// along it, leaving the result in stepDir, stepSizeNew and fNew.
func (o *BFGS) searchDirection() {
	o.phase = "during calculation of BFGS step direction"
	o.c.MulVec(o.stepDir, o.hInv, o.grad)
	o.phase = "during normalization of BFGS step direction"
	o.c.NegateAndNormalize(o.stepDir)

	o.phase = "during quadratic line search"
	o.search.Search(o.x, o.f, o.stepDir, o.guess, o.stepSizeNew, o.fNew)
	o.stepType = StepBFGS
	if o.cfg.Direction != DirectionRace {
		return
	}

	o.phase = "during normalization of gradient direction"
	o.c.Copy(o.gradDir, o.grad)
	o.c.NegateAndNormalize(o.gradDir)
	o.phase = "during quadratic line search"
	o.search.Search(o.x, o.f, o.gradDir, o.guess, o.stepSizeGrad, o.fGrad)
	if o.fGrad.Cmp(o.fNew) < 0 {
		o.c.Copy(o.stepDir, o.gradDir)
		o.hInv.SetIdentity()
		o.fNew.Set(o.fGrad)
		o.stepSizeNew.Set(o.stepSizeGrad)
		o.stepType = StepGrad
	}
}

// mirror copies the current state into the candidate slots so that the
// candidate describes the unchanged point.
func (o *BFGS) mirror() {
	o.c.Copy(o.xNew, o.x)
	o.xNewNorm.Set(o.xNorm)
	o.fNew.Set(o.f)
	o.c.Copy(o.gradNew, o.grad)
	o.gradNewNorm.Set(o.gradNorm)
	o.stepSizeNew.SetInt64(0)
}

func (o *BFGS) converge() {
	o.mirror()
	o.stepType = StepNone
	o.state = StateConverged
	slog.Info("Optimal step size reduced to zero, iteration has converged to the requested precision",
		"run_id", o.runID, "iteration", o.iteration)
}

// Shift commits the candidate produced by the last Step and advances the
// iteration counter.
func (o *BFGS) Shift() error {
	if !o.pending {
		return ErrNoCandidate
	}
	o.x, o.xNew = o.xNew, o.x
	o.grad, o.gradNew = o.gradNew, o.grad
	o.xNorm.Set(o.xNewNorm)
	o.gradNorm.Set(o.gradNewNorm)
	o.f.Set(o.fNew)
	o.stepSize.Set(o.stepSizeNew)
	o.iteration++
	o.pending = false
	return nil
}

// SetStepSize sets the initial guess of the next line search.
func (o *BFGS) SetStepSize(t *big.Float) {
	o.stepSize.Set(t)
}

// ResetStepSize sets the step size to 2^-(P/2), a step that perturbs a unit
// scale point at roughly half the working precision.
func (o *BFGS) ResetStepSize() {
	o.stepSize.SetMantExp(o.c.NewInt(1), -int(o.c.Prec()/2))
}

// ResetHessian sets the inverse Hessian approximation to the identity.
func (o *BFGS) ResetHessian() {
	o.hInv.SetIdentity()
}

// Improved reports whether the candidate improves on the current value.
func (o *BFGS) Improved() bool { return o.fNew.Cmp(o.f) < 0 }

func (o *BFGS) Context() *linalg.Context { return o.c }
func (o *BFGS) Objective() objective.Objective { return o.obj }
func (o *BFGS) Config() Config { return o.cfg }
func (o *BFGS) State() State { return o.state }
func (o *BFGS) LastStepType() StepType { return o.stepType }
func (o *BFGS) Iteration() uint64 { return o.iteration }
func (o *BFGS) RunID() store.RunID { return o.runID }
func (o *BFGS) Value() *big.Float { return new(big.Float).Set(o.f) }
func (o *BFGS) GradNorm() *big.Float { return new(big.Float).Set(o.gradNorm) }
func (o *BFGS) StepSize() *big.Float { return new(big.Float).Set(o.stepSize) }
func (o *BFGS) XNorm() *big.Float { return new(big.Float).Set(o.xNorm) }
func (o *BFGS) X() linalg.Vector { return o.c.Clone(o.x) }
func (o *BFGS) InverseHessian() *linalg.Matrix { return o.hInv }

// Checkpoint returns a copy of the current state for persistence.
func (o *BFGS) Checkpoint() *store.Checkpoint {
	return &store.Checkpoint{
		RunID:     o.runID,
		Iteration: o.iteration,
		X:         o.X(),
		Value:     o.Value(),
		GradNorm:  o.GradNorm(),
		StepSize:  o.StepSize(),
		XNorm:     o.XNorm(),
		Digits:    o.c.Digits(),
	}
}

// Snapshot is a value copy of the optimizer's progress, safe to hand to
// other goroutines.
type Snapshot struct {
	RunID     string  `json:"runId"`
	Iteration uint64  `json:"iteration"`
	State     string  `json:"state"`
	StepType  string  `json:"stepType"`
	Value     float64 `json:"value"`
	GradNorm  float64 `json:"gradNorm"`
	StepSize  float64 `json:"stepSize"`
	XNorm     float64 `json:"xNorm"`

	// Exact holds the same four quantities in scientific notation at the
	// requested number of digits.
	Exact [4]string `json:"exact"`
}

// Snapshot captures the current state, formatting exact values with digits
// digits after the decimal point (the context default when digits <= 0).
func (o *BFGS) Snapshot(digits int) Snapshot {
	if digits <= 0 {
		digits = o.c.Digits()
	}
	s := Snapshot{
		RunID:     o.runID.String(),
		Iteration: o.iteration,
		State:     o.state.String(),
		StepType:  o.stepType.String(),
	}
	for i, v := range []*big.Float{o.f, o.gradNorm, o.stepSize, o.xNorm} {
		s.Exact[i] = fmt.Sprintf("%+.*e", digits, v)
	}
	s.Value, _ = o.f.Float64()
	s.GradNorm, _ = o.gradNorm.Float64()
	s.StepSize, _ = o.stepSize.Float64()
	s.XNorm, _ = o.xNorm.Float64()
	return s
}
