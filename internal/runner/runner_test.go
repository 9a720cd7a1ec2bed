package runner

import (
	"bytes"
	"context"
	"math/big"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/mpbfgs/internal/linalg"
	"github.com/cwbudde/mpbfgs/internal/objective"
	"github.com/cwbudde/mpbfgs/internal/opt"
	"github.com/cwbudde/mpbfgs/internal/store"
)

type recorder struct {
	progress []opt.Snapshot
	final    *opt.Snapshot
	status   Status
	err      error
}

func (r *recorder) Progress(snap opt.Snapshot) { r.progress = append(r.progress, snap) }

func (r *recorder) Finished(snap opt.Snapshot, status Status, err error) {
	r.final, r.status, r.err = &snap, status, err
}

func newSphereOptimizer(t *testing.T, seed int64) *opt.BFGS {
	t.Helper()
	c, err := linalg.NewContext(64, big.ToNearestEven)
	require.NoError(t, err)
	o, err := opt.New(c, objective.NewSphere([]float64{0.25, -0.5, 2}), opt.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, o.InitRandom(rand.New(rand.NewSource(seed))))
	return o
}

func newTestRunner(t *testing.T, o *opt.BFGS, cfg Config) (*Runner, *store.FSStore, *bytes.Buffer) {
	t.Helper()
	fs, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	var out bytes.Buffer
	return New(o, fs, &out, cfg), fs, &out
}

func TestRunConverges(t *testing.T) {
	o := newSphereOptimizer(t, 1)
	cfg := Config{MaxIters: 1000, CheckpointEvery: 100}
	r, fs, out := newTestRunner(t, o, cfg)
	r.cfg.TraceDir = fs.BaseDir()
	rec := &recorder{}
	r.AddObserver(rec)

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusConverged, res.Status)
	assert.Equal(t, o.RunID(), res.RunID)
	assert.Greater(t, res.Iterations, uint64(0))
	assert.Less(t, res.Value.Cmp(big.NewFloat(1e-30)), 0)
	assert.FileExists(t, res.Checkpoint)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, int(res.Iterations)+2)
	assert.True(t, strings.HasPrefix(lines[0], "000000000000 | +"))
	assert.True(t, strings.HasSuffix(lines[0], "| NONE"))
	assert.True(t, strings.HasSuffix(lines[1], "| BFGS"))
	assert.Len(t, strings.Split(lines[1], " | "), 6)

	require.Len(t, rec.progress, int(res.Iterations))
	assert.Equal(t, uint64(1), rec.progress[0].Iteration)
	require.NotNil(t, rec.final)
	assert.Equal(t, StatusConverged, rec.status)
	assert.NoError(t, rec.err)

	entries, err := store.ReadTrace(fs.BaseDir(), res.RunID)
	require.NoError(t, err)
	assert.Len(t, entries, int(res.Iterations))
}

func TestRunIterationLimitAndCheckpoints(t *testing.T) {
	o := newSphereOptimizer(t, 2)
	r, fs, _ := newTestRunner(t, o, Config{MaxIters: 5, CheckpointEvery: 2})

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusIterationLimit, res.Status)
	assert.Equal(t, uint64(5), res.Iteration)

	infos, err := fs.ListCheckpoints()
	require.NoError(t, err)
	var iters []uint64
	for _, info := range infos {
		iters = append(iters, info.Name.Iteration)
	}
	assert.Equal(t, []uint64{0, 2, 4, 5}, iters)

	latest, err := fs.LatestCheckpoint(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Checkpoint, latest.Path)
}

func TestRunResumesIterationCount(t *testing.T) {
	o := newSphereOptimizer(t, 3)
	r, fs, _ := newTestRunner(t, o, Config{MaxIters: 2})
	first, err := r.Run(context.Background())
	require.NoError(t, err)

	resumed, err := opt.New(o.Context(), o.Objective(), opt.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, resumed.InitFromFile(first.Checkpoint))

	res, err := New(resumed, fs, &bytes.Buffer{}, Config{MaxIters: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.RunID, res.RunID)
	assert.Equal(t, uint64(4), res.Iteration)
	assert.Equal(t, uint64(2), res.Iterations)
}

func TestRunInterrupted(t *testing.T) {
	o := newSphereOptimizer(t, 4)
	r, fs, out := newTestRunner(t, o, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatusInterrupted, res.Status)
	assert.Equal(t, uint64(0), res.Iterations)
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))

	infos, err := fs.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestRunStalls(t *testing.T) {
	o := newSphereOptimizer(t, 5)
	r, _, _ := newTestRunner(t, o, Config{Stall: StallConfig{Patience: 2, Threshold: 10}})

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusStalled, res.Status)
	assert.Equal(t, uint64(3), res.Iterations)
}

func TestRunPrintPeriodThrottles(t *testing.T) {
	o := newSphereOptimizer(t, 6)
	r, _, out := newTestRunner(t, o, Config{MaxIters: 4, PrintPeriod: 1 << 62})

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	// start and end rows only
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
}

func TestRunRequiresInitializedOptimizer(t *testing.T) {
	c, err := linalg.NewContext(64, big.ToNearestEven)
	require.NoError(t, err)
	o, err := opt.New(c, objective.NewSphere([]float64{0}), opt.DefaultConfig())
	require.NoError(t, err)

	r, _, _ := newTestRunner(t, o, DefaultConfig())
	_, err = r.Run(context.Background())
	assert.ErrorIs(t, err, opt.ErrNotReady)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "converged", StatusConverged.String())
	assert.Equal(t, "search-failed", StatusSearchFailed.String())
	assert.Equal(t, "iteration-limit", StatusIterationLimit.String())
}

// revisitPenalty is (x0 − 1)² + (x1 − 2)², plus 100 at any point evaluated
// before. Step evaluates the candidate the line search already sampled, so
// the candidate never improves.
type revisitPenalty struct {
	seen map[string]bool
}

func (*revisitPenalty) Dim() int { return 2 }

func (p *revisitPenalty) Value(c *linalg.Context, x linalg.Vector, dst *big.Float) {
	d0 := c.New().Sub(x[0], c.NewInt(1))
	d1 := c.New().Sub(x[1], c.NewInt(2))
	dst.Mul(d0, d0)
	dst.Add(dst, d1.Mul(d1, d1))

	key := x[0].Text('p', 0) + "," + x[1].Text('p', 0)
	if p.seen[key] {
		dst.Add(dst, c.NewInt(100))
	}
	p.seen[key] = true
}

func (*revisitPenalty) Gradient(c *linalg.Context, x linalg.Vector, dst linalg.Vector) {
	dst[0].Sub(x[0], c.NewInt(1))
	dst[0].SetMantExp(dst[0], 1)
	dst[1].Sub(x[1], c.NewInt(2))
	dst[1].SetMantExp(dst[1], 1)
}

func TestRunSearchFailureWritesFinalCheckpoint(t *testing.T) {
	c, err := linalg.NewContext(64, big.ToNearestEven)
	require.NoError(t, err)
	cfg := opt.DefaultConfig()
	cfg.MaxRetries = 1
	o, err := opt.New(c, &revisitPenalty{seen: map[string]bool{}}, cfg)
	require.NoError(t, err)
	require.NoError(t, o.InitFromVector(c.VectorOf(0, 0), 0, store.RandomRunID()))

	r, fs, out := newTestRunner(t, o, Config{MaxIters: 10, CheckpointEvery: 100})
	rec := &recorder{}
	r.AddObserver(rec)

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSearchFailed, res.Status)
	assert.Zero(t, res.Iterations)
	assert.Equal(t, 0, res.Value.Cmp(big.NewFloat(5)))
	assert.FileExists(t, res.Checkpoint)
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))

	infos, err := fs.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(0), infos[0].Name.Iteration)

	// the final checkpoint replaces the initial one and carries the step size
	body, err := os.ReadFile(res.Checkpoint)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "Most recent step size:    +0.000")

	assert.Equal(t, StatusSearchFailed, rec.status)
	assert.NoError(t, rec.err)
}

func TestRunRecordsInitialStepSizeBeforeReset(t *testing.T) {
	o := newSphereOptimizer(t, 7)
	require.Equal(t, 0, o.StepSize().Sign())
	r, fs, out := newTestRunner(t, o, Config{MaxIters: 1, CheckpointEvery: 100})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Iterations)
	assert.Equal(t, 1, o.StepSize().Sign())

	// start row, iteration 1 and the final row
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	fields := strings.Split(lines[0], " | ")
	require.Len(t, fields, 6)
	assert.True(t, strings.HasPrefix(fields[3], "+0.000"), "step size column %q", fields[3])

	infos, err := fs.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	first := infos[0]
	if first.Name.Iteration != 0 {
		first = infos[1]
	}
	require.Equal(t, uint64(0), first.Name.Iteration)
	body, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Most recent step size:    +0.000")
}
