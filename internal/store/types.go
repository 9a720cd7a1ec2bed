package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/cwbudde/mpbfgs/internal/linalg"
)

// Summary line labels written after the coordinates.
const (
	labelValue    = "Objective function value: "
	labelGradNorm = "Objective gradient norm:  "
	labelStepSize = "Most recent step size:    "
	labelXNorm    = "Distance from origin:     "
)

// Checkpoint is the persisted state of a run: the current point and the
// quantities summarized below it.
type Checkpoint struct {
	RunID     RunID
	Iteration uint64

	// X is the current point, one coordinate per line in the file.
	X linalg.Vector

	Value    *big.Float
	GradNorm *big.Float
	StepSize *big.Float
	XNorm    *big.Float

	// Digits is the number of digits after the decimal point in the file.
	Digits int
}

// Name returns the canonical file name metadata of the checkpoint.
func (c *Checkpoint) Name() Name {
	return Name{
		FScore:    Score(c.Value),
		GScore:    Score(c.GradNorm),
		RunID:     c.RunID,
		Iteration: c.Iteration,
	}
}

// Validate checks that every field needed to write the checkpoint is set.
func (c *Checkpoint) Validate() error {
	if c.RunID.IsZero() {
		return &ValidationError{Field: "RunID", Reason: "cannot be zero"}
	}
	if len(c.X) == 0 {
		return &ValidationError{Field: "X", Reason: "cannot be empty"}
	}
	for _, f := range []struct {
		name string
		v    *big.Float
	}{
		{"Value", c.Value}, {"GradNorm", c.GradNorm}, {"StepSize", c.StepSize}, {"XNorm", c.XNorm},
	} {
		if f.v == nil {
			return &ValidationError{Field: f.name, Reason: "cannot be nil"}
		}
	}
	if c.Digits <= 0 {
		return &ValidationError{Field: "Digits", Reason: "must be positive"}
	}
	return nil
}

// WriteTo writes the checkpoint body: the coordinates in scientific notation,
// a blank line and the summary lines.
func (c *Checkpoint) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	for _, x := range c.X {
		fmt.Fprintf(cw, "%+.*e\n", c.Digits, x)
	}
	fmt.Fprintln(cw)
	fmt.Fprintf(cw, "%s%+.*e\n", labelValue, c.Digits, c.Value)
	fmt.Fprintf(cw, "%s%+.*e\n", labelGradNorm, c.Digits, c.GradNorm)
	fmt.Fprintf(cw, "%s%+.*e\n", labelStepSize, c.Digits, c.StepSize)
	fmt.Fprintf(cw, "%s%+.*e\n", labelXNorm, c.Digits, c.XNorm)
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, bw.Flush()
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}

// CheckpointInfo describes a checkpoint file without reading its contents.
type CheckpointInfo struct {
	Name    Name      `json:"-"`
	File    string    `json:"file"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"modTime"`
	Size    int64     `json:"size"`
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// ReadError reports a checkpoint that could not be opened or whose leading
// coordinates could not be parsed. Index is the failing coordinate, or -1 if
// the file itself could not be read.
type ReadError struct {
	Path  string
	Index int
	Err   error
}

func (e *ReadError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("read checkpoint %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("read checkpoint %s: entry %d: %v", e.Path, e.Index, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ReadPoint reads the first n whitespace-separated base-10 values of a
// checkpoint file at the context's precision. Anything after them is ignored.
func ReadPoint(c *linalg.Context, path string, n int) (linalg.Vector, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = &NotFoundError{Name: path}
		}
		return nil, &ReadError{Path: path, Index: -1, Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	x := make(linalg.Vector, n)
	for i := range x {
		if !scanner.Scan() {
			err := scanner.Err()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, &ReadError{Path: path, Index: i, Err: err}
		}
		v, err := c.Parse(scanner.Text())
		if err != nil {
			return nil, &ReadError{Path: path, Index: i, Err: err}
		}
		x[i] = v
	}
	return x, nil
}
