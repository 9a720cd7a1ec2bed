package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceEntry records one accepted iteration of a run. Numeric fields are
// decimal strings at the run's print precision.
type TraceEntry struct {
	Iteration uint64    `json:"iteration"`
	Value     string    `json:"value"`
	GradNorm  string    `json:"gradNorm"`
	StepSize  string    `json:"stepSize"`
	XNorm     string    `json:"xNorm"`
	StepType  string    `json:"stepType"`
	Timestamp time.Time `json:"timestamp"`
}

// TracePath returns the JSONL trace file of a run under baseDir.
func TracePath(baseDir string, runID RunID) string {
	return filepath.Join(baseDir, "traces", runID.String()+".jsonl")
}

// TraceWriter appends entries to a run's trace, one JSON object per line.
// Writes are buffered until Flush or Close. It is safe for concurrent use.
type TraceWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	path string
}

// NewTraceWriter opens the trace of runID, truncating it unless append is
// set. A resumed run appends to the trace of its earlier iterations.
func NewTraceWriter(baseDir string, runID RunID, append bool) (*TraceWriter, error) {
	path := TracePath(baseDir, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	buf := bufio.NewWriterSize(file, 64*1024)
	return &TraceWriter{file: file, buf: buf, enc: json.NewEncoder(buf), path: path}, nil
}

func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write trace entry %d: %w", entry.Iteration, err)
	}
	return nil
}

// Flush writes buffered entries through to disk.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace %s: %w", tw.path, err)
	}
	return tw.file.Sync()
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return errors.Join(tw.buf.Flush(), tw.file.Close())
}

func (tw *TraceWriter) Path() string {
	return tw.path
}

// ReadTrace returns the entries of a run's trace in the order they were
// written. A missing trace is a *NotFoundError.
func ReadTrace(baseDir string, runID RunID) ([]TraceEntry, error) {
	file, err := os.Open(TracePath(baseDir, runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Name: "trace " + runID.String()}
		}
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer file.Close()

	// a decoder has no line length limit, entries grow with the precision
	dec := json.NewDecoder(bufio.NewReader(file))
	entries := []TraceEntry{}
	for {
		var entry TraceEntry
		err := dec.Decode(&entry)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("trace %s entry %d: %w", runID, len(entries), err)
		}
		entries = append(entries, entry)
	}
}

// DeleteTrace removes the trace of runID. A missing trace is not an error.
func DeleteTrace(baseDir string, runID RunID) error {
	if err := os.Remove(TracePath(baseDir, runID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete trace: %w", err)
	}
	return nil
}
