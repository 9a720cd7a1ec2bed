package server

import (
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/mpbfgs/internal/opt"
	"github.com/cwbudde/mpbfgs/internal/runner"
)

// StateRunning is the state of a run that has not finished yet. Finished
// runs carry the runner status name (converged, stalled, ...).
const StateRunning = "running"

// Run is the last known progress of an optimization run.
type Run struct {
	ID        string     `json:"id"`
	State     string     `json:"state"`
	Iteration uint64     `json:"iteration"`
	Value     float64    `json:"value"`
	GradNorm  float64    `json:"gradNorm"`
	StepSize  float64    `json:"stepSize"`
	XNorm     float64    `json:"xNorm"`
	StepType  string     `json:"stepType"`
	Exact     [4]string  `json:"exact"`
	StartTime time.Time  `json:"startTime"`
	UpdatedAt time.Time  `json:"updatedAt"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// RunManager tracks runs from the snapshots the runner reports. It
// implements runner.Observer and is safe for concurrent use.
type RunManager struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	broadcaster *EventBroadcaster
	metrics     *Metrics
}

// NewRunManager creates a RunManager. metrics may be nil.
func NewRunManager(metrics *Metrics) *RunManager {
	return &RunManager{
		runs:        make(map[string]*Run),
		broadcaster: NewEventBroadcaster(),
		metrics:     metrics,
	}
}

// Start registers a run before its first iteration.
func (rm *RunManager) Start(snap opt.Snapshot) {
	rm.update(snap, StateRunning, nil)
}

// Progress implements runner.Observer.
func (rm *RunManager) Progress(snap opt.Snapshot) {
	rm.update(snap, StateRunning, nil)
}

// Finished implements runner.Observer.
func (rm *RunManager) Finished(snap opt.Snapshot, status runner.Status, err error) {
	rm.update(snap, status.String(), err)
	if rm.metrics != nil {
		rm.metrics.Finished(status)
	}
}

func (rm *RunManager) update(snap opt.Snapshot, state string, err error) {
	now := time.Now()

	rm.mu.Lock()
	run, exists := rm.runs[snap.RunID]
	if !exists {
		run = &Run{ID: snap.RunID, StartTime: now}
		rm.runs[snap.RunID] = run
	}
	run.State = state
	run.Iteration = snap.Iteration
	run.Value = snap.Value
	run.GradNorm = snap.GradNorm
	run.StepSize = snap.StepSize
	run.XNorm = snap.XNorm
	run.StepType = snap.StepType
	run.Exact = snap.Exact
	run.UpdatedAt = now
	if state != StateRunning {
		run.EndTime = &now
	}
	if err != nil {
		run.Error = err.Error()
	}
	event := newProgressEvent(run)
	rm.mu.Unlock()

	if rm.metrics != nil {
		rm.metrics.Observe(snap)
	}
	rm.broadcaster.Broadcast(event)
}

// GetRun returns a copy of the run with the given ID.
func (rm *RunManager) GetRun(id string) (Run, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	run, exists := rm.runs[id]
	if !exists {
		return Run{}, false
	}
	return *run, true
}

// ListRuns returns copies of all runs, oldest first.
func (rm *RunManager) ListRuns() []Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	runs := make([]Run, 0, len(rm.runs))
	for _, run := range rm.runs {
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].StartTime.Before(runs[j].StartTime)
		}
		return runs[i].ID < runs[j].ID
	})
	return runs
}

// Broadcaster returns the event broadcaster fed by this manager.
func (rm *RunManager) Broadcaster() *EventBroadcaster {
	return rm.broadcaster
}
