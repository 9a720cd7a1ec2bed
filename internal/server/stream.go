package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is one progress update of a run.
type ProgressEvent struct {
	RunID     string    `json:"runId"`
	State     string    `json:"state"`
	Iteration uint64    `json:"iteration"`
	Value     float64   `json:"value"`
	GradNorm  float64   `json:"gradNorm"`
	StepSize  float64   `json:"stepSize"`
	StepType  string    `json:"stepType"`
	Exact     [4]string `json:"exact"`
	Timestamp time.Time `json:"timestamp"`
}

func newProgressEvent(run *Run) ProgressEvent {
	return ProgressEvent{
		RunID:     run.ID,
		State:     run.State,
		Iteration: run.Iteration,
		Value:     run.Value,
		GradNorm:  run.GradNorm,
		StepSize:  run.StepSize,
		StepType:  run.StepType,
		Exact:     run.Exact,
		Timestamp: run.UpdatedAt,
	}
}

// EventBroadcaster manages SSE subscribers per run.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]bool // runID -> set of client channels
	lastEvent map[string]ProgressEvent               // runID -> last event for new clients
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe adds a client to receive events for a run. The last event of
// the run, if any, is delivered immediately.
func (eb *EventBroadcaster) Subscribe(runID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 16)

	if eb.clients[runID] == nil {
		eb.clients[runID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[runID][ch] = true

	if lastEvent, ok := eb.lastEvent[runID]; ok {
		ch <- lastEvent
	}

	slog.Debug("SSE client subscribed", "run_id", runID, "total_clients", len(eb.clients[runID]))
	return ch
}

// Unsubscribe removes a client from receiving events
func (eb *EventBroadcaster) Unsubscribe(runID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[runID]; ok {
		if clients[ch] {
			delete(clients, ch)
			close(ch)
		}
		if len(clients) == 0 {
			delete(eb.clients, runID)
		}
	}

	slog.Debug("SSE client unsubscribed", "run_id", runID)
}

// Broadcast sends an event to all subscribers of its run. Slow clients miss
// events instead of blocking the optimizer.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.RunID] = event

	for ch := range eb.clients[event.RunID] {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "run_id", event.RunID, "iteration", event.Iteration)
		}
	}
}

// handleRunStream streams progress events of a run as server-sent events.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	if _, exists := s.runs.GetRun(runID); !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The subscription replays the latest event, so the client starts from
	// the current state.
	eventChan := s.runs.Broadcaster().Subscribe(runID)
	defer s.runs.Broadcaster().Unsubscribe(runID, eventChan)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "run_id", runID)
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if event.State != StateRunning {
				return
			}

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes an event in SSE format
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// SSE format: "data: {json}\n\n"
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
