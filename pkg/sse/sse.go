// Package sse implements the streaming HTTP response for a run's progress:
// content type text/event-stream, no compression or buffering, named
// events progress/complete/error, periodic keep-alive comments, and
// Last-Event-ID based resume. No dependency in the pack implements SSE,
// so this is built directly on net/http.Flusher.
package sse

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/tsimd/pkg/metrics"
	"github.com/cuemby/tsimd/pkg/progress"
	"github.com/cuemby/tsimd/pkg/types"
)

const keepAliveInterval = 15 * time.Second

// EventName is one of the named SSE event types this dispatcher emits.
type EventName string

const (
	EventProgress EventName = "progress"
	EventComplete EventName = "complete"
	EventError    EventName = "error"
)

// Dispatcher streams one run's progress over SSE from a progress.Tracker.
type Dispatcher struct {
	tracker *progress.Tracker
}

// NewDispatcher constructs a Dispatcher backed by tracker.
func NewDispatcher(tracker *progress.Tracker) *Dispatcher {
	return &Dispatcher{tracker: tracker}
}

// IsTerminal reports whether phase ends the stream (the DONE phase, or
// the caller signals failure some other way).
func IsTerminal(phase types.Phase) bool {
	return phase == types.PhaseDone
}

// ServeRun upgrades w to an SSE stream for runID and blocks until the
// client disconnects or the run reaches its DONE phase. lastEventID, if
// present (from the Last-Event-ID header or "?last_event_id="), resumes
// after that sequence number rather than replaying the full backlog.
func (d *Dispatcher) ServeRun(w http.ResponseWriter, r *http.Request, runID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return fmt.Errorf("sse: ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var sub progress.Subscriber
	if lastID := lastEventID(r); lastID >= 0 {
		sub = d.tracker.SubscribeAfter(runID, lastID)
	} else {
		sub = d.tracker.Subscribe(runID)
	}
	defer d.tracker.Unsubscribe(runID, sub)

	metrics.SSESubscribers.Inc()
	defer metrics.SSESubscribers.Dec()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			name := EventProgress
			if IsTerminal(event.Phase) {
				name = EventComplete
			}
			writeEvent(w, name, event)
			flusher.Flush()
			if name == EventComplete {
				return nil
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return -1
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return v
}

func writeEvent(w http.ResponseWriter, name EventName, event types.ProgressEvent) {
	payload := fmt.Sprintf(`{"phase":%q,"message":%q,"timestamp":%q}`,
		event.Phase, event.Message, event.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, name, payload)
}
