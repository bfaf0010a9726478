package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of pipeline event.
type EventKind string

const (
	EventTurnStart           EventKind = "turn_start"
	EventTurnEnd             EventKind = "turn_end"
	EventStageStart          EventKind = "stage_start"
	EventStageEnd            EventKind = "stage_end"
	EventCapabilityCallStart EventKind = "capability_call_start"
	EventCapabilityCallEnd   EventKind = "capability_call_end"
	EventFocusCommitted      EventKind = "focus_committed"
	EventCompaction          EventKind = "compaction"
	EventLoopDetection       EventKind = "loop_detection"
	EventTermination         EventKind = "termination"
	EventWarning             EventKind = "warning"
	EventError               EventKind = "error"
)

// Event is a typed event emitted by the pipeline.
type Event struct {
	Kind       EventKind      `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
	PipelineID string         `json:"pipeline_id"`
	TurnID     string         `json:"turn_id,omitempty"`
	Stage      Stage          `json:"stage,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers events to the host application via a channel.
type EventEmitter struct {
	pipelineID string
	ch         chan Event
	closed     bool
	mu         sync.Mutex
}

// NewEventEmitter creates an EventEmitter with a buffered channel.
func NewEventEmitter(pipelineID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		pipelineID: pipelineID,
		ch:         make(chan Event, bufferSize),
	}
}

// Emit sends an event. Events are dropped when the emitter is closed or
// the buffer is full; the pipeline never blocks on a slow consumer.
func (e *EventEmitter) Emit(kind EventKind, turnID string, stage Stage, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := Event{
		Kind:       kind,
		Timestamp:  time.Now(),
		PipelineID: e.pipelineID,
		TurnID:     turnID,
		Stage:      stage,
		Data:       data,
	}
	select {
	case e.ch <- event:
	default:
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
