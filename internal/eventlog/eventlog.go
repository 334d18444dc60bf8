// Package eventlog provides fire-and-forget sinks for coaching analytics events.
//
// A Sink must never block or fail a conversational turn. Sinks that do I/O
// queue events on a buffered channel and drop them when the queue is full.
package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Event names emitted by the phase engine.
const (
	PhaseEnter         = "phase_enter"
	IntentClassified   = "intent_classified"
	PhaseComplete      = "phase_complete"
	PhaseSkipped       = "phase_skipped"
	UnexpectedInput    = "unexpected_input"
	ResponseHandled    = "response_handled"
	InvalidPhaseReset  = "invalid_phase_reset"
	SuggestionsOffered = "suggestions_offered"
	InvalidSelection   = "invalid_selection"
	ResearchCapReached = "research_cap_reached"
	LimitExceeded      = "limit_exceeded"
	TurnFailed         = "turn_failed"
)

// DefaultQueueSize is the buffer used by asynchronous sinks.
const DefaultQueueSize = 256

// Sink accepts analytics events.
type Sink interface {
	Log(ctx context.Context, ev models.Event)
}

// Nop discards every event.
type Nop struct{}

// Log implements Sink.
func (Nop) Log(context.Context, models.Event) {}

// SlogSink writes events to the default slog logger at debug level.
type SlogSink struct{}

// Log implements Sink.
func (SlogSink) Log(_ context.Context, ev models.Event) {
	attrs := []any{"event", ev.Name, "sessionID", ev.SessionID, "workflow", ev.Workflow, "phase", ev.Phase}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	slog.Debug("eventlog", attrs...)
}

// Multi fans an event out to several sinks.
type Multi []Sink

// Log implements Sink.
func (m Multi) Log(ctx context.Context, ev models.Event) {
	for _, s := range m {
		if s != nil {
			s.Log(ctx, ev)
		}
	}
}

// asyncSink runs write on a background goroutine fed by a bounded queue.
type asyncSink struct {
	name    string
	queue   chan models.Event
	write   func(models.Event) error
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func newAsyncSink(name string, size int, write func(models.Event) error) *asyncSink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	a := &asyncSink{name: name, queue: make(chan models.Event, size), write: write}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *asyncSink) run() {
	defer a.wg.Done()
	for ev := range a.queue {
		if err := a.write(ev); err != nil {
			slog.Warn("eventlog: write failed", "sink", a.name, "event", ev.Name, "error", err)
		}
	}
}

// Log enqueues ev without blocking.
func (a *asyncSink) Log(_ context.Context, ev models.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
		slog.Warn("eventlog: queue full, dropping event", "sink", a.name, "event", ev.Name)
	}
}

// close drains the queue and stops the writer.
func (a *asyncSink) close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		a.wg.Wait()
	})
}
