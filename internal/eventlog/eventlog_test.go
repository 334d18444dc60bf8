package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Log(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, nil, b}.Log(context.Background(), models.Event{Name: PhaseEnter})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected both sinks to receive the event, got %d and %d", len(a.events), len(b.events))
	}
}

func TestJSONLSinkWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	sink, err := NewJSONLSink(path, 8)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	sink.Log(context.Background(), models.Event{
		Name: IntentClassified, Workflow: models.WorkflowValueProp, Phase: models.PhaseProblem,
		SessionID: "s1", Fields: map[string]any{"intent": "skip"},
	})
	sink.Log(context.Background(), models.Event{Name: PhaseSkipped, Phase: models.PhaseProblem})
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	first := lines[0]
	if first["event"] != IntentClassified || first["phase"] != "problem" || first["intent"] != "skip" {
		t.Errorf("unexpected first line: %v", first)
	}
	if _, ok := first["utc_ts"]; !ok {
		t.Error("expected utc_ts field")
	}
}

type slowAppender struct {
	release chan struct{}
	mu      sync.Mutex
	count   int
}

func (s *slowAppender) AppendEvent(ctx context.Context, ev models.Event) error {
	<-s.release
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

func TestStoreSinkNeverBlocks(t *testing.T) {
	app := &slowAppender{release: make(chan struct{})}
	sink := NewStoreSink(app, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			sink.Log(context.Background(), models.Event{Name: PhaseEnter})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a slow store")
	}
	close(app.release)
	sink.Close()

	if sink.dropped.Load() == 0 {
		t.Error("expected some events to be dropped")
	}
	// logging after close is a no-op
	sink.Log(context.Background(), models.Event{Name: PhaseEnter})
}

type failingAppender struct{}

func (failingAppender) AppendEvent(context.Context, models.Event) error {
	return errors.New("db down")
}

func TestStoreSinkSwallowsErrors(t *testing.T) {
	sink := NewStoreSink(failingAppender{}, 4)
	sink.Log(context.Background(), models.Event{Name: PhaseEnter})
	sink.Close()
}
