package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// JSONLSink appends one JSON object per event to a file.
type JSONLSink struct {
	*asyncSink
	file *os.File
	w    *bufio.Writer
}

// NewJSONLSink opens (or creates) path for appending.
func NewJSONLSink(path string, queueSize int) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("eventlog: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	s := &JSONLSink{file: f, w: bufio.NewWriter(f)}
	s.asyncSink = newAsyncSink("jsonl", queueSize, s.write)
	slog.Debug("NewJSONLSink: event log opened", "path", path)
	return s, nil
}

// line flattens ev into the {utc_ts, workflow, phase, event, ...} shape.
func line(ev models.Event) map[string]any {
	out := make(map[string]any, len(ev.Fields)+5)
	for k, v := range ev.Fields {
		out[k] = v
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	out["utc_ts"] = ts.UTC().Format(time.RFC3339Nano)
	out["workflow"] = ev.Workflow
	out["phase"] = ev.Phase
	out["event"] = ev.Name
	if ev.SessionID != "" {
		out["session_id"] = ev.SessionID
	}
	return out
}

func (s *JSONLSink) write(ev models.Event) error {
	b, err := json.Marshal(line(ev))
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return err
	}
	// flush when the queue is idle so tailing the file works
	if len(s.queue) == 0 {
		return s.w.Flush()
	}
	return nil
}

// Close drains pending events and closes the file.
func (s *JSONLSink) Close() error {
	s.asyncSink.close()
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
