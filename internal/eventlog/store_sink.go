package eventlog

import (
	"context"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// EventAppender is the slice of the store used for event persistence.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev models.Event) error
}

// storeWriteTimeout bounds a single event insert.
const storeWriteTimeout = 5 * time.Second

// StoreSink persists events through a store in the background.
type StoreSink struct {
	*asyncSink
}

// NewStoreSink creates a sink writing to st.
func NewStoreSink(st EventAppender, queueSize int) *StoreSink {
	write := func(ev models.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		defer cancel()
		return st.AppendEvent(ctx, ev)
	}
	return &StoreSink{asyncSink: newAsyncSink("store", queueSize, write)}
}

// Close drains pending events.
func (s *StoreSink) Close() error {
	s.asyncSink.close()
	return nil
}
