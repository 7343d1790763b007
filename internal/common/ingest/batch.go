package ingest

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
)

// Buffer accumulates events until either maxItems have been added or maxAge has elapsed since the last successful
// flush (whichever occurs first).  A Buffer is owned by a single pipeline goroutine and is not safe for concurrent
// use.
type Buffer struct {
	maxItems  int
	maxAge    time.Duration
	clock     clock.PassiveClock
	items     []*Event
	lastFlush time.Time
}

func NewBuffer(maxItems int, maxAge time.Duration, clock clock.PassiveClock) *Buffer {
	return &Buffer{
		maxItems:  maxItems,
		maxAge:    maxAge,
		clock:     clock,
		items:     make([]*Event, 0, maxItems),
		lastFlush: clock.Now(),
	}
}

// Add appends event and reports whether the buffer should now be flushed
func (b *Buffer) Add(event *Event) bool {
	b.items = append(b.items, event)
	return b.ShouldFlush()
}

// ShouldFlush reports whether either flush trigger has fired.  An empty buffer never needs flushing.
func (b *Buffer) ShouldFlush() bool {
	if len(b.items) == 0 {
		return false
	}
	return len(b.items) >= b.maxItems || b.clock.Since(b.lastFlush) >= b.maxAge
}

// TimeUntilFlush returns how long until the age trigger fires. It is zero or negative if it already has.
func (b *Buffer) TimeUntilFlush() time.Duration {
	return b.maxAge - b.clock.Since(b.lastFlush)
}

// Flush writes a copy of the buffered events to sink.  On success the buffer is cleared and the age trigger
// restarts; on failure the buffer is left exactly as it was and the error is returned.  Flushing an empty buffer
// succeeds without calling the sink.
func (b *Buffer) Flush(ctx *haulcontext.Context, sink Sink) error {
	if len(b.items) == 0 {
		return nil
	}
	if err := sink.WriteBatch(ctx, b.Snapshot()); err != nil {
		return err
	}
	b.Discard()
	return nil
}

// Snapshot returns a copy of the buffered events in arrival order
func (b *Buffer) Snapshot() []*Event {
	snapshot := make([]*Event, len(b.items))
	copy(snapshot, b.items)
	return snapshot
}

// Discard drops all buffered events and restarts the age trigger. It is used once events have been dealt with
// some other way, e.g. dead lettered.
func (b *Buffer) Discard() {
	b.items = make([]*Event, 0, b.maxItems)
	b.lastFlush = b.clock.Now()
}

func (b *Buffer) Len() int {
	return len(b.items)
}
