package ingest

import (
	"sync"
)

// CommitTracker records the highest consumed offset of each partition alongside the highest committed one.
// The pipeline goroutine writes to it while status readers take snapshots, hence the lock.
type CommitTracker struct {
	mu        sync.Mutex
	consumed  Positions
	committed Positions
	// offset preceding the first message seen on each partition; used to count uncommitted messages
	base Positions
}

func NewCommitTracker() *CommitTracker {
	return &CommitTracker{
		consumed:  Positions{},
		committed: Positions{},
		base:      Positions{},
	}
}

// Consumed records that offset has been handed to the pipeline
func (c *CommitTracker) Consumed(tp TopicPartition, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.base[tp]; !ok {
		c.base[tp] = offset - 1
	}
	if current, ok := c.consumed[tp]; !ok || offset > current {
		c.consumed[tp] = offset
	}
}

// Pending returns the consumed positions that are ahead of the committed ones
func (c *CommitTracker) Pending() Positions {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := Positions{}
	for tp, offset := range c.consumed {
		if committed, ok := c.committed[tp]; !ok || offset > committed {
			pending[tp] = offset
		}
	}
	return pending
}

// MarkCommitted records positions as committed.  Positions never move backwards.
func (c *CommitTracker) MarkCommitted(positions Positions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tp, offset := range positions {
		if current, ok := c.committed[tp]; !ok || offset > current {
			c.committed[tp] = offset
		}
	}
}

// Release forgets what has been consumed from tp, which is no longer owned.  Its uncommitted messages are
// re-delivered to whichever consumer owns it now.
func (c *CommitTracker) Release(tp TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.consumed, tp)
	delete(c.base, tp)
}

func (c *CommitTracker) Committed() Positions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed.Copy()
}

// Uncommitted returns the number of messages consumed since the last commit, summed over partitions
func (c *CommitTracker) Uncommitted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for tp, offset := range c.consumed {
		from := c.base[tp]
		if committed, ok := c.committed[tp]; ok && committed > from {
			from = committed
		}
		total += offset - from
	}
	return total
}
