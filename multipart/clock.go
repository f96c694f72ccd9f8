package multipart

import (
	"sync/atomic"
	"time"
)

// Clock is the corrected clock request signers read their timestamps from.
// It is shared by every request of a process, so one resync fixes all later
// signatures. Concurrent Syncs are last-write-wins; a stale correction only costs
// one more rejected request.
//
// A nil *Clock reads the local time.
type Clock struct {
	offset atomic.Int64
	local  func() time.Time
}

// NewClock returns a Clock with no correction.
func NewClock() *Clock {
	return &Clock{local: time.Now}
}

// Now returns the local time shifted by the current offset.
func (c *Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c.localNow().Add(c.Offset())
}

// Offset is serverTime - localTime as of the last Sync.
func (c *Clock) Offset() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.offset.Load())
}

// SetOffset ...
func (c *Clock) SetOffset(offset time.Duration) {
	if c == nil {
		return
	}
	c.offset.Store(int64(offset))
}

// Sync recomputes the offset from a time reported by the service and returns it.
// Service timestamps carry second precision, so the offset is rounded to seconds.
func (c *Clock) Sync(serverTime time.Time) time.Duration {
	if c == nil {
		return 0
	}
	offset := serverTime.Sub(c.localNow()).Round(time.Second)
	c.offset.Store(int64(offset))
	return offset
}

func (c *Clock) localNow() time.Time {
	if c.local == nil {
		return time.Now()
	}
	return c.local()
}
