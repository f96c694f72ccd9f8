package superupload

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Progress is a snapshot of an upload.
type Progress struct {
	// UploadedBytes counts done parts and the bytes sent by in-flight attempts.
	UploadedBytes   int64
	TotalBytes      int64
	DoneParts       int
	TotalParts      int
	Elapsed         time.Duration
	AvgPartDuration time.Duration
}

// Percent ...
func (p Progress) Percent() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.UploadedBytes) * 100 / float64(p.TotalBytes)
}

// EventType ...
type EventType int

// Event types.
const (
	EventStateChanged EventType = iota
	EventPartStarted
	EventPartRetry
	EventPartDone
	EventPartFailed
	EventProgress
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventPartStarted:
		return "part-started"
	case EventPartRetry:
		return "part-retry"
	case EventPartDone:
		return "part-done"
	case EventPartFailed:
		return "part-failed"
	case EventProgress:
		return "progress"
	}
	return "unknown"
}

// Event is a notification emitted by a Session.
type Event struct {
	Type  EventType
	State State
	// PartNumber and Attempt are set for part events.
	PartNumber int
	Attempt    int
	Err        error
	Progress   Progress
}

// eventQueue delivers events in order without ever blocking the sender.
// Events are buffered until a consumer subscribes.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
	out    chan Event
	once   sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
	}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) subscribe() <-chan Event {
	q.once.Do(func() { go q.pump() })
	return q.out
}

func (q *eventQueue) pump() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				close(q.out)
				return
			}
			<-q.signal
			continue
		}
		e := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- e
	}
}

// countingReader counts the bytes an attempt has sent. Its count is the read position,
// so a transport rewinding the body for a retry resets it.
type countingReader struct {
	r io.ReadSeeker
	n *atomic.Int64
}

func newCountingReader(r io.ReadSeeker, n *atomic.Int64) *countingReader {
	n.Store(0)
	return &countingReader{r: r, n: n}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.r.Seek(offset, whence)
	if err == nil {
		c.n.Store(pos)
	}
	return pos, err
}
