package superupload

import (
	"errors"
	"time"

	"github.com/objstore-io/go-superupload/multipart"
)

type partResult struct {
	index    int
	etag     string
	attempts int
	took     time.Duration
	err      error
}

// schedule is the only goroutine that moves parts between statuses and decides
// what runs next. It exits when the session is cancelled and idle, or after the
// session reached a terminal state.
func (s *Session) schedule() {
	defer close(s.settled)

	results := make(chan partResult, s.config.PartConcurrency)
	inFlight := 0

	for {
		s.mu.Lock()

		if s.cancelling && inFlight == 0 {
			s.mu.Unlock()
			return
		}
		if s.fatal != nil && inFlight == 0 {
			s.logger.Errorf("Upload %s failed: %s", s.uploadID, s.fatal)
			s.finishLocked(StateFailed, s.fatal)
			s.mu.Unlock()
			return
		}

		if s.dispatchableLocked() {
			for inFlight < s.config.PartConcurrency {
				i := s.nextPendingLocked()
				if i < 0 {
					break
				}
				s.parts[i].Status = PartUploading
				s.parts[i].RetryCount = 0
				s.parts[i].Err = nil
				s.counters[i].Store(0)
				s.emitLocked(Event{Type: EventPartStarted, PartNumber: s.parts[i].PartNumber, Attempt: 1})
				inFlight++

				go s.uploadPart(s.runCtx, i, s.parts[i], results)
			}
		}

		if inFlight == 0 && s.dispatchableLocked() {
			if s.allDoneLocked() {
				s.mu.Unlock()
				s.complete()
				return
			}
			if !s.stalled && s.anyFailedLocked() {
				s.stalled = true
				close(s.stallCh)
				s.logger.Warnf("Upload %s stalled: every part settled but some failed", s.uploadID)
			}
		}

		s.mu.Unlock()

		select {
		case r := <-results:
			inFlight--
			s.applyResult(r)
		case <-s.wake:
		}
	}
}

func (s *Session) dispatchableLocked() bool {
	return s.state == StateRunning && !s.cancelling && s.fatal == nil
}

// nextPendingLocked returns the index of the lowest numbered pending part, or -1.
func (s *Session) nextPendingLocked() int {
	for i := range s.parts {
		if s.parts[i].Status == PartPending {
			return i
		}
	}
	return -1
}

func (s *Session) allDoneLocked() bool {
	for _, part := range s.parts {
		if part.Status != PartDone {
			return false
		}
	}
	return true
}

func (s *Session) anyFailedLocked() bool {
	for _, part := range s.parts {
		if part.Status == PartFailed {
			return true
		}
	}
	return false
}

func (s *Session) applyResult(r partResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := &s.parts[r.index]

	switch {
	case s.cancelling || errors.Is(r.err, ErrCancelled):
		// Results arriving after a cancel are dropped, the part is not uploaded.
		part.Status = PartPending
		part.Err = nil
		s.logger.Debugf("Discarding the result of part %d", part.PartNumber)

	case r.err == nil:
		part.Status = PartDone
		part.ETag = r.etag
		part.Err = nil
		s.recordPartTimeLocked(r.took)
		s.logger.Infof("Part %d/%d uploaded in %s, ETag: %s", part.PartNumber, len(s.parts), r.took.Round(time.Millisecond), r.etag)
		s.emitLocked(Event{Type: EventPartDone, PartNumber: part.PartNumber, Attempt: r.attempts})
		s.emitLocked(Event{Type: EventProgress})

	default:
		part.Status = PartFailed
		part.Err = r.err
		s.logger.Errorf("Part %d failed: %s", part.PartNumber, r.err)
		s.emitLocked(Event{Type: EventPartFailed, PartNumber: part.PartNumber, Attempt: r.attempts, Err: r.err})

		var srcErr *sourceError
		if multipart.IsNoSuchUpload(r.err) || errors.As(r.err, &srcErr) {
			if s.fatal == nil {
				s.fatal = r.err
			}
			s.cancelRun()
		}
	}
}
