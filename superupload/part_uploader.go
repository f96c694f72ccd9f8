package superupload

import (
	"context"
	"errors"
	"time"

	"github.com/objstore-io/go-superupload/multipart"
)

// uploadPart runs the attempts of one part and reports a single result.
func (s *Session) uploadPart(ctx context.Context, index int, part Part, results chan<- partResult) {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		finished, avg := s.timedParts, s.avgPartDurationLocked()
		s.mu.Unlock()
		s.logger.Debugf("Uploading part %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			part.PartNumber, len(s.parts), attempt, s.config.MaxRetryCount+1, finished, avg.Round(time.Millisecond))

		etag, err := s.uploadAttempt(ctx, index, part)
		if err == nil {
			results <- partResult{index: index, etag: etag, attempts: attempt, took: time.Since(start)}
			return
		}
		if ctx.Err() != nil {
			results <- partResult{index: index, attempts: attempt, err: ErrCancelled}
			return
		}

		retriable, err := s.classify(part, err)
		if !retriable || attempt > s.config.MaxRetryCount {
			results <- partResult{index: index, attempts: attempt, err: &PartFailure{PartNumber: part.PartNumber, Attempts: attempt, Err: err}}
			return
		}
		s.recordRetry(index, attempt, err)
	}
}

func (s *Session) uploadAttempt(ctx context.Context, index int, part Part) (string, error) {
	body, err := s.source.Section(part.Offset, part.Size)
	if err != nil {
		return "", &sourceError{err: err}
	}

	return s.transport.UploadPart(ctx, multipart.UploadPartInput{
		Bucket:     s.bucket,
		Object:     s.object,
		UploadID:   s.UploadID(),
		PartNumber: part.PartNumber,
		Body:       newCountingReader(body, &s.counters[index]),
		Size:       part.Size,
	})
}

// classify reports whether a failed attempt may be retried, and the error to record.
func (s *Session) classify(part Part, err error) (bool, error) {
	var srcErr *sourceError
	if errors.As(err, &srcErr) {
		return false, err
	}

	if serverTime, ok := multipart.IsClockSkew(err); ok {
		offset := s.clock.Sync(serverTime)
		s.logger.Warnf("Part %d rejected for clock skew, clock offset is now %s", part.PartNumber, offset)
		return true, &ClockSkewError{ServerTime: serverTime, Offset: offset, Err: err}
	}

	if multipart.IsNoSuchUpload(err) {
		return false, err
	}

	if multipart.IsTransient(err) {
		return true, &TransientTransportError{Err: err}
	}

	return false, err
}

func (s *Session) recordRetry(index, attempt int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := &s.parts[index]
	if part.Status != PartUploading {
		return
	}
	part.RetryCount = attempt
	part.Err = err
	s.logger.Warnf("Part %d attempt %d failed, retrying: %s", part.PartNumber, attempt, err)
	s.emitLocked(Event{Type: EventPartRetry, PartNumber: part.PartNumber, Attempt: attempt + 1, Err: err})
}
