package superupload

import (
	"fmt"
	"sort"
	"time"

	"github.com/docker/go-units"
	"github.com/objstore-io/go-superupload/multipart"
)

// complete sends the part list once every part is done and moves the session to
// its terminal state. A rejected completion leaves the upload on the service.
func (s *Session) complete() {
	s.mu.Lock()
	uploadID := s.uploadID
	parts := completedParts(s.parts)
	s.mu.Unlock()

	s.logger.Infof("Completing upload %s with %d parts", uploadID, len(parts))
	out, err := s.transport.CompleteMultipartUpload(s.baseCtx, s.bucket, s.object, uploadID, parts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Errorf("Failed to complete upload %s: %s", uploadID, err)
		s.finishLocked(StateFailed, &CompletionError{UploadID: uploadID, Err: err})
		return
	}

	s.result = &Result{
		Bucket:   s.bucket,
		Object:   s.object,
		UploadID: uploadID,
		ETag:     out.ETag,
		Location: out.Location,
		Size:     s.source.Size(),
		Parts:    len(parts),
	}
	s.logger.Donef("Uploaded %s to %s/%s in %s", units.BytesSize(float64(s.source.Size())), s.bucket, s.object, s.progressLocked().Elapsed.Round(time.Millisecond))
	s.finishLocked(StateCompleted, nil)
}

// abort waits until no part task can run anymore, then aborts the upload once.
// It returns false if the session reached a terminal state on its own meanwhile.
func (s *Session) abort() (bool, error) {
	<-s.settled

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false, nil
	}
	uploadID := s.uploadID
	s.mu.Unlock()

	err := s.transport.AbortMultipartUpload(s.baseCtx, s.bucket, s.object, uploadID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(StateCancelled, ErrCancelled)

	if err != nil {
		s.logger.Errorf("Failed to abort upload %s: %s", uploadID, err)
		return false, fmt.Errorf("abort multipart upload %s: %w", uploadID, err)
	}
	s.logger.Infof("Upload %s aborted", uploadID)
	return true, nil
}

// completedParts lists the done parts in ascending part number order.
func completedParts(parts []Part) []multipart.CompletedPart {
	completed := make([]multipart.CompletedPart, 0, len(parts))
	for _, part := range parts {
		if part.Status == PartDone {
			completed = append(completed, multipart.CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag})
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].PartNumber < completed[j].PartNumber })
	return completed
}
