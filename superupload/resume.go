package superupload

import (
	"context"
	"fmt"

	"github.com/objstore-io/go-superupload/multipart"
)

// resync marks the parts the service already stored for uploadID as done.
// A stored part is reused only if its number and size match the plan, so a
// different chunk size uploads those parts again.
func (s *Session) resync(ctx context.Context, uploadID string) error {
	stored, err := multipart.ListAllParts(ctx, s.transport, multipart.ListPartsInput{
		Bucket:   s.bucket,
		Object:   s.object,
		UploadID: uploadID,
	})
	if err != nil {
		return fmt.Errorf("resume upload %s: %w", uploadID, err)
	}

	byNumber := make(map[int]multipart.PartInfo, len(stored))
	for _, info := range stored {
		byNumber[info.PartNumber] = info
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reused := 0
	for i := range s.parts {
		info, ok := byNumber[s.parts[i].PartNumber]
		if !ok || info.ETag == "" || info.Size != s.parts[i].Size {
			continue
		}
		s.parts[i].Status = PartDone
		s.parts[i].ETag = info.ETag
		reused++
	}
	s.logger.Infof("Resuming upload %s: %d of %d parts already uploaded", uploadID, reused, len(s.parts))
	return nil
}
