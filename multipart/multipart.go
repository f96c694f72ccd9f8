// Package multipart defines the multipart-upload protocol shared by every storage
// transport: the five operations, their inputs and outputs, the service limits and
// the classification of the errors they return.
package multipart

import (
	"context"
	"fmt"
	"io"
	"time"
)

const (
	// MinPartNumber is the first valid part number.
	MinPartNumber = 1
	// MaxPartNumber is the last valid part number, and so the maximum part count.
	MaxPartNumber = 10000
	// DefaultMaxParts is the page size used when listing parts.
	DefaultMaxParts = 1000
)

// InitiateInput ...
type InitiateInput struct {
	Bucket       string
	Object       string
	ContentType  string
	StorageClass string
	// Metadata holds user metadata, keys without the service specific prefix.
	Metadata map[string]string
}

// UploadPartInput describes one "upload part" call.
// Body is re-read from its start on every attempt, so it must be seekable.
type UploadPartInput struct {
	Bucket     string
	Object     string
	UploadID   string
	PartNumber int
	Body       io.ReadSeeker
	Size       int64
}

// CompletedPart pairs a part number with the ETag the service returned for it.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// CompleteOutput ...
type CompleteOutput struct {
	Bucket   string
	Object   string
	ETag     string
	Location string
}

// PartInfo is a part already stored by the service for an in-flight upload.
type PartInfo struct {
	PartNumber   int
	ETag         string
	Size         int64
	LastModified time.Time
}

// ListPartsInput ...
type ListPartsInput struct {
	Bucket           string
	Object           string
	UploadID         string
	MaxParts         int
	PartNumberMarker int
}

// ListPartsOutput is one page of stored parts.
type ListPartsOutput struct {
	UploadID             string
	Parts                []PartInfo
	IsTruncated          bool
	NextPartNumberMarker int
}

// Transport is the multipart protocol of a storage service.
// Every implementation signs its own requests.
type Transport interface {
	InitiateMultipartUpload(ctx context.Context, input InitiateInput) (string, error)
	UploadPart(ctx context.Context, input UploadPartInput) (string, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []CompletedPart) (CompleteOutput, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
	ListParts(ctx context.Context, input ListPartsInput) (ListPartsOutput, error)
}

// Limits are the part size constraints of a service.
// A zero value means the service imposes no limit.
type Limits struct {
	MinPartSize int64
	MaxPartSize int64
	MaxParts    int
}

// LimitsProvider is implemented by transports that know their service limits.
type LimitsProvider interface {
	Limits() Limits
}

// ClockProvider is implemented by transports that sign requests with a shared Clock.
type ClockProvider interface {
	Clock() *Clock
}

// ValidatePartNumber ...
func ValidatePartNumber(partNumber int) error {
	if partNumber < MinPartNumber || partNumber > MaxPartNumber {
		return fmt.Errorf("invalid part number %d, the valid range is from %d to %d", partNumber, MinPartNumber, MaxPartNumber)
	}
	return nil
}

// ListAllParts pages through ListParts until the listing is no longer truncated.
func ListAllParts(ctx context.Context, transport Transport, input ListPartsInput) ([]PartInfo, error) {
	if input.MaxParts <= 0 {
		input.MaxParts = DefaultMaxParts
	}

	var parts []PartInfo
	for page := 0; page <= MaxPartNumber; page++ {
		out, err := transport.ListParts(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list parts after marker %d: %w", input.PartNumberMarker, err)
		}
		parts = append(parts, out.Parts...)

		if !out.IsTruncated {
			return parts, nil
		}
		if out.NextPartNumberMarker <= input.PartNumberMarker {
			return nil, fmt.Errorf("list parts: marker did not advance past %d", input.PartNumberMarker)
		}
		input.PartNumberMarker = out.NextPartNumberMarker
	}

	return nil, fmt.Errorf("list parts: too many pages")
}
