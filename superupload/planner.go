package superupload

import (
	"fmt"

	"github.com/objstore-io/go-superupload/multipart"
)

const mebibyte = 1024 * 1024

// PlanParts splits totalSize bytes into ascending, contiguous parts of chunkSize bytes.
// Only the last part may be shorter. The plan depends on nothing but the arguments.
func PlanParts(totalSize, chunkSize int64) ([]Part, error) {
	return planParts(totalSize, chunkSize, multipart.MaxPartNumber)
}

func planParts(totalSize, chunkSize int64, maxParts int) ([]Part, error) {
	if totalSize <= 0 {
		return nil, &ValidationError{Field: "size", Reason: "nothing to upload, the source is empty"}
	}
	if chunkSize <= 0 {
		return nil, &ValidationError{Field: "chunkSize", Reason: fmt.Sprintf("must be positive, got %d", chunkSize)}
	}

	n := partCount(totalSize, chunkSize)
	if n > int64(maxParts) {
		return nil, &ValidationError{
			Field:  "chunkSize",
			Reason: fmt.Sprintf("chunk size %d is too small for %d bytes: %d parts needed, at most %d allowed", chunkSize, totalSize, n, maxParts),
		}
	}

	parts := make([]Part, n)
	for i := range parts {
		offset := int64(i) * chunkSize
		size := chunkSize
		if remaining := totalSize - offset; remaining < size {
			size = remaining
		}
		parts[i] = Part{PartNumber: i + 1, Offset: offset, Size: size}
	}
	return parts, nil
}

// AdaptiveChunkSize returns chunkSize if it keeps totalSize within the part number
// limit, otherwise the smallest whole number of MiB that does.
func AdaptiveChunkSize(totalSize, chunkSize int64) int64 {
	if chunkSize > 0 && partCount(totalSize, chunkSize) <= multipart.MaxPartNumber {
		return chunkSize
	}

	size := partCount(partCount(totalSize, multipart.MaxPartNumber), mebibyte) * mebibyte
	if size < mebibyte {
		size = mebibyte
	}
	return size
}

// partCount is ceil(totalSize / chunkSize) without overflowing near math.MaxInt64.
func partCount(totalSize, chunkSize int64) int64 {
	n := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		n++
	}
	return n
}
