package superupload

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/objstore-io/go-superupload/multipart"
)

const (
	// DefaultChunkSize ...
	DefaultChunkSize = 5 * mebibyte
	// DefaultPartConcurrency ...
	DefaultPartConcurrency = 5
	// DefaultMaxRetryCount is the number of retries per part, on top of the first attempt.
	DefaultMaxRetryCount = 3
)

// Config holds configuration for an upload session.
type Config struct {
	// ChunkSize is the size of every part but the last.
	// Default: 5 MiB
	ChunkSize int64

	// PartConcurrency is the maximum number of parts uploaded at the same time.
	// Default: 5
	PartConcurrency int

	// MaxRetryCount is the maximum number of retries per part.
	// Default: 3
	MaxRetryCount int

	// ContentType is sent on initiate. Empty lets the transport guess it from the object name.
	ContentType  string
	StorageClass string
	UserMetadata map[string]string

	// UploadID resumes an upload started earlier instead of initiating a new one.
	UploadID string

	Logger log.Logger
	// Clock is synced on clock skew rejections. If nil and the transport implements
	// multipart.ClockProvider, its clock is used.
	Clock *multipart.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       DefaultChunkSize,
		PartConcurrency: DefaultPartConcurrency,
		MaxRetryCount:   DefaultMaxRetryCount,
	}
}

// Option ...
type Option func(*Config)

// WithChunkSize ...
func WithChunkSize(size int64) Option {
	return func(c *Config) { c.ChunkSize = size }
}

// WithPartConcurrency ...
func WithPartConcurrency(n int) Option {
	return func(c *Config) { c.PartConcurrency = n }
}

// WithMaxRetryCount ...
func WithMaxRetryCount(n int) Option {
	return func(c *Config) { c.MaxRetryCount = n }
}

// WithContentType ...
func WithContentType(contentType string) Option {
	return func(c *Config) { c.ContentType = contentType }
}

// WithStorageClass ...
func WithStorageClass(storageClass string) Option {
	return func(c *Config) { c.StorageClass = storageClass }
}

// WithUserMetadata ...
func WithUserMetadata(metadata map[string]string) Option {
	return func(c *Config) { c.UserMetadata = metadata }
}

// WithUploadID makes Start resume an existing upload: parts already stored by the
// service are not uploaded again.
func WithUploadID(uploadID string) Option {
	return func(c *Config) { c.UploadID = uploadID }
}

// WithLogger ...
func WithLogger(logger log.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithClock ...
func WithClock(clock *multipart.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

func (c Config) validate(limits multipart.Limits, totalSize int64) error {
	if c.PartConcurrency < 1 {
		return &ValidationError{Field: "partConcurrency", Reason: fmt.Sprintf("must be at least 1, got %d", c.PartConcurrency)}
	}
	if c.MaxRetryCount < 0 {
		return &ValidationError{Field: "maxRetryCount", Reason: fmt.Sprintf("must not be negative, got %d", c.MaxRetryCount)}
	}
	if limits.MaxPartSize > 0 && c.ChunkSize > limits.MaxPartSize {
		return &ValidationError{Field: "chunkSize", Reason: fmt.Sprintf("%d exceeds the maximum part size %d", c.ChunkSize, limits.MaxPartSize)}
	}
	// A single part may be smaller than the minimum part size.
	if limits.MinPartSize > 0 && c.ChunkSize < limits.MinPartSize && totalSize > c.ChunkSize {
		return &ValidationError{Field: "chunkSize", Reason: fmt.Sprintf("%d is below the minimum part size %d", c.ChunkSize, limits.MinPartSize)}
	}
	return nil
}
