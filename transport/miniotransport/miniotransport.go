// Package miniotransport implements the multipart protocol for S3 compatible
// services with the low level minio-go Core client.
package miniotransport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/objstore-io/go-superupload/multipart"
)

const (
	numControlRetries = 3

	// MinPartSize is the smallest non-last part S3 compatible services accept.
	MinPartSize = 5 * 1024 * 1024
	// MaxPartSize ...
	MaxPartSize = 5 * 1024 * 1024 * 1024
)

// Params ...
type Params struct {
	// Endpoint is host[:port], without scheme.
	Endpoint        string
	Secure          bool
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// API is the subset of *minio.Core used by the transport.
type API interface {
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	ListObjectParts(ctx context.Context, bucket, object, uploadID string, partNumberMarker, maxParts int) (minio.ListObjectPartsResult, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
}

// Transport implements multipart.Transport with minio-go.
type Transport struct {
	core      API
	logger    log.Logger
	retryWait time.Duration
}

// New creates a Core client for the endpoint. The client makes a single attempt per
// request; part retries belong to the upload engine.
func New(params Params, logger log.Logger) (*Transport, error) {
	if params.Endpoint == "" {
		return nil, fmt.Errorf("endpoint must not be empty")
	}
	if strings.Contains(params.Endpoint, "://") {
		return nil, fmt.Errorf("endpoint %q must not contain a scheme", params.Endpoint)
	}

	core, err := minio.NewCore(params.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(params.AccessKeyID, params.SecretAccessKey, params.SessionToken),
		Secure:       params.Secure,
		Region:       params.Region,
		BucketLookup: minio.BucketLookupPath,
		MaxRetries:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return NewWithClient(core, logger), nil
}

// NewWithClient ...
func NewWithClient(core API, logger log.Logger) *Transport {
	return &Transport{core: core, logger: logger, retryWait: 2 * time.Second}
}

// Limits ...
func (t *Transport) Limits() multipart.Limits {
	return multipart.Limits{
		MinPartSize: MinPartSize,
		MaxPartSize: MaxPartSize,
		MaxParts:    multipart.MaxPartNumber,
	}
}

// InitiateMultipartUpload ...
func (t *Transport) InitiateMultipartUpload(ctx context.Context, input multipart.InitiateInput) (string, error) {
	uploadID, err := t.core.NewMultipartUpload(ctx, input.Bucket, input.Object, minio.PutObjectOptions{
		ContentType:  input.ContentType,
		StorageClass: input.StorageClass,
		UserMetadata: input.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("new multipart upload: %w", mapError(err))
	}
	return uploadID, nil
}

// UploadPart ...
func (t *Transport) UploadPart(ctx context.Context, input multipart.UploadPartInput) (string, error) {
	if err := multipart.ValidatePartNumber(input.PartNumber); err != nil {
		return "", err
	}

	part, err := t.core.PutObjectPart(ctx, input.Bucket, input.Object, input.UploadID, input.PartNumber, input.Body, input.Size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", fmt.Errorf("put object part %d: %w", input.PartNumber, mapError(err))
	}
	etag := strings.Trim(part.ETag, `"`)
	if etag == "" {
		return "", fmt.Errorf("put object part %d: no ETag in response", input.PartNumber)
	}
	return etag, nil
}

// CompleteMultipartUpload ...
func (t *Transport) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []multipart.CompletedPart) (multipart.CompleteOutput, error) {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	info, err := t.core.CompleteMultipartUpload(ctx, bucket, object, uploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		return multipart.CompleteOutput{}, fmt.Errorf("complete multipart upload: %w", mapError(err))
	}
	return multipart.CompleteOutput{
		Bucket:   info.Bucket,
		Object:   info.Key,
		ETag:     strings.Trim(info.ETag, `"`),
		Location: info.Location,
	}, nil
}

// AbortMultipartUpload ...
func (t *Transport) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	return retry.Times(numControlRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		err := t.core.AbortMultipartUpload(ctx, bucket, object, uploadID)
		if err == nil {
			return nil, true
		}
		err = mapError(err)
		if multipart.IsTransient(err) {
			t.logger.Warnf("Abort of upload %s failed (attempt %d): %s", uploadID, attempt+1, err)
			return fmt.Errorf("abort multipart upload: %w", err), false
		}
		return fmt.Errorf("abort multipart upload: %w", err), true
	})
}

// ListParts ...
func (t *Transport) ListParts(ctx context.Context, input multipart.ListPartsInput) (multipart.ListPartsOutput, error) {
	maxParts := input.MaxParts
	if maxParts <= 0 {
		maxParts = multipart.DefaultMaxParts
	}

	var result minio.ListObjectPartsResult
	err := retry.Times(numControlRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var err error
		result, err = t.core.ListObjectParts(ctx, input.Bucket, input.Object, input.UploadID, input.PartNumberMarker, maxParts)
		if err == nil {
			return nil, true
		}
		err = mapError(err)
		return fmt.Errorf("list object parts: %w", err), !multipart.IsTransient(err)
	})
	if err != nil {
		return multipart.ListPartsOutput{}, err
	}

	out := multipart.ListPartsOutput{
		UploadID:             result.UploadID,
		IsTruncated:          result.IsTruncated,
		NextPartNumberMarker: result.NextPartNumberMarker,
		Parts:                make([]multipart.PartInfo, 0, len(result.ObjectParts)),
	}
	for _, p := range result.ObjectParts {
		out.Parts = append(out.Parts, multipart.PartInfo{
			PartNumber:   p.PartNumber,
			ETag:         strings.Trim(p.ETag, `"`),
			Size:         p.Size,
			LastModified: p.LastModified,
		})
	}
	return out, nil
}

// mapError turns a minio.ErrorResponse into a *multipart.ServiceError.
// minio does not expose the response Date, so skew rejections carry no server time.
func mapError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "" && resp.StatusCode == 0 {
		return err
	}
	return &multipart.ServiceError{
		StatusCode: resp.StatusCode,
		Code:       resp.Code,
		Message:    resp.Message,
		RequestID:  resp.RequestID,
	}
}

var _ multipart.Transport = (*Transport)(nil)
