// Package s3transport implements the multipart protocol on top of the AWS S3 API.
package s3transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/objstore-io/go-superupload/multipart"
)

const (
	numControlRetries = 3
	// MaxPartSize is the largest part S3 accepts.
	MaxPartSize = 5 * 1024 * 1024 * 1024
)

// Params ...
type Params struct {
	Region string
	// Endpoint overrides the AWS endpoint, for S3 compatible services.
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// API is the subset of *s3.Client used by the transport.
type API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// Transport implements multipart.Transport with the AWS SDK.
type Transport struct {
	client    API
	logger    log.Logger
	retryWait time.Duration
}

// New loads the AWS configuration and creates an S3 client.
func New(ctx context.Context, params Params, logger log.Logger) (*Transport, error) {
	cfg, err := loadAWSCredentials(ctx, params, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})
	return NewWithClient(client, logger), nil
}

// NewWithClient ...
func NewWithClient(client API, logger log.Logger) *Transport {
	return &Transport{client: client, logger: logger, retryWait: 2 * time.Second}
}

// Limits ...
func (t *Transport) Limits() multipart.Limits {
	return multipart.Limits{
		MinPartSize: manager.MinUploadPartSize,
		MaxPartSize: MaxPartSize,
		MaxParts:    int(manager.MaxUploadParts),
	}
}

// singleAttempt disables the SDK retryer: initiate must never run twice, and part
// retries are counted by the upload engine.
func singleAttempt(o *s3.Options) {
	o.RetryMaxAttempts = 1
}

// InitiateMultipartUpload ...
func (t *Transport) InitiateMultipartUpload(ctx context.Context, input multipart.InitiateInput) (string, error) {
	req := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(input.Bucket),
		Key:      aws.String(input.Object),
		Metadata: input.Metadata,
	}
	if input.ContentType != "" {
		req.ContentType = aws.String(input.ContentType)
	}
	if input.StorageClass != "" {
		req.StorageClass = types.StorageClass(input.StorageClass)
	}

	out, err := t.client.CreateMultipartUpload(ctx, req, singleAttempt)
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", mapError(err))
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", fmt.Errorf("create multipart upload: no upload id in response")
	}
	return *out.UploadId, nil
}

// UploadPart ...
func (t *Transport) UploadPart(ctx context.Context, input multipart.UploadPartInput) (string, error) {
	if err := multipart.ValidatePartNumber(input.PartNumber); err != nil {
		return "", err
	}

	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(input.Bucket),
		Key:           aws.String(input.Object),
		UploadId:      aws.String(input.UploadID),
		PartNumber:    aws.Int32(int32(input.PartNumber)),
		Body:          input.Body,
		ContentLength: aws.Int64(input.Size),
	}, singleAttempt)
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", input.PartNumber, mapError(err))
	}

	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	if etag == "" {
		return "", fmt.Errorf("upload part %d: no ETag in response", input.PartNumber)
	}
	return etag, nil
}

// CompleteMultipartUpload ...
func (t *Transport) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []multipart.CompletedPart) (multipart.CompleteOutput, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	out, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(object),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return multipart.CompleteOutput{}, fmt.Errorf("complete multipart upload: %w", mapError(err))
	}

	return multipart.CompleteOutput{
		Bucket:   aws.ToString(out.Bucket),
		Object:   aws.ToString(out.Key),
		ETag:     strings.Trim(aws.ToString(out.ETag), `"`),
		Location: aws.ToString(out.Location),
	}, nil
}

// AbortMultipartUpload retries transient failures.
func (t *Transport) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	return retry.Times(numControlRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(object),
			UploadId: aws.String(uploadID),
		})
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

// ListParts retries transient failures like AbortMultipartUpload.
func (t *Transport) ListParts(ctx context.Context, input multipart.ListPartsInput) (multipart.ListPartsOutput, error) {
	req := &s3.ListPartsInput{
		Bucket:   aws.String(input.Bucket),
		Key:      aws.String(input.Object),
		UploadId: aws.String(input.UploadID),
	}
	if input.MaxParts > 0 {
		req.MaxParts = aws.Int32(int32(input.MaxParts))
	}
	if input.PartNumberMarker > 0 {
		req.PartNumberMarker = aws.String(strconv.Itoa(input.PartNumberMarker))
	}

	var out *s3.ListPartsOutput
	err := retry.Times(numControlRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var err error
		out, err = t.client.ListParts(ctx, req)
		if err == nil {
			return nil, true
		}

		err = mapError(err)
		if multipart.IsTransient(err) {
			t.logger.Warnf("Listing parts of upload %s failed (attempt %d): %s", input.UploadID, attempt+1, err)
			return fmt.Errorf("list parts: %w", err), false
		}
		return fmt.Errorf("list parts: %w", err), true
	})
	if err != nil {
		return multipart.ListPartsOutput{}, err
	}

	result := multipart.ListPartsOutput{
		UploadID:    aws.ToString(out.UploadId),
		IsTruncated: aws.ToBool(out.IsTruncated),
		Parts:       make([]multipart.PartInfo, 0, len(out.Parts)),
	}
	if marker := aws.ToString(out.NextPartNumberMarker); marker != "" {
		next, err := strconv.Atoi(marker)
		if err != nil {
			return multipart.ListPartsOutput{}, fmt.Errorf("list parts: invalid next marker %q: %w", marker, err)
		}
		result.NextPartNumberMarker = next
	}
	for _, p := range out.Parts {
		result.Parts = append(result.Parts, multipart.PartInfo{
			PartNumber:   int(aws.ToInt32(p.PartNumber)),
			ETag:         strings.Trim(aws.ToString(p.ETag), `"`),
			Size:         aws.ToInt64(p.Size),
			LastModified: aws.ToTime(p.LastModified),
		})
	}
	return result, nil
}

// mapError turns an S3 API error into a *multipart.ServiceError so the upload engine
// can classify it. Other errors are returned unchanged.
func mapError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	serviceErr := &multipart.ServiceError{
		Code:    apiErr.ErrorCode(),
		Message: apiErr.ErrorMessage(),
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		serviceErr.RequestID = respErr.ServiceRequestID()
		if respErr.Response != nil && respErr.Response.Response != nil {
			serviceErr.StatusCode = respErr.HTTPStatusCode()
			if date := respErr.Response.Header.Get("Date"); date != "" {
				if t, err := http.ParseTime(date); err == nil {
					serviceErr.ServerTime = t
				}
			}
		}
	}
	return serviceErr
}

func loadAWSCredentials(ctx context.Context, params Params, logger log.Logger) (*aws.Config, error) {
	if params.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}

	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, params.SessionToken)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

var _ multipart.Transport = (*Transport)(nil)
