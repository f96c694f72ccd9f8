package s3transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/objstore-io/go-superupload/multipart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	API

	uploadInputs []*s3.UploadPartInput
	uploadBodies []string
	uploadErr    error

	completeInput *s3.CompleteMultipartUploadInput
	listInput     *s3.ListPartsInput
	listCalls     int
	listErrs      []error

	abortCalls int
	abortErrs  []error
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	o := s3.Options{RetryMaxAttempts: 3}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.RetryMaxAttempts != 1 {
		return nil, errors.New("initiate must run a single attempt")
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-" + aws.ToString(params.Key))}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.uploadInputs = append(f.uploadInputs, params)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.uploadBodies = append(f.uploadBodies, string(data))
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &s3.UploadPartOutput{ETag: aws.String(`"etag-1"`)}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completeInput = params
	return &s3.CompleteMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		ETag:     aws.String(`"final-2"`),
		Location: aws.String("https://bucket.s3.amazonaws.com/key"),
	}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, _ *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.abortCalls++
	if len(f.abortErrs) > 0 {
		err := f.abortErrs[0]
		f.abortErrs = f.abortErrs[1:]
		return nil, err
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListParts(_ context.Context, params *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.listInput = params
	f.listCalls++
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}
	modified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return &s3.ListPartsOutput{
		UploadId:             params.UploadId,
		IsTruncated:          aws.Bool(true),
		NextPartNumberMarker: aws.String("2"),
		Parts: []types.Part{
			{PartNumber: aws.Int32(1), ETag: aws.String(`"a"`), Size: aws.Int64(5), LastModified: &modified},
			{PartNumber: aws.Int32(2), ETag: aws.String(`"b"`), Size: aws.Int64(3), LastModified: &modified},
		},
	}, nil
}

func apiError(status int, code string, header http.Header) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status, Header: header}},
			Err:      &smithy.GenericAPIError{Code: code, Message: code + " message"},
		},
		RequestID: "req-1",
	}
}

func newTestTransport(api API) *Transport {
	transport := NewWithClient(api, log.NewLogger())
	transport.retryWait = 0
	return transport
}

func TestTransport_Initiate(t *testing.T) {
	transport := newTestTransport(&fakeS3{})

	uploadID, err := transport.InitiateMultipartUpload(context.Background(), multipart.InitiateInput{Bucket: "b", Object: "key"})
	require.NoError(t, err)
	assert.Equal(t, "upload-key", uploadID)
}

func TestTransport_UploadPart(t *testing.T) {
	api := &fakeS3{}
	transport := newTestTransport(api)

	etag, err := transport.UploadPart(context.Background(), multipart.UploadPartInput{
		Bucket: "b", Object: "key", UploadID: "u", PartNumber: 7, Body: strings.NewReader("hello"), Size: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "etag-1", etag)

	require.Len(t, api.uploadInputs, 1)
	assert.Equal(t, int32(7), aws.ToInt32(api.uploadInputs[0].PartNumber))
	assert.Equal(t, int64(5), aws.ToInt64(api.uploadInputs[0].ContentLength))
	assert.Equal(t, "hello", api.uploadBodies[0])
}

func TestTransport_UploadPartErrorsAreClassified(t *testing.T) {
	serverTime := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	api := &fakeS3{uploadErr: apiError(http.StatusForbidden, multipart.CodeRequestTimeTooSkewed, http.Header{
		"Date": {serverTime.Format(http.TimeFormat)},
	})}
	transport := newTestTransport(api)

	_, err := transport.UploadPart(context.Background(), multipart.UploadPartInput{
		Bucket: "b", Object: "key", UploadID: "u", PartNumber: 1, Body: strings.NewReader("x"), Size: 1,
	})
	require.Error(t, err)

	got, ok := multipart.IsClockSkew(err)
	require.True(t, ok)
	assert.Equal(t, serverTime, got.UTC())

	var serviceErr *multipart.ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "req-1", serviceErr.RequestID)
	assert.Equal(t, http.StatusForbidden, serviceErr.StatusCode)
}

func TestTransport_CompleteSendsPartsInOrder(t *testing.T) {
	api := &fakeS3{}
	transport := newTestTransport(api)

	out, err := transport.CompleteMultipartUpload(context.Background(), "b", "key", "u", []multipart.CompletedPart{
		{PartNumber: 1, ETag: "a"},
		{PartNumber: 2, ETag: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "final-2", out.ETag)
	assert.Equal(t, "key", out.Object)

	parts := api.completeInput.MultipartUpload.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, int32(1), aws.ToInt32(parts[0].PartNumber))
	assert.Equal(t, "b", aws.ToString(parts[1].ETag))
}

func TestTransport_AbortRetriesTransientFailures(t *testing.T) {
	api := &fakeS3{abortErrs: []error{apiError(http.StatusServiceUnavailable, multipart.CodeSlowDown, nil)}}
	transport := newTestTransport(api)

	require.NoError(t, transport.AbortMultipartUpload(context.Background(), "b", "key", "u"))
	assert.Equal(t, 2, api.abortCalls)
}

func TestTransport_AbortDoesNotRetryRejections(t *testing.T) {
	api := &fakeS3{abortErrs: []error{apiError(http.StatusNotFound, multipart.CodeNoSuchUpload, nil)}}
	transport := newTestTransport(api)

	err := transport.AbortMultipartUpload(context.Background(), "b", "key", "u")
	require.Error(t, err)
	assert.True(t, multipart.IsNoSuchUpload(err))
	assert.Equal(t, 1, api.abortCalls)
}

func TestTransport_ListParts(t *testing.T) {
	api := &fakeS3{}
	transport := newTestTransport(api)

	out, err := transport.ListParts(context.Background(), multipart.ListPartsInput{
		Bucket: "b", Object: "key", UploadID: "u", MaxParts: 2, PartNumberMarker: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), aws.ToInt32(api.listInput.MaxParts))
	assert.Equal(t, "4", aws.ToString(api.listInput.PartNumberMarker))

	assert.True(t, out.IsTruncated)
	assert.Equal(t, 2, out.NextPartNumberMarker)
	require.Len(t, out.Parts, 2)
	assert.Equal(t, "a", out.Parts[0].ETag)
	assert.Equal(t, int64(3), out.Parts[1].Size)
}

func TestTransport_ListPartsRetries(t *testing.T) {
	api := &fakeS3{listErrs: []error{apiError(http.StatusInternalServerError, multipart.CodeInternalError, nil)}}
	transport := newTestTransport(api)

	out, err := transport.ListParts(context.Background(), multipart.ListPartsInput{Bucket: "b", Object: "key", UploadID: "u"})
	require.NoError(t, err)
	assert.Len(t, out.Parts, 2)
	assert.Equal(t, 2, api.listCalls)

	api = &fakeS3{listErrs: []error{apiError(http.StatusNotFound, multipart.CodeNoSuchUpload, nil)}}
	transport = newTestTransport(api)

	_, err = transport.ListParts(context.Background(), multipart.ListPartsInput{Bucket: "b", Object: "key", UploadID: "u"})
	require.Error(t, err)
	assert.True(t, multipart.IsNoSuchUpload(err))
	assert.Equal(t, 1, api.listCalls)
}

func TestTransport_Limits(t *testing.T) {
	limits := newTestTransport(&fakeS3{}).Limits()
	assert.Equal(t, int64(5*1024*1024), limits.MinPartSize)
	assert.Equal(t, 10000, limits.MaxParts)
}

func TestMapError_PassesThroughNonAPIErrors(t *testing.T) {
	err := context.DeadlineExceeded
	assert.Equal(t, err, mapError(err))
}
