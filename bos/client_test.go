package bos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/hashicorp/go-retryablehttp"
	testutil "github.com/objstore-io/go-superupload/internal/testing"
	"github.com/objstore-io/go-superupload/multipart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testCredentials = Credentials{AccessKeyID: "test-ak", SecretAccessKey: "test-sk"}

func newTestService() *testutil.BOSService {
	return testutil.NewBOSService(testCredentials.AccessKeyID, string(testCredentials.SecretAccessKey))
}

func newTestClient(t *testing.T, service *testutil.BOSService, clock *multipart.Clock) *Client {
	t.Helper()

	httpClient := retryablehttp.NewClient()
	httpClient.RetryWaitMin = time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Millisecond
	httpClient.RetryMax = 2
	httpClient.Logger = nil

	client, err := New(Config{
		Endpoint:    service.URL,
		Credentials: testCredentials,
		Clock:       clock,
		HTTPClient:  httpClient,
	}, log.NewLogger())
	require.NoError(t, err)
	return client
}

// verifySignature recomputes the signature of a request the way the service does.
func verifySignature(r *http.Request) error {
	fields := strings.Split(r.Header.Get("Authorization"), "/")
	if len(fields) != 6 {
		return fmt.Errorf("malformed authorization")
	}
	signedAt, err := time.Parse(timestampLayout, fields[2])
	if err != nil {
		return err
	}

	headers := r.Header.Clone()
	headers.Del("Authorization")
	headers.Del("Content-Length")
	headers.Set("Host", r.Host)
	if r.ContentLength > 0 {
		headers.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
	}

	expected := NewSigner(testCredentials, 0).Sign(r.Method, r.URL.Path, r.URL.Query(), headers, signedAt)
	if expected != r.Header.Get("Authorization") {
		return fmt.Errorf("signature mismatch: expected %s", expected)
	}
	return nil
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, log.NewLogger())
	require.Error(t, err)

	_, err = New(Config{Endpoint: "ftp://host", Credentials: testCredentials}, log.NewLogger())
	require.Error(t, err)

	_, err = New(Config{Endpoint: "https://", Credentials: testCredentials}, log.NewLogger())
	require.Error(t, err)

	client, err := New(Config{Credentials: testCredentials}, log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, "bj.bcebos.com", client.endpoint.Host)
	assert.NotNil(t, client.Clock())
	assert.Equal(t, int64(MinPartSize), client.Limits().MinPartSize)
}

func TestClient_MultipartRoundTrip(t *testing.T) {
	service := newTestService()
	defer service.Close()
	service.Verify = verifySignature

	client := newTestClient(t, service, nil)
	ctx := context.Background()

	uploadID, err := client.InitiateMultipartUpload(ctx, multipart.InitiateInput{
		Bucket:       "bucket",
		Object:       "dir/report.json",
		StorageClass: "STANDARD_IA",
		Metadata:     map[string]string{"Owner": "ci"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, uploadID)

	contentType, storageClass, metadata, ok := service.UploadMetadata(uploadID)
	require.True(t, ok)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "STANDARD_IA", storageClass)
	assert.Equal(t, map[string]string{"owner": "ci"}, metadata)

	chunks := []string{"first part ", "second part ", "third"}
	var completed []multipart.CompletedPart
	for i, chunk := range chunks {
		etag, err := client.UploadPart(ctx, multipart.UploadPartInput{
			Bucket:     "bucket",
			Object:     "dir/report.json",
			UploadID:   uploadID,
			PartNumber: i + 1,
			Body:       strings.NewReader(chunk),
			Size:       int64(len(chunk)),
		})
		require.NoError(t, err)
		assert.NotContains(t, etag, `"`)
		completed = append(completed, multipart.CompletedPart{PartNumber: i + 1, ETag: etag})
	}

	parts, err := multipart.ListAllParts(ctx, client, multipart.ListPartsInput{
		Bucket:   "bucket",
		Object:   "dir/report.json",
		UploadID: uploadID,
		MaxParts: 2,
	})
	require.NoError(t, err)
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, i+1, p.PartNumber)
		assert.Equal(t, completed[i].ETag, p.ETag)
		assert.Equal(t, int64(len(chunks[i])), p.Size)
		assert.False(t, p.LastModified.IsZero())
	}
	assert.Equal(t, 2, service.Requests(testutil.OpList))

	out, err := client.CompleteMultipartUpload(ctx, "bucket", "dir/report.json", uploadID, completed)
	require.NoError(t, err)
	assert.Equal(t, "bucket", out.Bucket)
	assert.Equal(t, "dir/report.json", out.Object)
	assert.NotEmpty(t, out.ETag)

	object, ok := service.Object("bucket", "dir/report.json")
	require.True(t, ok)
	assert.Equal(t, strings.Join(chunks, ""), string(object))
}

func TestClient_UploadPartValidation(t *testing.T) {
	service := newTestService()
	defer service.Close()
	client := newTestClient(t, service, nil)

	_, err := client.UploadPart(context.Background(), multipart.UploadPartInput{
		Bucket: "b", Object: "o", UploadID: "u", PartNumber: 10001, Body: bytes.NewReader([]byte("x")), Size: 1,
	})
	require.Error(t, err)

	_, err = client.UploadPart(context.Background(), multipart.UploadPartInput{
		Bucket: "b", Object: "o", PartNumber: 1, Body: bytes.NewReader([]byte("x")), Size: 1,
	})
	require.Error(t, err)

	assert.Equal(t, 0, service.Requests(testutil.OpUpload))
}

func TestClient_AbortThenList(t *testing.T) {
	service := newTestService()
	defer service.Close()
	client := newTestClient(t, service, nil)
	ctx := context.Background()

	uploadID, err := client.InitiateMultipartUpload(ctx, multipart.InitiateInput{Bucket: "b", Object: "o.bin"})
	require.NoError(t, err)

	require.NoError(t, client.AbortMultipartUpload(ctx, "b", "o.bin", uploadID))

	_, err = client.ListParts(ctx, multipart.ListPartsInput{Bucket: "b", Object: "o.bin", UploadID: uploadID})
	require.Error(t, err)
	assert.True(t, multipart.IsNoSuchUpload(err))

	var serviceErr *multipart.ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, http.StatusNotFound, serviceErr.StatusCode)
	assert.NotEmpty(t, serviceErr.RequestID)
}

func TestClient_ServiceErrorIsTransient(t *testing.T) {
	service := newTestService()
	defer service.Close()
	client := newTestClient(t, service, nil)
	ctx := context.Background()

	uploadID, err := client.InitiateMultipartUpload(ctx, multipart.InitiateInput{Bucket: "b", Object: "o.bin"})
	require.NoError(t, err)

	service.FailNext(testutil.OpUpload, http.StatusServiceUnavailable, multipart.CodeServiceUnavailable)
	_, err = client.UploadPart(ctx, multipart.UploadPartInput{
		Bucket: "b", Object: "o.bin", UploadID: uploadID, PartNumber: 1, Body: strings.NewReader("data"), Size: 4,
	})
	require.Error(t, err)
	assert.True(t, multipart.IsTransient(err))
	assert.Equal(t, 1, service.Requests(testutil.OpUpload))
}

func TestClient_InitiateIsNotRetried(t *testing.T) {
	service := newTestService()
	defer service.Close()
	client := newTestClient(t, service, nil)

	service.FailNext(testutil.OpInitiate, http.StatusInternalServerError, multipart.CodeInternalError)
	_, err := client.InitiateMultipartUpload(context.Background(), multipart.InitiateInput{Bucket: "b", Object: "o"})
	require.Error(t, err)
	assert.Equal(t, 1, service.Requests(testutil.OpInitiate))
}

func TestClient_ListIsRetried(t *testing.T) {
	service := newTestService()
	defer service.Close()
	client := newTestClient(t, service, nil)
	ctx := context.Background()

	uploadID, err := client.InitiateMultipartUpload(ctx, multipart.InitiateInput{Bucket: "b", Object: "o"})
	require.NoError(t, err)

	service.FailNext(testutil.OpList, http.StatusInternalServerError, multipart.CodeInternalError)
	out, err := client.ListParts(ctx, multipart.ListPartsInput{Bucket: "b", Object: "o", UploadID: uploadID})
	require.NoError(t, err)
	assert.Empty(t, out.Parts)
	assert.Equal(t, 2, service.Requests(testutil.OpList))
}

func TestClient_ClockSkew(t *testing.T) {
	service := newTestService()
	defer service.Close()

	clock := multipart.NewClock()
	clock.SetOffset(-time.Hour)
	client := newTestClient(t, service, clock)
	ctx := context.Background()

	_, err := client.InitiateMultipartUpload(ctx, multipart.InitiateInput{Bucket: "b", Object: "o"})
	require.Error(t, err)

	serverTime, ok := multipart.IsClockSkew(err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), serverTime, 5*time.Second)

	offset := clock.Sync(serverTime)
	assert.Less(t, offset.Abs(), 5*time.Second)

	_, err = client.InitiateMultipartUpload(ctx, multipart.InitiateInput{Bucket: "b", Object: "o"})
	require.NoError(t, err)
}

func TestUnwrapError_NonJSONBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Header:     http.Header{"Date": {"Mon, 02 Jan 2006 15:04:05 GMT"}},
		Body:       readCloser("upstream unavailable\n"),
	}

	err := unwrapError(resp)
	var serviceErr *multipart.ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "Http502", serviceErr.Code)
	assert.Equal(t, "upstream unavailable", serviceErr.Message)
	assert.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), serviceErr.ServerTime.UTC())
}

func TestEncodeQuery(t *testing.T) {
	assert.Equal(t, "", encodeQuery(nil))
	assert.Equal(t, "partNumber=3&uploadId=a%2Bb&uploads", encodeQuery(map[string][]string{
		"uploads":    {""},
		"uploadId":   {"a+b"},
		"partNumber": {"3"},
	}))
}

func TestGuessContentType(t *testing.T) {
	assert.Equal(t, "application/octet-stream", GuessContentType("archive.unknownext"))
	assert.Equal(t, "application/octet-stream", GuessContentType("noext"))
	assert.True(t, strings.HasPrefix(GuessContentType("index.html"), "text/html"))
}

func TestCreateCustomRetryFunction(t *testing.T) {
	mockLogger := new(mocks.Logger)
	mockLogger.On("Debugf", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	retry := createCustomRetryFunction(mockLogger)

	shouldRetry, err := retry(context.Background(), &http.Response{StatusCode: http.StatusServiceUnavailable}, nil)
	require.NoError(t, err)
	assert.True(t, shouldRetry)

	shouldRetry, err = retry(context.Background(), &http.Response{StatusCode: http.StatusNotFound}, nil)
	require.NoError(t, err)
	assert.False(t, shouldRetry)

	mockLogger.AssertNumberOfCalls(t, "Debugf", 2)
}

type stringReadCloser struct {
	*strings.Reader
}

func (stringReadCloser) Close() error { return nil }

func readCloser(s string) stringReadCloser {
	return stringReadCloser{strings.NewReader(s)}
}

func TestClient_SignatureRejected(t *testing.T) {
	service := newTestService()
	defer service.Close()

	tests := []struct {
		name        string
		credentials Credentials
	}{
		{name: "wrong secret", credentials: Credentials{AccessKeyID: testCredentials.AccessKeyID, SecretAccessKey: "other-sk"}},
		{name: "unknown access key", credentials: Credentials{AccessKeyID: "other-ak", SecretAccessKey: testCredentials.SecretAccessKey}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(Config{Endpoint: service.URL, Credentials: tt.credentials}, log.NewLogger())
			require.NoError(t, err)

			_, err = client.InitiateMultipartUpload(context.Background(), multipart.InitiateInput{Bucket: "b", Object: "o"})
			require.Error(t, err)

			var serviceErr *multipart.ServiceError
			require.True(t, errors.As(err, &serviceErr))
			assert.Equal(t, http.StatusForbidden, serviceErr.StatusCode)
			assert.Equal(t, "SignatureDoesNotMatch", serviceErr.Code)
			assert.False(t, multipart.IsTransient(err))
			_, skewed := multipart.IsClockSkew(err)
			assert.False(t, skewed)
		})
	}
}
