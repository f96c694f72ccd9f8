package bos

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/objstore-io/go-superupload/multipart"
)

type initiateResponse struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

type completeRequest struct {
	Parts []completePart `json:"parts"`
}

type completePart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

type completeResponse struct {
	Location string `json:"location"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	ETag     string `json:"eTag"`
}

type listPartsResponse struct {
	Bucket               string        `json:"bucket"`
	Key                  string        `json:"key"`
	UploadID             string        `json:"uploadId"`
	Initiated            time.Time     `json:"initiated"`
	StorageClass         string        `json:"storageClass"`
	PartNumberMarker     int           `json:"partNumberMarker"`
	NextPartNumberMarker int           `json:"nextPartNumberMarker"`
	MaxParts             int           `json:"maxParts"`
	IsTruncated          bool          `json:"isTruncated"`
	Parts                []partSummary `json:"parts"`
}

type partSummary struct {
	PartNumber   int       `json:"partNumber"`
	LastModified time.Time `json:"lastModified"`
	ETag         string    `json:"eTag"`
	Size         int64     `json:"size"`
}

// InitiateMultipartUpload asks the service for a new upload id.
func (c *Client) InitiateMultipartUpload(ctx context.Context, input multipart.InitiateInput) (string, error) {
	if err := validateTarget(input.Bucket, input.Object); err != nil {
		return "", err
	}

	headers := http.Header{}
	contentType := input.ContentType
	if contentType == "" {
		contentType = GuessContentType(input.Object)
	}
	headers.Set("Content-Type", contentType)
	if input.StorageClass != "" {
		headers.Set(headerStorageClass, input.StorageClass)
	}
	for k, v := range input.Metadata {
		headers.Set(headerMetaPrefix+strings.ToLower(k), v)
	}

	var resp initiateResponse
	_, err := c.sendJSON(ctx, request{
		method:  http.MethodPost,
		bucket:  input.Bucket,
		object:  input.Object,
		params:  url.Values{"uploads": {""}},
		headers: headers,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("initiate multipart upload: %w", err)
	}
	if resp.UploadID == "" {
		return "", fmt.Errorf("initiate multipart upload: no upload id in response")
	}

	c.logger.Debugf("Initiated multipart upload %s for %s/%s", resp.UploadID, input.Bucket, input.Object)
	return resp.UploadID, nil
}

// UploadPart uploads one part and returns its ETag.
func (c *Client) UploadPart(ctx context.Context, input multipart.UploadPartInput) (string, error) {
	if err := validateTarget(input.Bucket, input.Object); err != nil {
		return "", err
	}
	if input.UploadID == "" {
		return "", fmt.Errorf("upload id must not be empty")
	}
	if err := multipart.ValidatePartNumber(input.PartNumber); err != nil {
		return "", err
	}
	if input.Body == nil {
		return "", fmt.Errorf("part %d has no body", input.PartNumber)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/octet-stream")

	respHeaders, err := c.sendJSON(ctx, request{
		method: http.MethodPut,
		bucket: input.Bucket,
		object: input.Object,
		params: url.Values{
			"partNumber": {strconv.Itoa(input.PartNumber)},
			"uploadId":   {input.UploadID},
		},
		headers: headers,
		body:    input.Body,
		size:    input.Size,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", input.PartNumber, err)
	}

	etag := strings.Trim(respHeaders.Get("ETag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("upload part %d: no ETag in response", input.PartNumber)
	}
	return etag, nil
}

// CompleteMultipartUpload assembles the uploaded parts. parts must be sorted by part number.
func (c *Client) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []multipart.CompletedPart) (multipart.CompleteOutput, error) {
	if err := validateTarget(bucket, object); err != nil {
		return multipart.CompleteOutput{}, err
	}
	if uploadID == "" {
		return multipart.CompleteOutput{}, fmt.Errorf("upload id must not be empty")
	}

	body := completeRequest{Parts: make([]completePart, 0, len(parts))}
	for _, p := range parts {
		body.Parts = append(body.Parts, completePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return multipart.CompleteOutput{}, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json; charset=UTF-8")

	var resp completeResponse
	_, err = c.sendJSON(ctx, request{
		method:  http.MethodPost,
		bucket:  bucket,
		object:  object,
		params:  url.Values{"uploadId": {uploadID}},
		headers: headers,
		body:    data,
		size:    int64(len(data)),
	}, &resp)
	if err != nil {
		return multipart.CompleteOutput{}, fmt.Errorf("complete multipart upload: %w", err)
	}

	return multipart.CompleteOutput{
		Bucket:   resp.Bucket,
		Object:   resp.Key,
		ETag:     strings.Trim(resp.ETag, `"`),
		Location: resp.Location,
	}, nil
}

// AbortMultipartUpload releases the upload id and the parts stored under it.
func (c *Client) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	if err := validateTarget(bucket, object); err != nil {
		return err
	}
	if uploadID == "" {
		return fmt.Errorf("upload id must not be empty")
	}

	_, err := c.sendJSON(ctx, request{
		method: http.MethodDelete,
		bucket: bucket,
		object: object,
		params: url.Values{"uploadId": {uploadID}},
	}, nil)
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// ListParts returns one page of the parts stored for an upload.
func (c *Client) ListParts(ctx context.Context, input multipart.ListPartsInput) (multipart.ListPartsOutput, error) {
	if err := validateTarget(input.Bucket, input.Object); err != nil {
		return multipart.ListPartsOutput{}, err
	}
	if input.UploadID == "" {
		return multipart.ListPartsOutput{}, fmt.Errorf("upload id must not be empty")
	}

	params := url.Values{"uploadId": {input.UploadID}}
	if input.MaxParts > 0 {
		params.Set("maxParts", strconv.Itoa(input.MaxParts))
	}
	if input.PartNumberMarker > 0 {
		params.Set("partNumberMarker", strconv.Itoa(input.PartNumberMarker))
	}

	var resp listPartsResponse
	_, err := c.sendJSON(ctx, request{
		method: http.MethodGet,
		bucket: input.Bucket,
		object: input.Object,
		params: params,
	}, &resp)
	if err != nil {
		return multipart.ListPartsOutput{}, fmt.Errorf("list parts: %w", err)
	}

	out := multipart.ListPartsOutput{
		UploadID:             resp.UploadID,
		IsTruncated:          resp.IsTruncated,
		NextPartNumberMarker: resp.NextPartNumberMarker,
		Parts:                make([]multipart.PartInfo, 0, len(resp.Parts)),
	}
	for _, p := range resp.Parts {
		out.Parts = append(out.Parts, multipart.PartInfo{
			PartNumber:   p.PartNumber,
			ETag:         strings.Trim(p.ETag, `"`),
			Size:         p.Size,
			LastModified: p.LastModified,
		})
	}
	return out, nil
}

// GuessContentType guesses a MIME type from the object name extension.
func GuessContentType(object string) string {
	if t := mime.TypeByExtension(filepath.Ext(object)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func validateTarget(bucket, object string) error {
	if bucket == "" {
		return fmt.Errorf("bucket name must not be empty")
	}
	if object == "" {
		return fmt.Errorf("object name must not be empty")
	}
	return nil
}

func sortedKeys(values url.Values) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ multipart.Transport = (*Client)(nil)
