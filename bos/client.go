package bos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/objstore-io/go-superupload/multipart"
)

const (
	bcePrefix           = "x-bce-"
	headerDate          = "x-bce-date"
	headerRequestID     = "x-bce-request-id"
	headerSecurityToken = "x-bce-security-token"
	headerStorageClass  = "x-bce-storage-class"
	headerMetaPrefix    = "x-bce-meta-"

	apiVersionPrefix = "/v1"
)

// Client talks to the BOS REST API. It implements multipart.Transport.
type Client struct {
	// retrying is used for idempotent requests only
	retrying     *retryablehttp.Client
	once         *retryablehttp.Client
	endpoint     *url.URL
	signer       *Signer
	clock        *multipart.Clock
	sessionToken string
	logger       log.Logger
}

type request struct {
	method  string
	bucket  string
	object  string
	params  url.Values
	headers http.Header
	// body is nil, []byte or io.ReadSeeker
	body interface{}
	size int64
}

// New ...
func New(cfg Config, logger log.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	endpoint, err := cfg.endpointURL()
	if err != nil {
		return nil, err
	}

	retrying := cfg.HTTPClient
	if retrying == nil {
		retrying = retryhttp.NewClient(logger)
		retrying.CheckRetry = createCustomRetryFunction(logger)
	}
	retrying.ErrorHandler = retryablehttp.PassthroughErrorHandler

	// POST and PUT are never retried here: a repeated initiate would allocate a second
	// upload id, and part retries are counted by the upload engine.
	once := retryhttp.NewClient(logger)
	once.HTTPClient = retrying.HTTPClient
	once.RetryMax = 0
	once.ErrorHandler = retryablehttp.PassthroughErrorHandler

	clock := cfg.Clock
	if clock == nil {
		clock = multipart.NewClock()
	}

	return &Client{
		retrying:     retrying,
		once:         once,
		endpoint:     endpoint,
		signer:       NewSigner(cfg.Credentials, cfg.Expiration),
		clock:        clock,
		sessionToken: cfg.SessionToken,
		logger:       logger,
	}, nil
}

// Clock returns the corrected clock the client signs with.
func (c *Client) Clock() *multipart.Clock {
	return c.clock
}

// Limits ...
func (c *Client) Limits() multipart.Limits {
	return multipart.Limits{
		MinPartSize: MinPartSize,
		MaxPartSize: MaxPartSize,
		MaxParts:    multipart.MaxPartNumber,
	}
}

func createCustomRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
		return retry, checkErr
	}
}

func (c *Client) resourcePath(bucket, object string) string {
	p := path.Join(apiVersionPrefix, bucket)
	if object != "" {
		p += "/" + strings.TrimPrefix(object, "/")
	}
	return p
}

func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	resource := c.resourcePath(r.bucket, r.object)
	u := *c.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + resource
	u.RawQuery = encodeQuery(r.params)

	headers := http.Header{}
	for k, vs := range r.headers {
		headers[k] = vs
	}
	now := c.clock.Now()
	headers.Set("Host", u.Host)
	headers.Set(headerDate, now.UTC().Format(timestampLayout))
	headers.Set(headerRequestID, uuid.NewString())
	if c.sessionToken != "" {
		headers.Set(headerSecurityToken, c.sessionToken)
	}
	if r.body != nil {
		headers.Set("Content-Length", strconv.FormatInt(r.size, 10))
	}
	headers.Set("Authorization", c.signer.Sign(r.method, u.Path, r.params, headers, now))

	req, err := retryablehttp.NewRequestWithContext(ctx, r.method, u.String(), r.body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = headers
	req.Host = u.Host
	if r.body != nil {
		req.ContentLength = r.size
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	client := c.once
	if r.method == http.MethodGet || r.method == http.MethodDelete || r.method == http.MethodHead {
		client = c.retrying
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer c.closeBody(resp.Body)
		return nil, unwrapError(resp)
	}
	return resp, nil
}

func (c *Client) sendJSON(ctx context.Context, r request, out interface{}) (http.Header, error) {
	resp, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if out == nil {
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", r.method, err)
	}
	return resp.Header, nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		c.logger.Debugf("drain response body: %s", err)
	}
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func unwrapError(resp *http.Response) error {
	serviceErr := &multipart.ServiceError{
		StatusCode: resp.StatusCode,
		Code:       fmt.Sprintf("Http%d", resp.StatusCode),
		RequestID:  resp.Header.Get(headerRequestID),
		ServerTime: serverTime(resp.Header),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("HTTP %d: read error body: %w", resp.StatusCode, err)
	}

	var errResp errorResponse
	if len(body) > 0 && json.Unmarshal(body, &errResp) == nil && errResp.Code != "" {
		serviceErr.Code = errResp.Code
		serviceErr.Message = errResp.Message
		if errResp.RequestID != "" {
			serviceErr.RequestID = errResp.RequestID
		}
	} else {
		serviceErr.Message = strings.TrimSpace(string(body))
	}
	return serviceErr
}

func serverTime(header http.Header) time.Time {
	if v := header.Get(headerDate); v != "" {
		if t, err := time.Parse(timestampLayout, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	if v := header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// encodeQuery is url.Values.Encode, except that keys with an empty value
// (like "uploads") are sent bare.
func encodeQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	var parts []string
	for _, k := range sortedKeys(params) {
		for _, v := range params[k] {
			if v == "" {
				parts = append(parts, url.QueryEscape(k))
				continue
			}
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}
