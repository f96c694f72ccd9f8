package testing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxClockSkew is how far a request timestamp may be from the service clock.
const MaxClockSkew = 15 * time.Minute

const bosTimeLayout = "2006-01-02T15:04:05Z"

type serviceUpload struct {
	bucket       string
	key          string
	contentType  string
	storageClass string
	metadata     map[string]string
	parts        map[int]servicePart
}

type servicePart struct {
	etag         string
	data         []byte
	lastModified time.Time
}

type injectedError struct {
	status int
	code   string
}

// BOSService is an in-process fake of the BOS multipart REST API.
type BOSService struct {
	*httptest.Server

	// Verify, if set, is run on every request after its signature was checked; a
	// non nil error rejects the request with 403 SignatureDoesNotMatch.
	Verify func(r *http.Request) error

	accessKeyID     string
	secretAccessKey string

	mu       sync.Mutex
	uploads  map[string]*serviceUpload
	objects  map[string][]byte
	requests map[string]int
	failures map[string][]injectedError
}

// NewBOSService starts the fake service accepting requests signed with the given
// key pair. Close it with Close.
func NewBOSService(accessKeyID, secretAccessKey string) *BOSService {
	s := &BOSService{
		accessKeyID:     accessKeyID,
		secretAccessKey: secretAccessKey,
		uploads:  map[string]*serviceUpload{},
		objects:  map[string][]byte{},
		requests: map[string]int{},
		failures: map[string][]injectedError{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// FailNext makes the next request of an operation fail with the given status and code.
func (s *BOSService) FailNext(op string, status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], injectedError{status: status, code: code})
}

// Requests returns how many requests of an operation reached the service,
// including rejected ones.
func (s *BOSService) Requests(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// Object returns a completed object.
func (s *BOSService) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}

// UploadMetadata returns what initiate stored for an in-flight upload.
func (s *BOSService) UploadMetadata(uploadID string) (contentType, storageClass string, metadata map[string]string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return "", "", nil, false
	}
	return u.contentType, u.storageClass, u.metadata, true
}

func (s *BOSService) serveHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	op := operation(r.Method, query)

	s.mu.Lock()
	s.requests[op]++
	var injected *injectedError
	if queue := s.failures[op]; len(queue) > 0 {
		injected = &queue[0]
		s.failures[op] = queue[1:]
	}
	s.mu.Unlock()

	w.Header().Set("x-bce-date", time.Now().UTC().Format(bosTimeLayout))
	w.Header().Set("x-bce-request-id", r.Header.Get("x-bce-request-id"))

	if err := checkTimestamp(r.Header.Get("Authorization")); err != nil {
		writeError(w, http.StatusForbidden, "RequestTimeTooSkewed", err.Error())
		return
	}
	if err := s.checkSignature(r); err != nil {
		writeError(w, http.StatusForbidden, "SignatureDoesNotMatch", err.Error())
		return
	}
	if s.Verify != nil {
		if err := s.Verify(r); err != nil {
			writeError(w, http.StatusForbidden, "SignatureDoesNotMatch", err.Error())
			return
		}
	}
	if injected != nil {
		writeError(w, injected.status, injected.code, "injected failure")
		return
	}

	bucket, key, ok := splitResource(r.URL.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidURI", r.URL.Path)
		return
	}

	switch op {
	case OpInitiate:
		s.initiate(w, r, bucket, key)
	case OpUpload:
		s.uploadPart(w, r, query)
	case OpComplete:
		s.complete(w, r, bucket, key, query.Get("uploadId"))
	case OpAbort:
		s.abort(w, query.Get("uploadId"))
	case OpList:
		s.listParts(w, query)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func operation(method string, query map[string][]string) string {
	_, uploads := query["uploads"]
	_, uploadID := query["uploadId"]
	_, partNumber := query["partNumber"]
	switch {
	case method == http.MethodPost && uploads:
		return OpInitiate
	case method == http.MethodPut && uploadID && partNumber:
		return OpUpload
	case method == http.MethodPost && uploadID:
		return OpComplete
	case method == http.MethodDelete && uploadID:
		return OpAbort
	case method == http.MethodGet && uploadID:
		return OpList
	}
	return method
}

func (s *BOSService) initiate(w http.ResponseWriter, r *http.Request, bucket, key string) {
	metadata := map[string]string{}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-bce-meta-") && len(values) > 0 {
			metadata[strings.TrimPrefix(lower, "x-bce-meta-")] = values[0]
		}
	}

	uploadID := uuid.NewString()
	s.mu.Lock()
	s.uploads[uploadID] = &serviceUpload{
		bucket:       bucket,
		key:          key,
		contentType:  r.Header.Get("Content-Type"),
		storageClass: r.Header.Get("x-bce-storage-class"),
		metadata:     metadata,
		parts:        map[int]servicePart{},
	}
	s.mu.Unlock()

	writeJSON(w, map[string]string{"bucket": bucket, "key": key, "uploadId": uploadID})
}

func (s *BOSService) uploadPart(w http.ResponseWriter, r *http.Request, query map[string][]string) {
	partNumber, err := strconv.Atoi(first(query["partNumber"]))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "invalid partNumber")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "IncompleteBody", err.Error())
		return
	}
	if int64(len(data)) != r.ContentLength {
		writeError(w, http.StatusBadRequest, "IncompleteBody", fmt.Sprintf("read %d of %d bytes", len(data), r.ContentLength))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[first(query["uploadId"])]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchUpload", "the upload does not exist")
		return
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	u.parts[partNumber] = servicePart{etag: etag, data: data, lastModified: time.Now().UTC()}

	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *BOSService) complete(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	var body struct {
		Parts []struct {
			PartNumber int    `json:"partNumber"`
			ETag       string `json:"eTag"`
		} `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedJSON", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchUpload", "the upload does not exist")
		return
	}

	var content []byte
	for i, p := range body.Parts {
		if i > 0 && body.Parts[i-1].PartNumber >= p.PartNumber {
			writeError(w, http.StatusBadRequest, "InvalidPartOrder", "parts must be in ascending order")
			return
		}
		stored, ok := u.parts[p.PartNumber]
		if !ok || stored.etag != strings.Trim(p.ETag, `"`) {
			writeError(w, http.StatusBadRequest, "InvalidPart", fmt.Sprintf("part %d", p.PartNumber))
			return
		}
		content = append(content, stored.data...)
	}
	delete(s.uploads, uploadID)
	s.objects[bucket+"/"+key] = content

	sum := md5.Sum(content)
	writeJSON(w, map[string]string{
		"location": s.URL + "/" + bucket + "/" + key,
		"bucket":   bucket,
		"key":      key,
		"eTag":     hex.EncodeToString(sum[:]),
	})
}

func (s *BOSService) abort(w http.ResponseWriter, uploadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[uploadID]; !ok {
		writeError(w, http.StatusNotFound, "NoSuchUpload", "the upload does not exist")
		return
	}
	delete(s.uploads, uploadID)
	w.WriteHeader(http.StatusOK)
}

func (s *BOSService) listParts(w http.ResponseWriter, query map[string][]string) {
	uploadID := first(query["uploadId"])
	maxParts, _ := strconv.Atoi(first(query["maxParts"]))
	if maxParts <= 0 {
		maxParts = 1000
	}
	marker, _ := strconv.Atoi(first(query["partNumberMarker"]))

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchUpload", "the upload does not exist")
		return
	}

	var numbers []int
	for n := range u.parts {
		if n > marker {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)
	truncated := len(numbers) > maxParts
	if truncated {
		numbers = numbers[:maxParts]
	}

	parts := make([]map[string]interface{}, 0, len(numbers))
	next := 0
	for _, n := range numbers {
		p := u.parts[n]
		parts = append(parts, map[string]interface{}{
			"partNumber":   n,
			"eTag":         p.etag,
			"size":         len(p.data),
			"lastModified": p.lastModified.Format(time.RFC3339),
		})
		next = n
	}

	writeJSON(w, map[string]interface{}{
		"bucket":               u.bucket,
		"key":                  u.key,
		"uploadId":             uploadID,
		"partNumberMarker":     marker,
		"nextPartNumberMarker": next,
		"maxParts":             maxParts,
		"isTruncated":          truncated,
		"parts":                parts,
	})
}

func checkTimestamp(authorization string) error {
	fields := strings.Split(authorization, "/")
	if len(fields) != 6 || fields[0] != "bce-auth-v1" {
		return fmt.Errorf("malformed authorization %q", authorization)
	}
	signedAt, err := time.Parse(bosTimeLayout, fields[2])
	if err != nil {
		return fmt.Errorf("malformed timestamp %q", fields[2])
	}
	skew := time.Since(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("request time %s is %s away from the server time", fields[2], skew.Round(time.Second))
	}
	return nil
}

// checkSignature recomputes the bce-auth-v1 signature from the request as received.
func (s *BOSService) checkSignature(r *http.Request) error {
	authorization := r.Header.Get("Authorization")
	fields := strings.Split(authorization, "/")
	if fields[1] != s.accessKeyID {
		return fmt.Errorf("unknown access key %q", fields[1])
	}

	authPrefix := strings.Join(fields[:4], "/")
	mac := hmac.New(sha256.New, []byte(s.secretAccessKey))
	mac.Write([]byte(authPrefix))
	signingKey := hex.EncodeToString(mac.Sum(nil))

	var headerLines []string
	if fields[4] != "" {
		for _, name := range strings.Split(fields[4], ";") {
			headerLines = append(headerLines, bceEscape(name, true)+":"+bceEscape(strings.TrimSpace(signedHeader(r, name)), true))
		}
	}
	sort.Strings(headerLines)

	var queryPairs []string
	for k, values := range r.URL.Query() {
		if strings.ToLower(k) == "authorization" {
			continue
		}
		for _, v := range values {
			queryPairs = append(queryPairs, bceEscape(k, true)+"="+bceEscape(v, true))
		}
	}
	sort.Strings(queryPairs)

	canonical := r.Method + "\n" + bceEscape(r.URL.Path, false) + "\n" + strings.Join(queryPairs, "&") + "\n" + strings.Join(headerLines, "\n")
	mac = hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(canonical))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(fields[5])) {
		return fmt.Errorf("the request signature does not match, canonical request:\n%s", canonical)
	}
	return nil
}

func signedHeader(r *http.Request, name string) string {
	switch name {
	case "host":
		return r.Host
	case "content-length":
		return strconv.FormatInt(r.ContentLength, 10)
	}
	return r.Header.Get(name)
}

func bceEscape(s string, escapeSlash bool) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', strings.IndexByte("-_.~", c) >= 0:
			b.WriteByte(c)
		case c == '/' && !escapeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func splitResource(path string) (string, string, bool) {
	rest := strings.TrimPrefix(path, "/v1/")
	if rest == path {
		return "", "", false
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":      code,
		"message":   message,
		"requestId": w.Header().Get("x-bce-request-id"),
	})
}
