package testing

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/objstore-io/go-superupload/multipart"
)

// Operation names recorded by Transport.
const (
	OpInitiate = "initiate"
	OpUpload   = "upload"
	OpComplete = "complete"
	OpAbort    = "abort"
	OpList     = "list"
)

// Call is one recorded Transport call.
type Call struct {
	Op         string
	UploadID   string
	PartNumber int
	Size       int64
}

// Gate holds the uploads of one part until it is released.
type Gate struct {
	// Started is closed when the first held upload of the part begins.
	Started     chan struct{}
	release     chan struct{}
	honorCancel bool
	startOnce   sync.Once
	releaseOnce sync.Once
}

// Release lets every held upload of the part continue.
func (g *Gate) Release() {
	g.releaseOnce.Do(func() { close(g.release) })
}

type storedPart struct {
	info multipart.PartInfo
	data []byte
}

// Transport is an in-memory multipart.Transport that records every call.
// Failures and gates are programmed per part number.
type Transport struct {
	// Delay is added to every part upload.
	Delay time.Duration

	InitiateErr error
	CompleteErr error
	AbortErr    error
	ListErr     error

	limits *multipart.Limits
	clock  *multipart.Clock

	mu          sync.Mutex
	calls       []Call
	uploads     map[string]map[int]storedPart
	partErrors  map[int][]error
	gates       map[int]*Gate
	inFlight    int
	maxInFlight int
	completed   []multipart.CompletedPart
	initiated   []multipart.InitiateInput
	objects     map[string][]byte
}

// NewTransport ...
func NewTransport() *Transport {
	return &Transport{
		uploads:    map[string]map[int]storedPart{},
		partErrors: map[int][]error{},
		gates:      map[int]*Gate{},
		objects:    map[string][]byte{},
	}
}

// WithLimits makes the transport report service limits.
func (t *Transport) WithLimits(limits multipart.Limits) *Transport {
	t.limits = &limits
	return t
}

// WithClock makes the transport report the clock it would sign with.
func (t *Transport) WithClock(clock *multipart.Clock) *Transport {
	t.clock = clock
	return t
}

// Limits ...
func (t *Transport) Limits() multipart.Limits {
	if t.limits == nil {
		return multipart.Limits{}
	}
	return *t.limits
}

// Clock ...
func (t *Transport) Clock() *multipart.Clock {
	return t.clock
}

// FailPart queues errors returned by the next uploads of a part, one per attempt.
func (t *Transport) FailPart(partNumber int, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partErrors[partNumber] = append(t.partErrors[partNumber], errs...)
}

// Hold blocks uploads of a part until the returned gate is released.
// If honorCancel is false, a held upload ignores cancellation and still succeeds once
// released, like a request that already reached the service.
func (t *Transport) Hold(partNumber int, honorCancel bool) *Gate {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := &Gate{Started: make(chan struct{}), release: make(chan struct{}), honorCancel: honorCancel}
	t.gates[partNumber] = g
	return g
}

// SeedUpload registers an upload id with already stored parts, as if a previous process
// had uploaded them.
func (t *Transport) SeedUpload(uploadID string, parts ...multipart.PartInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stored := map[int]storedPart{}
	for _, p := range parts {
		stored[p.PartNumber] = storedPart{info: p}
	}
	t.uploads[uploadID] = stored
}

// InitiateMultipartUpload ...
func (t *Transport) InitiateMultipartUpload(_ context.Context, input multipart.InitiateInput) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, Call{Op: OpInitiate})
	t.initiated = append(t.initiated, input)
	if t.InitiateErr != nil {
		return "", t.InitiateErr
	}
	uploadID := uuid.NewString()
	t.uploads[uploadID] = map[int]storedPart{}
	return uploadID, nil
}

// UploadPart ...
func (t *Transport) UploadPart(ctx context.Context, input multipart.UploadPartInput) (string, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != input.Size {
		return "", fmt.Errorf("part %d: read %d bytes, expected %d", input.PartNumber, len(data), input.Size)
	}

	t.mu.Lock()
	t.calls = append(t.calls, Call{Op: OpUpload, UploadID: input.UploadID, PartNumber: input.PartNumber, Size: input.Size})
	t.inFlight++
	if t.inFlight > t.maxInFlight {
		t.maxInFlight = t.inFlight
	}
	gate := t.gates[input.PartNumber]
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
	}()

	if gate != nil {
		gate.startOnce.Do(func() { close(gate.Started) })
		if gate.honorCancel {
			select {
			case <-gate.release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		} else {
			<-gate.release
		}
	}

	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if errs := t.partErrors[input.PartNumber]; len(errs) > 0 {
		t.partErrors[input.PartNumber] = errs[1:]
		return "", errs[0]
	}

	stored, ok := t.uploads[input.UploadID]
	if !ok {
		return "", noSuchUpload(input.UploadID)
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	stored[input.PartNumber] = storedPart{
		info: multipart.PartInfo{PartNumber: input.PartNumber, ETag: etag, Size: input.Size, LastModified: time.Now()},
		data: data,
	}
	return etag, nil
}

// CompleteMultipartUpload ...
func (t *Transport) CompleteMultipartUpload(_ context.Context, bucket, object, uploadID string, parts []multipart.CompletedPart) (multipart.CompleteOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, Call{Op: OpComplete, UploadID: uploadID})
	t.completed = append([]multipart.CompletedPart(nil), parts...)
	if t.CompleteErr != nil {
		return multipart.CompleteOutput{}, t.CompleteErr
	}

	stored, ok := t.uploads[uploadID]
	if !ok {
		return multipart.CompleteOutput{}, noSuchUpload(uploadID)
	}

	var content []byte
	for i, p := range parts {
		if i > 0 && parts[i-1].PartNumber >= p.PartNumber {
			return multipart.CompleteOutput{}, &multipart.ServiceError{StatusCode: 400, Code: "InvalidPartOrder"}
		}
		s, ok := stored[p.PartNumber]
		if !ok || s.info.ETag != p.ETag {
			return multipart.CompleteOutput{}, &multipart.ServiceError{StatusCode: 400, Code: "InvalidPart", Message: fmt.Sprintf("part %d", p.PartNumber)}
		}
		content = append(content, s.data...)
	}
	delete(t.uploads, uploadID)
	t.objects[bucket+"/"+object] = content

	return multipart.CompleteOutput{Bucket: bucket, Object: object, ETag: "complete-" + uploadID, Location: "mem://" + bucket + "/" + object}, nil
}

// AbortMultipartUpload ...
func (t *Transport) AbortMultipartUpload(_ context.Context, _, _, uploadID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, Call{Op: OpAbort, UploadID: uploadID})
	if t.AbortErr != nil {
		return t.AbortErr
	}
	if _, ok := t.uploads[uploadID]; !ok {
		return noSuchUpload(uploadID)
	}
	delete(t.uploads, uploadID)
	return nil
}

// ListParts ...
func (t *Transport) ListParts(_ context.Context, input multipart.ListPartsInput) (multipart.ListPartsOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, Call{Op: OpList, UploadID: input.UploadID})
	if t.ListErr != nil {
		return multipart.ListPartsOutput{}, t.ListErr
	}
	stored, ok := t.uploads[input.UploadID]
	if !ok {
		return multipart.ListPartsOutput{}, noSuchUpload(input.UploadID)
	}

	var all []multipart.PartInfo
	for _, s := range stored {
		if s.info.PartNumber > input.PartNumberMarker {
			all = append(all, s.info)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PartNumber < all[j].PartNumber })

	out := multipart.ListPartsOutput{UploadID: input.UploadID, Parts: all}
	if input.MaxParts > 0 && len(all) > input.MaxParts {
		out.Parts = all[:input.MaxParts]
		out.IsTruncated = true
		out.NextPartNumberMarker = out.Parts[len(out.Parts)-1].PartNumber
	}
	return out, nil
}

// Calls returns the number of recorded calls of an operation.
func (t *Transport) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// PartCalls returns how many times a part was uploaded.
func (t *Transport) PartCalls(partNumber int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Op == OpUpload && c.PartNumber == partNumber {
			n++
		}
	}
	return n
}

// History returns a copy of every recorded call in order.
func (t *Transport) History() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// MaxInFlight is the highest number of simultaneous part uploads seen.
func (t *Transport) MaxInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxInFlight
}

// CompletedParts returns the part list of the last complete call.
func (t *Transport) CompletedParts() []multipart.CompletedPart {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]multipart.CompletedPart(nil), t.completed...)
}

// Initiated returns the inputs of every initiate call.
func (t *Transport) Initiated() []multipart.InitiateInput {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]multipart.InitiateInput(nil), t.initiated...)
}

// Object returns the content of a completed object.
func (t *Transport) Object(bucket, object string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.objects[bucket+"/"+object]
	return data, ok
}

// SkewError is the rejection a service returns for a request signed too far from serverTime.
func SkewError(serverTime time.Time) error {
	return &multipart.ServiceError{
		StatusCode: 403,
		Code:       multipart.CodeRequestTimeTooSkewed,
		Message:    "The difference between the request time and the server's time is too large.",
		ServerTime: serverTime,
	}
}

// UnavailableError is a retriable server side rejection.
func UnavailableError() error {
	return &multipart.ServiceError{StatusCode: 503, Code: multipart.CodeServiceUnavailable}
}

func noSuchUpload(uploadID string) error {
	return &multipart.ServiceError{StatusCode: 404, Code: multipart.CodeNoSuchUpload, Message: "upload " + uploadID + " does not exist"}
}

var _ multipart.Transport = (*Transport)(nil)
