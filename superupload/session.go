// Package superupload uploads large objects as resumable, concurrent multipart uploads.
//
// A Session plans the parts of its source, initiates (or resumes) one multipart upload,
// uploads the parts with bounded concurrency and completes the upload once every part
// is done. Pause, Resume and Cancel may be called at any time from any goroutine.
package superupload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/objstore-io/go-superupload/multipart"
)

// Result describes a completed upload.
type Result struct {
	Bucket   string
	Object   string
	UploadID string
	ETag     string
	Location string
	Size     int64
	Parts    int
}

// Session is one multipart upload of one source. It is single use: once it reaches a
// terminal state a new upload needs a new Session.
type Session struct {
	transport multipart.Transport
	bucket    string
	object    string
	source    Source
	config    Config
	logger    log.Logger
	clock     *multipart.Clock
	events    *eventQueue

	// counters hold the bytes sent by the current attempt of each part.
	counters []atomic.Int64

	// wake is signalled when a control call changed what the scheduler may do.
	wake chan struct{}
	// settled is closed when no part task can run anymore.
	settled chan struct{}
	// done is closed when the session reaches a terminal state.
	done chan struct{}

	mu         sync.Mutex
	state      State
	uploadID   string
	parts      []Part
	started    bool
	cancelling bool
	stalled    bool
	stallCh    chan struct{}
	startedAt  time.Time
	result     *Result
	err        error

	// partTime is the summed upload time of the parts done in this session.
	partTime   time.Duration
	timedParts int

	// fatal is an unrecoverable part error; the session fails once in-flight parts settle.
	fatal error

	// baseCtx carries the values of the Start context without its cancellation.
	baseCtx   context.Context
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New validates the arguments and plans the parts. It does not call the service.
func New(transport multipart.Transport, bucket, object string, source Source, opts ...Option) (*Session, error) {
	if transport == nil {
		return nil, &ValidationError{Field: "transport", Reason: "no transport"}
	}
	if bucket == "" {
		return nil, &ValidationError{Field: "bucket", Reason: "must not be empty"}
	}
	if object == "" {
		return nil, &ValidationError{Field: "object", Reason: "must not be empty"}
	}
	if err := validateSource(source); err != nil {
		return nil, err
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = log.NewLogger()
	}

	var limits multipart.Limits
	if provider, ok := transport.(multipart.LimitsProvider); ok {
		limits = provider.Limits()
	}
	if err := config.validate(limits, source.Size()); err != nil {
		return nil, err
	}

	maxParts := multipart.MaxPartNumber
	if limits.MaxParts > 0 && limits.MaxParts < maxParts {
		maxParts = limits.MaxParts
	}
	parts, err := planParts(source.Size(), config.ChunkSize, maxParts)
	if err != nil {
		return nil, err
	}

	clock := config.Clock
	if clock == nil {
		if provider, ok := transport.(multipart.ClockProvider); ok {
			clock = provider.Clock()
		}
	}

	return &Session{
		transport: transport,
		bucket:    bucket,
		object:    object,
		source:    source,
		config:    config,
		logger:    config.Logger,
		clock:     clock,
		events:    newEventQueue(),
		counters:  make([]atomic.Int64, len(parts)),
		wake:      make(chan struct{}, 1),
		settled:   make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateCreated,
		parts:     parts,
		stallCh:   make(chan struct{}),
	}, nil
}

// Start initiates the multipart upload, or resyncs with an existing one when the
// session was created WithUploadID, then starts uploading parts in the background.
//
// ctx bounds the initiate and list calls only; stop the upload itself with Cancel.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		uploadID := s.uploadID
		s.mu.Unlock()
		return &AlreadyStartedError{UploadID: uploadID}
	}
	s.started = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.runCtx, s.cancelRun = context.WithCancel(s.baseCtx)
	s.setStateLocked(StateInitiated)
	s.mu.Unlock()

	var uploadID string
	var err error
	if s.config.UploadID != "" {
		uploadID, err = s.config.UploadID, s.resync(ctx, s.config.UploadID)
	} else {
		uploadID, err = s.initiate(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Errorf("Failed to start upload of %s/%s: %s", s.bucket, s.object, err)
		close(s.settled)
		s.finishLocked(StateFailed, err)
		return err
	}

	s.uploadID = uploadID
	s.startedAt = time.Now()
	if !s.cancelling {
		s.setStateLocked(StateRunning)
	}
	s.logger.Infof("Uploading %s to %s/%s in %d parts (upload id: %s, chunk size: %s, concurrency: %d)",
		units.BytesSize(float64(s.source.Size())), s.bucket, s.object, len(s.parts), uploadID,
		units.BytesSize(float64(s.config.ChunkSize)), s.config.PartConcurrency)

	go s.schedule()
	return nil
}

func (s *Session) initiate(ctx context.Context) (string, error) {
	uploadID, err := s.transport.InitiateMultipartUpload(ctx, multipart.InitiateInput{
		Bucket:       s.bucket,
		Object:       s.object,
		ContentType:  s.config.ContentType,
		StorageClass: s.config.StorageClass,
		Metadata:     s.config.UserMetadata,
	})
	if err != nil {
		return "", fmt.Errorf("initiate multipart upload: %w", err)
	}
	return uploadID, nil
}

// Pause stops dispatching new parts. In-flight parts finish and are recorded.
// It returns false if the session is not running.
func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.cancelling {
		return false
	}
	s.setStateLocked(StatePaused)
	s.logger.Infof("Upload %s paused", s.uploadID)
	return true
}

// Resume re-enables dispatch of pending parts. It returns false if the session is
// not paused.
func (s *Session) Resume() bool {
	s.mu.Lock()
	if s.state != StatePaused || s.cancelling {
		s.mu.Unlock()
		return false
	}
	s.setStateLocked(StateRunning)
	s.logger.Infof("Upload %s resumed", s.uploadID)
	s.mu.Unlock()

	s.notify()
	return true
}

// RetryFailed re-queues every failed part with a fresh retry budget and returns
// how many parts were re-queued.
func (s *Session) RetryFailed() int {
	s.mu.Lock()
	if s.state.Terminal() || s.cancelling {
		s.mu.Unlock()
		return 0
	}
	n := 0
	for i := range s.parts {
		if s.parts[i].Status == PartFailed {
			s.parts[i].Status = PartPending
			s.parts[i].RetryCount = 0
			s.parts[i].Err = nil
			n++
		}
	}
	if n > 0 && s.stalled {
		s.stalled = false
		s.stallCh = make(chan struct{})
	}
	s.mu.Unlock()

	if n > 0 {
		s.logger.Infof("Retrying %d failed part(s)", n)
		s.notify()
	}
	return n
}

// Cancel stops the upload: in-flight parts are cancelled, pending parts are dropped,
// and once every task settled the upload is aborted exactly once. It returns whether
// this call aborted the upload. A session that was never started is closed without
// an abort call.
//
// ctx bounds the wait only; the cancellation completes even if ctx expires first.
func (s *Session) Cancel(ctx context.Context) (bool, error) {
	s.mu.Lock()
	switch {
	case s.state.Terminal():
		s.mu.Unlock()
		return false, nil
	case s.state == StateCreated:
		s.finishLocked(StateCancelled, ErrCancelled)
		s.mu.Unlock()
		return false, nil
	case s.cancelling:
		s.mu.Unlock()
		select {
		case <-s.done:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	s.cancelling = true
	s.cancelRun()
	s.logger.Warnf("Cancelling upload of %s/%s", s.bucket, s.object)
	s.mu.Unlock()
	s.notify()

	aborted := make(chan cancelOutcome, 1)
	go func() {
		ok, err := s.abort()
		aborted <- cancelOutcome{aborted: ok, err: err}
	}()

	select {
	case outcome := <-aborted:
		return outcome.aborted, outcome.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

type cancelOutcome struct {
	aborted bool
	err     error
}

// Wait blocks until the session is terminal, or until every part settled and some
// failed. In the latter case it returns a *PartFailuresError and the session stays
// open: its scheduler keeps running until the caller calls RetryFailed or Cancel,
// so an abandoned stalled session must be cancelled to release it.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	for {
		s.mu.Lock()
		if !s.started && !s.state.Terminal() {
			s.mu.Unlock()
			return nil, ErrNotStarted
		}
		stallCh := s.stallCh
		s.mu.Unlock()

		select {
		case <-s.done:
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.result, s.err
		case <-stallCh:
			s.mu.Lock()
			if s.stalled {
				err := s.partFailuresLocked()
				s.mu.Unlock()
				return nil, err
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run starts the session and waits for it.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s.Wait(ctx)
}

// State ...
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UploadID returns the upload id, empty before Start succeeded.
func (s *Session) UploadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadID
}

// Parts returns a copy of the part table.
func (s *Session) Parts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Part(nil), s.parts...)
}

// Progress ...
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

// Events returns the notifications of the session, in order. The channel is closed
// after the terminal state change. Events are buffered until the first call.
func (s *Session) Events() <-chan Event {
	return s.events.subscribe()
}

func (s *Session) recordPartTimeLocked(d time.Duration) {
	s.partTime += d
	s.timedParts++
}

func (s *Session) avgPartDurationLocked() time.Duration {
	if s.timedParts == 0 {
		return 0
	}
	return s.partTime / time.Duration(s.timedParts)
}

func (s *Session) progressLocked() Progress {
	p := Progress{
		TotalBytes:      s.source.Size(),
		TotalParts:      len(s.parts),
		AvgPartDuration: s.avgPartDurationLocked(),
	}
	if !s.startedAt.IsZero() {
		p.Elapsed = time.Since(s.startedAt)
	}
	for i, part := range s.parts {
		switch part.Status {
		case PartDone:
			p.DoneParts++
			p.UploadedBytes += part.Size
		case PartUploading:
			sent := s.counters[i].Load()
			if sent > part.Size {
				sent = part.Size
			}
			p.UploadedBytes += sent
		}
	}
	return p
}

func (s *Session) partFailuresLocked() error {
	var failures []*PartFailure
	for _, part := range s.parts {
		if part.Status != PartFailed {
			continue
		}
		if failure, ok := part.Err.(*PartFailure); ok {
			failures = append(failures, failure)
		} else {
			failures = append(failures, &PartFailure{PartNumber: part.PartNumber, Attempts: part.RetryCount + 1, Err: part.Err})
		}
	}
	return newPartFailuresError(s.uploadID, failures)
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.Debugf("Upload session %s -> %s", s.state, state)
	s.state = state
	s.events.push(Event{Type: EventStateChanged, State: state, Progress: s.progressLocked()})
}

// finishLocked moves to a terminal state and releases everyone waiting.
func (s *Session) finishLocked(state State, err error) {
	s.setStateLocked(state)
	s.err = err
	if s.cancelRun != nil {
		s.cancelRun()
	}
	close(s.done)
	s.events.close()
}

func (s *Session) emitLocked(e Event) {
	e.State = s.state
	e.Progress = s.progressLocked()
	s.events.push(e)
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
