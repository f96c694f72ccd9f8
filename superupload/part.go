package superupload

// PartStatus ...
type PartStatus int

// Part statuses.
const (
	PartPending PartStatus = iota
	PartUploading
	PartDone
	PartFailed
)

func (s PartStatus) String() string {
	switch s {
	case PartPending:
		return "pending"
	case PartUploading:
		return "uploading"
	case PartDone:
		return "done"
	case PartFailed:
		return "failed"
	}
	return "unknown"
}

// Part is one contiguous byte range of the source.
type Part struct {
	PartNumber int
	Offset     int64
	Size       int64
	Status     PartStatus
	ETag       string
	// RetryCount is the number of retries taken by the last upload of the part.
	RetryCount int
	// Err is the last error of the part, nil once it is done.
	Err error
}

// State is the lifecycle state of a Session.
type State int

// Session states.
const (
	StateCreated State = iota
	StateInitiated
	StateRunning
	StatePaused
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitiated:
		return "initiated"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}
