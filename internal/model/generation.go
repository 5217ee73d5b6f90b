package model

import "time"

// Generation status constants.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusPolling   = "polling"
	StatusComplete  = "complete"
	StatusFetched   = "fetched"
	StatusFailed    = "failed"
	StatusReleased  = "released"
)

// DefaultSession is used when a caller does not identify its session.
const DefaultSession = "default"

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusSubmitted: true,
		StatusFailed:    true,
	},
	StatusSubmitted: {
		StatusPolling:  true,
		StatusComplete: true,
		StatusFailed:   true,
	},
	StatusPolling: {
		StatusComplete: true,
		StatusFailed:   true,
	},
	StatusComplete: {
		StatusFetched: true,
		StatusFailed:  true,
	},
	StatusFetched: {
		StatusReleased: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further work happens for a generation in status.
func IsTerminal(status string) bool {
	return status == StatusFetched || status == StatusFailed || status == StatusReleased
}

// IsActive reports whether a generation in status is still in flight.
func IsActive(status string) bool {
	return status == StatusPending || status == StatusSubmitted ||
		status == StatusPolling || status == StatusComplete
}

// Event kinds recorded during a generation.
const (
	EventSubmitted = "submitted"
	EventPoll      = "poll"
	EventComplete  = "complete"
	EventFetched   = "fetched"
	EventFailed    = "failed"
)

// Event is a single persisted progress entry of a generation.
type Event struct {
	ID           int64     `json:"id"`
	GenerationID string    `json:"generation_id"`
	Seq          int       `json:"seq"`
	Kind         string    `json:"kind"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// Generation is one image-to-video request and its progress.
type Generation struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Status        string     `json:"status"`
	Prompt        string     `json:"prompt"`
	Transcript    string     `json:"transcript,omitempty"`
	AspectRatio   string     `json:"aspect_ratio"`
	ImageMIME     string     `json:"image_mime"`
	ImageSize     int        `json:"image_size"`
	Model         string     `json:"model,omitempty"`
	OperationName string     `json:"operation_name,omitempty"`
	VideoURI      string     `json:"-"`
	PollCount     int        `json:"poll_count"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorReason   string     `json:"error_reason,omitempty"`
	Error         string     `json:"error,omitempty"`
	ArtifactMIME  string     `json:"artifact_mime,omitempty"`
	ArtifactSize  *int       `json:"artifact_size,omitempty"`
	DurationMS    *int       `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
