package veo

// Operation is a snapshot of a remote generation job. Snapshots are values:
// a refresh returns a new Operation and leaves the previous one intact.
type Operation struct {
	Name string
	Done bool
	// VideoURI is set once the job completed with a result.
	VideoURI string
	// Failure is the vendor's error message for a job that finished without
	// producing a video.
	Failure string
	// FilteredReasons lists safety filter explanations, if the vendor
	// withheld the result.
	FilteredReasons []string
}

// HasResult reports whether the snapshot is terminal and points at a video.
func (o Operation) HasResult() bool {
	return o.Done && o.VideoURI != ""
}

// Artifact is a downloaded video.
type Artifact struct {
	Data     []byte
	MIMEType string
}
