package pipeline

// State is the lifecycle position of a Processor run.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateProcessing     State = "processing"
	StateDone           State = "done"
	StateFailed         State = "failed"
	StateInterrupted    State = "interrupted"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateInterrupted
}

// Stats is a point-in-time view of run progress. It is never persisted.
type Stats struct {
	State State `json:"state"`

	// Current is the 0-based index of the next record to be written while
	// Processing; it equals Processed.
	Current   int `json:"current"`
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Deduped counts records answered from an earlier fetch of the same post.
	Deduped int `json:"deduped"`
}

// Remaining returns the number of records not yet written.
func (s Stats) Remaining() int {
	return s.Total - s.Processed
}
