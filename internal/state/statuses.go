package state

type JobStatus string

const (
	StatusQueued   JobStatus = "queued"
	StatusRunning  JobStatus = "running"
	StatusComplete JobStatus = "complete"
	StatusError    JobStatus = "error"
)

func (s JobStatus) String() string {
	return string(s)
}

// Terminal reports whether a job in this status accepts no further
// state-mutating writes.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// ClientState maps a job status onto the coarser client-facing alias
// exposed by the status endpoint.
func (s JobStatus) ClientState() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusError:
		return "failed"
	default:
		return "running"
	}
}

var AllStatuses = []JobStatus{
	StatusQueued,
	StatusRunning,
	StatusComplete,
	StatusError,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions is the authoritative state machine. Running to running is
// a heartbeat refresh; queued to error is the hard-timeout path for jobs
// that never got a worker.
var ValidTransitions = []Transition{
	{From: StatusQueued, To: StatusRunning},
	{From: StatusQueued, To: StatusError},
	{From: StatusRunning, To: StatusRunning},
	{From: StatusRunning, To: StatusComplete},
	{From: StatusRunning, To: StatusError},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
