package modules

import (
	"time"

	"github.com/google/uuid"
)

// ValidUUIDv4 reports whether s parses as a syntactically valid version-4
// UUID.
func ValidUUIDv4(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4
}

// NewUUID mints a fresh UUIDv4 string, used for both Job and Worker Session
// identifiers.
func NewUUID() string {
	return uuid.NewString()
}

// JobState is a Job's position in its lifecycle state machine.
type JobState string

// The recognized job states.
const (
	JobQueued    JobState = "queued"
	JobAssigned  JobState = "assigned"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether s is one of the three terminal states.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobLimits are the execution limits a submitter (or the coordinator's
// defaults) attaches to a Job.
type JobLimits struct {
	WallTimeoutSeconds uint32 `json:"wall_timeout_seconds"`
	MemoryMB           uint64 `json:"memory_mb"`
}

// Job is a unit of user-submitted code with resource limits and a
// lifecycle.
type Job struct {
	ID             string    `json:"id"`
	Submitter      string    `json:"submitter"`
	Code           string    `json:"-"` // never rendered back over the API
	Language       string    `json:"language"`
	Limits         JobLimits `json:"limits"`
	State          JobState  `json:"state"`
	AssignedWorker string    `json:"assigned_worker,omitempty"`
	Stdout         string    `json:"stdout,omitempty"`
	Stderr         string    `json:"stderr,omitempty"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	RequeueCount   int       `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

// jobTransitions enumerates every legal state transition. Anything not
// listed here is rejected by the Job Store. Queued->Failed is a
// supplemental transition: it is how the scheduler dead-letters a job that
// has exhausted its requeue attempts after repeated worker loss (DESIGN.md
// open question 2), reached at the point where the job has already been
// placed back in Queued and has nowhere else legal to go but Failed.
var jobTransitions = map[JobState]map[JobState]bool{
	JobQueued:    {JobAssigned: true, JobCancelled: true, JobFailed: true},
	JobAssigned:  {JobRunning: true, JobQueued: true},
	JobRunning:   {JobCompleted: true, JobFailed: true, JobQueued: true},
	JobCompleted: {},
	JobFailed:    {},
	JobCancelled: {},
}

// ValidJobTransition reports whether moving a Job from `from` to `to` is one
// of the legal transitions in the state machine.
func ValidJobTransition(from, to JobState) bool {
	next, ok := jobTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
