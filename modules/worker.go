package modules

import "time"

// WorkerStatus is a Worker Session's place in the per-session state machine.
type WorkerStatus string

// The recognized worker statuses.
const (
	WorkerConnecting WorkerStatus = "connecting"
	WorkerIdle       WorkerStatus = "idle"
	WorkerBusy       WorkerStatus = "busy"
	WorkerOffline    WorkerStatus = "offline"
)

// Capabilities are the resources a worker declares on auth. The
// Concurrency field is carried for forward compatibility (DESIGN.md open
// question 3): more than one concurrent job per session is not implemented
// in the baseline.
type Capabilities struct {
	CPUCores         uint32 `json:"cpu_cores"`
	AcceleratorCount uint32 `json:"accelerator_count"`
	MemoryMB         uint64 `json:"memory_mb"`
	Concurrency      uint32 `json:"concurrency"`
}

// Satisfies reports whether these capabilities meet the given job
// requirements: CPU cores and memory ceiling must each be at least the
// requested amount, and an accelerator must be present if requested.
func (c Capabilities) Satisfies(req Requirements) bool {
	if c.CPUCores < req.CPUCores {
		return false
	}
	if c.MemoryMB < req.MemoryMB {
		return false
	}
	if req.Accelerator && c.AcceleratorCount == 0 {
		return false
	}
	return true
}

// Requirements describe what a job needs from a worker. Derived from a Job's
// JobLimits plus an optional accelerator flag; kept distinct from
// Capabilities because a job requests a minimum, a worker declares a ceiling.
type Requirements struct {
	CPUCores    uint32
	MemoryMB    uint64
	Accelerator bool
}

// WorkerInfo is the read-only snapshot of a Worker Session the Registry
// exposes to the Scheduler, the Submission API, and the `/workers` endpoint.
// It deliberately does not carry the transport handle or any Job content:
// the registry holds no back-pointer to job content, only to the id.
type WorkerInfo struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner"`
	Capabilities Capabilities `json:"capabilities"`
	Status       WorkerStatus `json:"status"`
	LastSeen     time.Time    `json:"last_seen"`
	AssignedJob  string       `json:"assigned_job,omitempty"`
}
