package modules

// FrameType tags every message exchanged on the Session Protocol.
type FrameType string

// The mandatory message types.
const (
	FrameAuth       FrameType = "auth"
	FrameAuthOK     FrameType = "auth_ok"
	FrameAuthFail   FrameType = "auth_fail"
	FrameHeartbeat  FrameType = "heartbeat"
	FrameAssign     FrameType = "assign"
	FrameAck        FrameType = "ack"
	FrameProgress   FrameType = "progress"
	FrameResult     FrameType = "result"
	FrameCancel     FrameType = "cancel"
	FramePing       FrameType = "ping"
	FramePong       FrameType = "pong"
)

// AuthRequest is the W→C `auth` frame, the mandatory first message on a new
// connection.
type AuthRequest struct {
	AccountID    string       `json:"account_id"`
	Secret       string       `json:"secret"`
	Capabilities Capabilities `json:"capabilities"`
	WorkerID     string       `json:"worker_id,omitempty"` // present on reconnect
}

// AuthOK is the C→W `auth_ok` frame.
type AuthOK struct {
	WorkerID string `json:"worker_id"`
}

// AuthFail is the C→W `auth_fail` frame.
type AuthFail struct {
	Reason string `json:"reason"`
}

// HeartbeatMsg is the W→C `heartbeat` frame.
type HeartbeatMsg struct {
	Timestamp int64        `json:"timestamp"`
	Status    WorkerStatus `json:"status"`
}

// AssignMsg is the C→W `assign` frame.
type AssignMsg struct {
	JobID    string    `json:"job_id"`
	Language string    `json:"language"`
	Code     string    `json:"code"`
	Limits   JobLimits `json:"limits"`
}

// AckMsg is the W→C `ack` frame.
type AckMsg struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ProgressPhase enumerates the phases a `progress` frame may report.
type ProgressPhase string

// ProgressRunning is the sole progress phase in the baseline protocol.
const ProgressRunning ProgressPhase = "running"

// ProgressMsg is the W→C `progress` frame.
type ProgressMsg struct {
	JobID string        `json:"job_id"`
	Phase ProgressPhase `json:"phase"`
}

// ResultMsg is the W→C `result` frame. Stdout/stderr are already truncated
// to MaxOutputBytes by the Executor before this is sent.
type ResultMsg struct {
	JobID    string `json:"job_id"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CancelMsg is the C→W `cancel` frame.
type CancelMsg struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// PingMsg / PongMsg carry a correlation id for liveness probes.
type PingMsg struct {
	CorrelationID string `json:"correlation_id"`
}

type PongMsg struct {
	CorrelationID string `json:"correlation_id"`
}
