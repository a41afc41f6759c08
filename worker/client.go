package worker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/xtaci/smux"
	"gitlab.com/NebulousLabs/errors"
	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/modules"
)

// ErrAuthFailed is returned by Dial when the coordinator rejects the
// worker's credentials; the worker CLI treats this as unrecoverable (spec
// §6, "non-zero on auth failure").
var ErrAuthFailed = errors.New("coordinator rejected authentication")

// Client is one worker's live connection to the coordinator: a single
// xtaci/smux stream carrying the Session Protocol frames (spec §4.5),
// driven from the worker side. Grounded in the same skymodules/renter/
// proto/session.go shape the coordinator-side session package is grounded
// in, generalized to the opposite end of the same wire.
type Client struct {
	conn      net.Conn
	muxSess   *smux.Session
	stream    *smux.Stream
	workerID  string
	accountID string
	cfg       build.Config
	log       *zap.Logger

	writeMu sync.Mutex

	jobMu      sync.Mutex
	busy       bool
	cancelJob  context.CancelFunc
	currentJob string
}

// Dial connects to the coordinator's stream listener at addr, authenticates
// as accountID/secret with the given capabilities, and returns a ready
// Client. If workerID is non-empty, it is presented as the declared
// worker_id so a reconnect resumes the same Worker Session identity (spec
// §4.5, "a worker that reconnects with a previously used worker_id").
func Dial(addr, accountID, secret, workerID string, caps modules.Capabilities, cfg build.Config, log *zap.Logger) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, errors.AddContext(err, "unable to reach coordinator")
	}

	smuxCfg := smux.DefaultConfig()
	smuxCfg.KeepAliveInterval = build.SmuxKeepAliveInterval
	muxSess, err := smux.Client(conn, smuxCfg)
	if err != nil {
		conn.Close()
		return nil, errors.AddContext(err, "unable to establish stream multiplexer")
	}

	stream, err := muxSess.OpenStream()
	if err != nil {
		muxSess.Close()
		return nil, errors.AddContext(err, "unable to open control stream")
	}

	if err := modules.WriteFrame(stream, modules.FrameAuth, modules.AuthRequest{
		AccountID:    accountID,
		Secret:       secret,
		Capabilities: caps,
		WorkerID:     workerID,
	}); err != nil {
		stream.Close()
		muxSess.Close()
		return nil, errors.AddContext(err, "unable to send auth frame")
	}

	stream.SetReadDeadline(time.Now().Add(cfg.HeartbeatInterval * 2))
	frameType, payload, err := modules.ReadFrame(stream)
	if err != nil {
		stream.Close()
		muxSess.Close()
		return nil, errors.AddContext(err, "unable to read auth response")
	}
	switch frameType {
	case modules.FrameAuthOK:
		var ok modules.AuthOK
		if err := modules.DecodePayload(payload, &ok); err != nil {
			stream.Close()
			muxSess.Close()
			return nil, err
		}
		stream.SetReadDeadline(time.Time{})
		return &Client{
			conn:      conn,
			muxSess:   muxSess,
			stream:    stream,
			workerID:  ok.WorkerID,
			accountID: accountID,
			cfg:       cfg,
			log:       log.Named("worker-session").With(zap.String("worker_id", ok.WorkerID)),
		}, nil
	case modules.FrameAuthFail:
		stream.Close()
		muxSess.Close()
		return nil, ErrAuthFailed
	default:
		stream.Close()
		muxSess.Close()
		return nil, errors.New("unexpected frame before authentication completed")
	}
}

// WorkerID returns the identity the coordinator assigned (or confirmed on
// reconnect).
func (c *Client) WorkerID() string {
	return c.workerID
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	c.stream.Close()
	return c.muxSess.Close()
}

func (c *Client) writeFrame(frameType modules.FrameType, payload interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.stream.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return modules.WriteFrame(c.stream, frameType, payload)
}

// Run drives the session loop until the connection fails, ctx is
// cancelled, or the coordinator closes the stream. It starts the heartbeat
// ticker and reads frames until one of those happens, dispatching jobs to
// executor one at a time (spec §4.7, baseline concurrency of 1).
func (c *Client) Run(ctx context.Context, executor *Executor) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(runCtx)
	}()

	err := c.readLoop(runCtx, executor)
	cancel()
	wg.Wait()
	return err
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := modules.WorkerIdle
			c.jobMu.Lock()
			if c.busy {
				status = modules.WorkerBusy
			}
			c.jobMu.Unlock()
			if err := c.writeFrame(modules.FrameHeartbeat, modules.HeartbeatMsg{
				Timestamp: time.Now().Unix(),
				Status:    status,
			}); err != nil {
				c.log.Warn("unable to send heartbeat", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, executor *Executor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frameType, payload, err := modules.ReadFrame(c.stream)
		if err != nil {
			return errors.AddContext(err, "session read failed")
		}

		switch frameType {
		case modules.FrameAssign:
			var assign modules.AssignMsg
			if err := modules.DecodePayload(payload, &assign); err != nil {
				c.log.Warn("malformed assign frame", zap.Error(err))
				continue
			}
			c.handleAssign(ctx, executor, assign)
		case modules.FrameCancel:
			var cancelMsg modules.CancelMsg
			if err := modules.DecodePayload(payload, &cancelMsg); err != nil {
				continue
			}
			c.handleCancel(cancelMsg)
		case modules.FramePing:
			var ping modules.PingMsg
			if err := modules.DecodePayload(payload, &ping); err != nil {
				continue
			}
			if err := c.writeFrame(modules.FramePong, modules.PongMsg{CorrelationID: ping.CorrelationID}); err != nil {
				return err
			}
		default:
			c.log.Warn("unrecognized frame type", zap.String("type", string(frameType)))
		}
	}
}

// handleAssign acks accept or reject, then -- if accepted -- runs the job
// on its own goroutine so the read loop stays free to service cancel/ping
// frames while the container runs.
func (c *Client) handleAssign(ctx context.Context, executor *Executor, assign modules.AssignMsg) {
	c.jobMu.Lock()
	if c.busy {
		c.jobMu.Unlock()
		_ = c.writeFrame(modules.FrameAck, modules.AckMsg{JobID: assign.JobID, Accepted: false, Reason: "worker already busy"})
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.currentJob = assign.JobID
	c.cancelJob = cancel
	c.jobMu.Unlock()

	if err := c.writeFrame(modules.FrameAck, modules.AckMsg{JobID: assign.JobID, Accepted: true}); err != nil {
		c.log.Warn("unable to send ack", zap.Error(err))
		c.finishJob()
		return
	}
	if err := c.writeFrame(modules.FrameProgress, modules.ProgressMsg{JobID: assign.JobID, Phase: modules.ProgressRunning}); err != nil {
		c.log.Warn("unable to send progress", zap.Error(err))
	}

	go c.runJob(jobCtx, executor, assign)
}

func (c *Client) runJob(ctx context.Context, executor *Executor, assign modules.AssignMsg) {
	defer c.finishJob()

	result, err := executor.Run(ctx, assign)
	if err != nil {
		c.log.Warn("job execution failed to launch", zap.String("job_id", assign.JobID), zap.Error(err))
		result = Result{ExitCode: 1, Stderr: err.Error()}
	}

	if err := c.writeFrame(modules.FrameResult, modules.ResultMsg{
		JobID:    assign.JobID,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}); err != nil {
		c.log.Warn("unable to send result", zap.String("job_id", assign.JobID), zap.Error(err))
	}
}

func (c *Client) finishJob() {
	c.jobMu.Lock()
	c.busy = false
	c.currentJob = ""
	c.cancelJob = nil
	c.jobMu.Unlock()
}

// handleCancel interprets a cancel frame as a best-effort kill of whichever
// job is currently running (spec §5, "the worker MUST interpret cancel as
// a best-effort kill"). A cancel for a job that has already finished (the
// result already in flight) is a no-op: the result wins at the coordinator.
func (c *Client) handleCancel(msg modules.CancelMsg) {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	if c.currentJob != msg.JobID || c.cancelJob == nil {
		return
	}
	c.log.Info("cancelling job", zap.String("job_id", msg.JobID), zap.String("reason", msg.Reason))
	c.cancelJob()
}
