// Package session implements C5: the worker-facing Session Protocol, a
// length-delimited JSON frame exchange carried over a single xtaci/smux
// stream per TCP connection (SPEC_FULL.md §4.5). One session.Session is one
// connected, authenticated worker.
//
// Grounded in the teacher's skymodules/renter/proto/session.go: a `Session`
// wrapping one transport connection, a `call`/`writeRequest`/`readResponse`
// helper trio serializing access to the wire, generalized here from Sia's
// encrypted RPC-request/RPC-response pairing to Grid-X's tagged
// frame-in/frame-out protocol (no contract-revision negotiation, no AEAD:
// authentication is the account secret presented once on connect).
package session

import (
	"net"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/ledger"
	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/registry"
	"github.com/gridx/gridx/scheduler"
)

// Session is one authenticated worker connection.
type Session struct {
	conn   net.Conn
	worker string
	owner  string

	reg   *registry.Registry
	sched *scheduler.Scheduler
	log   *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeChan chan struct{}
}

// newSession wraps an already-authenticated connection.
func newSession(conn net.Conn, workerID, owner string, reg *registry.Registry, sched *scheduler.Scheduler, log *zap.Logger) *Session {
	return &Session{
		conn:      conn,
		worker:    workerID,
		owner:     owner,
		reg:       reg,
		sched:     sched,
		log:       log.With(zap.String("worker_id", workerID)),
		closeChan: make(chan struct{}),
	}
}

// SendAssign implements scheduler.Sender.
func (s *Session) SendAssign(workerID string, job modules.Job) error {
	return s.writeFrame(modules.FrameAssign, modules.AssignMsg{
		JobID:    job.ID,
		Language: job.Language,
		Code:     job.Code,
		Limits:   job.Limits,
	})
}

// SendCancel implements scheduler.Sender.
func (s *Session) SendCancel(workerID, jobID, reason string) error {
	return s.writeFrame(modules.FrameCancel, modules.CancelMsg{JobID: jobID, Reason: reason})
}

func (s *Session) writeFrame(frameType modules.FrameType, payload interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return modules.WriteFrame(s.conn, frameType, payload)
}

// Close closes the underlying connection exactly once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeChan)
		err = s.conn.Close()
	})
	return err
}

// threadedReadLoop services incoming frames until the connection fails or
// closes. It is the worker-to-coordinator half of the protocol: heartbeat,
// ack, progress, result.
func (s *Session) threadedReadLoop(onClose func()) {
	defer onClose()
	defer s.Close()

	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		frameType, payload, err := modules.ReadFrame(s.conn)
		if err != nil {
			s.log.Info("session read failed, treating worker as lost", zap.Error(err))
			return
		}

		if err := s.reg.Touch(s.worker); err != nil {
			s.log.Warn("touch on unregistered worker", zap.Error(err))
		}

		switch frameType {
		case modules.FrameHeartbeat:
			var hb modules.HeartbeatMsg
			if err := modules.DecodePayload(payload, &hb); err != nil {
				s.log.Warn("malformed heartbeat frame", zap.Error(err))
				continue
			}
		case modules.FrameAck:
			var ack modules.AckMsg
			if err := modules.DecodePayload(payload, &ack); err != nil {
				s.log.Warn("malformed ack frame", zap.Error(err))
				continue
			}
			s.sched.OnAck(ack.JobID, s.worker, ack.Accepted, ack.Reason)
		case modules.FrameProgress:
			var prog modules.ProgressMsg
			if err := modules.DecodePayload(payload, &prog); err != nil {
				s.log.Warn("malformed progress frame", zap.Error(err))
				continue
			}
			if err := s.sched.OnProgress(prog.JobID); err != nil {
				s.log.Warn("unable to record progress", zap.Error(err))
			}
		case modules.FrameResult:
			var res modules.ResultMsg
			if err := modules.DecodePayload(payload, &res); err != nil {
				s.log.Warn("malformed result frame", zap.Error(err))
				continue
			}
			if err := s.sched.OnResult(res.JobID, s.worker, res.ExitCode, res.Stdout, res.Stderr); err != nil {
				s.log.Error("unable to finalize job result", zap.Error(err))
			}
		case modules.FramePing:
			var ping modules.PingMsg
			if err := modules.DecodePayload(payload, &ping); err != nil {
				continue
			}
			if err := s.writeFrame(modules.FramePong, modules.PongMsg{CorrelationID: ping.CorrelationID}); err != nil {
				s.log.Warn("unable to reply to ping", zap.Error(err))
			}
		default:
			s.log.Warn("unrecognized frame type", zap.String("type", string(frameType)))
		}
	}
}

// authenticate performs the mandatory first exchange on a new connection:
// read an auth frame, verify it against the Ledger, and reply auth_ok or
// auth_fail (spec §4.5).
func authenticate(conn net.Conn, l *ledger.Ledger, cfg build.Config, log *zap.Logger) (accountID string, caps modules.Capabilities, workerID string, err error) {
	conn.SetReadDeadline(time.Now().Add(cfg.HeartbeatInterval * 2))
	frameType, payload, err := modules.ReadFrame(conn)
	if err != nil {
		return "", modules.Capabilities{}, "", errors.AddContext(err, "unable to read auth frame")
	}
	if frameType != modules.FrameAuth {
		writeAuthFail(conn, "expected auth frame")
		return "", modules.Capabilities{}, "", errors.New("first frame was not auth")
	}
	var req modules.AuthRequest
	if err := modules.DecodePayload(payload, &req); err != nil {
		writeAuthFail(conn, "malformed auth payload")
		return "", modules.Capabilities{}, "", err
	}
	if !modules.ValidAccountID(req.AccountID) {
		writeAuthFail(conn, "invalid account id")
		return "", modules.Capabilities{}, "", ErrInvalidAuth
	}

	if _, err := l.EnsureAccount(req.AccountID, req.Secret, cfg.StartingBalance); err != nil {
		writeAuthFail(conn, "unable to provision account")
		return "", modules.Capabilities{}, "", err
	}
	if err := l.VerifyAuth(req.AccountID, req.Secret); err != nil {
		writeAuthFail(conn, "authentication failed")
		return "", modules.Capabilities{}, "", err
	}

	workerID = req.WorkerID
	if workerID == "" {
		workerID = modules.NewUUID()
	}

	if err := modules.WriteFrame(conn, modules.FrameAuthOK, modules.AuthOK{WorkerID: workerID}); err != nil {
		return "", modules.Capabilities{}, "", err
	}
	return req.AccountID, req.Capabilities, workerID, nil
}

func writeAuthFail(conn net.Conn, reason string) {
	_ = modules.WriteFrame(conn, modules.FrameAuthFail, modules.AuthFail{Reason: reason})
}

// ErrInvalidAuth is returned when an auth frame's account id fails the
// account grammar.
var ErrInvalidAuth = errors.New("invalid authentication request")
