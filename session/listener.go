package session

import (
	"net"
	"sync"

	"github.com/xtaci/smux"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/ratelimit"
	"gitlab.com/NebulousLabs/threadgroup"
	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/ledger"
	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/registry"
	"github.com/gridx/gridx/scheduler"
)

// Listener accepts worker connections, multiplexes each one through a
// single xtaci/smux stream, authenticates the worker against the Ledger,
// registers it with the Registry, and dispatches its frames to the
// Scheduler. It implements scheduler.Sender by looking up the live Session
// for a worker id.
type Listener struct {
	ln     net.Listener
	ledger *ledger.Ledger
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	cfg    build.Config
	log    *zap.Logger
	tg     *threadgroup.ThreadGroup
	rl     *ratelimit.RateLimit

	mu       sync.Mutex
	sessions map[string]*Session
}

// Listen starts accepting worker connections on addr.
func Listen(addr string, l *ledger.Ledger, reg *registry.Registry, sched *scheduler.Scheduler, cfg build.Config, log *zap.Logger, tg *threadgroup.ThreadGroup) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.AddContext(err, "unable to listen for worker connections")
	}
	listener := &Listener{
		ln:       ln,
		ledger:   l,
		reg:      reg,
		sched:    sched,
		cfg:      cfg,
		log:      log.Named("session"),
		tg:       tg,
		rl:       ratelimit.NewRateLimit(cfg.MaxBandwidthBPS, cfg.MaxBandwidthBPS, 0),
		sessions: make(map[string]*Session),
	}
	sched.SetSender(listener)

	if err := tg.Add(); err != nil {
		ln.Close()
		return nil, err
	}
	go func() {
		defer tg.Done()
		listener.threadedAcceptLoop()
	}()
	tg.OnStop(func() error {
		return ln.Close()
	})
	return listener, nil
}

func (l *Listener) threadedAcceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.tg.StopChan():
				return
			default:
				l.log.Warn("accept failed", zap.Error(err))
				return
			}
		}
		if err := l.tg.Add(); err != nil {
			conn.Close()
			return
		}
		go func() {
			defer l.tg.Done()
			l.handleConn(conn)
		}()
	}
}

func (l *Listener) handleConn(rawConn net.Conn) {
	conn := ratelimit.NewRLConn(rawConn, l.rl, l.tg.StopChan())
	defer conn.Close()

	smuxCfg := smux.DefaultConfig()
	smuxCfg.KeepAliveInterval = build.SmuxKeepAliveInterval
	muxSession, err := smux.Server(conn, smuxCfg)
	if err != nil {
		l.log.Warn("unable to establish stream multiplexer", zap.Error(err))
		return
	}
	defer muxSession.Close()

	stream, err := muxSession.AcceptStream()
	if err != nil {
		l.log.Warn("unable to accept control stream", zap.Error(err))
		return
	}
	defer stream.Close()

	accountID, caps, workerID, err := authenticate(stream, l.ledger, l.cfg, l.log)
	if err != nil {
		l.log.Info("worker authentication failed", zap.Error(err))
		return
	}

	sess := newSession(stream, workerID, accountID, l.reg, l.sched, l.log)
	l.reg.Register(workerID, accountID, caps)

	l.mu.Lock()
	l.sessions[workerID] = sess
	l.mu.Unlock()

	l.log.Info("worker connected", zap.String("worker_id", workerID), zap.String("owner", accountID))

	done := make(chan struct{})
	sess.threadedReadLoop(func() { close(done) })

	l.mu.Lock()
	delete(l.sessions, workerID)
	l.mu.Unlock()

	if job, ok := l.assignedJob(workerID); ok {
		if err := l.sched.OnWorkerLost(workerID, job); err != nil {
			l.log.Warn("unable to requeue job after worker loss", zap.String("worker_id", workerID), zap.Error(err))
		}
	}
	_ = l.reg.MarkOffline(workerID)
	l.log.Info("worker disconnected", zap.String("worker_id", workerID))
}

func (l *Listener) assignedJob(workerID string) (string, bool) {
	info, err := l.reg.Get(workerID)
	if err != nil || info.AssignedJob == "" {
		return "", false
	}
	return info.AssignedJob, true
}

// SendAssign implements scheduler.Sender by forwarding to the live Session
// for workerID.
func (l *Listener) SendAssign(workerID string, job modules.Job) error {
	sess, ok := l.dispatchSession(workerID)
	if !ok {
		return errors.New("no live session for worker")
	}
	return sess.SendAssign(workerID, job)
}

// SendCancel implements scheduler.Sender.
func (l *Listener) SendCancel(workerID, jobID, reason string) error {
	sess, ok := l.dispatchSession(workerID)
	if !ok {
		return errors.New("no live session for worker")
	}
	return sess.SendCancel(workerID, jobID, reason)
}

// dispatchSession returns the live Session for workerID, if any.
func (l *Listener) dispatchSession(workerID string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[workerID]
	return s, ok
}

// Close shuts down the listener immediately, without waiting for
// threadgroup-managed connections to drain.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's bound network address, letting a caller that
// started Listen on an ephemeral port (":0") discover what it actually
// bound to.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
