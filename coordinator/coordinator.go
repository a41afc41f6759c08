// Package coordinator wires together the Ledger, Job Store, Worker Registry,
// Scheduler, Session Protocol listener, and Submission API into a single
// runnable daemon, and owns its graceful shutdown.
//
// Grounded in the teacher's node package, which performs the equivalent
// top-level wiring for Sia's own modules (consensus, gateway, renter, host,
// ...) behind one *http.Server and one threadgroup-guarded shutdown path.
package coordinator

import (
	"context"
	"net/http"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"
	"go.uber.org/zap"

	"github.com/gridx/gridx/api"
	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/jobstore"
	"github.com/gridx/gridx/ledger"
	"github.com/gridx/gridx/registry"
	"github.com/gridx/gridx/scheduler"
	"github.com/gridx/gridx/session"
	"github.com/gridx/gridx/storage"
)

// Coordinator owns every Grid-X coordinator-side component and the two
// listeners (Submission API, Session Protocol) that expose them.
type Coordinator struct {
	cfg   build.Config
	log   *zap.Logger
	tg    *threadgroup.ThreadGroup
	store *storage.Store

	Ledger    *ledger.Ledger
	Jobs      *jobstore.Store
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler

	sessionListener *session.Listener
	httpServer      *http.Server
}

// New opens storage at cfg.DBPath and constructs every component, but does
// not yet bind a socket or start any background loop; call Start for that.
func New(cfg build.Config, log *zap.Logger) (*Coordinator, error) {
	st, err := storage.Open(cfg.DBPath, log)
	if err != nil {
		return nil, errors.AddContext(err, "opening storage")
	}

	l := ledger.New(st, log)
	js := jobstore.New(st)
	reg := registry.New(log)
	sched := scheduler.New(l, js, reg, cfg, log)

	return &Coordinator{
		cfg:       cfg,
		log:       log,
		tg:        &threadgroup.ThreadGroup{},
		store:     st,
		Ledger:    l,
		Jobs:      js,
		Registry:  reg,
		Scheduler: sched,
	}, nil
}

// Start restores in-flight scheduler state, binds the Session Protocol
// listener and the Submission API's HTTP server, and launches every
// background loop. It returns once the session listener is bound and the
// HTTP server goroutine is launched; the HTTP server binds inside that
// goroutine, and a failure there is logged rather than returned from Start.
func (c *Coordinator) Start() error {
	if err := c.Scheduler.Restore(); err != nil {
		return errors.AddContext(err, "restoring scheduler state")
	}

	if err := registry.StartSweep(c.tg, c.Registry, c.Scheduler, c.cfg.StaleThreshold, c.cfg.OfflineGraceThreshold, c.log); err != nil {
		return errors.AddContext(err, "starting registry sweep")
	}
	if err := c.Scheduler.StartDispatchLoop(c.tg, build.DispatchInterval); err != nil {
		return errors.AddContext(err, "starting dispatch loop")
	}

	streamAddr := build.ListenAddr(c.cfg.StreamPort)
	sl, err := session.Listen(streamAddr, c.Ledger, c.Registry, c.Scheduler, c.cfg, c.log, c.tg)
	if err != nil {
		return errors.AddContext(err, "binding session listener")
	}
	c.sessionListener = sl

	submissionAPI := api.New(c.Ledger, c.Jobs, c.Registry, c.Scheduler, c.cfg, c.log)
	httpAddr := build.ListenAddr(c.cfg.HTTPPort)
	c.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: submissionAPI,
	}

	if err := c.tg.Add(); err != nil {
		return errors.AddContext(err, "adding http server to threadgroup")
	}
	go c.threadedServeHTTP()

	c.log.Info("coordinator started", zap.String("http_addr", httpAddr), zap.String("stream_addr", streamAddr))
	return nil
}

func (c *Coordinator) threadedServeHTTP() {
	defer c.tg.Done()
	c.tg.OnStop(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), build.ShutdownTimeout)
		defer cancel()
		return c.httpServer.Shutdown(ctx)
	})
	if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		c.log.Error("http server exited", zap.Error(err))
	}
}

// Close stops every background loop and listener, then closes storage. It
// is safe to call even if Start returned an error partway through.
func (c *Coordinator) Close() error {
	var errs []error
	if c.tg != nil {
		if err := c.tg.Stop(); err != nil {
			errs = append(errs, errors.AddContext(err, "stopping threadgroup"))
		}
	}
	if c.sessionListener != nil {
		if err := c.sessionListener.Close(); err != nil {
			errs = append(errs, errors.AddContext(err, "closing session listener"))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, errors.AddContext(err, "closing storage"))
		}
	}
	return errors.Compose(errs...)
}
