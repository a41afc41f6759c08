package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/modules"
)

// Config is the worker process's own configuration, distinct from
// build.Config (the coordinator's environment-variable surface): these
// values come from cmd/gridx-worker's CLI flags (spec §6's CLI surface),
// not the coordinator's GRIDX_* environment.
type Config struct {
	CoordinatorAddr string
	AccountID       string
	Secret          string
	Capabilities    modules.Capabilities
	Workdir         string
}

// reconnectBackoff bounds how long Worker waits between a lost connection
// and the next dial attempt, growing from its initial value up to a cap so
// a coordinator restart doesn't get hammered by a tight retry loop.
const (
	reconnectBackoffInitial = time.Second
	reconnectBackoffMax     = 30 * time.Second
)

// Worker is the worker process's top-level object: one Executor and a
// reconnecting session Client, run until ctx is cancelled. It preserves its
// assigned worker id across reconnects so the coordinator's Worker Session
// identity survives a transient disconnect (spec §4.5 reconnect flow).
type Worker struct {
	cfg      Config
	gridxCfg build.Config
	log      *zap.Logger

	executor *Executor
	workerID string
}

// New constructs a Worker. The Executor is built once and reused across
// reconnects.
func New(cfg Config, gridxCfg build.Config, log *zap.Logger) (*Worker, error) {
	executor, err := NewExecutor(gridxCfg, cfg.Workdir, log)
	if err != nil {
		return nil, err
	}
	return &Worker{cfg: cfg, gridxCfg: gridxCfg, log: log.Named("worker"), executor: executor}, nil
}

// Run dials the coordinator and drives the session loop, reconnecting with
// backoff on a lost connection, until ctx is cancelled or authentication is
// rejected outright (spec §6, the worker CLI's exit-code contract: clean
// shutdown is ctx cancellation, auth failure is unrecoverable).
func (w *Worker) Run(ctx context.Context) error {
	backoff := reconnectBackoffInitial
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		client, err := Dial(w.cfg.CoordinatorAddr, w.cfg.AccountID, w.cfg.Secret, w.workerID, w.cfg.Capabilities, w.gridxCfg, w.log)
		if err == ErrAuthFailed {
			w.log.Error("coordinator rejected authentication", zap.Error(err))
			return err
		}
		if err != nil {
			w.log.Warn("unable to connect to coordinator, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepOrDone(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		w.workerID = client.WorkerID()
		backoff = reconnectBackoffInitial
		w.log.Info("connected to coordinator", zap.String("worker_id", w.workerID))

		runErr := client.Run(ctx, w.executor)
		client.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("session ended, reconnecting", zap.Error(runErr))
		if !sleepOrDone(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

// Close releases the Worker's Executor (and its Docker client connection).
func (w *Worker) Close() error {
	return w.executor.Close()
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectBackoffMax {
		return reconnectBackoffMax
	}
	return d
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
