// Package scheduler matches queued jobs against idle workers and drives a
// job's state machine from Queued through to a terminal state, including
// the worker-loss and wall-timeout requeue paths. It holds a single global
// ready queue matched against worker capabilities rather than one queue
// per worker per job type.
package scheduler

import (
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"
	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/jobstore"
	"github.com/gridx/gridx/ledger"
	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/registry"
)

// Sender is implemented by the Session Protocol layer (C5). The Scheduler
// never touches a transport directly; it only asks to have an assign or
// cancel frame delivered to a worker by id.
type Sender interface {
	SendAssign(workerID string, job modules.Job) error
	SendCancel(workerID, jobID, reason string) error
}

// Scheduler is C4.
type Scheduler struct {
	ledger *ledger.Ledger
	jobs   *jobstore.Store
	reg    *registry.Registry
	sender Sender
	cfg    build.Config
	log    *zap.Logger

	queue *readyQueue

	mu     sync.Mutex
	timers map[string]*time.Timer // jobID -> wall timeout timer, guarded by mu
}

// New constructs a Scheduler. Sender is supplied separately via SetSender
// once the Session listener exists, breaking what would otherwise be an
// import cycle between scheduler and session.
func New(l *ledger.Ledger, js *jobstore.Store, reg *registry.Registry, cfg build.Config, log *zap.Logger) *Scheduler {
	return &Scheduler{
		ledger: l,
		jobs:   js,
		reg:    reg,
		cfg:    cfg,
		log:    log.Named("scheduler"),
		queue:  newReadyQueue(),
		timers: make(map[string]*time.Timer),
	}
}

// SetSender wires the Session Protocol's dispatcher after construction.
func (s *Scheduler) SetSender(sender Sender) {
	s.sender = sender
}

// Restore rebuilds the ready queue from every job still in the Queued
// state, so a coordinator restart does not lose work that had been
// submitted but not yet dispatched.
func (s *Scheduler) Restore() error {
	jobs, err := s.jobs.ListByState(modules.JobQueued)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		s.queue.push(j.ID)
	}
	return nil
}

// Enqueue pushes a newly created job onto the ready queue. Called by the
// Submission API immediately after its unit of work creating the job
// commits.
func (s *Scheduler) Enqueue(jobID string) {
	s.queue.push(jobID)
}

func requirementsFor(j modules.Job) modules.Requirements {
	return modules.Requirements{
		CPUCores: 1,
		MemoryMB: j.Limits.MemoryMB,
	}
}

// DispatchPass attempts to match jobs at the head of the ready queue to
// idle workers. It stops after finding build.SchedulerSkipAttempts
// consecutive jobs it cannot currently place, so one hard-to-satisfy job
// (or a temporary worker shortage) never starves the rest of the queue
// forever; skipped jobs are pushed back to the front in their original
// order (DESIGN.md open question 1).
func (s *Scheduler) DispatchPass() {
	var skipped []string
	misses := 0
	for misses < build.SchedulerSkipAttempts {
		jobID, ok := s.queue.popFront()
		if !ok {
			break
		}
		placed, err := s.tryDispatch(jobID)
		if err != nil {
			s.log.Error("dispatch attempt failed", zap.String("job_id", jobID), zap.Error(err))
			skipped = append(skipped, jobID)
			misses++
			continue
		}
		if !placed {
			skipped = append(skipped, jobID)
			misses++
			continue
		}
		misses = 0
	}
	if len(skipped) > 0 {
		s.queue.requeueFront(skipped)
	}
}

// tryDispatch attempts to place one job, returning (false, nil) if no
// eligible idle worker currently exists.
func (s *Scheduler) tryDispatch(jobID string) (bool, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return false, err
	}
	if job.State != modules.JobQueued {
		// A job can end up in the queue twice only via a bug; drop it
		// silently rather than re-assigning an already-assigned job.
		return true, nil
	}

	if s.sender == nil {
		return false, errNoSender
	}

	workerID, err := s.reg.PickIdle(requirementsFor(job))
	if err == registry.ErrWorkerNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	uow, err := s.ledger.BeginUnitOfWork()
	if err != nil {
		return false, err
	}
	var assigned modules.Job
	func() {
		updated, err := jobstore.SetStateTx(uow.Tx(), jobID, modules.JobAssigned, func(j *modules.Job) {
			j.AssignedWorker = workerID
		})
		if err != nil {
			uow.Fail(err)
			return
		}
		assigned = updated
	}()
	if err := uow.Commit(); err != nil {
		return false, err
	}

	if err := s.reg.MarkBusy(workerID, jobID); err != nil {
		// The job record says Assigned but the registry disagrees; treat the
		// worker as having just vanished and let requeue logic recover it on
		// the next heartbeat sweep.
		s.log.Warn("worker vanished between pick and assign", zap.String("worker_id", workerID), zap.String("job_id", jobID))
		return false, s.requeueOrFail(jobID)
	}

	if err := s.sender.SendAssign(workerID, assigned); err != nil {
		s.log.Warn("unable to deliver assign frame", zap.String("worker_id", workerID), zap.Error(err))
		_ = s.reg.MarkIdle(workerID)
		return false, s.requeueOrFail(jobID)
	}

	s.startWallTimer(jobID, workerID, assigned.Limits.WallTimeoutSeconds)
	return true, nil
}

func (s *Scheduler) startWallTimer(jobID, workerID string, seconds uint32) {
	d := time.Duration(seconds) * time.Second
	if seconds == 0 {
		d = s.cfg.DefaultTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[jobID] = time.AfterFunc(d, func() {
		s.handleWallTimeout(jobID, workerID)
	})
}

func (s *Scheduler) stopWallTimer(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
}

func (s *Scheduler) handleWallTimeout(jobID, workerID string) {
	s.log.Info("job exceeded wall timeout", zap.String("job_id", jobID), zap.String("worker_id", workerID))
	if s.sender != nil {
		_ = s.sender.SendCancel(workerID, jobID, "wall timeout exceeded")
	}
	_ = s.reg.MarkIdle(workerID)
	if err := s.requeueOrFail(jobID); err != nil {
		s.log.Error("unable to requeue timed-out job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// OnAck records a worker's acceptance or rejection of an assign frame. A
// rejection is handled the same way as a lost worker: the job goes back
// through the requeue path.
func (s *Scheduler) OnAck(jobID, workerID string, accepted bool, reason string) {
	if accepted {
		return
	}
	s.log.Info("worker rejected assignment", zap.String("job_id", jobID), zap.String("worker_id", workerID), zap.String("reason", reason))
	s.stopWallTimer(jobID)
	_ = s.reg.MarkIdle(workerID)
	if err := s.requeueOrFail(jobID); err != nil {
		s.log.Error("unable to requeue rejected job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// OnProgress transitions a job from Assigned to Running on the first
// progress frame.
func (s *Scheduler) OnProgress(jobID string) error {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job.State != modules.JobAssigned {
		return nil
	}
	_, err = s.jobs.SetStateTxStandalone(jobID, modules.JobRunning, nil)
	return err
}

// OnResult finalizes a job on receipt of its result frame: credits the
// worker owner's account and marks the job Completed or Failed depending on
// exit code.
func (s *Scheduler) OnResult(jobID, workerID string, exitCode int, stdout, stderr string) error {
	s.stopWallTimer(jobID)
	_ = s.reg.MarkIdle(workerID)

	worker, err := s.reg.Get(workerID)
	ownerKnown := err == nil
	var owner string
	if ownerKnown {
		owner = worker.Owner
	}

	finalState := modules.JobCompleted
	if exitCode != 0 {
		finalState = modules.JobFailed
	}

	uow, uowErr := s.ledger.BeginUnitOfWork()
	if uowErr != nil {
		return uowErr
	}
	code := exitCode
	if cur, gErr := jobstore.GetTx(uow.Tx(), jobID); gErr == nil && cur.State == modules.JobAssigned && cur.AssignedWorker == workerID {
		// No progress frame preceded the result; pass through Running so
		// the job still follows Assigned -> Running -> terminal.
		if _, rErr := jobstore.SetStateTx(uow.Tx(), jobID, modules.JobRunning, nil); rErr != nil {
			uow.Fail(rErr)
		}
	}
	_, err = jobstore.SetStateTx(uow.Tx(), jobID, finalState, func(j *modules.Job) {
		j.Stdout = stdout
		j.Stderr = stderr
		j.ExitCode = &code
	})
	if err != nil {
		uow.Fail(err)
	}
	if ownerKnown && err == nil {
		if cErr := uow.Credit(owner, s.cfg.WorkerReward, jobID); cErr != nil {
			s.log.Warn("unable to credit worker owner", zap.String("owner", owner), zap.Error(cErr))
		}
	}
	return uow.Commit()
}

// OnWorkerLost is called by the Registry sweep (or the session listener on
// a hard disconnect) when a worker carrying an assigned job disappears. The
// job is requeued up to build.Config.RequeueAttempts times; beyond that it
// is marked Failed with no refund to the submitter (DESIGN.md open question
// 2: a completed-but-lost computation is not distinguishable from a
// never-run one, so there is nothing to refund against).
func (s *Scheduler) OnWorkerLost(workerID, jobID string) error {
	s.stopWallTimer(jobID)
	return s.requeueOrFail(jobID)
}

func (s *Scheduler) requeueOrFail(jobID string) error {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	if job.RequeueCount >= s.cfg.RequeueAttempts {
		if job.State != modules.JobQueued {
			// Failed is reached from Queued (see modules.jobTransitions), so
			// an assigned or running job is first put back in Queued.
			if _, err := s.jobs.SetStateTxStandalone(jobID, modules.JobQueued, func(j *modules.Job) {
				j.AssignedWorker = ""
			}); err != nil {
				return err
			}
		}
		_, err := s.jobs.SetStateTxStandalone(jobID, modules.JobFailed, func(j *modules.Job) {
			j.Stderr = "exhausted requeue attempts after repeated worker loss"
		})
		return err
	}
	updated, err := s.jobs.SetStateTxStandalone(jobID, modules.JobQueued, func(j *modules.Job) {
		j.RequeueCount++
		j.AssignedWorker = ""
	})
	if err != nil {
		return err
	}
	s.queue.push(updated.ID)
	return nil
}

// StartDispatchLoop launches a background goroutine that runs DispatchPass
// on a fixed interval, stopping when tg is shut down.
func (s *Scheduler) StartDispatchLoop(tg *threadgroup.ThreadGroup, interval time.Duration) error {
	if err := tg.Add(); err != nil {
		return err
	}
	go func() {
		defer tg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tg.StopChan():
				return
			case <-ticker.C:
				s.DispatchPass()
			}
		}
	}()
	return nil
}

// errNoSender is returned if DispatchPass is somehow invoked before
// SetSender; this should never happen in the wired coordinator.
var errNoSender = errors.New("scheduler: no sender configured")
