package scheduler

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/jobstore"
	"github.com/gridx/gridx/ledger"
	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/registry"
	"github.com/gridx/gridx/storage"
)

type fakeSender struct {
	mu       sync.Mutex
	assigned []modules.Job
	cancels  []string
}

func (f *fakeSender) SendAssign(workerID string, job modules.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, job)
	return nil
}

func (f *fakeSender) SendCancel(workerID, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *ledger.Ledger, *jobstore.Store, *registry.Registry, *fakeSender) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "gridx.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	l := ledger.New(st, zap.NewNop())
	js := jobstore.New(st)
	reg := registry.New(zap.NewNop())
	cfg := build.DefaultConfig()
	cfg.RequeueAttempts = 1

	sched := New(l, js, reg, cfg, zap.NewNop())
	sender := &fakeSender{}
	sched.SetSender(sender)
	return sched, l, js, reg, sender
}

func submitJob(t *testing.T, l *ledger.Ledger, js *jobstore.Store, sched *Scheduler, submitter string) modules.Job {
	t.Helper()
	uow, err := l.BeginUnitOfWork()
	if err != nil {
		t.Fatal(err)
	}
	job := modules.Job{
		ID:        modules.NewUUID(),
		Submitter: submitter,
		Code:      "print(1)",
		Language:  "python",
		Limits:    modules.JobLimits{WallTimeoutSeconds: 1, MemoryMB: 64},
		State:     modules.JobQueued,
		CreatedAt: time.Now(),
	}
	if err := jobstore.CreateTx(uow.Tx(), job); err != nil {
		t.Fatal(err)
	}
	if err := uow.Debit(submitter, 1_000_000, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := uow.Commit(); err != nil {
		t.Fatal(err)
	}
	sched.Enqueue(job.ID)
	return job
}

func TestDispatchPassAssignsToIdleWorker(t *testing.T) {
	sched, l, js, reg, sender := newTestScheduler(t)
	if _, err := l.EnsureAccount("alice", "s", 10_000_000); err != nil {
		t.Fatal(err)
	}
	reg.Register("w1", "bob", modules.Capabilities{CPUCores: 2, MemoryMB: 512})

	job := submitJob(t, l, js, sched, "alice")
	sched.DispatchPass()

	got, err := js.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != modules.JobAssigned || got.AssignedWorker != "w1" {
		t.Fatalf("expected job assigned to w1, got %+v", got)
	}
	info, err := reg.Get("w1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != modules.WorkerBusy {
		t.Fatalf("expected worker busy, got %s", info.Status)
	}
	if len(sender.assigned) != 1 || sender.assigned[0].ID != job.ID {
		t.Fatalf("expected exactly one assign frame sent, got %+v", sender.assigned)
	}
}

func TestDispatchPassSkipsWithoutEligibleWorker(t *testing.T) {
	sched, l, js, _, _ := newTestScheduler(t)
	if _, err := l.EnsureAccount("alice", "s", 10_000_000); err != nil {
		t.Fatal(err)
	}
	job := submitJob(t, l, js, sched, "alice")

	sched.DispatchPass()

	got, err := js.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != modules.JobQueued {
		t.Fatalf("expected job to remain queued with no workers available, got %s", got.State)
	}
	if sched.queue.len() != 1 {
		t.Fatalf("expected the skipped job to be requeued, queue length %d", sched.queue.len())
	}
}

func TestOnResultCreditsOwnerAndCompletesJob(t *testing.T) {
	sched, l, js, reg, _ := newTestScheduler(t)
	if _, err := l.EnsureAccount("alice", "s", 10_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := l.EnsureAccount("bob", "s", 0); err != nil {
		t.Fatal(err)
	}
	reg.Register("w1", "bob", modules.Capabilities{CPUCores: 2, MemoryMB: 512})
	job := submitJob(t, l, js, sched, "alice")
	sched.DispatchPass()

	if err := sched.OnResult(job.ID, "w1", 0, "ok\n", ""); err != nil {
		t.Fatal(err)
	}

	got, err := js.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != modules.JobCompleted || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("expected completed job with exit code 0, got %+v", got)
	}

	bobAcc, err := l.Balance("bob")
	if err != nil {
		t.Fatal(err)
	}
	cfg := build.DefaultConfig()
	if bobAcc.BalanceMinor != cfg.WorkerReward {
		t.Fatalf("expected bob to be credited the worker reward, got %d", bobAcc.BalanceMinor)
	}

	info, err := reg.Get("w1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != modules.WorkerIdle {
		t.Fatalf("expected worker idle after result, got %s", info.Status)
	}
}

func TestOnWorkerLostRequeuesThenFailsAfterExhaustingAttempts(t *testing.T) {
	sched, l, js, reg, _ := newTestScheduler(t)
	if _, err := l.EnsureAccount("alice", "s", 10_000_000); err != nil {
		t.Fatal(err)
	}
	reg.Register("w1", "bob", modules.Capabilities{CPUCores: 2, MemoryMB: 512})
	job := submitJob(t, l, js, sched, "alice")
	sched.DispatchPass()

	// RequeueAttempts is 1 in the test scheduler: first loss requeues...
	if err := sched.OnWorkerLost("w1", job.ID); err != nil {
		t.Fatal(err)
	}
	got, err := js.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != modules.JobQueued {
		t.Fatalf("expected job requeued after first worker loss, got %s", got.State)
	}

	// ...second loss exceeds RequeueAttempts and fails the job for good.
	if err := sched.OnWorkerLost("w1", job.ID); err != nil {
		t.Fatal(err)
	}
	got, err = js.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != modules.JobFailed {
		t.Fatalf("expected job failed after exhausting requeue attempts, got %s", got.State)
	}

	aliceAcc, err := l.Balance("alice")
	if err != nil {
		t.Fatal(err)
	}
	if aliceAcc.BalanceMinor != 9_000_000 {
		t.Fatalf("expected no refund on exhausted requeue, got balance %d", aliceAcc.BalanceMinor)
	}
}
