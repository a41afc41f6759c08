package session

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/jobstore"
	"github.com/gridx/gridx/ledger"
	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/registry"
	"github.com/gridx/gridx/scheduler"
	"github.com/gridx/gridx/storage"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "gridx.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return ledger.New(st, zap.NewNop())
}

func TestAuthenticateSucceedsAndProvisionsAccount(t *testing.T) {
	l := newTestLedger(t)
	cfg := build.DefaultConfig()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	caps := modules.Capabilities{CPUCores: 4, MemoryMB: 1024}
	go func() {
		modules.WriteFrame(clientConn, modules.FrameAuth, modules.AuthRequest{
			AccountID:    "worker-owner",
			Secret:       "s3cret",
			Capabilities: caps,
		})
	}()

	accountID, gotCaps, workerID, err := authenticate(serverConn, l, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if accountID != "worker-owner" {
		t.Fatalf("expected account worker-owner, got %s", accountID)
	}
	if gotCaps.CPUCores != 4 {
		t.Fatalf("expected capabilities to round-trip, got %+v", gotCaps)
	}
	if !modules.ValidUUIDv4(workerID) {
		t.Fatalf("expected a generated uuid worker id, got %q", workerID)
	}

	acc, err := l.Balance("worker-owner")
	if err != nil {
		t.Fatal(err)
	}
	if acc.BalanceMinor != cfg.StartingBalance {
		t.Fatalf("expected first-contact provisioning at the configured starting balance %d, got %d", cfg.StartingBalance, acc.BalanceMinor)
	}

	frameType, payload, err := modules.ReadFrame(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	if frameType != modules.FrameAuthOK {
		t.Fatalf("expected auth_ok, got %s", frameType)
	}
	var ok modules.AuthOK
	if err := modules.DecodePayload(payload, &ok); err != nil {
		t.Fatal(err)
	}
	if ok.WorkerID != workerID {
		t.Fatalf("auth_ok worker id mismatch: %s vs %s", ok.WorkerID, workerID)
	}
}

func TestAuthenticateRejectsWrongSecretOnReconnect(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.EnsureAccount("worker-owner", "right-secret", 0); err != nil {
		t.Fatal(err)
	}
	cfg := build.DefaultConfig()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		modules.WriteFrame(clientConn, modules.FrameAuth, modules.AuthRequest{
			AccountID: "worker-owner",
			Secret:    "wrong-secret",
		})
	}()

	_, _, _, err := authenticate(serverConn, l, cfg, zap.NewNop())
	if err == nil {
		t.Fatal("expected authentication failure for wrong secret")
	}

	frameType, payload, err := modules.ReadFrame(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	if frameType != modules.FrameAuthFail {
		t.Fatalf("expected auth_fail, got %s", frameType)
	}
	var fail modules.AuthFail
	if err := modules.DecodePayload(payload, &fail); err != nil {
		t.Fatal(err)
	}
	if fail.Reason == "" {
		t.Fatal("expected a non-empty failure reason")
	}
}

func TestSessionReadLoopDispatchesResultToScheduler(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "gridx.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	l := ledger.New(st, zap.NewNop())
	js := jobstore.New(st)
	reg := registry.New(zap.NewNop())
	cfg := build.DefaultConfig()
	sched := scheduler.New(l, js, reg, cfg, zap.NewNop())

	if _, err := l.EnsureAccount("alice", "s", 10_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := l.EnsureAccount("bob", "s", 0); err != nil {
		t.Fatal(err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	fake := &fakeSender{}
	sched.SetSender(fake)
	reg.Register("w1", "bob", modules.Capabilities{CPUCores: 1, MemoryMB: 64})

	uow, err := l.BeginUnitOfWork()
	if err != nil {
		t.Fatal(err)
	}
	job := modules.Job{
		ID:        modules.NewUUID(),
		Submitter: "alice",
		Language:  "python",
		Limits:    modules.JobLimits{WallTimeoutSeconds: 5, MemoryMB: 64},
		State:     modules.JobQueued,
		CreatedAt: time.Now(),
	}
	if err := jobstore.CreateTx(uow.Tx(), job); err != nil {
		t.Fatal(err)
	}
	if err := uow.Debit("alice", 1_000_000, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := uow.Commit(); err != nil {
		t.Fatal(err)
	}
	sched.Enqueue(job.ID)
	sched.DispatchPass()

	sess := newSession(serverConn, "w1", "bob", reg, sched, zap.NewNop())
	done := make(chan struct{})
	go sess.threadedReadLoop(func() { close(done) })

	if err := modules.WriteFrame(clientConn, modules.FrameResult, modules.ResultMsg{
		JobID: job.ID, ExitCode: 0, Stdout: "hi\n",
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, err := js.Get(job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == modules.JobCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job to complete, state=%s", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}

	clientConn.Close()
	<-done
}

type fakeSender struct{}

func (f *fakeSender) SendAssign(workerID string, job modules.Job) error { return nil }
func (f *fakeSender) SendCancel(workerID, jobID, reason string) error  { return nil }
