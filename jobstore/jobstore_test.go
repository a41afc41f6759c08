package jobstore

import (
	"path/filepath"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/bolt"
	"go.uber.org/zap"

	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.Store, func()) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "gridx.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return New(st), st, func() { st.Close() }
}

func sampleJob(id string) modules.Job {
	return modules.Job{
		ID:        id,
		Submitter: "alice",
		Code:      "print('hi')",
		Language:  "python",
		Limits:    modules.JobLimits{WallTimeoutSeconds: 30, MemoryMB: 256},
		State:     modules.JobQueued,
		CreatedAt: time.Now(),
	}
}

func TestCreateAndGet(t *testing.T) {
	s, st, cleanup := newTestStore(t)
	defer cleanup()

	id := modules.NewUUID()
	j := sampleJob(id)
	err := st.DB.Update(func(tx *bolt.Tx) error {
		return CreateTx(tx, j)
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != modules.JobQueued || got.Submitter != "alice" {
		t.Fatalf("unexpected job after create: %+v", got)
	}
}

func TestCreateRejectsInvalidID(t *testing.T) {
	_, st, cleanup := newTestStore(t)
	defer cleanup()

	err := st.DB.Update(func(tx *bolt.Tx) error {
		return CreateTx(tx, sampleJob("not-a-uuid"))
	})
	if err != ErrInvalidJobID {
		t.Fatalf("expected ErrInvalidJobID, got %v", err)
	}
}

func TestSetStateTxEnforcesTransitions(t *testing.T) {
	_, st, cleanup := newTestStore(t)
	defer cleanup()

	id := modules.NewUUID()
	j := sampleJob(id)
	if err := st.DB.Update(func(tx *bolt.Tx) error { return CreateTx(tx, j) }); err != nil {
		t.Fatal(err)
	}

	// Queued -> Completed is illegal; must go through Assigned -> Running first.
	err := st.DB.Update(func(tx *bolt.Tx) error {
		_, err := SetStateTx(tx, id, modules.JobCompleted, nil)
		return err
	})
	if err == nil {
		t.Fatal("expected an error skipping Assigned/Running")
	}

	err = st.DB.Update(func(tx *bolt.Tx) error {
		_, err := SetStateTx(tx, id, modules.JobAssigned, func(j *modules.Job) {
			j.AssignedWorker = "w1"
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	err = st.DB.Update(func(tx *bolt.Tx) error {
		_, err := SetStateTx(tx, id, modules.JobRunning, nil)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	exitCode := 0
	err = st.DB.Update(func(tx *bolt.Tx) error {
		_, err := SetStateTx(tx, id, modules.JobCompleted, func(j *modules.Job) {
			j.ExitCode = &exitCode
			j.Stdout = "hi\n"
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := New(st).Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.State.Terminal() || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("expected terminal completed job with exit code 0, got %+v", got)
	}

	// Terminal states reject any further transition.
	err = st.DB.Update(func(tx *bolt.Tx) error {
		_, err := SetStateTx(tx, id, modules.JobQueued, nil)
		return err
	})
	if err == nil {
		t.Fatal("expected an error transitioning out of a terminal state")
	}
}

func TestListByStateAndSubmitter(t *testing.T) {
	s, st, cleanup := newTestStore(t)
	defer cleanup()

	j1 := sampleJob(modules.NewUUID())
	j2 := sampleJob(modules.NewUUID())
	j2.Submitter = "bob"
	if err := st.DB.Update(func(tx *bolt.Tx) error { return CreateTx(tx, j1) }); err != nil {
		t.Fatal(err)
	}
	if err := st.DB.Update(func(tx *bolt.Tx) error { return CreateTx(tx, j2) }); err != nil {
		t.Fatal(err)
	}

	queued, err := s.ListByState(modules.JobQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", len(queued))
	}

	aliceJobs, err := s.ListBySubmitter("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(aliceJobs) != 1 || aliceJobs[0].ID != j1.ID {
		t.Fatalf("expected only alice's job, got %+v", aliceJobs)
	}
}
