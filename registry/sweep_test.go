package registry

import (
	"sync"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/threadgroup"
	"go.uber.org/zap"

	"github.com/gridx/gridx/modules"
)

type fakeJobLoser struct {
	mu   sync.Mutex
	lost map[string]string // workerID -> jobID
}

func (f *fakeJobLoser) OnWorkerLost(workerID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost == nil {
		f.lost = make(map[string]string)
	}
	f.lost[workerID] = jobID
	return nil
}

func (f *fakeJobLoser) losses() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.lost))
	for k, v := range f.lost {
		out[k] = v
	}
	return out
}

// TestSweepRequeuesJobOnOfflineTransition verifies that a worker demoted to
// offline by missed heartbeats, while still holding an assigned job,
// triggers the same requeue path as a hard transport disconnect (spec
// §4.2, §4.4).
func TestSweepRequeuesJobOnOfflineTransition(t *testing.T) {
	r := New(zap.NewNop())
	r.Register("w1", "alice", modules.Capabilities{CPUCores: 1, MemoryMB: 256})
	if err := r.MarkBusy("w1", "job-1"); err != nil {
		t.Fatal(err)
	}
	r.Register("w2", "bob", modules.Capabilities{CPUCores: 1, MemoryMB: 256})

	loser := &fakeJobLoser{}
	tg := &threadgroup.ThreadGroup{}
	defer tg.Stop()

	staleThreshold := 5 * time.Millisecond
	if err := StartSweep(tg, r, loser, staleThreshold, time.Hour, zap.NewNop()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if jobID, ok := loser.losses()["w1"]; ok {
			if jobID != "job-1" {
				t.Fatalf("expected job-1 requeued for w1, got %q", jobID)
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := loser.losses()["w1"]; !ok {
		t.Fatal("expected offline transition to trigger OnWorkerLost for w1's assigned job")
	}
	if _, ok := loser.losses()["w2"]; ok {
		t.Fatal("w2 was never assigned a job and must not trigger a requeue")
	}

	info, err := r.Get("w1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != modules.WorkerOffline {
		t.Fatalf("expected w1 marked offline, got %s", info.Status)
	}
}
