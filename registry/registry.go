// Package registry implements the in-memory table of connected Worker
// Sessions the Scheduler matches jobs against. Unlike the Ledger and Job
// Store, the registry is deliberately not persisted: a worker that
// disconnects and never returns leaves no trace once swept; on restart
// every worker must re-authenticate and re-register. It holds a map of
// workers keyed by id guarded by a single lock, with a periodic sweep
// marking stale connections offline.
package registry

import (
	"time"

	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/errors"
	"go.uber.org/zap"

	"github.com/gridx/gridx/modules"
)

// ErrWorkerNotFound is returned by any lookup against an unknown worker id.
var ErrWorkerNotFound = errors.New("worker not found")

// entry is the registry's internal bookkeeping for one connected worker,
// wrapping the public modules.WorkerInfo snapshot with the mutable fields
// the registry itself needs. seq is the worker's arrival order, assigned
// once on its first Register and never touched by a reconnect, so PickIdle
// can scan "in arrival order" (spec §4.2) without depending on Go's
// randomized map iteration.
type entry struct {
	info modules.WorkerInfo
	seq  uint64
}

// Registry is the live worker table. All exported methods are safe for
// concurrent use.
type Registry struct {
	mu      demotemutex.DemoteMutex
	workers map[string]*entry
	nextSeq uint64
	log     *zap.Logger
}

// New constructs an empty Registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		workers: make(map[string]*entry),
		log:     log.Named("registry"),
	}
}

// Register adds a newly authenticated worker in the idle state. Calling
// Register again for an id already present (a reconnect) simply refreshes
// its capabilities and last-seen time rather than erroring, and keeps the
// worker's original arrival order.
func (r *Registry) Register(id, owner string, caps modules.Capabilities) modules.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		e = &entry{seq: r.nextSeq}
		r.nextSeq++
		r.workers[id] = e
	}
	e.info = modules.WorkerInfo{
		ID:           id,
		Owner:        owner,
		Capabilities: caps,
		Status:       modules.WorkerIdle,
		LastSeen:     time.Now(),
	}
	return e.info
}

// Deregister removes a worker entirely, used on clean disconnect and by the
// sweep when a worker has been offline past the grace threshold.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Touch refreshes a worker's last-seen time on any received frame
// (heartbeat, ack, progress, result), the registry's half of liveness
// tracking.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	e.info.LastSeen = time.Now()
	return nil
}

// MarkBusy transitions a worker to busy and records its assigned job. The
// Scheduler calls this inside the same dispatch pass that assigns the job
// in the Job Store, but the two updates are not required to be in the same
// database transaction since the registry is not persisted.
func (r *Registry) MarkBusy(id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	if e.info.Status != modules.WorkerIdle {
		return errors.New("worker is not idle")
	}
	e.info.Status = modules.WorkerBusy
	e.info.AssignedJob = jobID
	e.info.LastSeen = time.Now()
	return nil
}

// MarkIdle transitions a worker back to idle once its job reaches a
// terminal state.
func (r *Registry) MarkIdle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	e.info.Status = modules.WorkerIdle
	e.info.AssignedJob = ""
	e.info.LastSeen = time.Now()
	return nil
}

// MarkOffline flags a worker as offline without removing it, so a
// short-lived network blip does not immediately forfeit its identity (spec
// §4.2's stale/offline distinction). The sweep removes it later if it stays
// offline past OfflineGraceThreshold.
func (r *Registry) MarkOffline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	e.info.Status = modules.WorkerOffline
	return nil
}

// Get returns a snapshot of one worker's info.
func (r *Registry) Get(id string) (modules.WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return modules.WorkerInfo{}, ErrWorkerNotFound
	}
	return e.info, nil
}

// PickIdle returns the id of an idle worker whose capabilities satisfy req,
// or ErrWorkerNotFound if none is currently available. Candidates are
// scanned in arrival order (earliest-registered first); a tie in arrival
// order (never expected for distinct workers, but cheap to handle) is
// broken by freshest LastSeen (spec §4.2).
func (r *Registry) PickIdle(req modules.Requirements) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var bestID string
	var best *entry
	for id, e := range r.workers {
		if e.info.Status != modules.WorkerIdle || !e.info.Capabilities.Satisfies(req) {
			continue
		}
		if best == nil || e.seq < best.seq || (e.seq == best.seq && e.info.LastSeen.After(best.info.LastSeen)) {
			bestID, best = id, e
		}
	}
	if best == nil {
		return "", ErrWorkerNotFound
	}
	return bestID, nil
}

// Snapshot returns every currently registered worker, for the `/workers`
// endpoint.
func (r *Registry) Snapshot() []modules.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]modules.WorkerInfo, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e.info)
	}
	return out
}

// Stale returns the ids of every worker whose LastSeen is older than
// threshold but who is not yet marked offline, for the sweep to demote.
func (r *Registry) Stale(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	cutoff := time.Now().Add(-threshold)
	for id, e := range r.workers {
		if e.info.Status != modules.WorkerOffline && e.info.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// OfflineExpired returns the ids of every offline worker whose LastSeen is
// older than threshold, for the sweep to deregister entirely.
func (r *Registry) OfflineExpired(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	cutoff := time.Now().Add(-threshold)
	for id, e := range r.workers {
		if e.info.Status == modules.WorkerOffline && e.info.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}
