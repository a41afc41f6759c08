// Package jobstore implements C3: the durable record of every Job and its
// lifecycle. Every state transition is validated against
// modules.ValidJobTransition before being persisted, and the compound
// "debit the submitter and create the job" / "credit the owner and mark the
// job terminal" updates are performed against a caller-supplied *bolt.Tx
// from a ledger.UnitOfWork so the two halves commit or roll back together
// (SPEC_FULL.md §4.1, §6).
//
// Grounded in the teacher's modules/host/paymentextractor.go and the wider
// host package's bolt-backed storage obligation bucket, generalized from a
// single-record-per-contract shape to Job Store's keyed-by-uuid shape.
package jobstore

import (
	"encoding/json"
	"sort"

	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/errors"

	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/storage"
)

// Sentinel errors.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidJobID      = errors.New("invalid job id")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Store is C3. Methods not suffixed Tx open and commit their own bolt
// transaction; Tx-suffixed methods operate against a transaction the caller
// already holds open (typically via a ledger.UnitOfWork).
type Store struct {
	store *storage.Store
}

// New constructs a Store over an already-open storage.Store.
func New(store *storage.Store) *Store {
	return &Store{store: store}
}

// jobRecord is the on-disk form of a Job. modules.Job keeps Code and
// RequeueCount out of its JSON so the API never renders them; the record
// stores both under their own keys.
type jobRecord struct {
	modules.Job
	Code         string `json:"code"`
	RequeueCount int    `json:"requeue_count"`
}

func encodeJob(j modules.Job) ([]byte, error) {
	raw, err := json.Marshal(jobRecord{Job: j, Code: j.Code, RequeueCount: j.RequeueCount})
	if err != nil {
		return nil, errors.AddContext(err, "unable to encode job")
	}
	return raw, nil
}

func decodeJob(raw []byte) (modules.Job, error) {
	var rec jobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return modules.Job{}, errors.AddContext(err, "unable to decode job")
	}
	j := rec.Job
	j.Code = rec.Code
	j.RequeueCount = rec.RequeueCount
	return j, nil
}

// getTx reads a job by id from tx.
func getTx(tx *bolt.Tx, id string) (modules.Job, error) {
	bucket := tx.Bucket(storage.BucketJobs)
	raw := bucket.Get([]byte(id))
	if raw == nil {
		return modules.Job{}, ErrJobNotFound
	}
	return decodeJob(raw)
}

// putTx writes job j to tx.
func putTx(tx *bolt.Tx, j modules.Job) error {
	raw, err := encodeJob(j)
	if err != nil {
		return err
	}
	bucket := tx.Bucket(storage.BucketJobs)
	return bucket.Put([]byte(j.ID), raw)
}

// CreateTx inserts a brand-new job (state Queued) within tx. The caller is
// responsible for validating the job's code/language/limits before calling
// this; CreateTx only checks the id.
func CreateTx(tx *bolt.Tx, j modules.Job) error {
	if !modules.ValidUUIDv4(j.ID) {
		return ErrInvalidJobID
	}
	return putTx(tx, j)
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (modules.Job, error) {
	var j modules.Job
	err := s.store.DB.View(func(tx *bolt.Tx) error {
		var err error
		j, err = getTx(tx, id)
		return err
	})
	return j, err
}

// GetTx is Get scoped to a caller-supplied transaction.
func GetTx(tx *bolt.Tx, id string) (modules.Job, error) {
	return getTx(tx, id)
}

// SetStateTx validates and applies a state transition within tx, updating
// the supplied mutator on the in-flight job before persisting it (e.g. to
// set AssignedWorker on Assigned, or Stdout/Stderr/ExitCode on Completed).
func SetStateTx(tx *bolt.Tx, id string, to modules.JobState, mutate func(*modules.Job)) (modules.Job, error) {
	j, err := getTx(tx, id)
	if err != nil {
		return modules.Job{}, err
	}
	if !modules.ValidJobTransition(j.State, to) {
		return modules.Job{}, errors.AddContext(ErrInvalidTransition, string(j.State)+"->"+string(to))
	}
	j.State = to
	if mutate != nil {
		mutate(&j)
	}
	if err := putTx(tx, j); err != nil {
		return modules.Job{}, err
	}
	return j, nil
}

// SetStateTxStandalone is SetStateTx run against a transaction the Store
// opens and commits itself, for callers (the Scheduler's requeue and
// progress paths) that are not already inside a ledger unit of work.
func (s *Store) SetStateTxStandalone(id string, to modules.JobState, mutate func(*modules.Job)) (modules.Job, error) {
	var out modules.Job
	err := s.store.DB.Update(func(tx *bolt.Tx) error {
		updated, err := SetStateTx(tx, id, to, mutate)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return modules.Job{}, err
	}
	return out, nil
}

// ListByState returns every job currently in state `state`, used by the
// Scheduler to rebuild its in-memory ready queue on startup (spec §4.4:
// queued jobs outlive a coordinator restart because they live in the Job
// Store, not the queue itself).
func (s *Store) ListByState(state modules.JobState) ([]modules.Job, error) {
	var out []modules.Job
	err := s.store.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.BucketJobs)
		return bucket.ForEach(func(_, v []byte) error {
			j, err := decodeJob(v)
			if err != nil {
				return err
			}
			if j.State == state {
				out = append(out, j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListBySubmitter returns every job submitted by accountID, ordered by
// CreatedAt with the newest last,
// used by the Submission API's job listing.
func (s *Store) ListBySubmitter(accountID string) ([]modules.Job, error) {
	var out []modules.Job
	err := s.store.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.BucketJobs)
		return bucket.ForEach(func(_, v []byte) error {
			j, err := decodeJob(v)
			if err != nil {
				return err
			}
			if j.Submitter == accountID {
				out = append(out, j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}
