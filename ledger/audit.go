package ledger

import (
	"encoding/json"
	"time"

	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/writeaheadlog"

	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/storage"
)

// AuditKind classifies a single audit.AuditRecord (DESIGN.md open question
// 4).
type AuditKind string

// The recognized audit record kinds.
const (
	AuditDebit    AuditKind = "debit"
	AuditCredit   AuditKind = "credit"
	AuditTransfer AuditKind = "transfer"
)

// AuditRecord is one immutable entry in an account's audit trail.
type AuditRecord struct {
	Kind         AuditKind `json:"kind"`
	AmountMinor  int64     `json:"amount_minor"`
	BalanceAfter int64     `json:"balance_after"`
	JobID        string    `json:"job_id,omitempty"`
	CounterParty string    `json:"counterparty,omitempty"`
	At           time.Time `json:"at"`
}

// walUpdateName is the single writeaheadlog update name this package
// writes; every update carries a JSON-encoded walPayload.
const walUpdateName = "ledger-audit-append"

// walPayload is what actually gets journaled before the matching bolt
// transaction commits, letting a crash between the WAL write and the bolt
// commit be detected and safely discarded on the next Open (the record was
// never applied, so there is nothing to roll forward).
type walPayload struct {
	AccountID string      `json:"account_id"`
	Sequence  uint64      `json:"sequence"`
	Record    AuditRecord `json:"record"`
}

// appendAudit journals rec for account id via the write-ahead log and then
// writes it into storage.BucketAudit within the same bolt transaction tx:
// construct a write-ahead transaction, wait for it to be durably on disk,
// apply the mutation, then signal completion.
func appendAudit(wal *writeaheadlog.WAL, tx *bolt.Tx, accountID string, seq uint64, rec AuditRecord) error {
	payload := walPayload{AccountID: accountID, Sequence: seq, Record: rec}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.AddContext(err, "unable to encode audit payload")
	}
	txn, err := wal.NewTransaction([]writeaheadlog.Update{
		{Name: walUpdateName, Instructions: data},
	})
	if err != nil {
		return errors.AddContext(err, "unable to create write-ahead log transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "unable to commit write-ahead log transaction")
	}

	bucket := tx.Bucket(storage.BucketAudit)
	key := append([]byte(accountID+"/"), sequenceKey(seq)...)
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.AddContext(err, "unable to encode audit record")
	}
	if err := bucket.Put(key, raw); err != nil {
		return errors.AddContext(err, "unable to persist audit record")
	}

	if err := txn.SignalUpdatesApplied(); err != nil {
		return errors.AddContext(err, "unable to release write-ahead log transaction")
	}
	return nil
}

// AuditLog returns every audit record for accountID in ascending (oldest
// first) order. Not exposed over the Submission API; intended for operator
// tooling and tests.
func (l *Ledger) AuditLog(accountID string) ([]AuditRecord, error) {
	if !modules.ValidAccountID(accountID) {
		return nil, ErrInvalidAccountID
	}
	var records []AuditRecord
	err := l.store.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.BucketAudit)
		c := bucket.Cursor()
		prefix := []byte(accountID + "/")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.AddContext(err, "unable to decode audit record")
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
