package ledger

import (
	"encoding/binary"
	"encoding/json"

	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/errors"

	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/storage"
)

// accountRecord is the on-disk representation of an Account, keyed by id in
// storage.BucketAccounts.
type accountRecord struct {
	ID           string `json:"id"`
	BalanceMinor int64  `json:"balance_minor"`
	AuthHash     []byte `json:"auth_hash"`
	Sequence     uint64 `json:"sequence"` // next audit sequence number for this account
}

func (r accountRecord) toAccount() modules.Account {
	return modules.Account{ID: r.ID, BalanceMinor: r.BalanceMinor, AuthHash: r.AuthHash}
}

// getAccount reads an accountRecord from tx, returning ErrAccountNotFound if
// absent.
func getAccount(tx *bolt.Tx, id string) (accountRecord, error) {
	var rec accountRecord
	bucket := tx.Bucket(storage.BucketAccounts)
	raw := bucket.Get([]byte(id))
	if raw == nil {
		return rec, ErrAccountNotFound
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, errors.AddContext(err, "unable to decode account record")
	}
	return rec, nil
}

// putAccount writes an accountRecord to tx.
func putAccount(tx *bolt.Tx, rec accountRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.AddContext(err, "unable to encode account record")
	}
	bucket := tx.Bucket(storage.BucketAccounts)
	return bucket.Put([]byte(rec.ID), raw)
}

// accountExists reports whether id already has a record in tx.
func accountExists(tx *bolt.Tx, id string) bool {
	bucket := tx.Bucket(storage.BucketAccounts)
	return bucket.Get([]byte(id)) != nil
}

// sequenceKey renders a per-account audit sequence number as a fixed-width,
// lexically sortable big-endian key suffix, so a bucket cursor walks an
// account's audit trail in append order.
func sequenceKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}
