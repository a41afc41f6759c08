package ledger

import (
	"sync"
	"time"

	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/storage"
)

const saltSize = 16

// Ledger is the sole owner of every Account's balance and authenticator.
// All exported methods are safe for concurrent use; callers never see a
// partially-applied balance change because every mutation is one bolt
// transaction.
type Ledger struct {
	store *storage.Store
	log   *zap.Logger

	mu sync.Mutex // serializes bolt.Update calls to keep audit sequence numbers gap-free
}

// New constructs a Ledger over an already-open Store.
func New(store *storage.Store, log *zap.Logger) *Ledger {
	return &Ledger{store: store, log: log.Named("ledger")}
}

// hashAuthenticator salts and hashes secret with blake2b-256, storing the
// result as `salt || digest`.
func hashAuthenticator(salt [saltSize]byte, secret string) []byte {
	h := blake2b.Sum256(append(salt[:], []byte(secret)...))
	out := make([]byte, 0, saltSize+len(h))
	out = append(out, salt[:]...)
	out = append(out, h[:]...)
	return out
}

func verifyAuthenticator(stored []byte, secret string) bool {
	if len(stored) < saltSize+blake2b.Size256 {
		return false
	}
	var salt [saltSize]byte
	copy(salt[:], stored[:saltSize])
	want := hashAuthenticator(salt, secret)
	if len(want) != len(stored) {
		return false
	}
	var diff byte
	for i := range want {
		diff |= want[i] ^ stored[i]
	}
	return diff == 0
}

// EnsureAccount creates accountID with build.Config's StartingBalance if it
// does not already exist, and installs authenticator secret as its hash if
// it has none yet: the authenticator binds on first use and is immutable
// thereafter. Returns the resulting Account either way.
func (l *Ledger) EnsureAccount(accountID, secret string, startingBalance int64) (modules.Account, error) {
	if !modules.ValidAccountID(accountID) {
		return modules.Account{}, ErrInvalidAccountID
	}
	var out modules.Account
	err := l.store.DB.Update(func(tx *bolt.Tx) error {
		if accountExists(tx, accountID) {
			rec, err := getAccount(tx, accountID)
			if err != nil {
				return err
			}
			if len(rec.AuthHash) == 0 {
				var salt [saltSize]byte
				copy(salt[:], fastrand.Bytes(saltSize))
				rec.AuthHash = hashAuthenticator(salt, secret)
				if err := putAccount(tx, rec); err != nil {
					return err
				}
			}
			out = rec.toAccount()
			return nil
		}
		var salt [saltSize]byte
		copy(salt[:], fastrand.Bytes(saltSize))
		rec := accountRecord{
			ID:           accountID,
			BalanceMinor: startingBalance,
			AuthHash:     hashAuthenticator(salt, secret),
		}
		if err := putAccount(tx, rec); err != nil {
			return err
		}
		out = rec.toAccount()
		return nil
	})
	if err != nil {
		return modules.Account{}, err
	}
	return out, nil
}

// VerifyAuth reports whether secret matches accountID's installed
// authenticator.
func (l *Ledger) VerifyAuth(accountID, secret string) error {
	var rec accountRecord
	err := l.store.DB.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getAccount(tx, accountID)
		return err
	})
	if err != nil {
		return err
	}
	if !verifyAuthenticator(rec.AuthHash, secret) {
		return ErrAuthMismatch
	}
	return nil
}

// Balance returns the current Account for accountID.
func (l *Ledger) Balance(accountID string) (modules.Account, error) {
	var rec accountRecord
	err := l.store.DB.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getAccount(tx, accountID)
		return err
	})
	if err != nil {
		return modules.Account{}, err
	}
	return rec.toAccount(), nil
}

// Debit atomically subtracts amount from accountID's balance, refusing if
// the account does not have sufficient credits (I2). jobID, when non-empty,
// ties the audit record to the job that triggered the debit.
func (l *Ledger) Debit(accountID string, amount int64, jobID string) (modules.Account, error) {
	return l.applySingle(accountID, -amount, AuditDebit, amount, jobID, "")
}

// Credit atomically adds amount to accountID's balance.
func (l *Ledger) Credit(accountID string, amount int64, jobID string) (modules.Account, error) {
	return l.applySingle(accountID, amount, AuditCredit, amount, jobID, "")
}

func (l *Ledger) applySingle(accountID string, delta int64, kind AuditKind, amount int64, jobID, counterparty string) (modules.Account, error) {
	if amount < 0 {
		return modules.Account{}, ErrNegativeAmount
	}
	if !modules.ValidAccountID(accountID) {
		return modules.Account{}, ErrInvalidAccountID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out modules.Account
	err := l.store.DB.Update(func(tx *bolt.Tx) error {
		rec, err := getAccount(tx, accountID)
		if err != nil {
			return err
		}
		newBalance := rec.BalanceMinor + delta
		if newBalance < 0 {
			return modules.NewKindedError(modules.ErrKindInsufficientCredits, errors.New("insufficient credits"), accountID)
		}
		rec.BalanceMinor = newBalance
		seq := rec.Sequence
		rec.Sequence++
		if err := putAccount(tx, rec); err != nil {
			return err
		}
		record := AuditRecord{
			Kind:         kind,
			AmountMinor:  amount,
			BalanceAfter: newBalance,
			JobID:        jobID,
			CounterParty: counterparty,
			At:           nowFunc(),
		}
		if err := appendAudit(l.store.WAL, tx, accountID, seq, record); err != nil {
			return err
		}
		out = rec.toAccount()
		return nil
	})
	if err != nil {
		return modules.Account{}, err
	}
	return out, nil
}

// Transfer atomically moves amount from src to dst in a single bolt
// transaction (I3: "a transfer is never observed as a debit without its
// matching credit"). The scheduler does not use it: worker owners are paid
// through UnitOfWork.Credit when a result is recorded.
func (l *Ledger) Transfer(src, dst string, amount int64, jobID string) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	if !modules.ValidAccountID(src) || !modules.ValidAccountID(dst) {
		return ErrInvalidAccountID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.store.DB.Update(func(tx *bolt.Tx) error {
		srcRec, err := getAccount(tx, src)
		if err != nil {
			return errors.AddContext(err, "transfer source")
		}
		dstRec, err := getAccount(tx, dst)
		if err != nil {
			return errors.AddContext(err, "transfer destination")
		}
		if srcRec.BalanceMinor < amount {
			return modules.NewKindedError(modules.ErrKindInsufficientCredits, errors.New("insufficient credits"), src)
		}
		srcRec.BalanceMinor -= amount
		dstRec.BalanceMinor += amount

		srcSeq := srcRec.Sequence
		srcRec.Sequence++
		dstSeq := dstRec.Sequence
		dstRec.Sequence++

		if err := putAccount(tx, srcRec); err != nil {
			return err
		}
		if err := putAccount(tx, dstRec); err != nil {
			return err
		}

		now := nowFunc()
		if err := appendAudit(l.store.WAL, tx, src, srcSeq, AuditRecord{
			Kind: AuditTransfer, AmountMinor: -amount, BalanceAfter: srcRec.BalanceMinor,
			JobID: jobID, CounterParty: dst, At: now,
		}); err != nil {
			return err
		}
		if err := appendAudit(l.store.WAL, tx, dst, dstSeq, AuditRecord{
			Kind: AuditTransfer, AmountMinor: amount, BalanceAfter: dstRec.BalanceMinor,
			JobID: jobID, CounterParty: src, At: now,
		}); err != nil {
			return err
		}
		return nil
	})
}

// Close releases the Ledger's underlying storage. The storage.Store is owned
// by the coordinator wiring, not the Ledger, so Close here is a no-op
// reserved for future teardown hooks.
func (l *Ledger) Close() error {
	return nil
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now
