package ledger

import (
	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/errors"

	"github.com/gridx/gridx/modules"
)

// UnitOfWork is an in-progress bolt transaction paired with the Ledger
// methods needed to mutate a balance as part of a larger, cross-package
// update: submitting a job debits the submitter and creates the job record
// atomically; completing a job credits the worker's owner and marks the
// job terminal atomically. The Job Store's Tx-scoped functions
// (jobstore.CreateTx, jobstore.SetStateTx, ...) take the same *bolt.Tx, so both
// halves of the update live or die together without ledger importing
// jobstore or vice versa.
type UnitOfWork struct {
	tx  *bolt.Tx
	l   *Ledger
	err error
}

// BeginUnitOfWork starts a writable bolt transaction. Callers must call
// either Commit or Rollback exactly once.
func (l *Ledger) BeginUnitOfWork() (*UnitOfWork, error) {
	tx, err := l.store.DB.Begin(true)
	if err != nil {
		return nil, errors.AddContext(err, "unable to begin unit of work")
	}
	return &UnitOfWork{tx: tx, l: l}, nil
}

// Tx exposes the underlying transaction so a jobstore.Store (or other
// Tx-scoped collaborator) can read/write its own buckets within the same
// unit of work.
func (u *UnitOfWork) Tx() *bolt.Tx {
	return u.tx
}

// Debit subtracts amount from accountID's balance within this unit of work.
// On insufficient credits the unit of work is marked failed; Commit will
// then no-op and return the recorded error.
func (u *UnitOfWork) Debit(accountID string, amount int64, jobID string) error {
	if u.err != nil {
		return u.err
	}
	_, err := u.l.applySingleTx(u.tx, accountID, -amount, AuditDebit, amount, jobID, "")
	if err != nil {
		u.err = err
	}
	return err
}

// Credit adds amount to accountID's balance within this unit of work.
func (u *UnitOfWork) Credit(accountID string, amount int64, jobID string) error {
	if u.err != nil {
		return u.err
	}
	_, err := u.l.applySingleTx(u.tx, accountID, amount, AuditCredit, amount, jobID, "")
	if err != nil {
		u.err = err
	}
	return err
}

// Fail records err as the reason this unit of work must roll back, for use
// by collaborators (e.g. the Job Store) that detect a failure unrelated to
// the ledger itself.
func (u *UnitOfWork) Fail(err error) {
	if u.err == nil {
		u.err = err
	}
}

// Commit applies the unit of work. If any collaborator called Fail or a
// Ledger method returned an error, Commit rolls back instead and returns
// that error.
func (u *UnitOfWork) Commit() error {
	if u.err != nil {
		u.tx.Rollback()
		return u.err
	}
	if err := u.tx.Commit(); err != nil {
		return errors.AddContext(err, "unable to commit unit of work")
	}
	return nil
}

// Rollback discards the unit of work unconditionally.
func (u *UnitOfWork) Rollback() error {
	return u.tx.Rollback()
}

// applySingleTx is applySingle's logic run against a caller-supplied
// transaction instead of opening its own, used by the UnitOfWork Debit and
// Credit methods (the standalone Ledger.Debit/Credit go through
// applySingle, which carries its own copy of this logic). The caller is
// responsible for commit/rollback.
func (l *Ledger) applySingleTx(tx *bolt.Tx, accountID string, delta int64, kind AuditKind, amount int64, jobID, counterparty string) (modules.Account, error) {
	if amount < 0 {
		return modules.Account{}, ErrNegativeAmount
	}
	if !modules.ValidAccountID(accountID) {
		return modules.Account{}, ErrInvalidAccountID
	}
	rec, err := getAccount(tx, accountID)
	if err != nil {
		return modules.Account{}, err
	}
	newBalance := rec.BalanceMinor + delta
	if newBalance < 0 {
		return modules.Account{}, modules.NewKindedError(modules.ErrKindInsufficientCredits, errors.New("insufficient credits"), accountID)
	}
	rec.BalanceMinor = newBalance
	seq := rec.Sequence
	rec.Sequence++
	if err := putAccount(tx, rec); err != nil {
		return modules.Account{}, err
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
		return modules.Account{}, err
	}
	return rec.toAccount(), nil
}
