package ledger

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/gridx/gridx/storage"
)

func newTestLedger(t *testing.T) (*Ledger, func()) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "gridx.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	l := New(store, zap.NewNop())
	return l, func() { store.Close() }
}

func TestEnsureAccountCreatesAndIsIdempotent(t *testing.T) {
	l, cleanup := newTestLedger(t)
	defer cleanup()

	acc, err := l.EnsureAccount("alice", "hunter2", 100_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if acc.BalanceMinor != 100_000_000 {
		t.Fatalf("expected starting balance 100_000_000, got %d", acc.BalanceMinor)
	}

	// Re-ensuring the same account must not reset the balance.
	if _, err := l.Debit("alice", 10_000_000, ""); err != nil {
		t.Fatal(err)
	}
	acc2, err := l.EnsureAccount("alice", "hunter2", 100_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if acc2.BalanceMinor != 90_000_000 {
		t.Fatalf("EnsureAccount must not reset an existing balance, got %d", acc2.BalanceMinor)
	}
}

func TestEnsureAccountRejectsInvalidID(t *testing.T) {
	l, cleanup := newTestLedger(t)
	defer cleanup()

	if _, err := l.EnsureAccount("has a space", "secret", 0); err != ErrInvalidAccountID {
		t.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
}

func TestVerifyAuth(t *testing.T) {
	l, cleanup := newTestLedger(t)
	defer cleanup()

	if _, err := l.EnsureAccount("bob", "correct-secret", 0); err != nil {
		t.Fatal(err)
	}
	if err := l.VerifyAuth("bob", "correct-secret"); err != nil {
		t.Fatalf("expected valid auth, got %v", err)
	}
	if err := l.VerifyAuth("bob", "wrong-secret"); err != ErrAuthMismatch {
		t.Fatalf("expected ErrAuthMismatch, got %v", err)
	}
}

func TestDebitInsufficientCredits(t *testing.T) {
	l, cleanup := newTestLedger(t)
	defer cleanup()

	if _, err := l.EnsureAccount("carol", "s", 1_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Debit("carol", 2_000_000, ""); err == nil {
		t.Fatal("expected insufficient credits error")
	}
	acc, err := l.Balance("carol")
	if err != nil {
		t.Fatal(err)
	}
	if acc.BalanceMinor != 1_000_000 {
		t.Fatalf("balance must be unchanged after a failed debit, got %d", acc.BalanceMinor)
	}
}

func TestTransferAtomicity(t *testing.T) {
	l, cleanup := newTestLedger(t)
	defer cleanup()

	if _, err := l.EnsureAccount("src", "s", 5_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := l.EnsureAccount("dst", "s", 0); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer("src", "dst", 2_000_000, "job-1"); err != nil {
		t.Fatal(err)
	}

	srcAcc, err := l.Balance("src")
	if err != nil {
		t.Fatal(err)
	}
	dstAcc, err := l.Balance("dst")
	if err != nil {
		t.Fatal(err)
	}
	if srcAcc.BalanceMinor != 3_000_000 || dstAcc.BalanceMinor != 2_000_000 {
		t.Fatalf("unexpected post-transfer balances: src=%d dst=%d", srcAcc.BalanceMinor, dstAcc.BalanceMinor)
	}

	if err := l.Transfer("src", "dst", 10_000_000, "job-2"); err == nil {
		t.Fatal("expected insufficient credits error on oversized transfer")
	}
	srcAcc2, _ := l.Balance("src")
	dstAcc2, _ := l.Balance("dst")
	if srcAcc2.BalanceMinor != srcAcc.BalanceMinor || dstAcc2.BalanceMinor != dstAcc.BalanceMinor {
		t.Fatal("a failed transfer must not move any credits")
	}
}

func TestAuditLogRecordsEveryMutation(t *testing.T) {
	l, cleanup := newTestLedger(t)
	defer cleanup()

	if _, err := l.EnsureAccount("dana", "s", 1_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Credit("dana", 500_000, "job-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Debit("dana", 200_000, "job-b"); err != nil {
		t.Fatal(err)
	}

	log, err := l.AuditLog("dana")
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(log))
	}
	if log[0].Kind != AuditCredit || log[0].BalanceAfter != 1_500_000 {
		t.Fatalf("unexpected first audit record: %+v", log[0])
	}
	if log[1].Kind != AuditDebit || log[1].BalanceAfter != 1_300_000 {
		t.Fatalf("unexpected second audit record: %+v", log[1])
	}
}

func TestUnitOfWorkRollsBackOnFailure(t *testing.T) {
	l, cleanup := newTestLedger(t)
	defer cleanup()

	if _, err := l.EnsureAccount("erin", "s", 1_000_000); err != nil {
		t.Fatal(err)
	}

	uow, err := l.BeginUnitOfWork()
	if err != nil {
		t.Fatal(err)
	}
	if err := uow.Debit("erin", 500_000, "job-x"); err != nil {
		t.Fatal(err)
	}
	uow.Fail(errUnrelatedFailure)
	if err := uow.Commit(); err == nil {
		t.Fatal("expected Commit to surface the failure")
	}

	acc, err := l.Balance("erin")
	if err != nil {
		t.Fatal(err)
	}
	if acc.BalanceMinor != 1_000_000 {
		t.Fatalf("a rolled-back unit of work must not move credits, got %d", acc.BalanceMinor)
	}
}

var errUnrelatedFailure = errTestSentinel("unrelated collaborator failure")

type errTestSentinel string

func (e errTestSentinel) Error() string { return string(e) }
