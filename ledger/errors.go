// Package ledger implements a persistent, transactional credit ledger.
// Every balance-mutating operation is atomic and durable, backed by a
// shared bolt database also used by the Job Store for the unit-of-work
// transaction, and shadowed by a writeaheadlog-backed audit trail so every
// mutation is individually recoverable and inspectable.
package ledger

import "gitlab.com/NebulousLabs/errors"

// Package-level sentinel errors.
var (
	// ErrAccountNotFound is returned by Balance/operations against an id
	// that has never been seen by ensure_account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAuthMismatch is returned by VerifyAuth when the presented secret
	// does not match the installed authenticator.
	ErrAuthMismatch = errors.New("authentication failed")

	// ErrInvalidAccountID is returned when an id fails the account grammar.
	ErrInvalidAccountID = errors.New("invalid account id")

	// ErrNegativeAmount is returned when an operation is asked to move a
	// negative amount; amounts are always non-negative, sign is implied by
	// Debit vs Credit.
	ErrNegativeAmount = errors.New("amount must be non-negative")

	// errClosed is not returned by any method: Close is a no-op, and calls
	// made after it behave as before.
	errClosed = errors.New("ledger is closed")
)
