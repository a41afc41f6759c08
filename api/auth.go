package api

import (
	"net/http"

	"github.com/gridx/gridx/ledger"
	"github.com/gridx/gridx/modules"
)

// authenticate extracts HTTP Basic credentials (account id as username,
// secret as password) and verifies them against the Ledger, provisioning
// the account on first use exactly as the Session Protocol's auth frame
// does: submitters and worker owners share one account namespace and one
// first-use binding rule.
func authenticate(r *http.Request, l *ledger.Ledger, startingBalance int64) (string, error) {
	accountID, secret, ok := r.BasicAuth()
	if !ok {
		return "", modules.NewKindedError(modules.ErrKindUnauthenticated, errMissingCredentials, "")
	}
	if !modules.ValidAccountID(accountID) {
		return "", modules.NewKindedError(modules.ErrKindInvalidInput, errInvalidAccountID, "")
	}
	if _, err := l.EnsureAccount(accountID, secret, startingBalance); err != nil {
		return "", err
	}
	if err := l.VerifyAuth(accountID, secret); err != nil {
		return "", modules.NewKindedError(modules.ErrKindUnauthenticated, err, "")
	}
	return accountID, nil
}

var (
	errMissingCredentials = httpErr("missing HTTP basic credentials")
	errInvalidAccountID   = httpErr("invalid account id")
)

type httpErr string

func (e httpErr) Error() string { return string(e) }
