package modules

import (
	"fmt"
	"regexp"

	"github.com/gridx/gridx/build"
)

var accountIDPattern = regexp.MustCompile(build.AccountIDPattern)

// ValidAccountID reports whether id matches the account grammar.
func ValidAccountID(id string) bool {
	return accountIDPattern.MatchString(id)
}

// Account is a credit-bearing identity. Submitters and worker owners share
// this namespace. The Ledger is the only component that mutates an
// Account's balance; every other package treats it as a read-only snapshot.
type Account struct {
	ID           string `json:"id"`
	BalanceMinor int64  `json:"balance_minor"` // fixed-point, see build.CreditScale
	AuthHash     []byte `json:"-"`             // salted authenticator hash, never serialized to API responses
}

// Balance renders BalanceMinor as a decimal string with build.CreditPrecision
// fractional digits, e.g. 100000000 -> "100.000000".
func (a Account) Balance() string {
	return FormatCredits(a.BalanceMinor)
}

// FormatCredits renders a fixed-point minor-unit amount as a decimal string,
// e.g. FormatCredits(1_000_000) -> "1.000000".
func FormatCredits(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	whole := minor / build.CreditScale
	frac := minor % build.CreditScale
	return fmt.Sprintf("%s%d.%0*d", sign, whole, build.CreditPrecision, frac)
}
