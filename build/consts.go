// Package build collects the compile-time constants and environment-driven
// configuration that the rest of Grid-X is built against.
package build

import (
	"fmt"
	"time"
)

// Release describes which of the three build modes the binary was compiled
// in. Grid-X only uses this for the handful of knobs that have no legitimate
// reason to be operator-configurable at runtime; the bulk of configuration
// lives in Config and comes from the environment (see config.go).
type Release int

// The recognized release modes.
const (
	ReleaseStandard Release = iota
	ReleaseDev
	ReleaseTesting
)

// Var holds a value for each of the three release modes, resolved once at
// startup.
type Var struct {
	Standard interface{}
	Dev      interface{}
	Testing  interface{}
}

// CurrentRelease is set by LoadConfig from GRIDX_ENV; defaults to Standard.
// Package-level Vars resolved through Select at initialization see only
// this default.
var CurrentRelease = ReleaseStandard

// Select resolves a Var against CurrentRelease.
func Select(v Var) interface{} {
	switch CurrentRelease {
	case ReleaseDev:
		if v.Dev != nil {
			return v.Dev
		}
	case ReleaseTesting:
		if v.Testing != nil {
			return v.Testing
		}
	}
	return v.Standard
}

// SmuxKeepAliveInterval is a compile-time transport knob: how often the
// session listener sends a smux-level keepalive on an idle connection. Not
// part of the operator-facing environment surface.
var SmuxKeepAliveInterval = Select(Var{
	Standard: 10 * time.Second,
	Dev:      10 * time.Second,
	Testing:  100 * time.Millisecond,
}).(time.Duration)

// BoltFileMode is the file mode used when bolt creates the database file.
const BoltFileMode = 0600

// AccountIDPattern is the grammar every account id must match.
const AccountIDPattern = `^[A-Za-z0-9_-]{1,64}$`

// CreditPrecision is the number of fixed fractional digits a credit amount
// carries. Amounts are stored internally as integers counting this many
// fractional digits, avoiding floating point drift on repeated debit/credit.
const CreditPrecision = 6

// CreditScale is 10^CreditPrecision, the integer scale factor.
const CreditScale = 1_000_000

// DispatchInterval is how often the scheduler's dispatch pass runs.
var DispatchInterval = Select(Var{
	Standard: time.Second,
	Dev:      time.Second,
	Testing:  10 * time.Millisecond,
}).(time.Duration)

// ShutdownTimeout bounds how long the HTTP server waits for in-flight
// requests to finish during a graceful shutdown.
const ShutdownTimeout = 10 * time.Second

// ListenAddr formats a port into a listen address on all interfaces.
func ListenAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
