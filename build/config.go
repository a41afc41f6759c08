package build

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gitlab.com/NebulousLabs/errors"
)

// Config is the full environment-variable surface, parsed once at process
// start by LoadConfig. Every field has the documented default, so an
// operator only needs to set the variables they want to override.
type Config struct {
	// HTTPPort binds the request/response Submission API.
	HTTPPort int
	// StreamPort binds the worker session listener.
	StreamPort int
	// DBPath is the bolt database file backing the Ledger and Job Store.
	DBPath string
	// StartingBalance is credited on first ensure_account.
	StartingBalance int64
	// JobCost is debited per submission.
	JobCost int64
	// WorkerReward is credited per completed job.
	WorkerReward int64
	// HeartbeatInterval is the worker-side heartbeat cadence.
	HeartbeatInterval time.Duration
	// StaleThreshold marks a session offline after this much silence.
	StaleThreshold time.Duration
	// OfflineGraceThreshold removes an offline session entirely once its
	// total silence (time since last seen) exceeds this.
	OfflineGraceThreshold time.Duration
	// DefaultTimeout is the per-job wall clock when the submitter omits one.
	DefaultTimeout time.Duration
	// MaxCodeLength is the submission cap, in bytes.
	MaxCodeLength int64
	// MaxOutputBytes is the capture cap per stdout/stderr stream.
	MaxOutputBytes int64
	// RequeueAttempts is the max re-dispatch attempts per job on worker loss.
	RequeueAttempts int
	// SupportedLanguages is the allow-list for Job.language.
	SupportedLanguages []string
	// Env selects Standard/Dev/Testing behavior: LoadConfig sets
	// CurrentRelease from it, which NewLogger reads. SmuxKeepAliveInterval
	// and DispatchInterval in consts.go are resolved at package
	// initialization, before LoadConfig runs, so they always take their
	// Standard values.
	Env string
	// MaxBandwidthBPS caps each worker connection's combined read/write
	// throughput in bytes per second; 0 means unlimited.
	MaxBandwidthBPS int64
}

// env var names, all GRIDX_-prefixed.
const (
	envHTTPPort           = "GRIDX_HTTP_PORT"
	envStreamPort         = "GRIDX_STREAM_PORT"
	envDBPath             = "GRIDX_DB_PATH"
	envStartingBalance    = "GRIDX_STARTING_BALANCE"
	envJobCost            = "GRIDX_JOB_COST"
	envWorkerReward       = "GRIDX_WORKER_REWARD"
	envHeartbeatInterval  = "GRIDX_HEARTBEAT_INTERVAL"
	envStaleThreshold     = "GRIDX_STALE_THRESHOLD"
	envOfflineGrace       = "GRIDX_OFFLINE_GRACE_THRESHOLD"
	envDefaultTimeout     = "GRIDX_DEFAULT_TIMEOUT"
	envMaxCodeLength      = "GRIDX_MAX_CODE_LENGTH"
	envMaxOutputBytes     = "GRIDX_MAX_OUTPUT_BYTES"
	envRequeueAttempts    = "GRIDX_REQUEUE_ATTEMPTS"
	envSupportedLanguages = "GRIDX_SUPPORTED_LANGUAGES"
	envEnv                = "GRIDX_ENV"
	envMaxBandwidthBPS    = "GRIDX_MAX_BANDWIDTH_BPS"
)

// DefaultConfig returns the defaults from spec §6 before any environment
// variable is applied.
func DefaultConfig() Config {
	return Config{
		HTTPPort:              8081,
		StreamPort:            8080,
		DBPath:                "./gridx.db",
		StartingBalance:       100 * CreditScale,
		JobCost:               1 * CreditScale,
		WorkerReward:          8 * CreditScale / 10,
		HeartbeatInterval:     15 * time.Second,
		StaleThreshold:        90 * time.Second,
		OfflineGraceThreshold: 24 * time.Hour,
		DefaultTimeout:        300 * time.Second,
		MaxCodeLength:         1 << 20,
		MaxOutputBytes:        64 << 10,
		RequeueAttempts:       3,
		SupportedLanguages:    []string{"python"},
		Env:                   "standard",
		MaxBandwidthBPS:       0,
	}
}

// LoadConfig reads the GRIDX_* environment variables over DefaultConfig and
// validates the result. It never panics; invalid input is surfaced as an
// error so the caller (cmd/gridx-coordinatord) can fail fast with a clear
// message instead of starting with silently-wrong limits.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv(envHTTPPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.AddContext(err, envHTTPPort)
		}
		cfg.HTTPPort = n
	}
	if v, ok := os.LookupEnv(envStreamPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.AddContext(err, envStreamPort)
		}
		cfg.StreamPort = n
	}
	if v, ok := os.LookupEnv(envDBPath); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv(envStartingBalance); ok {
		n, err := parseCredits(v)
		if err != nil {
			return cfg, errors.AddContext(err, envStartingBalance)
		}
		cfg.StartingBalance = n
	}
	if v, ok := os.LookupEnv(envJobCost); ok {
		n, err := parseCredits(v)
		if err != nil {
			return cfg, errors.AddContext(err, envJobCost)
		}
		cfg.JobCost = n
	}
	if v, ok := os.LookupEnv(envWorkerReward); ok {
		n, err := parseCredits(v)
		if err != nil {
			return cfg, errors.AddContext(err, envWorkerReward)
		}
		cfg.WorkerReward = n
	}
	if v, ok := os.LookupEnv(envHeartbeatInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.AddContext(err, envHeartbeatInterval)
		}
		cfg.HeartbeatInterval = d
	}
	if v, ok := os.LookupEnv(envStaleThreshold); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.AddContext(err, envStaleThreshold)
		}
		cfg.StaleThreshold = d
	}
	if v, ok := os.LookupEnv(envOfflineGrace); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.AddContext(err, envOfflineGrace)
		}
		cfg.OfflineGraceThreshold = d
	}
	if v, ok := os.LookupEnv(envDefaultTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.AddContext(err, envDefaultTimeout)
		}
		cfg.DefaultTimeout = d
	}
	if v, ok := os.LookupEnv(envMaxCodeLength); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, errors.AddContext(err, envMaxCodeLength)
		}
		cfg.MaxCodeLength = n
	}
	if v, ok := os.LookupEnv(envMaxOutputBytes); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, errors.AddContext(err, envMaxOutputBytes)
		}
		cfg.MaxOutputBytes = n
	}
	if v, ok := os.LookupEnv(envRequeueAttempts); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.AddContext(err, envRequeueAttempts)
		}
		cfg.RequeueAttempts = n
	}
	if v, ok := os.LookupEnv(envSupportedLanguages); ok && v != "" {
		cfg.SupportedLanguages = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(envEnv); ok && v != "" {
		cfg.Env = v
	}
	if v, ok := os.LookupEnv(envMaxBandwidthBPS); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, errors.AddContext(err, envMaxBandwidthBPS)
		}
		cfg.MaxBandwidthBPS = n
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	switch strings.ToLower(cfg.Env) {
	case "dev":
		CurrentRelease = ReleaseDev
	case "testing":
		CurrentRelease = ReleaseTesting
	default:
		CurrentRelease = ReleaseStandard
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid %s: %d", envHTTPPort, c.HTTPPort)
	}
	if c.StreamPort <= 0 || c.StreamPort > 65535 {
		return fmt.Errorf("invalid %s: %d", envStreamPort, c.StreamPort)
	}
	if c.DBPath == "" {
		return errors.New("DB path cannot be empty")
	}
	if c.StartingBalance < 0 || c.JobCost < 0 || c.WorkerReward < 0 {
		return errors.New("credit amounts cannot be negative")
	}
	if c.HeartbeatInterval <= 0 || c.StaleThreshold <= 0 || c.DefaultTimeout <= 0 {
		return errors.New("durations must be positive")
	}
	if c.StaleThreshold <= c.HeartbeatInterval {
		return errors.New("stale threshold must exceed the heartbeat interval")
	}
	if c.MaxCodeLength <= 0 || c.MaxOutputBytes <= 0 {
		return errors.New("size caps must be positive")
	}
	if c.RequeueAttempts < 0 {
		return errors.New("requeue attempts cannot be negative")
	}
	if len(c.SupportedLanguages) == 0 {
		return errors.New("at least one supported language is required")
	}
	if c.MaxBandwidthBPS < 0 {
		return errors.New("max bandwidth cannot be negative")
	}
	return nil
}

// parseCredits parses a decimal credit amount (e.g. "1.0", "0.8") into the
// fixed-point integer representation used throughout the Ledger.
func parseCredits(s string) (int64, error) {
	neg := false
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}
	var frac int64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > CreditPrecision {
			fracStr = fracStr[:CreditPrecision]
		}
		for len(fracStr) < CreditPrecision {
			fracStr += "0"
		}
		frac, err = strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return 0, err
		}
	}
	total := whole*CreditScale + frac
	if neg {
		total = -total
	}
	return total, nil
}
