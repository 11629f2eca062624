package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config holds the application settings registered alongside the
// go-core component configs.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL      string
	DatabaseMaxConns int
	SlowQuery        time.Duration

	RedisAddr   string
	RedisPrefix string

	ServiceToken string
	JWTSecret    string

	ScorerURL     string
	ScorerToken   string
	ScorerTimeout time.Duration

	DirectoryURL   string
	DirectoryToken string
	DirectoryFile  string
	DoctorRoster   string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	SlackWebhookURL string

	PolicyFile          string
	AnalysisMaxRetries  int
	AnalysisRetryDelay  time.Duration
	LockTimeout         time.Duration
	DispatchWorkers     int
	DispatchMaxAttempts int
	DispatchRetryBase   time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DatabaseMaxConns, "database-max-conns", 10, "maximum PostgreSQL pool connections")
	fs.DurationVar(&c.SlowQuery, "slow-query", 100*time.Millisecond, "log successful queries slower than this (0 = log all)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for in-app notifications (empty = in-app channel disabled)")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "lookout:inapp:", "Redis key and channel prefix for in-app notifications")

	fs.StringVar(&c.ServiceToken, "service-token", "", "bearer token for trusted service callers")
	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HMAC secret for doctor JWTs")

	fs.StringVar(&c.ScorerURL, "scorer-url", "", "base URL of the image analysis service")
	fs.StringVar(&c.ScorerToken, "scorer-token", "", "bearer token for the image analysis service")
	fs.DurationVar(&c.ScorerTimeout, "scorer-timeout", 30*time.Second, "per-image analysis request timeout")

	fs.StringVar(&c.DirectoryURL, "directory-url", "", "base URL of the account directory service")
	fs.StringVar(&c.DirectoryToken, "directory-token", "", "bearer token for the account directory service")
	fs.StringVar(&c.DirectoryFile, "directory-file", "", "YAML account directory file (used when directory-url is empty)")
	fs.StringVar(&c.DoctorRoster, "doctor-roster", "", "comma-separated doctor IDs eligible for auto-assignment (empty = all doctors in directory-file)")

	fs.StringVar(&c.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID (empty = SMS disabled)")
	fs.StringVar(&c.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&c.TwilioFrom, "twilio-from", "", "Twilio sender phone number")

	fs.StringVar(&c.SMTPHost, "smtp-host", "", "SMTP relay host (empty = email disabled)")
	fs.IntVar(&c.SMTPPort, "smtp-port", 587, "SMTP relay port")
	fs.StringVar(&c.SMTPUsername, "smtp-username", "", "SMTP username")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP password")
	fs.StringVar(&c.SMTPFrom, "smtp-from", "", "sender address for notification email")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for doctor alerts")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML priority threshold file (empty = default thresholds)")
	fs.IntVar(&c.AnalysisMaxRetries, "analysis-max-retries", 3, "analysis attempts before a record is marked degraded")
	fs.DurationVar(&c.AnalysisRetryDelay, "analysis-retry-delay", 2*time.Second, "pause before retrying a failed analysis")
	fs.DurationVar(&c.LockTimeout, "lock-timeout", 5*time.Second, "maximum wait for a record lock")
	fs.IntVar(&c.DispatchWorkers, "dispatch-workers", 4, "notification delivery workers")
	fs.IntVar(&c.DispatchMaxAttempts, "dispatch-max-attempts", 4, "delivery attempts per notification before it is marked failed")
	fs.DurationVar(&c.DispatchRetryBase, "dispatch-retry-base", time.Second, "base delay of the notification retry backoff")
}

// Roster returns the configured doctor IDs, trimmed and without empties.
func (c *Config) Roster() []string {
	var out []string
	for _, id := range strings.Split(c.DoctorRoster, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DatabaseMaxConns <= 0 {
		errs = append(errs, fmt.Errorf("invalid DATABASE_MAX_CONNS %d (must be > 0)", c.DatabaseMaxConns))
	}

	if c.ServiceToken == "" {
		errs = append(errs, errors.New("SERVICE_TOKEN is required"))
	}
	// HS256 keys shorter than the hash output are trivially brute-forced
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}

	if c.ScorerURL == "" {
		errs = append(errs, errors.New("SCORER_URL is required"))
	}
	if c.ScorerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid SCORER_TIMEOUT %s (must be > 0)", c.ScorerTimeout))
	}

	if c.DirectoryURL == "" && c.DirectoryFile == "" {
		errs = append(errs, errors.New("one of DIRECTORY_URL or DIRECTORY_FILE is required"))
	}

	// Twilio credentials are all-or-nothing
	twilioSet := 0
	for _, s := range []string{c.TwilioAccountSID, c.TwilioAuthToken, c.TwilioFrom} {
		if s != "" {
			twilioSet++
		}
	}
	if twilioSet != 0 && twilioSet != 3 {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM must be set together"))
	}

	if c.SMTPHost != "" {
		if c.SMTPFrom == "" {
			errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
		}
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid SMTP_PORT %d (must be 1..65535)", c.SMTPPort))
		}
	}

	if c.AnalysisMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("invalid ANALYSIS_MAX_RETRIES %d (must be >= 1)", c.AnalysisMaxRetries))
	}
	if c.AnalysisRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid ANALYSIS_RETRY_DELAY %s (must be >= 0)", c.AnalysisRetryDelay))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid LOCK_TIMEOUT %s (must be > 0)", c.LockTimeout))
	}
	if c.DispatchWorkers < 1 || c.DispatchWorkers > 64 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_WORKERS %d (must be 1..64)", c.DispatchWorkers))
	}
	if c.DispatchMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_MAX_ATTEMPTS %d (must be >= 1)", c.DispatchMaxAttempts))
	}
	if c.DispatchRetryBase <= 0 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_RETRY_BASE %s (must be > 0)", c.DispatchRetryBase))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
