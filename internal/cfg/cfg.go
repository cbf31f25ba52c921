package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds the fwtriage server settings. It satisfies the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	PluginDir             string
	WatchDir              string
	ReportDir             string
	WatchSettleMillis     int
	DatabaseURL           string
	SQLitePath            string
	SlackWebhookURL       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 10, "seconds to keep readiness failing before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")
	fs.StringVar(&c.PluginDir, "plugin-dir", "plugins", "directory scanned for plugin subdirectories")
	fs.StringVar(&c.WatchDir, "watch-dir", "", "firmware directory whose changes are dispatched to plugins (empty = disabled)")
	fs.StringVar(&c.ReportDir, "report-dir", "", "directory of *.json reports submitted for triage (empty = disabled)")
	fs.IntVar(&c.WatchSettleMillis, "watch-settle-ms", 250, "milliseconds a file must be quiet before it is processed (1..60000)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (used when database-url is empty; empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for backfill notifications")
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

	if c.PluginDir == "" {
		errs = append(errs, errors.New("PLUGIN_DIR is required"))
	}
	if c.WatchSettleMillis <= 0 || c.WatchSettleMillis > 60000 {
		errs = append(errs, fmt.Errorf("invalid WATCH_SETTLE_MS %d (must be 1..60000)", c.WatchSettleMillis))
	}

	// Only one persistent store may be selected
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Watching reports whether any directory watch is configured.
func (c *Config) Watching() bool {
	return c.WatchDir != "" || c.ReportDir != ""
}
