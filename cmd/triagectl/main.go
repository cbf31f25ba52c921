// triagectl administers the fwtriage issue database and runs plugin batch
// jobs from the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/fwtriage/internal/plugin"
	"github.com/linnemanlabs/fwtriage/internal/plugin/builtin"
	"github.com/linnemanlabs/fwtriage/internal/plugin/goplugin"
	"github.com/linnemanlabs/fwtriage/internal/plugin/luaplugin"
	"github.com/linnemanlabs/fwtriage/internal/postgres"
	"github.com/linnemanlabs/fwtriage/internal/triage"
	"github.com/linnemanlabs/fwtriage/internal/triage/pgstore"
	"github.com/linnemanlabs/fwtriage/internal/triage/sqlitestore"
)

const appName = "fwtriage"
const component = "triagectl"

var errNoStore = errors.New("one of --database-url or --sqlite-path is required")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component

	a := &app{}
	defer a.close()
	root := newRootCommand(a)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// app holds the global flags and the lazily opened backends shared by every
// subcommand. close releases them once the command returns.
type app struct {
	databaseURL string
	sqlitePath  string
	pluginDir   string
	logCfg      log.Config

	// logger is set by tests; otherwise built from logCfg.
	logger  log.Logger
	closers []func()
}

func newRootCommand(a *app) *cobra.Command {
	vi := v.Get()
	root := &cobra.Command{
		Use:   "triagectl",
		Short: "Manage fwtriage issues, reports and plugins",
		Long: `triagectl edits the issue database used to classify device update
reports and runs firmware test plugins in batch.

The database is chosen with --database-url (PostgreSQL) or --sqlite-path.
Both default to the FWTRIAGE_DATABASE_URL and FWTRIAGE_SQLITE_PATH
environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", vi.Version, vi.Commit, vi.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.fillFromEnv(cmd.Flags())
			if err := a.initLogger(); err != nil {
				return err
			}
			cmd.SetContext(postgres.WithSource(log.WithContext(cmd.Context(), a.logger), component))
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.databaseURL, "database-url", "", "PostgreSQL connection string")
	pf.StringVar(&a.sqlitePath, "sqlite-path", "", "SQLite database file")
	pf.StringVar(&a.pluginDir, "plugin-dir", "plugins", "directory holding one subdirectory per plugin")
	root.MarkFlagsMutuallyExclusive("database-url", "sqlite-path")

	// go-core registers on a stdlib FlagSet; cobra takes it as-is.
	logFlags := flag.NewFlagSet("log", flag.ContinueOnError)
	a.logCfg.RegisterFlags(logFlags)
	pf.AddGoFlagSet(logFlags)

	root.AddCommand(newIssueCommand(a))
	root.AddCommand(newReportCommand(a))
	root.AddCommand(newPluginCommand(a))

	return root
}

// fillFromEnv applies FWTRIAGE_* variables to flags left unset. The database
// variables are only consulted when neither database flag was given.
func (a *app) fillFromEnv(fs *pflag.FlagSet) {
	if !fs.Changed("database-url") && !fs.Changed("sqlite-path") {
		a.databaseURL = os.Getenv("FWTRIAGE_DATABASE_URL")
		if a.databaseURL == "" {
			a.sqlitePath = os.Getenv("FWTRIAGE_SQLITE_PATH")
		}
	}
	if s := os.Getenv("FWTRIAGE_PLUGIN_DIR"); s != "" && !fs.Changed("plugin-dir") {
		a.pluginDir = s
	}
}

func (a *app) initLogger() error {
	if a.logger != nil {
		return nil
	}
	if err := a.logCfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	lg, err := log.New(a.logCfg.ToOptions(appName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	a.closers = append(a.closers, func() { _ = lg.Sync() })
	a.logger = lg.With("component", component)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// store opens the configured database.
func (a *app) store(ctx context.Context) (triage.Store, error) {
	switch {
	case a.databaseURL != "":
		pool, err := postgres.NewPool(ctx, a.databaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgstore init: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		return s, nil

	case a.sqlitePath != "":
		s, err := sqlitestore.Open(ctx, a.sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := s.Close(); err != nil {
				a.logger.Error(context.Background(), err, "failed to close sqlite store")
			}
		})
		return s, nil

	default:
		return nil, errNoStore
	}
}

// service builds the triage service over the configured store. Enabling an
// issue from the CLI backfills like the server does.
func (a *app) service(ctx context.Context) (*triage.Service, error) {
	st, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	coord := triage.NewCoordinator(st, triage.AllowAll, a.logger)
	return triage.NewService(st, coord, a.logger), nil
}

// dispatcher loads the plugin directory.
func (a *app) dispatcher(ctx context.Context) (*plugin.Dispatcher, error) {
	reg := plugin.NewRegistry(a.pluginDir, a.logger.With("subsystem", "plugin"),
		plugin.WithEntryPoints(builtin.Factories(), goplugin.EntryPoint{}, luaplugin.EntryPoint{}),
	)
	if err := reg.Load(ctx); err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	return plugin.NewDispatcher(reg, a.logger), nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
