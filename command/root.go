// Package command implements the sheets-etl command line.
package command

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/infobloxopen/sheets-etl/config"
	"github.com/infobloxopen/sheets-etl/engine"
	"github.com/infobloxopen/sheets-etl/internal/logging"
	"github.com/infobloxopen/sheets-etl/internal/metrics"
	"github.com/infobloxopen/sheets-etl/source"
	"github.com/infobloxopen/sheets-etl/source/gsheets"
	"github.com/infobloxopen/sheets-etl/source/s3source"
	"github.com/infobloxopen/sheets-etl/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "development"

// SourceFactory builds the document source for a configuration.
type SourceFactory func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (source.Source, error)

// Options customizes the command tree.
type Options struct {
	// NewSource defaults to NewSource.
	NewSource SourceFactory
}

type app struct {
	opts       Options
	configPath string
	jobsPath   string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
}

// NewRootCommand returns the sheets-etl command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.NewSource == nil {
		opts.NewSource = NewSource
	}
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:   "sheets-etl",
		Short: "Incrementally sync spreadsheets into a relational database",
		Long: `sheets-etl discovers remote spreadsheets modified since the last run,
reloads the configured sheets whose content changed and records what it
loaded, so an interrupted run can simply be started again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (YAML, JSON or TOML)")
	root.PersistentFlags().StringVar(&a.jobsPath, "jobs", "", "jobs file, overrides jobs_file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level, overrides log.level")

	root.AddCommand(
		a.discoverCommand(),
		a.loadCommand(),
		a.verifyCommand(),
		a.runCommand(),
		a.scheduleCommand(),
		a.statusCommand(),
		a.sheetsCommand(),
		a.forgetCommand(),
		versionCommand(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.jobsPath != "" {
		cfg.JobsFile = a.jobsPath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger.With().Str("version", Version).Logger()
	return nil
}

// openStore connects to the database and creates the accounting tables.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN, store.Options{
		Schema:         a.cfg.Database.Schema,
		TablePrefix:    a.cfg.Database.TablePrefix,
		BatchSize:      a.cfg.Sync.BatchSize,
		MaxValueLength: a.cfg.Sync.MaxValueLength,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// session is everything a sync command needs.
type session struct {
	store   *store.Store
	source  source.Source
	engine  *engine.Engine
	metrics *metrics.Metrics
}

func (s *session) Close() error { return s.store.Close() }

// openSession builds the store, source and engine. Jobs are loaded only when
// withJobs is set.
func (a *app) openSession(ctx context.Context, withJobs bool) (*session, error) {
	var jobs []config.Job
	if withJobs {
		var err error
		jobs, err = config.LoadJobs(a.cfg.JobsFile)
		if err != nil {
			return nil, err
		}
	}
	src, err := a.opts.NewSource(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	e := engine.New(st, src, jobs, engine.Options{
		DiscoverLimit: a.cfg.Sync.DiscoverLimit,
		Concurrency:   a.cfg.Sync.Concurrency,
		VerifyCount:   a.cfg.Sync.VerifyCount,
		Metrics:       m,
		Logger:        a.logger,
	})
	return &session{store: st, source: src, engine: e, metrics: m}, nil
}

// serveMetrics exposes the session metrics until ctx is done, when an
// address is configured.
func (a *app) serveMetrics(ctx context.Context, m *metrics.Metrics) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	go func() {
		if err := m.Serve(ctx, a.cfg.Metrics.Addr, a.logger); err != nil {
			a.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// NewSource builds the source selected by cfg.Source.Type.
func NewSource(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (source.Source, error) {
	switch cfg.Source.Type {
	case config.SourceGoogle:
		g := cfg.Source.Google
		return gsheets.New(ctx, gsheets.Options{
			CredentialsFile:   g.CredentialsFile,
			RequestsPerSecond: g.RequestsPerSecond,
			PageSize:          g.PageSize,
			MaxRetries:        g.MaxRetries,
			Endpoint:          g.Endpoint,
			Logger:            logger,
		})
	case config.SourceS3:
		s := cfg.Source.S3
		return s3source.New(ctx, s3source.Options{
			Bucket:       s.Bucket,
			Region:       s.Region,
			LocalProfile: s.LocalProfile,
			PathPrefix:   s.PathPrefix,
			Endpoint:     s.Endpoint,
			PathStyle:    s.PathStyle,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unsupported source type %q", cfg.Source.Type)
	}
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCommand(Options{})
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}
