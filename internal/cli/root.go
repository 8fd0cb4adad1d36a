// Package cli wires the cobra command tree to the exporter, pipeline and
// servers.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"transitcoords/internal/config"
	"transitcoords/internal/ephemeris"
	"transitcoords/internal/logging"
	"transitcoords/internal/pipeline"
	"transitcoords/internal/storage"
)

// Version is stamped at build time with -ldflags "-X transitcoords/internal/cli.Version=...".
var Version = "dev"

// skipValidate marks commands that must run even with an invalid config.
const skipValidate = "skip-validate"

// Root holds the state shared by all commands.
type Root struct {
	cfg        *config.Config
	log        *slog.Logger
	out        io.Writer
	configPath string
	logLevel   string
	logFormat  string

	db      *storage.Store
	dbOpen  bool
	closers []io.Closer

	loadConfig    func(path string) (*config.Config, error)
	setupLog      func(cfg *config.Config) (*slog.Logger, io.Closer, error)
	openStore     func(path string) (*storage.Store, error)
	openEphemeris func(ds ephemeris.Dataset) (ephemeris.Provider, error)
	newProcessor  func(log *slog.Logger) pipeline.Processor
}

// NewRoot returns a Root using the real config loader, logger, store and
// ephemeris datasets.
func NewRoot() *Root {
	return &Root{
		log:           logging.Discard(),
		loadConfig:    config.Load,
		setupLog:      logging.Setup,
		openStore:     storage.New,
		openEphemeris: ephemeris.Open,
		newProcessor: func(log *slog.Logger) pipeline.Processor {
			return pipeline.NewRunner(log)
		},
	}
}

// Execute runs the command line args and releases everything the command
// opened.
func (r *Root) Execute(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return errors.Join(err, r.Close())
}

// Close releases the store and log file.
func (r *Root) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	r.closers = nil
	r.db, r.dbOpen = nil, false
	return errors.Join(errs...)
}

// Command builds the cobra command tree.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "transitcoords",
		Short: "Export helioprojective coordinates of a transiting planet",
		Long: `transitcoords reads solar images (FITS), computes where a planet appears
in each image's helioprojective frame, and writes one line per image:

  <timestamp> <Tx arcsec><separator><Ty arcsec>`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: r.preRun,
	}
	if r.out != nil {
		rootCmd.SetOut(r.out)
	}

	rootCmd.PersistentFlags().StringVarP(&r.configPath, "config", "c", "", "configuration file (default $TRANSITCOORDS_CONFIG or ~/.config/transitcoords/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&r.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&r.logFormat, "log-format", "", "log format (traditional|text|json)")

	rootCmd.AddCommand(newExportCmd(r))
	rootCmd.AddCommand(newInspectCmd(r))
	rootCmd.AddCommand(newPositionCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newRunsCmd(r))
	rootCmd.AddCommand(newSubmitCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))
	return rootCmd
}

func (r *Root) preRun(cmd *cobra.Command, args []string) error {
	cfg, err := r.loadConfig(r.configPath)
	if err != nil {
		return err
	}
	if r.logLevel != "" {
		cfg.Logging.Level = r.logLevel
	}
	if r.logFormat != "" {
		cfg.Logging.Format = r.logFormat
	}
	r.cfg = cfg

	if cmd.Annotations[skipValidate] == "" {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log, closer, err := r.setupLog(cfg)
	if err != nil {
		return err
	}
	r.log = log
	if closer != nil {
		r.closers = append(r.closers, closer)
	}
	return nil
}

// store opens the run history once. A nil store with a nil error means
// history is disabled.
func (r *Root) store() (*storage.Store, error) {
	if r.dbOpen {
		return r.db, nil
	}
	path := strings.TrimSpace(r.cfg.Storage.DatabasePath)
	if path == "" {
		r.dbOpen = true
		return nil, nil
	}
	db, err := r.openStore(path)
	if err != nil {
		return nil, fmt.Errorf("open run history %s: %w", path, err)
	}
	r.db, r.dbOpen = db, true
	r.closers = append(r.closers, db)
	return db, nil
}

// baseJob is the configured export with the command's flag overrides applied.
func (r *Root) baseJob(o pipeline.Overrides) (pipeline.Job, error) {
	job, err := pipeline.JobFromConfig(r.cfg)
	if err != nil {
		return pipeline.Job{}, err
	}
	return o.Apply(job)
}
