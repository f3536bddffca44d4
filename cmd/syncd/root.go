package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/syncore/internal/config"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json", "yaml"}

// rootOptions holds the global flags and the state prepared for every
// subcommand.
type rootOptions struct {
	ConfigPath string
	Format     string
	LogLevel   string

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "Offline-first sync core",
		Long:          "syncd keeps a local SQLite replica, queues mutations while offline and delivers them to the backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return apperrors.Newf(apperrors.ErrInvalid, "invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.prepare(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logCloser != nil {
				_ = opts.logCloser.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"), "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newStatusCommand(opts),
		newSyncCommand(opts),
		newEnqueueCommand(opts),
		newFailedCommand(opts),
		newRetryCommand(opts),
		newCleanupCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

// prepare loads the configuration and installs the logger. Commands other
// than serve log to stderr so their stdout stays machine-readable.
func (o *rootOptions) prepare(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	o.cfg = cfg

	var out io.Writer = cmd.ErrOrStderr()
	if cmd.Name() == "serve" {
		out = cmd.OutOrStdout()
	}
	if cfg.Log.File != "" {
		w := logging.NewRotatingWriter(logging.RotationConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   true,
		})
		o.logCloser = w
		out = w
	}
	logging.Set(logging.New(out, cfg.LogLevel()))
	return nil
}

func (o *rootOptions) printer(cmd *cobra.Command) *printer {
	return &printer{format: o.Format, w: cmd.OutOrStdout()}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// exitCode maps input errors to ExitCommandError and everything else to
// ExitFailure.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return ExitCommandError
	default:
		return ExitFailure
	}
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd)
			return p.print(map[string]string{"version": version, "commit": commit}, func(w io.Writer) {
				fmt.Fprintf(w, "syncd %s (%s)\n", version, commit)
			})
		},
	}
}
