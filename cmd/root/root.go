package root

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mermi/metrics-controller/pkg/logging"
	"github.com/mermi/metrics-controller/pkg/paths"
)

const AppName = "metrics-controller"

type rootFlags struct {
	enableOtel  bool
	debugMode   bool
	logFilePath string
	logFile     io.Closer
}

func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   AppName,
		Short: "metrics-controller - local histogram collection and upload",
		Long:  "metrics-controller records histograms on this device, persists them and periodically uploads them to a telemetry endpoint",
		Example: `  metrics-controller run
  metrics-controller run --simulate
  metrics-controller --debug run`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.setupLogging(cmd.ErrOrStderr()); err != nil {
				// If logging setup fails, fall back to stderr so we still get logs
				slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
					Level: flags.level(),
				})))
				slog.Warn("Failed to open log file, logging to stderr", "error", err)
			}

			if flags.enableOtel {
				if err := initOTelSDK(cmd.Context()); err != nil {
					slog.Warn("Failed to initialize OpenTelemetry SDK", "error", err)
				} else {
					slog.Debug("OpenTelemetry SDK initialized successfully")
				}
			}

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if flags.logFile != nil {
				if err := flags.logFile.Close(); err != nil {
					slog.Error("Failed to close log file", "error", err)
				}
			}
			return nil
		},
		// If no subcommand is specified, show help
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().BoolVarP(&flags.debugMode, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.enableOtel, "otel", "o", false, "Enable OpenTelemetry tracing")
	cmd.PersistentFlags().StringVar(&flags.logFilePath, "log-file", "", "Path to debug log file (default: <data dir>/metrics-controller.debug.log; only used with --debug)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

func Execute(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	rootCmd := NewRootCmd()
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return processErr(ctx, err, stderr, rootCmd)
	}
	return nil
}

func processErr(ctx context.Context, err error, stderr io.Writer, rootCmd *cobra.Command) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	fmt.Fprintln(stderr, err)
	fmt.Fprintln(stderr)
	if strings.HasPrefix(err.Error(), "unknown command ") || strings.HasPrefix(err.Error(), "accepts ") {
		_ = rootCmd.Usage()
	}
	return err
}

func (f *rootFlags) level() slog.Level {
	if f.debugMode {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// setupLogging configures slog logging behavior.
// Without --debug, info and above go to stderr, as text on a terminal and as
// JSON otherwise. With --debug, everything is
// written to a rotating file <dataDir>/metrics-controller.debug.log, or to
// the file specified by --log-file.
func (f *rootFlags) setupLogging(stderr io.Writer) error {
	if !f.debugMode {
		opts := &slog.HandlerOptions{Level: slog.LevelInfo}
		if isTerminal(stderr) {
			slog.SetDefault(slog.New(slog.NewTextHandler(stderr, opts)))
		} else {
			// Service managers and log collectors get one JSON object per line.
			slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, opts)))
		}
		return nil
	}

	path := cmp.Or(strings.TrimSpace(f.logFilePath), filepath.Join(paths.GetDataDir(), AppName+".debug.log"))

	logFile, err := logging.NewRotatingFile(path)
	if err != nil {
		return err
	}
	f.logFile = logFile

	slog.SetDefault(slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})))

	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
