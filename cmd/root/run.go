package root

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mermi/metrics-controller/pkg/logging"
	"github.com/mermi/metrics-controller/pkg/metrics"
	"github.com/mermi/metrics-controller/pkg/persistence"
	"github.com/mermi/metrics-controller/pkg/transmit"
	"github.com/mermi/metrics-controller/pkg/userconfig"
	"github.com/mermi/metrics-controller/pkg/version"
)

type runFlags struct {
	configPath    string
	appName       string
	updateChannel string
	buildID       string
	device        string
	simulate      bool
	simulateEvery time.Duration
	watchConfig   bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect histograms until interrupted",
		Long: `Start the metrics controller with the host configuration and keep it
running until SIGINT or SIGTERM. Changes to the opt-in flag in the
configuration file are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: flags.runRunCommand,
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to the configuration file (default: "+userconfig.Path()+")")
	cmd.Flags().StringVar(&flags.appName, "app-name", AppName, "Application name reported with every upload")
	cmd.Flags().StringVar(&flags.updateChannel, "channel", "default", "Update channel reported with every upload")
	cmd.Flags().StringVar(&flags.buildID, "build-id", version.Commit, "Build identifier reported with every upload")
	cmd.Flags().StringVar(&flags.device, "device", "", "Device model reported with every upload")
	cmd.Flags().BoolVar(&flags.simulate, "simulate", false, "Record synthetic latency values")
	cmd.Flags().DurationVar(&flags.simulateEvery, "simulate-every", 100*time.Millisecond, "Delay between two synthetic values")
	cmd.Flags().BoolVar(&flags.watchConfig, "watch", true, "Apply opt-in changes from the configuration file while running")

	return cmd
}

func (f *runFlags) runRunCommand(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := cmp.Or(f.configPath, userconfig.Path())
	cfg, err := userconfig.LoadFrom(configPath)
	if err != nil {
		return err
	}

	mc, err := f.newController(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := mc.Close(); err != nil {
			slog.Error("Failed to stop metrics collection", "error", err)
		}
	}()

	if !mc.StartMetrics() {
		slog.Info("Metrics collection not started", "opted_in", mc.Active())
	}

	if f.watchConfig {
		watcher, err := userconfig.NewWatcher(configPath, func(enabled bool) { applyOptIn(mc, enabled) })
		if err != nil {
			slog.Warn("Failed to watch configuration file", "path", configPath, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if f.simulate {
		g.Go(func() error {
			simulate(ctx, mc, f.simulateEvery)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Debug("Shutting down metrics controller")
		return nil
	})

	return g.Wait()
}

func (f *runFlags) newController(cfg *userconfig.Config) (*metrics.Controller, error) {
	dir := cfg.StorageDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	store, err := persistence.Open(persistence.Kind(cfg.Storage), dir)
	if err != nil {
		return nil, err
	}

	var tx transmit.Transmitter = transmit.Discard{}
	if cfg.Endpoint != "" {
		tx = transmit.NewHTTPTransmitter(cfg.Endpoint, cfg.APIKeyHeader, cfg.APIKey,
			transmit.WithLogger(logging.New(slog.Default(), "[Transmit]")),
		)
	}

	opts := []metrics.Option{
		metrics.WithLogger(slog.Default()),
		metrics.WithStore(store),
		metrics.WithTransmitter(tx),
		metrics.WithActive(cfg.TelemetryEnabled()),
		metrics.WithAccumulateWhileOptedOut(cfg.AccumulateWhileOptedOut()),
	}
	if cfg.StopPolicy == metrics.StopFlushPending.String() {
		opts = append(opts, metrics.WithStopPolicy(metrics.StopFlushPending))
	}

	interval, sendTimeout, stopTimeout := cfg.Durations()
	if interval > 0 {
		opts = append(opts, metrics.WithInterval(interval))
	}
	if sendTimeout > 0 {
		opts = append(opts, metrics.WithSendTimeout(sendTimeout))
	}
	if stopTimeout > 0 {
		opts = append(opts, metrics.WithStopTimeout(stopTimeout))
	}

	return metrics.NewController(
		f.appName,
		version.Version,
		f.updateChannel,
		f.buildID,
		"go",
		hostLocale(),
		f.device,
		runtime.GOARCH,
		runtime.GOOS,
		"",
		opts...,
	), nil
}

// applyOptIn follows the host opt-in flag. A controller that was opted out
// at startup is started the first time the host opts in.
func applyOptIn(mc *metrics.Controller, enabled bool) {
	slog.Info("Metrics opt-in changed", "enabled", enabled)
	mc.SetActive(enabled)
	if enabled && mc.WorkerState() == metrics.StateIdle {
		mc.StartMetrics()
	}
}

func simulate(ctx context.Context, mc *metrics.Controller, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.RecordValue("simulated_latency_ms", rand.ExpFloat64()*50)
			mc.RecordValue("simulated_payload_bytes", float64(rand.IntN(64*1024)))
		}
	}
}

// hostLocale derives a locale like "en-us" from LC_ALL, LC_MESSAGES or LANG.
func hostLocale() string {
	lang := cmp.Or(os.Getenv("LC_ALL"), os.Getenv("LC_MESSAGES"), os.Getenv("LANG"))
	lang, _, _ = strings.Cut(lang, ".")
	if lang == "" || lang == "C" || lang == "POSIX" {
		return "en-us"
	}
	return strings.ToLower(strings.ReplaceAll(lang, "_", "-"))
}
