package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/entrhq/harvest/pkg/browser"
	"github.com/entrhq/harvest/pkg/config"
	"github.com/entrhq/harvest/pkg/connector"
	"github.com/entrhq/harvest/pkg/diagnostics"
	"github.com/entrhq/harvest/pkg/dispatch"
	"github.com/entrhq/harvest/pkg/logging"
	"github.com/entrhq/harvest/pkg/protocol"
	"github.com/entrhq/harvest/pkg/session"
)

const version = "0.1.0"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "harvest",
		Short:         "Run browser connectors driven by JSON-lines commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if err := logging.Setup(cfg.Logging.Dir, cfg.Logging.Level); err != nil {
				return err
			}
			defer logging.Close()

			engine, err := browser.New(cfg.Driver, cfg.BrowserOptions(), logging.NewLogger("browser").Writer())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, engine, os.Stdin, os.Stdout)
		},
	}

	fl := cmd.Flags()
	fl.String("config", "", "config file (default ~/.harvest/config.yaml)")
	fl.String("driver", "", "browser driver: playwright or chromedp")
	fl.Bool("headless", false, "run the browser without a window")
	fl.String("connectors", "", "directory relative connector paths resolve against")
	fl.Bool("exit-after-run", false, "exit once the first session finishes")
	fl.String("metrics-addr", "", "diagnostics listen address (empty disables)")
	fl.String("log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harvest v%s\n", version)
		},
	}
}

// loadConfig layers file, environment and explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	fl := cmd.Flags()

	path, _ := fl.GetString("config")
	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		return nil, err
	}

	if fl.Changed("driver") {
		cfg.Driver, _ = fl.GetString("driver")
	}
	if fl.Changed("headless") {
		cfg.Headless, _ = fl.GetBool("headless")
	}
	if fl.Changed("connectors") {
		cfg.Connectors.Root, _ = fl.GetString("connectors")
	}
	if fl.Changed("exit-after-run") {
		cfg.ExitAfterRun, _ = fl.GetBool("exit-after-run")
	}
	if fl.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = fl.GetString("metrics-addr")
	}
	if fl.Changed("log-level") {
		cfg.Logging.Level, _ = fl.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run starts engine, serves commands from in and blocks until quit, end of
// input, a signal or, with exit_after_run, the first terminal session.
func run(ctx context.Context, cfg *config.Config, engine browser.Engine, in io.Reader, out io.Writer) error {
	logger := logging.NewLogger("main")

	emitter := protocol.NewEmitter(out)

	guard, err := connector.NewGuard(cfg.Connectors.AllowedPatterns, cfg.Connectors.DeniedPatterns)
	if err != nil {
		return fmt.Errorf("invalid connector patterns: %w", err)
	}
	loader := connector.NewLoader(afero.NewOsFs(), cfg.Connectors.Root, guard)

	if err := engine.Start(ctx); err != nil {
		_ = emitter.Emit(protocol.NewLogEvent("", fmt.Sprintf("Failed to start browser: %v", err)))
		return fmt.Errorf("failed to start browser: %w", err)
	}

	manager := session.NewManager(engine, loader, emitter, session.Options{MaxSessions: cfg.MaxSessions})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.ExitAfterRun {
		manager.OnTerminal(func(runID string, status protocol.Status) {
			logger.Infof("Run %s finished with %s, exiting", runID, status)
			cancel()
		})
	}

	var diag *diagnostics.Server
	if cfg.MetricsAddr != "" {
		diag = diagnostics.New(cfg.MetricsAddr, diagnostics.NewRouter(manager, version))
		if _, err := diag.Start(); err != nil {
			logger.Warnf("Diagnostics server disabled: %v", err)
			diag = nil
		}
	}

	logger.Infof("harvest v%s ready (driver=%s, pid=%s, log=%s)", version, cfg.Driver, logging.ProcessID(), logging.LogPath())
	if err := emitter.Emit(protocol.NewReadyEvent()); err != nil {
		logger.Errorf("Failed to emit ready event: %v", err)
	}

	runErr := dispatch.New(manager, emitter, dispatch.WithReader(in)).Run(runCtx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.Default().ShutdownTimeout
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancelShutdown()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Shutdown incomplete: %v", err)
	}
	if diag != nil {
		if err := diag.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to stop diagnostics server: %v", err)
		}
	}

	logger.Infof("Exiting")
	return runErr
}
