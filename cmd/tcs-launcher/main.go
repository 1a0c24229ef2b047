// Command tcs-launcher supervises the services declared in a configuration
// file, either as child processes or cooperatively in-process. Interrupt and
// terminate both trigger a graceful shutdown with a grace window before
// force-exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/healthcheck"
	"github.com/araucaria-project/ocabox-tcs/internal/launcher"
	"github.com/araucaria-project/ocabox-tcs/internal/logging"
	"github.com/araucaria-project/ocabox-tcs/internal/metrics"
	"github.com/araucaria-project/ocabox-tcs/internal/notify"
	"github.com/araucaria-project/ocabox-tcs/internal/runtime"
	"github.com/araucaria-project/ocabox-tcs/internal/server"
	"github.com/araucaria-project/ocabox-tcs/internal/service"
	"github.com/araucaria-project/ocabox-tcs/internal/services/echo"
)

const connectTimeout = 10 * time.Second

// launcherConfig carries the optional launcher: section of the config file.
type launcherConfig struct {
	ID            string
	Mode          launcher.Mode
	ServiceBinary string
	StatePath     string
	HealthPort    int
	MetricsPort   int
	SlackWebhook  string
	WebhookURL    string
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("tcs-launcher", flag.ExitOnError)
	configFile := fs.String("config", "", "path to the services configuration file (required)")
	inProcess := fs.Bool("in-process", false, "run services cooperatively in this process")
	logLevel := fs.String("log-level", "info", "log level")
	_ = fs.Parse(os.Args[1:])

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "tcs-launcher: --config is required")
		return 2
	}

	logger := logging.New(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := service.NewRegistry()
	registry.MustRegister(echo.Definition())

	pctx := runtime.New(logger)
	err := pctx.Init(ctx, runtime.Options{
		ConfigFile:     *configFile,
		ConnectTimeout: connectTimeout,
		ClientName:     "tcs-launcher",
		Registry:       registry,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcs-launcher: %v\n", err)
		if errors.Is(err, config.ErrConfig) {
			return 2
		}
		return 1
	}

	cfg := readLauncherConfig(pctx)
	if *inProcess {
		cfg.Mode = launcher.ModeInProcess
	}

	collectors := metrics.New()
	tracker := healthcheck.NewTracker()
	server.Start(ctx, logger, tracker, collectors, cfg.HealthPort, cfg.MetricsPort)

	webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcs-launcher: %v\n", err)
		return 2
	}
	notifier := notify.NewMultiNotifier(
		notify.NewSlackNotifier(logger, cfg.SlackWebhook),
		webhook,
	)

	l := launcher.New(pctx, logger, launcher.Options{
		Mode:          cfg.Mode,
		LauncherID:    cfg.ID,
		ServiceBinary: cfg.ServiceBinary,
		StatePath:     cfg.StatePath,
		Notifier:      notifier,
		Metrics:       collectors,
		Tracker:       tracker,
	})
	if err := l.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tcs-launcher: %v\n", err)
		if errors.Is(err, config.ErrConfig) {
			return 2
		}
		return 1
	}

	if err := l.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("launcher failed")
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pctx.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("context shutdown failed")
	}
	return 0
}

func readLauncherConfig(pctx *runtime.Context) launcherConfig {
	cfg := launcherConfig{Mode: launcher.ModeSubprocess}

	raw := pctx.Resolver().Raw()
	section, ok := raw["launcher"].(map[string]any)
	if !ok {
		return cfg
	}
	if v, ok := section["id"].(string); ok {
		cfg.ID = v
	}
	if v, ok := section["mode"].(string); ok && v == string(launcher.ModeInProcess) {
		cfg.Mode = launcher.ModeInProcess
	}
	if v, ok := section["service_binary"].(string); ok {
		cfg.ServiceBinary = v
	}
	if v, ok := section["state_path"].(string); ok {
		cfg.StatePath = v
	}
	if v, ok := asInt(section["health_port"]); ok {
		cfg.HealthPort = v
	}
	if v, ok := asInt(section["metrics_port"]); ok {
		cfg.MetricsPort = v
	}
	if notifySection, ok := section["notify"].(map[string]any); ok {
		if v, ok := notifySection["slack_webhook"].(string); ok {
			cfg.SlackWebhook = v
		}
		if v, ok := notifySection["webhook_url"].(string); ok {
			cfg.WebhookURL = v
		}
	}
	return cfg
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
