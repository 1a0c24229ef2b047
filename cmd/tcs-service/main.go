// Command tcs-service is the standalone entry hosting one service instance
// per process. The launcher spawns it in subprocess mode; it can also be run
// by hand for development.
//
// Usage: tcs-service [config_file] [variant] [--type TYPE] [--runner-id ID]
// [--parent-name NAME]. Exit codes: 0 normal stop, 1 generic failure,
// 2 configuration error.
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
	"github.com/araucaria-project/ocabox-tcs/internal/controller"
	"github.com/araucaria-project/ocabox-tcs/internal/logging"
	"github.com/araucaria-project/ocabox-tcs/internal/runtime"
	"github.com/araucaria-project/ocabox-tcs/internal/service"
	"github.com/araucaria-project/ocabox-tcs/internal/services/echo"
)

const connectTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("tcs-service", flag.ExitOnError)
	serviceType := fs.String("type", "", "service type hosted by this process")
	runnerID := fs.String("runner-id", "", "supervising runner id")
	parentName := fs.String("parent-name", "", "display parent for the monitor")
	logLevel := fs.String("log-level", "info", "log level")
	_ = fs.Parse(os.Args[1:])

	configFile := config.DefaultConfigFile
	variant := "default"
	if args := fs.Args(); len(args) > 0 {
		configFile = args[0]
		if len(args) > 1 {
			variant = args[1]
		}
	}

	logger := logging.New(*logLevel)
	registry := serviceManifest()

	if *serviceType == "" {
		types := registry.Types()
		if len(types) != 1 {
			fmt.Fprintf(os.Stderr, "tcs-service: --type is required (hosted types: %v)\n", types)
			return 2
		}
		*serviceType = types[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pctx := runtime.New(logger)
	err := pctx.Init(ctx, runtime.Options{
		ConfigFile:     configFile,
		ConnectTimeout: connectTimeout,
		ClientName:     fmt.Sprintf("tcs-service.%s.%s", *serviceType, variant),
		Registry:       registry,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcs-service: %v\n", err)
		if errors.Is(err, config.ErrConfig) {
			return 2
		}
		return 1
	}

	entry, err := findEntry(pctx, *serviceType, variant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcs-service: %v\n", err)
		return 2
	}
	if entry.LogLevel != "" {
		logger = logger.Level(logging.ParseLevel(entry.LogLevel))
	}

	ctrl, err := controller.New(pctx, entry, logger, controller.Options{
		RunnerID:   *runnerID,
		ParentName: *parentName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcs-service: %v\n", err)
		return 1
	}

	code := 0
	if err := ctrl.Initialize(ctx); err != nil {
		logger.Error().Err(err).Msg("initialization failed")
		code = 1
	} else if err := ctrl.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("start failed")
		code = 1
	} else {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
		case err := <-ctrl.Done():
			if err != nil {
				logger.Error().Err(err).Msg("service exited with error")
				code = 1
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), controller.DefaultStopGrace+5*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
		if code == 0 {
			code = 1
		}
	}
	if err := pctx.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("context shutdown failed")
	}
	return code
}

// serviceManifest registers every service type bundled with this binary.
func serviceManifest() *service.Registry {
	registry := service.NewRegistry()
	registry.MustRegister(echo.Definition())
	return registry
}

func findEntry(pctx *runtime.Context, serviceType, variant string) (config.ServiceEntry, error) {
	entries, err := pctx.Resolver().Services()
	if err != nil {
		return config.ServiceEntry{}, err
	}
	for _, entry := range entries {
		if entry.Type == serviceType && entry.Variant == variant {
			return entry, nil
		}
	}
	// Undeclared instances still run, with framework defaults.
	return config.ServiceEntry{
		Type:    serviceType,
		Variant: variant,
		Restart: config.RestartNo,
		Enabled: true,
		Fields:  map[string]any{},
	}, nil
}
