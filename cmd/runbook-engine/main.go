package main

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/cli"
	"github.com/ronappleton/runbook-engine/internal/config"
	"github.com/ronappleton/runbook-engine/internal/engine"
	grpcserver "github.com/ronappleton/runbook-engine/internal/grpc"
	"github.com/ronappleton/runbook-engine/internal/httpserver"
	"github.com/ronappleton/runbook-engine/internal/logging"
	"github.com/ronappleton/runbook-engine/internal/metrics"
	"github.com/ronappleton/runbook-engine/internal/otel"
)

func main() {
	rootCmd := cli.NewRootCommand(startServer)
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, cli.ErrInvalid) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func startServer(configPath string) error {
	app := fx.New(
		config.Module(configPath),
		logging.Module("runbook-engine"),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		otel.Module(),
		metrics.Module(),
		engine.Module(),
		grpcserver.Module,
		httpserver.Module(),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
