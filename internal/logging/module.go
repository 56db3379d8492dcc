package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ronappleton/runbook-engine/internal/config"
)

// New builds the root logger from the logging section and tees warn and
// above into the log sink when one is configured.
func New(cfg config.LoggingConfig, service string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", service))
	return attachSink(logger, cfg, service), nil
}

func Module(service string) fx.Option {
	return fx.Options(
		fx.Provide(func(cfg config.Config) (*zap.Logger, error) {
			return New(cfg.Logging, service)
		}),
		fx.Invoke(func(lc fx.Lifecycle, log *zap.Logger) {
			lc.Append(fx.Hook{OnStop: func(context.Context) error {
				_ = log.Sync()
				return nil
			}})
		}),
	)
}
