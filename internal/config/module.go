package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Executor    ExecutorConfig    `yaml:"executor"`
	ScriptHost  ScriptHostConfig  `yaml:"script_host"`
	SelfHealing SelfHealingConfig `yaml:"self_healing"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Notify      NotifyConfig      `yaml:"notify"`
	Runbooks    RunbooksConfig    `yaml:"runbooks"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type GRPCConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects the Postgres store when DSN is set; otherwise
// state is kept in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	SinkURL    string `yaml:"sink_url"`
	SinkAPIKey string `yaml:"sink_api_key"`
	SinkSource string `yaml:"sink_source"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

type ExecutorConfig struct {
	MaxParallelSteps   int    `yaml:"max_parallel_steps"`
	DefaultStepTimeout string `yaml:"default_step_timeout"`
}

type ScriptHostConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

type SelfHealingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	LimitsSource string `yaml:"limits_source"`
}

type WebhookConfig struct {
	SignatureHeader string  `yaml:"signature_header"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	Burst           int     `yaml:"burst"`
	MaxBodyBytes    int64   `yaml:"max_body_bytes"`
}

type NotifyConfig struct {
	AuditURL    string `yaml:"audit_url"`
	EventBusURL string `yaml:"event_bus_url"`
	Timeout     string `yaml:"timeout"`
}

type RunbooksConfig struct {
	Dir string `yaml:"dir"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8120,
		},
		GRPC: GRPCConfig{
			Host: "0.0.0.0",
			Port: 9120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "otel-collector:4317",
			ServiceName:  "runbook-engine",
		},
		Executor: ExecutorConfig{
			MaxParallelSteps:   8,
			DefaultStepTimeout: "5m",
		},
		ScriptHost: ScriptHostConfig{
			BaseURL: "http://script-host:8080",
			Timeout: "10m",
		},
		SelfHealing: SelfHealingConfig{
			Enabled:      true,
			LimitsSource: "memory",
		},
		Webhook: WebhookConfig{
			SignatureHeader: "X-Signature-256",
			RatePerSecond:   1,
			Burst:           5,
			MaxBodyBytes:    1 << 20,
		},
		Notify: NotifyConfig{
			Timeout: "3s",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	setString(&cfg.Server.Host, "APP_SERVER_HOST")
	setInt(&cfg.Server.Port, "APP_SERVER_PORT")
	setString(&cfg.GRPC.Host, "APP_GRPC_HOST")
	setInt(&cfg.GRPC.Port, "APP_GRPC_PORT")
	setString(&cfg.Database.DSN, "APP_DATABASE_DSN")
	setString(&cfg.Logging.Level, "APP_LOG_LEVEL")
	setString(&cfg.Logging.Format, "APP_LOG_FORMAT")
	setString(&cfg.Logging.SinkURL, "APP_LOG_SINK_URL")
	setString(&cfg.Logging.SinkAPIKey, "APP_LOG_SINK_API_KEY")
	setString(&cfg.Logging.SinkSource, "APP_LOG_SINK_SOURCE")
	setBool(&cfg.Telemetry.Enabled, "APP_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "APP_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.Environment, "APP_ENVIRONMENT")
	setInt(&cfg.Executor.MaxParallelSteps, "APP_EXECUTOR_MAX_PARALLEL_STEPS")
	setString(&cfg.Executor.DefaultStepTimeout, "APP_EXECUTOR_DEFAULT_STEP_TIMEOUT")
	setString(&cfg.ScriptHost.BaseURL, "APP_SCRIPT_HOST_URL")
	setString(&cfg.ScriptHost.APIKey, "APP_SCRIPT_HOST_API_KEY")
	setString(&cfg.ScriptHost.Timeout, "APP_SCRIPT_HOST_TIMEOUT")
	setBool(&cfg.SelfHealing.Enabled, "APP_HEALING_ENABLED")
	setString(&cfg.SelfHealing.LimitsSource, "APP_HEALING_LIMITS_SOURCE")
	setString(&cfg.Webhook.SignatureHeader, "APP_WEBHOOK_SIGNATURE_HEADER")
	setString(&cfg.Notify.AuditURL, "APP_AUDIT_URL")
	setString(&cfg.Notify.EventBusURL, "APP_EVENT_BUS_URL")
	setString(&cfg.Runbooks.Dir, "APP_RUNBOOKS_DIR")

	return cfg, nil
}

// Duration parses a Go duration string, returning def when it is empty or
// malformed.
func Duration(value string, def time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
