package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the playground service.
type Config struct {
	Port      int    `validate:"min=1,max=65535"`
	Version   string
	LogLevel  string
	LogFormat string `validate:"oneof=console json"`
	Remote    RemoteConfig
	Storage   StorageConfig
	Runs      RunConfig
	Selection SelectionConfig
	Telemetry TelemetryConfig
}

// RemoteConfig points at an external configuration backend. When URL is
// empty the embedded repository serves as the backend.
type RemoteConfig struct {
	URL       string `validate:"omitempty,url"`
	Token     string
	Timeout   time.Duration `validate:"min=0"`
	SchemaURI string
}

type StorageConfig struct {
	Driver  string `validate:"oneof=memory sqlite"`
	DataDir string
}

type RunConfig struct {
	Workers        int           `validate:"min=1"`
	QueueSize      int           `validate:"min=1"`
	Timeout        time.Duration `validate:"min=0"` // 0 disables the per-run timeout
	RequestTimeout time.Duration `validate:"min=0"` // HTTP timeout for a single worker call
	Token          string
	Rate           float64 `validate:"min=0"` // workload calls per second, 0 is unlimited
	Burst          int     `validate:"min=1"`
}

type SelectionConfig struct {
	Debounce time.Duration `validate:"min=0"`
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
	SampleRatio  float64 `validate:"min=0"` // 1 samples everything, 0 only follows the parent
}

var validate = validator.New()

// Validate reports every out-of-range or unknown setting at once.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:      envInt("PLAYGROUND_PORT", 8080),
		Version:   envStr("PLAYGROUND_VERSION", "0.1.0"),
		LogLevel:  envStr("PLAYGROUND_LOG_LEVEL", "info"),
		LogFormat: envStr("PLAYGROUND_LOG_FORMAT", "console"),
		Remote: RemoteConfig{
			URL:       envStr("PLAYGROUND_REMOTE_URL", ""),
			Token:     envStr("PLAYGROUND_REMOTE_TOKEN", ""),
			Timeout:   envDuration("PLAYGROUND_REMOTE_TIMEOUT", 30*time.Second),
			SchemaURI: envStr("PLAYGROUND_SCHEMA_URI", ""),
		},
		Storage: StorageConfig{
			Driver:  envStr("PLAYGROUND_STORE", "memory"),
			DataDir: envStr("PLAYGROUND_DATA_DIR", ""),
		},
		Runs: RunConfig{
			Workers:        envInt("PLAYGROUND_WORKERS", 4),
			QueueSize:      envInt("PLAYGROUND_QUEUE_SIZE", 64),
			Timeout:        envDuration("PLAYGROUND_RUN_TIMEOUT", 5*time.Minute),
			RequestTimeout: envDuration("PLAYGROUND_WORKER_TIMEOUT", 120*time.Second),
			Token:          envStr("PLAYGROUND_RUN_TOKEN", ""),
			Rate:           envFloat("PLAYGROUND_RUN_RATE", 0),
			Burst:          envInt("PLAYGROUND_RUN_BURST", 4),
		},
		Selection: SelectionConfig{
			Debounce: envDuration("PLAYGROUND_SELECTION_DEBOUNCE", 150*time.Millisecond),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "playground"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go duration strings. "0" is a valid value.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
		return fallback
	}
	return d
}
