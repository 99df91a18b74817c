package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// QueueConfig configures the NATS JetStream job queue.
type QueueConfig struct {
	URL          string `yaml:"url" mapstructure:"url"`
	Stream       string `yaml:"stream" mapstructure:"stream"`
	Subject      string `yaml:"subject" mapstructure:"subject"`
	ConsumerName string `yaml:"consumer_name" mapstructure:"consumer_name"`
	MaxDeliver   int    `yaml:"max_deliver" mapstructure:"max_deliver"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// PipelineConfig configures orchestration behavior.
type PipelineConfig struct {
	TimeoutSecs       int  `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	StepRetries       int  `yaml:"step_retries" mapstructure:"step_retries"`
	PIIRedaction      bool `yaml:"pii_redaction" mapstructure:"pii_redaction"`
	MaxCommentLength  int  `yaml:"max_comment_length" mapstructure:"max_comment_length"`
	AuditTTLHours     int  `yaml:"audit_ttl_hours" mapstructure:"audit_ttl_hours"`
	LockTTLSecs       int  `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
	LockExtensionSecs int  `yaml:"lock_extension_secs" mapstructure:"lock_extension_secs"`
}

// Timeout returns the whole-pipeline timeout as a duration.
func (c PipelineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// AuditTTL returns the audit log backstop TTL as a duration.
func (c PipelineConfig) AuditTTL() time.Duration {
	return time.Duration(c.AuditTTLHours) * time.Hour
}

// OutputConfig configures the final report sink.
type OutputConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the worker status endpoint.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REPORTGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "reportgen.db")
	v.SetDefault("queue.url", "nats://127.0.0.1:4222")
	v.SetDefault("queue.stream", "REPORTS")
	v.SetDefault("queue.subject", "reports.generate")
	v.SetDefault("queue.consumer_name", "reportgen-worker")
	v.SetDefault("queue.max_deliver", 5)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("pipeline.timeout_secs", 1800)
	v.SetDefault("pipeline.step_retries", 2)
	v.SetDefault("pipeline.pii_redaction", true)
	v.SetDefault("pipeline.max_comment_length", 4000)
	v.SetDefault("pipeline.audit_ttl_hours", 6)
	v.SetDefault("output.dir", "reports")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Pipeline.TimeoutSecs < 911 {
		// The lock extension floor is 300s and must stay below the pipeline
		// timeout; ceil(0.33 * t) >= 300 requires t >= 911.
		return nil, eris.Errorf("config: pipeline.timeout_secs must be at least 911, got %d", cfg.Pipeline.TimeoutSecs)
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
