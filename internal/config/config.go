package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the alerting service.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	HTTP     HTTPConfig     `yaml:"http"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Filter   FilterConfig   `yaml:"filter"`
	Table    TableConfig    `yaml:"table"`
	Emitter  EmitterConfig  `yaml:"emitter"`
	Fallback FallbackConfig `yaml:"fallback"`
	Redis    RedisConfig    `yaml:"redis"`
}

// HTTPConfig configures the observation intake server.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size"`
}

// KafkaConfig holds broker and topic settings.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	ConfigTopic string   `yaml:"config_topic"`
	AlertTopic  string   `yaml:"alert_topic"`
	AlertGroup  string   `yaml:"alert_group"`

	// Producer is used for outbound alerts.
	Producer ProducerConfig `yaml:"producer"`

	// Loader is used by the threshold bootstrap command.
	Loader ProducerConfig `yaml:"loader"`
}

// ProducerConfig tunes a kafka-go writer pool.
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// FilterConfig sizes the membership filter. Fixed for the lifetime of the process.
type FilterConfig struct {
	ExpectedCapacity  uint    `yaml:"expected_capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// TableConfig configures the badger-backed threshold table.
type TableConfig struct {
	Path           string        `yaml:"path"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio"`
}

// EmitterConfig bounds alert emission.
type EmitterConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// FallbackConfig controls the synthetic in-memory threshold store.
type FallbackConfig struct {
	SeedCount    int   `yaml:"seed_count"`
	MinThreshold int64 `yaml:"min_threshold"`
	MaxThreshold int64 `yaml:"max_threshold"`
	// SeedOnOutage seeds synthetic thresholds when the table becomes unavailable.
	SeedOnOutage bool `yaml:"seed_on_outage"`
}

// RedisConfig enables the Redis alert sink on the listener when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	TallyKey string `yaml:"tally_key"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  1 << 20,
		},
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			ConfigTopic: "eagle-eye.config",
			AlertTopic:  "eagle-eye.alerts",
			AlertGroup:  "alert-group",
			Producer: ProducerConfig{
				PoolSize:     4,
				BatchSize:    1,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 5 * time.Second,
				RequiredAcks: 1,
				Compression:  "none",
				MaxRetries:   0,
				RetryBackoff: 100 * time.Millisecond,
			},
			Loader: ProducerConfig{
				PoolSize:     1,
				BatchSize:    100,
				BatchTimeout: 50 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 200 * time.Millisecond,
			},
		},
		Filter: FilterConfig{
			ExpectedCapacity:  60000,
			FalsePositiveRate: 0.01,
		},
		Table: TableConfig{
			Path:           "data/threshold-store",
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Emitter: EmitterConfig{
			Workers:        4,
			QueueSize:      1024,
			PublishTimeout: 5 * time.Second,
		},
		Fallback: FallbackConfig{
			SeedCount:    100,
			MinThreshold: 40,
			MaxThreshold: 90,
			SeedOnOutage: true,
		},
		Redis: RedisConfig{
			Stream:   "eagle-eye:alerts",
			TallyKey: "eagle-eye:alert-times",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ALERTS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ALERTS_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("ALERTS_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	if v := os.Getenv("ALERTS_TABLE_PATH"); v != "" {
		c.Table.Path = v
	}
	if v := os.Getenv("ALERTS_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case len(c.Kafka.Brokers) == 0:
		return errors.New("kafka.brokers must not be empty")
	case c.Kafka.ConfigTopic == "":
		return errors.New("kafka.config_topic is required")
	case c.Kafka.AlertTopic == "":
		return errors.New("kafka.alert_topic is required")
	case c.Filter.ExpectedCapacity == 0:
		return errors.New("filter.expected_capacity must be positive")
	case c.Filter.FalsePositiveRate <= 0 || c.Filter.FalsePositiveRate >= 1:
		return fmt.Errorf("filter.false_positive_rate must be in (0,1), got %v", c.Filter.FalsePositiveRate)
	case !c.Table.InMemory && c.Table.Path == "":
		return errors.New("table.path is required unless table.in_memory is set")
	case c.Emitter.PublishTimeout <= 0:
		return errors.New("emitter.publish_timeout must be positive")
	case c.Fallback.MinThreshold > c.Fallback.MaxThreshold:
		return fmt.Errorf("fallback.min_threshold %d exceeds max_threshold %d",
			c.Fallback.MinThreshold, c.Fallback.MaxThreshold)
	case c.Fallback.SeedCount < 0:
		return errors.New("fallback.seed_count must not be negative")
	}
	return nil
}
