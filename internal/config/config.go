package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the full executor configuration. A loaded Config is an
// immutable snapshot; reloading means calling Load again and swapping the
// value, never mutating in place.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Broker    BrokerConfig    `yaml:"broker"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Execution ExecutionConfig `yaml:"execution"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	HTTPPort int    `yaml:"http_port"`
	GRPCPort int    `yaml:"grpc_port"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`
}

// BrokerConfig holds broker API connection settings.
type BrokerConfig struct {
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	KeyID     string `yaml:"key_id"`
	SecretKey string `yaml:"secret_key"`
	Paper     bool   `yaml:"paper"`
}

// KafkaConfig holds message bus settings.
type KafkaConfig struct {
	Brokers      string `yaml:"brokers"`
	Group        string `yaml:"group"`
	IntentsTopic string `yaml:"intents_topic"`
	EventsTopic  string `yaml:"events_topic"`
}

// ExecutionConfig holds the adaptive execution settings recognized by the
// ladder and the symbol classifier.
type ExecutionConfig struct {
	Enabled            bool     `yaml:"enabled"`
	ExecutionMode      string   `yaml:"execution_mode"` // auto | adaptive | standard
	MaxSlippageBps     float64  `yaml:"max_slippage_bps"`
	StepTimeoutSeconds float64  `yaml:"step_timeout_seconds"`
	MaxRepegs          int      `yaml:"max_repegs"`
	LeveragedSymbols   []string `yaml:"leveraged_symbols"`
	HighVolumeSymbols  []string `yaml:"high_volume_symbols"`
	TightSpreadCents   float64  `yaml:"tight_spread_cents"`
	WideSpreadCents    float64  `yaml:"wide_spread_cents"`
}

// Load reads configuration from a YAML file, applies environment variable
// overrides, fills defaults and validates. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "order-executor",
			HTTPPort: 8080,
			GRPCPort: 50051,
			LogLevel: "info",
			DataDir:  "./data",
		},
		Broker: BrokerConfig{
			Paper: true,
		},
		Kafka: KafkaConfig{
			Brokers:      "127.0.0.1:9092",
			Group:        "order-executor-v1",
			IntentsTopic: "orders.intents",
			EventsTopic:  "orders.executions",
		},
		Execution: ExecutionConfig{
			Enabled:            true,
			ExecutionMode:      "auto",
			MaxSlippageBps:     20,
			StepTimeoutSeconds: 4,
			MaxRepegs:          2,
			TightSpreadCents:   2,
			WideSpreadCents:    10,
		},
	}
}

func (c *Config) loadEnvOverrides() {
	if v := os.Getenv("BROKER_BASE_URL"); v != "" {
		c.Broker.BaseURL = v
	}
	if v := os.Getenv("BROKER_DATA_URL"); v != "" {
		c.Broker.DataURL = v
	}
	if v := os.Getenv("BROKER_STREAM_URL"); v != "" {
		c.Broker.StreamURL = v
	}
	if v := os.Getenv("BROKER_KEY_ID"); v != "" {
		c.Broker.KeyID = v
	}
	if v := os.Getenv("BROKER_SECRET_KEY"); v != "" {
		c.Broker.SecretKey = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Service.LogLevel = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.Service.DataDir = v
	}
	if v := os.Getenv("PORT_HTTP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Service.HTTPPort = n
		}
	}
	if v := os.Getenv("PORT_GRPC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Service.GRPCPort = n
		}
	}
	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		c.Execution.ExecutionMode = v
	}
	if v := os.Getenv("EXECUTION_ENABLED"); v != "" {
		c.Execution.Enabled = v == "true" || v == "1"
	}
}

func (c *Config) validate() error {
	switch c.Execution.ExecutionMode {
	case "auto", "adaptive", "standard":
	default:
		return fmt.Errorf("execution_mode must be auto, adaptive or standard, got %q", c.Execution.ExecutionMode)
	}
	if c.Execution.MaxSlippageBps < 0 {
		return fmt.Errorf("max_slippage_bps must be >= 0")
	}
	if c.Execution.StepTimeoutSeconds <= 0 {
		return fmt.Errorf("step_timeout_seconds must be > 0")
	}
	if c.Execution.MaxRepegs < 0 || c.Execution.MaxRepegs > 5 {
		return fmt.Errorf("max_repegs must be in [0, 5]")
	}
	if c.Execution.WideSpreadCents < c.Execution.TightSpreadCents {
		return fmt.Errorf("wide_spread_cents must be >= tight_spread_cents")
	}
	return nil
}

// KafkaBrokerList returns the configured brokers as a trimmed slice.
func (c *Config) KafkaBrokerList() []string {
	parts := strings.Split(c.Kafka.Brokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Service.HTTPPort)
}

// GRPCAddr returns the gRPC listen address.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.Service.GRPCPort)
}
