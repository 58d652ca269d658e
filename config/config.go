package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInstrument = "BTCUSDT"
	DefaultDepthLimit = 5
	DefaultBinanceURL = "wss://stream.binance.com:9443/ws"

	ConnectionSDK       = "sdk"
	ConnectionWebsocket = "websocket"
)

type Config struct {
	Bookflow    BookflowConfig    `yaml:"bookflow"`
	Book        BookConfig        `yaml:"book"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Source      SourceConfig      `yaml:"source"`
	Hub         HubConfig         `yaml:"hub"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BookConfig struct {
	Instruments []string `yaml:"instruments"`
	DepthLimit  int      `yaml:"depth_limit"`
}

// CoordinatorConfig throttles recompute cycles per instrument. A zero
// PublishRate disables throttling.
type CoordinatorConfig struct {
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
}

type ChannelsConfig struct {
	DepthBuffer int `yaml:"depth_buffer"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Connection     string        `yaml:"connection"`
	URL            string        `yaml:"url"`
	Levels         int           `yaml:"levels"`
	IntervalMs     int           `yaml:"interval_ms"`
	Symbols        []string      `yaml:"symbols"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type HubConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
	QueueSize   int           `yaml:"queue_size"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetricsConfig struct {
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
	ReportInterval time.Duration    `yaml:"report_interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Bookflow: BookflowConfig{Name: "bookflow", Version: "dev"},
		Book: BookConfig{
			Instruments: []string{DefaultInstrument},
			DepthLimit:  DefaultDepthLimit,
		},
		Coordinator: CoordinatorConfig{PublishBurst: 1},
		Channels:    ChannelsConfig{DepthBuffer: 256},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				Enabled:        true,
				Connection:     ConnectionSDK,
				URL:            DefaultBinanceURL,
				Levels:         5,
				IntervalMs:     100,
				ReconnectDelay: 5 * time.Second,
				ReadTimeout:    60 * time.Second,
			},
		},
		Hub: HubConfig{
			SendTimeout: 2 * time.Second,
			QueueSize:   16,
		},
		Server: ServerConfig{
			Address:         "0.0.0.0:8080",
			PingInterval:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Kafka: KafkaConfig{Topic: "bookflow.orderbook"},
		},
		Metrics: MetricsConfig{
			CloudWatch:     CloudWatchConfig{Namespace: "Bookflow", Dashboard: "Bookflow"},
			ReportInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	for i, s := range config.Book.Instruments {
		config.Book.Instruments[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if len(config.Source.Binance.Symbols) == 0 {
		config.Source.Binance.Symbols = append([]string(nil), config.Book.Instruments...)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("BOOKFLOW_ADDRESS"); v != "" {
		config.Server.Address = strings.TrimSpace(v)
	}
	if config.Storage.Kafka.Enabled {
		if v := os.Getenv("KAFKA_BROKERS"); v != "" {
			config.Storage.Kafka.Brokers = splitList(v)
		}
	}
	if config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}

	if len(cfg.Book.Instruments) == 0 {
		return fmt.Errorf("book.instruments must list at least one instrument")
	}
	for _, s := range cfg.Book.Instruments {
		if s == "" {
			return fmt.Errorf("book.instruments must not contain empty names")
		}
	}
	if cfg.Book.DepthLimit <= 0 {
		return fmt.Errorf("book.depth_limit must be greater than 0")
	}

	if cfg.Coordinator.PublishRate < 0 {
		return fmt.Errorf("coordinator.publish_rate must not be negative")
	}
	if cfg.Coordinator.PublishRate > 0 && cfg.Coordinator.PublishBurst <= 0 {
		return fmt.Errorf("coordinator.publish_burst must be greater than 0 when publish_rate is set")
	}

	if cfg.Channels.DepthBuffer <= 0 {
		return fmt.Errorf("channels.depth_buffer must be greater than 0")
	}

	if cfg.Hub.SendTimeout <= 0 {
		return fmt.Errorf("hub.send_timeout must be greater than 0")
	}
	if cfg.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub.queue_size must be greater than 0")
	}

	if b := cfg.Source.Binance; b.Enabled {
		if b.Connection != ConnectionSDK && b.Connection != ConnectionWebsocket {
			return fmt.Errorf("source.binance.connection must be %q or %q, got %q", ConnectionSDK, ConnectionWebsocket, b.Connection)
		}
		if b.Connection == ConnectionWebsocket && b.URL == "" {
			return fmt.Errorf("source.binance.url is required for websocket connections")
		}
		switch b.Levels {
		case 5, 10, 20:
		default:
			return fmt.Errorf("source.binance.levels must be 5, 10 or 20, got %d", b.Levels)
		}
		if b.IntervalMs != 100 && b.IntervalMs != 1000 {
			return fmt.Errorf("source.binance.interval_ms must be 100 or 1000, got %d", b.IntervalMs)
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}
