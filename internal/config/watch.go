package config

import (
	"fmt"
	"strings"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// WatchConfig configures the dead-letter watcher, which only needs the broker.
type WatchConfig struct {
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	Prefetch    int    `env:"DLQ_WATCH_PREFETCH,default=10"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
}

func LoadWatch() (*WatchConfig, error) {
	_ = godotenv.Load()

	var cfg WatchConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		return nil, fmt.Errorf("invalid config: RABBITMQ_URL is required")
	}
	if cfg.Prefetch < 1 {
		return nil, fmt.Errorf("invalid config: DLQ_WATCH_PREFETCH must be at least 1")
	}
	return &cfg, nil
}
