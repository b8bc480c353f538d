// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Flat snake_case keys shared by YAML files and REELPULSE_* env vars.
// - New() returns a Config with defaults; Load layers file and env on top.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Backend names.
const (
	BrokerMemory = "memory"
	BrokerKafka  = "kafka"

	StoreMemory = "memory"
	StoreRedis  = "redis"

	BroadcastLocal = "local"
	BroadcastRedis = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects text or json output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// Broker selects the event channel: memory or kafka.
	Broker string `koanf:"broker"`

	// KafkaBrokers is a comma-separated list of bootstrap servers.
	KafkaBrokers string `koanf:"kafka_brokers"`

	// Topic carries playback events.
	Topic string `koanf:"topic"`

	// ConsumerGroup is the group id of the processing workers.
	ConsumerGroup string `koanf:"consumer_group"`

	// LiveFeedGroup is the group id of the live-event rebroadcaster.
	LiveFeedGroup string `koanf:"live_feed_group"`

	// DeadLetterTopic receives poison messages.
	DeadLetterTopic string `koanf:"dead_letter_topic"`

	// Partitions is the partition count of the in-memory broker.
	Partitions int `koanf:"partitions"`

	// Store selects the presence/session store: memory or redis.
	Store string `koanf:"store"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// Broadcast selects live-update fan-out: local or redis (cross-instance).
	Broadcast string `koanf:"broadcast"`

	// PresenceTTL is the sliding window of a presence entry.
	PresenceTTL time.Duration `koanf:"presence_ttl"`

	// WorkerCount sets the number of consumer workers.
	WorkerCount int `koanf:"worker_count"`

	// ProducerBuffer bounds the producer outbox.
	ProducerBuffer int `koanf:"producer_buffer"`

	// ProducerBatchSize caps messages per broker write.
	ProducerBatchSize int `koanf:"producer_batch_size"`

	// HandlerMaxAttempts bounds handler retries before a message is classified.
	HandlerMaxAttempts int `koanf:"handler_max_attempts"`

	// HandlerRetryInterval is the initial backoff between handler attempts.
	HandlerRetryInterval time.Duration `koanf:"handler_retry_interval"`

	// HandlerTimeout bounds one handler attempt.
	HandlerTimeout time.Duration `koanf:"handler_timeout"`

	// DedupeSize bounds the ingestion dedupe window.
	DedupeSize int `koanf:"dedupe_size"`

	// BreakerFailureThreshold is the consecutive publish failures that open the breaker.
	BreakerFailureThreshold uint32 `koanf:"breaker_failure_threshold"`

	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`

	// IngestRateLimit is the per-client-IP ingestion rate in events/s; 0 disables it.
	IngestRateLimit float64 `koanf:"ingest_rate_limit"`

	// IngestBurst is the per-client-IP burst allowance.
	IngestBurst int `koanf:"ingest_burst"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:                "info",
		LogFormat:               "text",
		Addr:                    ":9080",
		Broker:                  BrokerMemory,
		KafkaBrokers:            "localhost:9092",
		Topic:                   "video-events",
		ConsumerGroup:           "video-events-processor",
		LiveFeedGroup:           "live-feed-group",
		DeadLetterTopic:         "video-events.dlq",
		Partitions:              8,
		Store:                   StoreMemory,
		RedisAddr:               "localhost:6379",
		Broadcast:               BroadcastLocal,
		PresenceTTL:             5 * time.Minute,
		WorkerCount:             runtime.NumCPU(),
		ProducerBuffer:          10_000,
		ProducerBatchSize:       100,
		HandlerMaxAttempts:      3,
		HandlerRetryInterval:    100 * time.Millisecond,
		HandlerTimeout:          5 * time.Second,
		DedupeSize:              100_000,
		BreakerFailureThreshold: 5,
		BreakerTimeout:          30 * time.Second,
		IngestRateLimit:         0,
		IngestBurst:             50,
		ShutdownTimeout:         15 * time.Second,
	}
}

// Brokers splits KafkaBrokers into addresses.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks backend names and sizes.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.Broker != BrokerMemory && c.Broker != BrokerKafka:
		return fmt.Errorf("%w: unknown broker %q", ErrInvalidConfig, c.Broker)
	case c.Store != StoreMemory && c.Store != StoreRedis:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	case c.Broadcast != BroadcastLocal && c.Broadcast != BroadcastRedis:
		return fmt.Errorf("%w: unknown broadcast %q", ErrInvalidConfig, c.Broadcast)
	case c.Broker == BrokerKafka && len(c.Brokers()) == 0:
		return fmt.Errorf("%w: kafka_brokers must not be empty", ErrInvalidConfig)
	case c.Broadcast == BroadcastRedis && c.Store != StoreRedis && c.RedisAddr == "":
		return fmt.Errorf("%w: redis broadcast needs redis_addr", ErrInvalidConfig)
	case c.Topic == "" || c.ConsumerGroup == "" || c.DeadLetterTopic == "":
		return fmt.Errorf("%w: topic, consumer_group and dead_letter_topic are required", ErrInvalidConfig)
	case c.Partitions <= 0, c.WorkerCount <= 0, c.ProducerBuffer <= 0, c.ProducerBatchSize <= 0, c.HandlerMaxAttempts <= 0:
		return fmt.Errorf("%w: sizes must be positive", ErrInvalidConfig)
	case c.PresenceTTL <= 0:
		return fmt.Errorf("%w: presence_ttl must be positive", ErrInvalidConfig)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalidConfig)
	case c.IngestRateLimit < 0 || (c.IngestRateLimit > 0 && c.IngestBurst <= 0):
		return fmt.Errorf("%w: ingest_rate_limit needs a positive ingest_burst", ErrInvalidConfig)
	}
	return nil
}
