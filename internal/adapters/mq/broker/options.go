package broker

import "github.com/okian/reelpulse/pkg/logger"

const (
	defaultPartitions  = 8
	defaultMaxRetained = 100000
)

// Option applies a configuration option to the Memory broker.
type Option func(*Memory)

// WithPartitions sets the number of partitions per topic.
func WithPartitions(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.partitions = n
		}
	}
}

// WithMaxRetained bounds the messages kept per partition. Older messages
// are dropped even if some group has not committed them yet; such losses
// are logged and counted per group.
func WithMaxRetained(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.maxRetained = n
		}
	}
}

// WithLogger sets the logger used for retention warnings.
func WithLogger(l logger.Logger) Option {
	return func(m *Memory) {
		if l != nil {
			m.logger = l
		}
	}
}
