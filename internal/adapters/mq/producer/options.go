package producer

import (
	"time"

	"github.com/okian/reelpulse/pkg/logger"
)

// Default producer configuration constants.
const (
	defaultBufferSize       = 10000
	defaultBatchSize        = 100
	defaultPublishTimeout   = 10 * time.Second
	defaultFailureThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
)

// Option applies a configuration option to the Producer.
type Option func(*Producer)

// WithBufferSize sets the outbox capacity.
func WithBufferSize(size int) Option {
	return func(p *Producer) {
		if size > 0 {
			p.bufferSize = size
		}
	}
}

// WithBatchSize sets the maximum number of messages per publish call.
func WithBatchSize(size int) Option {
	return func(p *Producer) {
		if size > 0 {
			p.batchSize = size
		}
	}
}

// WithPublishTimeout bounds a single publish call.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Producer) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// WithBreaker sets how many consecutive failed publishes open the circuit
// and how long it stays open before probing again.
func WithBreaker(failureThreshold uint32, openFor time.Duration) Option {
	return func(p *Producer) {
		if failureThreshold > 0 {
			p.failureThreshold = failureThreshold
		}
		if openFor > 0 {
			p.breakerTimeout = openFor
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Producer) {
		if l != nil {
			p.logger = l
		}
	}
}
