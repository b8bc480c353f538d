package worker

import (
	"time"

	"github.com/okian/reelpulse/pkg/logger"
)

// Default worker configuration constants.
const (
	defaultMaxAttempts    = 3
	defaultRetryInterval  = 100 * time.Millisecond
	defaultHandlerTimeout = 5 * time.Second
)

// Option applies a configuration option to a Worker.
type Option func(*Worker)

// WithName sets the worker name used in logs and supervisor events.
func WithName(name string) Option {
	return func(w *Worker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithDeadLetterTopic sets where undeliverable messages go.
func WithDeadLetterTopic(topic string) Option {
	return func(w *Worker) {
		w.deadLetterTopic = topic
	}
}

// WithMaxAttempts bounds handler attempts per message, the first included.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithRetryInterval sets the first backoff interval between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.retryInterval = d
		}
	}
}

// WithHandlerTimeout bounds a single handler attempt.
func WithHandlerTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.handlerTimeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}
