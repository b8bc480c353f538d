package repository

import "time"

const (
	defaultPresenceTTL  = 5 * time.Minute
	defaultMaxTxRetries = 10
)

// Option applies a configuration option to a store.
type Option func(*options)

type options struct {
	ttl          time.Duration
	now          func() time.Time
	maxTxRetries int
}

func buildOptions(opts []Option) options {
	o := options{
		ttl:          defaultPresenceTTL,
		now:          time.Now,
		maxTxRetries: defaultMaxTxRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTTL sets how long a presence member lives after its last Add.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for presence expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxTxRetries bounds optimistic-lock retries of a session upsert.
func WithMaxTxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTxRetries = n
		}
	}
}
