package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/okian/reelpulse/pkg/metrics"
)

// Default pool supervision constants.
const (
	defaultFailureThreshold = 5
	defaultFailureDecay     = 30
	defaultFailureBackoff   = time.Second
	defaultShutdownTimeout  = 10 * time.Second
)

// Pool runs a group of workers under one supervisor. Each worker is a
// separate group member, so the broker spreads partitions across them.
type Pool struct {
	name string
	sup  *suture.Supervisor
	size int
}

// PoolOption configures a Pool.
type PoolOption func(*suture.Spec)

// WithEventHook receives supervisor events (restarts, backoff, timeouts).
func WithEventHook(hook suture.EventHook) PoolOption {
	return func(s *suture.Spec) { s.EventHook = hook }
}

// WithFailureBackoff sets how long the pool waits once workers fail too often.
func WithFailureBackoff(d time.Duration) PoolOption {
	return func(s *suture.Spec) {
		if d > 0 {
			s.FailureBackoff = d
		}
	}
}

// NewPool creates count workers with build.
func NewPool(name string, count int, build func(i int) *Worker, opts ...PoolOption) *Pool {
	if count < 1 {
		count = 1
	}
	spec := suture.Spec{
		FailureThreshold: defaultFailureThreshold,
		FailureDecay:     defaultFailureDecay,
		FailureBackoff:   defaultFailureBackoff,
		Timeout:          defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&spec)
	}

	p := &Pool{name: name, sup: suture.New(name, spec), size: count}
	for i := 0; i < count; i++ {
		p.sup.Add(build(i))
	}
	return p
}

// Serve runs every worker until ctx is done.
func (p *Pool) Serve(ctx context.Context) error {
	metrics.UpdateWorkerCount(p.name, p.size)
	defer metrics.UpdateWorkerCount(p.name, 0)
	return p.sup.Serve(ctx)
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

func (p *Pool) String() string { return fmt.Sprintf("pool(%s)", p.name) }
