// Package producer hands ingested events to the broker without blocking the
// request path.
//
// Publish only enqueues into a bounded outbox; a single dispatcher drains it
// in order, batches, and writes through a circuit breaker.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/thejerf/suture/v4"

	"github.com/okian/reelpulse/internal/adapters/mq/broker"
	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/pkg/logger"
	"github.com/okian/reelpulse/pkg/metrics"
)

// Producer is a fire-and-forget event publisher.
type Producer struct {
	pub     broker.Publisher
	topic   string
	outbox  chan broker.Message
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  logger.Logger

	bufferSize       int
	batchSize        int
	publishTimeout   time.Duration
	failureThreshold uint32
	breakerTimeout   time.Duration

	mu     sync.RWMutex
	closed bool
}

// New creates a producer writing to topic through pub.
func New(pub broker.Publisher, topic string, opts ...Option) *Producer {
	p := &Producer{
		pub:              pub,
		topic:            topic,
		bufferSize:       defaultBufferSize,
		batchSize:        defaultBatchSize,
		publishTimeout:   defaultPublishTimeout,
		failureThreshold: defaultFailureThreshold,
		breakerTimeout:   defaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Get().Named("producer")
	}

	p.outbox = make(chan broker.Message, p.bufferSize)
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "publish:" + topic,
		MaxRequests: 1,
		Timeout:     p.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpdateBreakerState(name, int(to))
			p.logger.Warn(context.Background(), "publish breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
	metrics.UpdateBreakerState("publish:"+topic, int(gobreaker.StateClosed))
	metrics.UpdateOutboxSize(0)
	return p
}

// Publish encodes ev and enqueues it. It never waits for the broker.
func (p *Producer) Publish(ctx context.Context, ev *model.Event) error {
	value, err := model.Encode(ev)
	if err != nil {
		return err
	}
	msg := broker.Message{
		Topic: p.topic,
		Key:   ev.PartitionKey(),
		Value: value,
		Time:  ev.Timestamp,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.outbox <- msg:
		metrics.UpdateOutboxSize(len(p.outbox))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBackpressure
	}
}

// Len returns the number of messages waiting in the outbox.
func (p *Producer) Len() int { return len(p.outbox) }

// Close stops intake. Messages already enqueued are still delivered by
// Serve before it returns.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.outbox)
	return nil
}

// Serve runs the dispatcher until ctx is done or the producer is closed,
// then drains the outbox.
func (p *Producer) Serve(ctx context.Context) error {
	p.logger.Info(ctx, "producer dispatcher started", logger.String("topic", p.topic))
	for {
		select {
		case <-ctx.Done():
			_ = p.Close()
			p.drain()
			return ctx.Err()
		case msg, ok := <-p.outbox:
			if !ok {
				return suture.ErrDoNotRestart
			}
			p.send(p.collect(msg))
		}
	}
}

func (p *Producer) drain() {
	n := 0
	for msg := range p.outbox {
		batch := p.collect(msg)
		n += len(batch)
		p.send(batch)
	}
	p.logger.Info(context.Background(), "producer drained", logger.Int("messages", n))
}

// collect gathers up to batchSize messages without blocking.
func (p *Producer) collect(first broker.Message) []broker.Message {
	batch := make([]broker.Message, 1, p.batchSize)
	batch[0] = first
	for len(batch) < p.batchSize {
		select {
		case msg, ok := <-p.outbox:
			if !ok {
				return batch
			}
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (p *Producer) send(batch []broker.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()

	start := time.Now()
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.pub.Publish(ctx, batch...)
	})
	metrics.RecordPublishLatency(float64(time.Since(start).Milliseconds()))
	metrics.UpdateOutboxSize(len(p.outbox))

	if err != nil {
		metrics.RecordPublishFailed(len(batch))
		reason := "broker"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = "breaker_open"
		}
		for i := range batch {
			p.logger.Error(ctx, "event publish failed",
				logger.String("key", batch[i].Key),
				logger.String("reason", reason),
				logger.Error(err),
			)
		}
		return
	}

	metrics.RecordPublished(len(batch))
	p.logger.Debug(ctx, "events published",
		logger.Int("count", len(batch)),
		logger.String("topic", p.topic),
	)
}

// String names the service in supervisor logs.
func (p *Producer) String() string { return fmt.Sprintf("producer(%s)", p.topic) }
