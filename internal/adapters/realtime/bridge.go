package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/okian/reelpulse/pkg/logger"
)

const channelPrefix = "reelpulse:live:"

// Sink receives envelopes relayed from Redis.
type Sink interface {
	Deliver(topic string, msg []byte) int
}

// RedisBridge relays hub traffic through Redis pub/sub. Publishing goes to
// Redis only; every instance, this one included, delivers on receipt, so
// each subscriber sees a message exactly once.
type RedisBridge struct {
	client redis.UniversalClient
	sink   Sink
	logger logger.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisBridge creates a bridge delivering into sink.
func NewRedisBridge(client redis.UniversalClient, sink Sink, l logger.Logger) *RedisBridge {
	if l == nil {
		l = logger.Get().Named("redis-bridge")
	}
	return &RedisBridge{client: client, sink: sink, logger: l, ready: make(chan struct{})}
}

// Relay publishes an encoded envelope for topic.
func (b *RedisBridge) Relay(ctx context.Context, topic string, msg []byte) error {
	if err := b.client.Publish(ctx, channelPrefix+topic, msg).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Ready is closed once the first subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Serve subscribes to every live channel and delivers until ctx is done.
func (b *RedisBridge) Serve(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info(ctx, "redis bridge subscribed", logger.String("pattern", channelPrefix+"*"))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			topic := strings.TrimPrefix(msg.Channel, channelPrefix)
			b.sink.Deliver(topic, []byte(msg.Payload))
		}
	}
}

func (b *RedisBridge) String() string { return "redis-bridge" }
