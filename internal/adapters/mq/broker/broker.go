// Package broker defines the minimal publish/subscribe contract the
// pipeline needs from a message broker, plus an in-process implementation.
//
// Messages with the same key always land on the same partition, and a
// partition is consumed by at most one member of a group at a time, so
// per-key order is preserved. After a rebalance the new owner of a partition
// waits until the previous member is done with its in-flight message. Delivery is at-least-once: a message whose
// offset was not committed is delivered again after a rebalance.
package broker

import (
	"context"
	"time"
)

// Message is a single broker record.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time
}

// Publisher appends messages to their topics.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

// Subscriber is one member of a consumer group.
type Subscriber interface {
	// Fetch blocks until a message is available on one of the member's
	// partitions, ctx is done, or the subscriber is closed.
	Fetch(ctx context.Context) (Message, error)
	// Commit marks msgs, and everything before them on their partitions,
	// as processed by the group.
	Commit(ctx context.Context, msgs ...Message) error
	Close() error
}

// Broker publishes and hands out group subscriptions.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, topic, group string) (Subscriber, error)
	Close() error
}
