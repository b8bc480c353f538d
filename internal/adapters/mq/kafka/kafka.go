// Package kafka implements broker.Broker on Apache Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/okian/reelpulse/internal/adapters/mq/broker"
	"github.com/okian/reelpulse/pkg/logger"
)

// Config holds the connection and batching settings.
type Config struct {
	Brokers      []string
	BatchSize    int
	BatchTimeout time.Duration
	MaxAttempts  int
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10e6
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
}

// Broker publishes through one shared writer and opens a group reader per
// subscription. Keys are hash-balanced so one key stays on one partition.
type Broker struct {
	cfg    Config
	writer *kafkago.Writer
	logger logger.Logger

	mu      sync.Mutex
	readers map[*subscriber]struct{}
	closed  bool
}

var _ broker.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Kafka-backed broker. No connection is made until the first
// publish or fetch.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker address is required")
	}
	cfg.setDefaults()

	b := &Broker{cfg: cfg, readers: make(map[*subscriber]struct{})}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logger.Get().Named("kafka")
	}

	b.writer = &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		MaxAttempts:            cfg.MaxAttempts,
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
		ErrorLogger:            b.errorLogger(),
	}
	return b, nil
}

func (b *Broker) errorLogger() kafkago.Logger {
	return kafkago.LoggerFunc(func(format string, args ...interface{}) {
		b.logger.Error(context.Background(), fmt.Sprintf(format, args...))
	})
}

// EnsureTopics creates the topics with the given partition count through
// the cluster controller. Existing topics are left alone.
func (b *Broker) EnsureTopics(ctx context.Context, partitions int, topics ...string) error {
	conn, err := kafkago.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	cc, err := kafkago.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka dial controller: %w", err)
	}
	defer cc.Close()

	configs := make([]kafkago.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafkago.TopicConfig{Topic: t, NumPartitions: partitions, ReplicationFactor: 1})
	}
	if err := cc.CreateTopics(configs...); err != nil && !errors.Is(err, kafkago.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topics: %w", err)
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, msgs ...broker.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}

	out := make([]kafkago.Message, len(msgs))
	for i := range msgs {
		if msgs[i].Topic == "" {
			return broker.ErrInvalidTopic
		}
		out[i] = kafkago.Message{
			Topic: msgs[i].Topic,
			Key:   []byte(msgs[i].Key),
			Value: msgs[i].Value,
			Time:  msgs[i].Time,
		}
	}
	if err := b.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic, group string) (broker.Subscriber, error) {
	if topic == "" {
		return nil, broker.ErrInvalidTopic
	}
	if group == "" {
		return nil, broker.ErrInvalidGroup
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}

	s := &subscriber{
		owner: b,
		reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     b.cfg.Brokers,
			GroupID:     group,
			Topic:       topic,
			MinBytes:    b.cfg.MinBytes,
			MaxBytes:    b.cfg.MaxBytes,
			MaxWait:     b.cfg.MaxWait,
			StartOffset: kafkago.FirstOffset,
			ErrorLogger: b.errorLogger(),
		}),
	}
	b.readers[s] = struct{}{}
	return s, nil
}

// Close closes the writer and every open reader.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers := make([]*subscriber, 0, len(b.readers))
	for s := range b.readers {
		readers = append(readers, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range readers {
		errs = append(errs, s.Close())
	}
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}

type subscriber struct {
	owner  *Broker
	reader *kafkago.Reader
	once   sync.Once
	err    error
}

func (s *subscriber) Fetch(ctx context.Context) (broker.Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return broker.Message{}, broker.ErrClosed
		}
		return broker.Message{}, err
	}
	return fromKafka(&m), nil
}

func (s *subscriber) Commit(ctx context.Context, msgs ...broker.Message) error {
	out := make([]kafkago.Message, len(msgs))
	for i := range msgs {
		out[i] = toKafka(&msgs[i])
	}
	if err := s.reader.CommitMessages(ctx, out...); err != nil {
		if errors.Is(err, io.EOF) {
			return broker.ErrClosed
		}
		return fmt.Errorf("kafka commit: %w", err)
	}
	return nil
}

func (s *subscriber) Close() error {
	s.once.Do(func() {
		s.err = s.reader.Close()
		s.owner.mu.Lock()
		delete(s.owner.readers, s)
		s.owner.mu.Unlock()
	})
	return s.err
}

func toKafka(m *broker.Message) kafkago.Message {
	return kafkago.Message{
		Topic:     m.Topic,
		Key:       []byte(m.Key),
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
	}
}

func fromKafka(m *kafkago.Message) broker.Message {
	return broker.Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
	}
}
