// Package service wires the pipeline together and implements the
// dependencies required by the HTTP API.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/okian/reelpulse/internal/adapters/mq/broker"
	"github.com/okian/reelpulse/internal/adapters/mq/kafka"
	"github.com/okian/reelpulse/internal/adapters/mq/producer"
	"github.com/okian/reelpulse/internal/adapters/mq/worker"
	"github.com/okian/reelpulse/internal/adapters/realtime"
	"github.com/okian/reelpulse/internal/adapters/repository"
	"github.com/okian/reelpulse/internal/config"
	"github.com/okian/reelpulse/internal/domain/dedupe"
	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/internal/domain/presence"
	"github.com/okian/reelpulse/internal/domain/session"
	"github.com/okian/reelpulse/pkg/logger"
	"github.com/okian/reelpulse/pkg/metrics"
)

const statsTimeout = 2 * time.Second

// Service owns every pipeline component and their supervision tree.
type Service struct {
	mu sync.RWMutex

	cfg    *config.Config
	logger logger.Logger

	// Injected or built in Start.
	broker      broker.Broker
	redis       redis.UniversalClient
	ownsBroker  bool
	ownsRedis   bool
	brokerGiven bool
	redisGiven  bool

	deduper    dedupe.Deduper
	sessions   session.Store
	presence   presence.Store
	viewers    *presence.Viewers
	reconciler *session.Reconciler
	hub        *realtime.Hub
	producer   *producer.Producer
	processors *worker.Pool
	feed       *worker.Pool

	cancel  context.CancelFunc
	done    <-chan error
	started bool
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig sets the configuration. Defaults to config.New().
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBroker uses b instead of building one from the configuration.
// The service does not close an injected broker.
func WithBroker(b broker.Broker) Option {
	return func(s *Service) {
		if b != nil {
			s.broker = b
			s.brokerGiven = true
		}
	}
}

// WithRedisClient uses c for the redis store and broadcast backends.
// The service does not close an injected client.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(s *Service) {
		if c != nil {
			s.redis = c
			s.redisGiven = true
		}
	}
}

// New constructs a Service. Nothing runs until Start.
func New(opts ...Option) *Service {
	s := &Service{cfg: config.New()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	return s
}

// Start builds the components and launches the supervision tree. The tree
// outlives ctx; call Stop to shut it down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	cfg := s.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.logger.Info(ctx, "starting reelpulse service...",
		logger.String("broker", cfg.Broker),
		logger.String("store", cfg.Store),
		logger.String("broadcast", cfg.Broadcast),
	)

	if err := s.connectRedis(ctx); err != nil {
		return err
	}
	if err := s.openBroker(ctx); err != nil {
		s.closeBackends()
		return err
	}
	s.buildStores()

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize))

	s.hub = realtime.NewHub(realtime.WithLogger(s.logger.Named("hub")))
	var bridge *realtime.RedisBridge
	if cfg.Broadcast == config.BroadcastRedis {
		bridge = realtime.NewRedisBridge(s.redis, s.hub, s.logger.Named("redis-bridge"))
		s.hub.SetRelay(bridge)
	}

	tracker := presence.NewTracker(s.presence, s.hub, presence.WithLogger(s.logger.Named("presence")))
	s.viewers = presence.NewViewers(s.presence)
	s.reconciler = session.NewReconciler(s.sessions, session.WithLogger(s.logger.Named("sessions")))

	s.producer = producer.New(s.broker, cfg.Topic,
		producer.WithBufferSize(cfg.ProducerBuffer),
		producer.WithBatchSize(cfg.ProducerBatchSize),
		producer.WithBreaker(cfg.BreakerFailureThreshold, cfg.BreakerTimeout),
		producer.WithLogger(s.logger.Named("producer")),
	)

	hook := (&sutureslog.Handler{Logger: logger.Slog()}).MustHook()

	router := worker.NewRouter(tracker, s.reconciler, s.logger.Named("router"))
	s.processors = worker.NewPool("processor", cfg.WorkerCount, func(i int) *worker.Worker {
		return worker.New(s.broker, s.broker, cfg.Topic, cfg.ConsumerGroup, router,
			worker.WithName(fmt.Sprintf("processor-%d", i)),
			worker.WithDeadLetterTopic(cfg.DeadLetterTopic),
			worker.WithMaxAttempts(cfg.HandlerMaxAttempts),
			worker.WithRetryInterval(cfg.HandlerRetryInterval),
			worker.WithHandlerTimeout(cfg.HandlerTimeout),
		)
	}, worker.WithEventHook(hook))

	feed := worker.NewFeed(s.hub, s.logger.Named("feed"))
	s.feed = worker.NewPool("live-feed", 1, func(int) *worker.Worker {
		return worker.New(s.broker, nil, cfg.Topic, cfg.LiveFeedGroup, feed,
			worker.WithName("live-feed"),
			worker.WithMaxAttempts(1),
		)
	}, worker.WithEventHook(hook))

	root := suture.New("reelpulse", suture.Spec{
		EventHook: hook,
		Timeout:   cfg.ShutdownTimeout,
	})
	root.Add(s.hub)
	if bridge != nil {
		root.Add(bridge)
	}
	root.Add(s.producer)
	root.Add(s.processors)
	root.Add(s.feed)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = root.ServeBackground(runCtx)
	s.started = true

	s.logger.Info(ctx, "reelpulse service started",
		logger.Int("workers", cfg.WorkerCount),
		logger.Int("producerBuffer", cfg.ProducerBuffer),
		logger.Int("dedupeSize", cfg.DedupeSize),
	)
	return nil
}

func (s *Service) connectRedis(ctx context.Context) error {
	cfg := s.cfg
	if s.redis != nil || (cfg.Store != config.StoreRedis && cfg.Broadcast != config.BroadcastRedis) {
		return nil
	}
	c, err := repository.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	s.redis = c
	s.ownsRedis = true
	return nil
}

func (s *Service) openBroker(ctx context.Context) error {
	cfg := s.cfg
	if s.broker != nil {
		return nil
	}
	switch cfg.Broker {
	case config.BrokerKafka:
		kb, err := kafka.New(kafka.Config{
			Brokers:   cfg.Brokers(),
			BatchSize: cfg.ProducerBatchSize,
		}, kafka.WithLogger(s.logger.Named("kafka")))
		if err != nil {
			return err
		}
		// Auto-creation still covers the topics if the controller is unreachable.
		if err := kb.EnsureTopics(ctx, cfg.Partitions, cfg.Topic, cfg.DeadLetterTopic); err != nil {
			s.logger.Warn(ctx, "could not ensure kafka topics", logger.Error(err))
		}
		s.broker = kb
	default:
		s.broker = broker.NewMemory(
			broker.WithPartitions(cfg.Partitions),
			broker.WithLogger(s.logger.Named("broker")),
		)
	}
	s.ownsBroker = true
	return nil
}

func (s *Service) buildStores() {
	cfg := s.cfg
	if cfg.Store == config.StoreRedis {
		s.sessions = repository.NewRedisSessionStore(s.redis)
		s.presence = repository.NewRedisPresenceStore(s.redis, repository.WithTTL(cfg.PresenceTTL))
		return
	}
	s.sessions = repository.NewMemorySessionStore()
	s.presence = repository.NewMemoryPresenceStore(repository.WithTTL(cfg.PresenceTTL))
}

// closeBackends must be called with s.mu held.
func (s *Service) closeBackends() {
	if s.ownsBroker && s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Warn(context.Background(), "broker close failed", logger.Error(err))
		}
	}
	if s.ownsRedis && s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn(context.Background(), "redis close failed", logger.Error(err))
		}
	}
	if !s.brokerGiven {
		s.broker = nil
	}
	if !s.redisGiven {
		s.redis = nil
	}
	s.ownsBroker, s.ownsRedis = false, false
}

// Stop drains the producer, lets workers finish their in-flight message,
// then closes the backends the service opened.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping reelpulse service...")

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn(ctx, "supervisor did not stop in time", logger.Duration("timeout", s.cfg.ShutdownTimeout))
	}

	s.closeBackends()
	s.started = false
	s.logger.Info(ctx, "reelpulse service stopped")
}

// SeenAndRecord reports whether an event id was already ingested and
// records it if not.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	d := s.dedupe()
	if d == nil {
		return false
	}
	return d.SeenAndRecord(ctx, id)
}

// Unrecord forgets an event id so a retry is accepted.
func (s *Service) Unrecord(ctx context.Context, id string) {
	if d := s.dedupe(); d != nil {
		d.Unrecord(ctx, id)
	}
}

// Size returns the current number of entries in the deduper.
func (s *Service) Size() int64 {
	if d := s.dedupe(); d != nil {
		return d.Size()
	}
	return 0
}

func (s *Service) dedupe() dedupe.Deduper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deduper
}

// Publish hands ev to the producer without waiting for the broker.
func (s *Service) Publish(ctx context.Context, ev *model.Event) error {
	s.mu.RLock()
	p, started := s.producer, s.started
	s.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	return p.Publish(ctx, ev)
}

// ConcurrentViewers returns the live viewer count of filmID.
func (s *Service) ConcurrentViewers(ctx context.Context, filmID string) (presence.Count, error) {
	v := s.viewerQuery()
	if v == nil {
		return presence.Count{}, ErrNotStarted
	}
	return v.ConcurrentViewers(ctx, filmID)
}

// Total returns the live viewer count across films.
func (s *Service) Total(ctx context.Context) (presence.Count, error) {
	v := s.viewerQuery()
	if v == nil {
		return presence.Count{}, ErrNotStarted
	}
	return v.Total(ctx)
}

func (s *Service) viewerQuery() *presence.Viewers {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil
	}
	return s.viewers
}

// Session returns the reconciled session with id.
func (s *Service) Session(ctx context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	r, started := s.reconciler, s.started
	s.mu.RUnlock()
	if !started {
		return session.Session{}, ErrNotStarted
	}
	return r.Get(ctx, id)
}

// ServeWS subscribes a WebSocket client to live updates.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	hub, started := s.hub, s.started
	s.mu.RUnlock()
	if !started {
		http.Error(w, ErrNotStarted.Error(), http.StatusServiceUnavailable)
		return
	}
	hub.ServeWS(w, r)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.cfg
	stats := map[string]any{
		"started":     s.started,
		"broker":      cfg.Broker,
		"store":       cfg.Store,
		"broadcast":   cfg.Broadcast,
		"workerCount": cfg.WorkerCount,
		"topic":       cfg.Topic,
	}
	if !s.started {
		return stats
	}

	outbox := s.producer.Len()
	stats["outboxLength"] = outbox
	stats["dedupeSize"] = s.deduper.Size()
	stats["hubClients"] = s.hub.Clients()
	metrics.UpdateOutboxSize(outbox)
	metrics.UpdateDedupeSize(s.deduper.Size())

	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	if total, err := s.viewers.Total(ctx); err == nil {
		stats["viewersTotal"] = total.Count
		metrics.UpdateViewersTotal(total.Count)
	} else {
		stats["viewersTotalError"] = err.Error()
	}
	return stats
}
