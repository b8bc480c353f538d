package presence

import (
	"context"
	"time"

	"github.com/okian/reelpulse/pkg/logger"
	"github.com/okian/reelpulse/pkg/metrics"
)

// Tracker is a Store that broadcasts the film count and the total count
// after every successful mutation. Broadcast failures are logged only.
type Tracker struct {
	store  Store
	pub    Publisher
	logger logger.Logger
	now    func() time.Time
}

// Option configures a Tracker or Viewers.
type Option func(*options)

type options struct {
	logger logger.Logger
	now    func() time.Time
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("presence")
	}
	return o
}

// NewTracker wraps store so that mutations are published through pub.
func NewTracker(store Store, pub Publisher, opts ...Option) *Tracker {
	o := buildOptions(opts)
	return &Tracker{store: store, pub: pub, logger: o.logger, now: o.now}
}

// Add marks userID as watching filmID and broadcasts the new counts.
func (t *Tracker) Add(ctx context.Context, filmID, userID string) error {
	if err := validate(filmID, userID); err != nil {
		return err
	}
	if err := t.store.Add(ctx, filmID, userID); err != nil {
		metrics.RecordPresenceMutation("add", "error")
		return err
	}
	metrics.RecordPresenceMutation("add", "ok")
	t.broadcast(ctx, filmID)
	return nil
}

// Remove drops userID from filmID and broadcasts the new counts.
func (t *Tracker) Remove(ctx context.Context, filmID, userID string) error {
	if err := validate(filmID, userID); err != nil {
		return err
	}
	if err := t.store.Remove(ctx, filmID, userID); err != nil {
		metrics.RecordPresenceMutation("remove", "error")
		return err
	}
	metrics.RecordPresenceMutation("remove", "ok")
	t.broadcast(ctx, filmID)
	return nil
}

func (t *Tracker) Count(ctx context.Context, filmID string) (int64, error) {
	return t.store.Count(ctx, filmID)
}

func (t *Tracker) Films(ctx context.Context) ([]string, error) {
	return t.store.Films(ctx)
}

func (t *Tracker) broadcast(ctx context.Context, filmID string) {
	now := t.now().UTC()

	n, err := t.store.Count(ctx, filmID)
	if err != nil {
		t.logger.Warn(ctx, "count for broadcast failed", logger.String("filmId", filmID), logger.Error(err))
		metrics.RecordBroadcast("film", "error")
	} else {
		t.publish(ctx, "film", FilmTopic(filmID), Update{
			Type: TypeConcurrentViewers, FilmID: filmID, Count: n, Timestamp: now,
		})
	}

	sum, err := total(ctx, t.store)
	if err != nil {
		t.logger.Warn(ctx, "total for broadcast failed", logger.Error(err))
		metrics.RecordBroadcast("total", "error")
		return
	}
	metrics.UpdateViewersTotal(sum)
	t.publish(ctx, "total", TopicTotal, Update{Type: TypeTotalViewers, Count: sum, Timestamp: now})
}

func (t *Tracker) publish(ctx context.Context, scope, topic string, u Update) {
	if t.pub == nil {
		return
	}
	if err := t.pub.Publish(ctx, topic, u); err != nil {
		t.logger.Warn(ctx, "broadcast failed",
			logger.String("topic", topic),
			logger.Error(err),
		)
		metrics.RecordBroadcast(scope, "error")
		return
	}
	metrics.RecordBroadcast(scope, "ok")
}
