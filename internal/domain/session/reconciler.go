package session

import (
	"context"
	"fmt"

	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/pkg/logger"
	"github.com/okian/reelpulse/pkg/metrics"
)

// Store persists session aggregates. Upsert must apply the mutation
// atomically for its session key, with Apply's semantics.
type Store interface {
	Upsert(ctx context.Context, m Mutation) (Session, error)
	Get(ctx context.Context, sessionID string) (Session, error)
}

// Reconciler maps events onto session aggregates.
type Reconciler struct {
	store  Store
	logger logger.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: store}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Get().Named("sessions")
	}
	return r
}

// Handle applies ev to its session. Kinds that do not touch sessions are a no-op.
func (r *Reconciler) Handle(ctx context.Context, ev *model.Event) error {
	m, ok := Plan(ev)
	if !ok {
		return nil
	}

	s, err := r.store.Upsert(ctx, m)
	if err != nil {
		metrics.RecordSessionUpsert("error")
		return fmt.Errorf("upsert session %s: %w", ev.SessionID, err)
	}
	metrics.RecordSessionUpsert("ok")

	if m.Terminal {
		metrics.RecordSessionCompleted()
		r.logger.Debug(ctx, "session ended",
			logger.String("sessionId", s.ID),
			logger.String("filmId", s.FilmID),
			logger.Any("retentionRate", s.RetentionRate),
		)
	}
	return nil
}

// Get returns a session aggregate or ErrNotFound.
func (r *Reconciler) Get(ctx context.Context, sessionID string) (Session, error) {
	return r.store.Get(ctx, sessionID)
}
