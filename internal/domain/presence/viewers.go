package presence

import (
	"context"
	"fmt"
	"time"
)

// Viewers answers live viewer-count queries straight from the store.
type Viewers struct {
	store Store
	now   func() time.Time
}

// NewViewers creates the query façade over store.
func NewViewers(store Store, opts ...Option) *Viewers {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Viewers{store: store, now: o.now}
}

// ConcurrentViewers returns the number of live members of filmID.
// Unknown films report zero.
func (v *Viewers) ConcurrentViewers(ctx context.Context, filmID string) (Count, error) {
	if filmID == "" {
		return Count{}, ErrMissingFilmID
	}
	n, err := v.store.Count(ctx, filmID)
	if err != nil {
		return Count{}, fmt.Errorf("count viewers of %s: %w", filmID, err)
	}
	return Count{FilmID: filmID, Count: n, Timestamp: v.now().UTC()}, nil
}

// Total returns the sum of live members across all known films.
func (v *Viewers) Total(ctx context.Context) (Count, error) {
	n, err := total(ctx, v.store)
	if err != nil {
		return Count{}, fmt.Errorf("count total viewers: %w", err)
	}
	return Count{Count: n, Timestamp: v.now().UTC()}, nil
}
