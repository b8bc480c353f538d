package worker

import (
	"context"
	"errors"

	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/internal/domain/presence"
	"github.com/okian/reelpulse/pkg/logger"
)

// Handler processes one decoded event.
type Handler interface {
	Handle(ctx context.Context, ev *model.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *model.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev *model.Event) error { return f(ctx, ev) }

// Presence is the part of the presence store the router drives.
type Presence interface {
	Add(ctx context.Context, filmID, userID string) error
	Remove(ctx context.Context, filmID, userID string) error
}

// Router dispatches events to the presence store and session reconciler
// by kind. Both sides are idempotent, so a redelivered event is safe.
type Router struct {
	presence Presence
	sessions Handler
	logger   logger.Logger
}

// NewRouter creates the processing router.
func NewRouter(p Presence, sessions Handler, l logger.Logger) *Router {
	if l == nil {
		l = logger.Get().Named("router")
	}
	return &Router{presence: p, sessions: sessions, logger: l}
}

func (r *Router) Handle(ctx context.Context, ev *model.Event) error {
	if err := ev.Validate(); err != nil {
		return Permanent(err)
	}

	var presenceErr error
	switch ev.Kind {
	case model.KindPlay, model.KindProgress:
		presenceErr = r.presence.Add(ctx, ev.FilmID, ev.UserID)
	case model.KindPause, model.KindEnded:
		presenceErr = r.presence.Remove(ctx, ev.FilmID, ev.UserID)
	case model.KindSeek:
		// session only
	case model.KindLoaded:
		return nil
	default:
		r.logger.Debug(ctx, "ignoring unknown event kind",
			logger.String("eventId", ev.EventID),
			logger.String("eventType", ev.Kind.String()),
		)
		return nil
	}
	return joinErrors(presenceErr, r.sessions.Handle(ctx, ev))
}

// joinErrors combines the outcomes of both sides. The result is permanent
// only when every failure is; one transient failure keeps the event
// eligible for redelivery.
func joinErrors(errs ...error) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	for _, err := range failed {
		if !permanent(err) {
			return errors.Join(failed...)
		}
	}
	if len(failed) == 1 && errors.Is(failed[0], ErrPermanent) {
		return failed[0]
	}
	return Permanent(errors.Join(failed...))
}

func permanent(err error) bool {
	return errors.Is(err, ErrPermanent) ||
		errors.Is(err, model.ErrUnprocessable) ||
		errors.Is(err, presence.ErrMissingFilmID) ||
		errors.Is(err, presence.ErrMissingUserID)
}

// routed reports whether kind has side effects.
func routed(k model.Kind) bool {
	switch k {
	case model.KindPlay, model.KindPause, model.KindSeek, model.KindProgress, model.KindEnded:
		return true
	default:
		return false
	}
}
