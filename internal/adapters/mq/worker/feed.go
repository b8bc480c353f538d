package worker

import (
	"context"

	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/internal/domain/presence"
	"github.com/okian/reelpulse/pkg/logger"
	"github.com/okian/reelpulse/pkg/metrics"
)

// TopicLiveEvents carries every consumed event to live dashboards.
const TopicLiveEvents = "live-events"

// Feed re-broadcasts raw events to live subscribers. It runs in its own
// consumer group so it never slows the processing group down.
type Feed struct {
	pub    presence.Publisher
	logger logger.Logger
}

// NewFeed creates the live event feed handler.
func NewFeed(pub presence.Publisher, l logger.Logger) *Feed {
	if l == nil {
		l = logger.Get().Named("feed")
	}
	return &Feed{pub: pub, logger: l}
}

// Handle publishes ev. Delivery is best-effort and never fails the message.
func (f *Feed) Handle(ctx context.Context, ev *model.Event) error {
	if err := f.pub.Publish(ctx, TopicLiveEvents, ev); err != nil {
		metrics.RecordBroadcast("feed", "error")
		f.logger.Warn(ctx, "live feed publish failed",
			logger.String("eventId", ev.EventID),
			logger.Error(err),
		)
		return nil
	}
	metrics.RecordBroadcast("feed", "ok")
	return nil
}
