// Package worker consumes events from the broker and applies them to the
// presence store and session aggregates.
//
// Delivery is at-least-once: an offset is committed only after the handler
// succeeded, or after the message was dead-lettered. A transient failure that
// survives every retry stops the worker without committing; its supervisor
// restarts it and the broker redelivers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/thejerf/suture/v4"

	"github.com/okian/reelpulse/internal/adapters/mq/broker"
	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/pkg/logger"
	"github.com/okian/reelpulse/pkg/metrics"
)

// Source opens group subscriptions.
type Source interface {
	Subscribe(ctx context.Context, topic, group string) (broker.Subscriber, error)
}

// Worker owns one subscription and processes its messages one at a time.
type Worker struct {
	source          Source
	deadLetters     broker.Publisher
	topic           string
	group           string
	deadLetterTopic string
	handler         Handler

	name           string
	maxAttempts    int
	retryInterval  time.Duration
	handlerTimeout time.Duration
	logger         logger.Logger
}

// New creates a worker consuming topic as a member of group.
// deadLetters may be nil when no dead-letter topic is configured.
func New(source Source, deadLetters broker.Publisher, topic, group string, h Handler, opts ...Option) *Worker {
	w := &Worker{
		source:         source,
		deadLetters:    deadLetters,
		topic:          topic,
		group:          group,
		handler:        h,
		name:           "worker",
		maxAttempts:    defaultMaxAttempts,
		retryInterval:  defaultRetryInterval,
		handlerTimeout: defaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// String names the worker in supervisor events.
func (w *Worker) String() string { return w.name }

// Serve consumes until ctx is done. The in-flight message is always
// finished on a context detached from ctx; shutdown is checked between
// messages.
func (w *Worker) Serve(ctx context.Context) error {
	sub, err := w.source.Subscribe(ctx, w.topic, w.group)
	if err != nil {
		return fmt.Errorf("%s: subscribe %s/%s: %w", w.name, w.topic, w.group, err)
	}
	defer sub.Close()

	w.logger.Info(ctx, "worker started",
		logger.String("topic", w.topic),
		logger.String("group", w.group),
	)

	work := context.WithoutCancel(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrClosed) {
				return suture.ErrDoNotRestart
			}
			return fmt.Errorf("%s: fetch: %w", w.name, err)
		}
		if err := w.process(work, sub, msg); err != nil {
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, sub broker.Subscriber, msg broker.Message) error {
	start := time.Now()
	defer func() {
		metrics.RecordHandlerLatency(float64(time.Since(start).Milliseconds()))
	}()

	ev, err := model.Decode(msg.Value)
	if err != nil {
		metrics.RecordConsumed("undecodable", "dead_letter")
		if err := w.deadLetter(ctx, msg, "decode", err); err != nil {
			return err
		}
		return w.commit(ctx, sub, msg)
	}
	kind := ev.Kind.String()

	err = w.handle(ctx, &ev)
	switch {
	case err == nil:
		outcome := "ok"
		if !routed(ev.Kind) {
			outcome = "ignored"
		}
		metrics.RecordConsumed(kind, outcome)
	case errors.Is(err, ErrPermanent):
		metrics.RecordConsumed(kind, "dead_letter")
		if err := w.deadLetter(ctx, msg, "permanent", err); err != nil {
			return err
		}
	default:
		metrics.RecordConsumed(kind, "redeliver")
		w.logger.Error(ctx, "event processing failed, leaving offset uncommitted",
			logger.String("eventId", ev.EventID),
			logger.String("key", msg.Key),
			logger.Int("partition", msg.Partition),
			logger.Int64("offset", msg.Offset),
			logger.Error(err),
		)
		return fmt.Errorf("%s: handle %s: %w", w.name, ev.EventID, err)
	}
	return w.commit(ctx, sub, msg)
}

// handle runs the handler with exponential backoff between attempts.
func (w *Worker) handle(ctx context.Context, ev *model.Event) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		hctx, cancel := context.WithTimeout(ctx, w.handlerTimeout)
		defer cancel()

		err := w.handler.Handle(hctx, ev)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrPermanent) {
			return struct{}{}, backoff.Permanent(err)
		}
		if attempt < w.maxAttempts {
			metrics.RecordHandlerRetry()
			w.logger.Warn(ctx, "handler failed, retrying",
				logger.String("eventId", ev.EventID),
				logger.Int("attempt", attempt),
				logger.Error(err),
			)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInterval
	b.MaxInterval = 20 * w.retryInterval

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.maxAttempts)),
	)
	return err
}

func (w *Worker) deadLetter(ctx context.Context, msg broker.Message, reason string, cause error) error {
	metrics.RecordDeadLetter(reason)
	w.logger.Error(ctx, "dead-lettering message",
		logger.String("reason", reason),
		logger.String("key", msg.Key),
		logger.Int("partition", msg.Partition),
		logger.Int64("offset", msg.Offset),
		logger.Error(cause),
	)
	if w.deadLetters == nil || w.deadLetterTopic == "" {
		return nil
	}
	err := w.deadLetters.Publish(ctx, broker.Message{
		Topic: w.deadLetterTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%s: dead-letter: %w", w.name, err)
	}
	return nil
}

func (w *Worker) commit(ctx context.Context, sub broker.Subscriber, msg broker.Message) error {
	if err := sub.Commit(ctx, msg); err != nil {
		return fmt.Errorf("%s: commit %d/%d: %w", w.name, msg.Partition, msg.Offset, err)
	}
	return nil
}
