// Package presence tracks which users are currently watching which film,
// broadcasts count changes, and answers live viewer-count queries.
package presence

import (
	"context"
	"time"
)

// Broadcast topics and payload types.
const (
	TopicPrefix = "viewer-count/"
	TopicTotal  = TopicPrefix + "total"

	TypeConcurrentViewers = "concurrent_viewers"
	TypeTotalViewers      = "total_viewers"
)

// FilmTopic returns the per-film broadcast topic.
func FilmTopic(filmID string) string { return TopicPrefix + filmID }

// Store keeps per-film presence sets. Every Add resets the member's
// expiry; Count never includes expired members.
type Store interface {
	Add(ctx context.Context, filmID, userID string) error
	Remove(ctx context.Context, filmID, userID string) error
	Count(ctx context.Context, filmID string) (int64, error)
	// Films lists the films that currently have live members. Films left
	// empty by removal or expiry are forgotten.
	Films(ctx context.Context) ([]string, error)
}

// Publisher delivers a payload to every subscriber of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Update is the payload pushed to subscribers after a presence change.
type Update struct {
	Type      string    `json:"type"`
	FilmID    string    `json:"filmId,omitempty"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Count is a point-in-time viewer count.
type Count struct {
	FilmID    string    `json:"filmId,omitempty"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

func validate(filmID, userID string) error {
	if filmID == "" {
		return ErrMissingFilmID
	}
	if userID == "" {
		return ErrMissingUserID
	}
	return nil
}

// total sums the live counts of every known film.
func total(ctx context.Context, s Store) (int64, error) {
	films, err := s.Films(ctx)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, f := range films {
		n, err := s.Count(ctx, f)
		if err != nil {
			return 0, err
		}
		sum += n
	}
	return sum, nil
}
