// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind is the playback event type.
type Kind string

// Known event kinds. Anything else is carried through as-is and ignored by
// the consumer.
const (
	KindPlay     Kind = "play"
	KindPause    Kind = "pause"
	KindSeek     Kind = "seek"
	KindProgress Kind = "progress"
	KindEnded    Kind = "ended"
	KindLoaded   Kind = "loaded"
)

// ParseKind canonicalizes a wire kind to its lowercase token.
func ParseKind(s string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(s)))
}

// Known reports whether k is one of the enumerated kinds.
func (k Kind) Known() bool {
	switch k {
	case KindPlay, KindPause, KindSeek, KindProgress, KindEnded, KindLoaded:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// Event is one playback fact as it travels through the pipeline.
// JSON field names are the wire contract shared with players and the broker.
type Event struct {
	EventID   string    `json:"eventId"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	FilmID    string    `json:"filmId"`
	Kind      Kind      `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`

	// Position is the playback position in seconds (currentTime on the wire).
	Position *float64 `json:"currentTime,omitempty"`
	// Duration is the media length in seconds.
	Duration *float64 `json:"duration,omitempty"`
	// Progress is the player-reported completion percentage.
	Progress *float64 `json:"progress,omitempty"`

	// Set at the ingestion boundary.
	UserAgent string `json:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// Validate checks the identifiers every event must carry.
func (e *Event) Validate() error {
	switch {
	case e.SessionID == "":
		return ErrMissingSessionID
	case e.UserID == "":
		return ErrMissingUserID
	case e.FilmID == "":
		return ErrMissingFilmID
	}
	if e.Position != nil && *e.Position < 0 {
		return fmt.Errorf("%w: currentTime %v", ErrInvalidPosition, *e.Position)
	}
	if e.Duration != nil && *e.Duration < 0 {
		return fmt.Errorf("%w: duration %v", ErrInvalidPosition, *e.Duration)
	}
	return nil
}

// Normalize canonicalizes the kind, trims identifiers, fills the timestamp
// and event id when absent, and validates the result.
func Normalize(e *Event, now time.Time, newID func() string) error {
	e.EventID = strings.TrimSpace(e.EventID)
	e.SessionID = strings.TrimSpace(e.SessionID)
	e.UserID = strings.TrimSpace(e.UserID)
	e.FilmID = strings.TrimSpace(e.FilmID)
	e.Kind = ParseKind(string(e.Kind))

	if err := e.Validate(); err != nil {
		return err
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.EventID == "" {
		if newID == nil {
			newID = uuid.NewString
		}
		e.EventID = newID()
	}
	return nil
}

// PartitionKey keeps every event of one viewing attempt on one partition.
func (e *Event) PartitionKey() string {
	return e.UserID + "_" + e.FilmID + "_" + e.SessionID
}

// Encode serializes the event for the broker.
func Encode(e *Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return b, nil
}

// Decode parses a broker payload.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	e.Kind = ParseKind(string(e.Kind))
	return e, nil
}

// Float returns a pointer to v. Handy for optional positions.
func Float(v float64) *float64 { return &v }
