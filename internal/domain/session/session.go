// Package session reconciles a stream of playback events into one aggregate
// per viewing attempt.
//
// Every update is expressed as a Mutation of set-style operations so that
// applying the same event twice leaves the aggregate unchanged.
package session

import (
	"math"
	"time"

	"github.com/okian/reelpulse/internal/domain/model"
)

// State of a session aggregate.
type State int

const (
	Unstarted State = iota
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Session is the aggregate of one viewing attempt.
type Session struct {
	ID            string     `json:"sessionId"`
	FilmID        string     `json:"filmId"`
	UserID        string     `json:"userId"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	LastEventAt   *time.Time `json:"lastEventAt,omitempty"`
	RetentionRate *float64   `json:"retentionRate,omitempty"`
	Completed     bool       `json:"completed"`
	LastPosition  *float64   `json:"lastPosition,omitempty"`
}

// StateOf reports the lifecycle state. A nil session is Unstarted.
func StateOf(s *Session) State {
	switch {
	case s == nil:
		return Unstarted
	case s.Completed:
		return Ended
	default:
		return Active
	}
}

// TotalWatchTime approximates watch time as the span between the first and
// the latest event seen. It is not an accumulated total.
func (s *Session) TotalWatchTime() time.Duration {
	if s.StartTime == nil || s.LastEventAt == nil || s.LastEventAt.Before(*s.StartTime) {
		return 0
	}
	return s.LastEventAt.Sub(*s.StartTime)
}

// Mutation is the set of field assignments one event makes.
type Mutation struct {
	SessionID string
	FilmID    string
	UserID    string
	// At is the event timestamp; it seeds StartTime/EndTime when unset.
	At       time.Time
	Position *float64
	Terminal bool
	// Duration is only consulted for terminal mutations.
	Duration *float64
}

// Plan converts an event into its session mutation. Events whose kind does
// not touch sessions return false.
func Plan(ev *model.Event) (Mutation, bool) {
	m := Mutation{
		SessionID: ev.SessionID,
		FilmID:    ev.FilmID,
		UserID:    ev.UserID,
		At:        ev.Timestamp.UTC(),
	}

	switch ev.Kind {
	case model.KindPlay, model.KindPause, model.KindSeek, model.KindProgress:
		m.Position = ev.Position
	case model.KindEnded:
		m.Position = ev.Position
		m.Terminal = true
		m.Duration = ev.Duration
	default:
		return Mutation{}, false
	}
	return m, true
}

// Apply performs the upsert: s may be nil for an unseen session. The result
// is a new value; s is not modified.
func Apply(s *Session, m Mutation) Session {
	var out Session
	if s != nil {
		out = *s
	}
	if out.ID == "" {
		out.ID = m.SessionID
	}
	if out.FilmID == "" {
		out.FilmID = m.FilmID
	}
	if out.UserID == "" {
		out.UserID = m.UserID
	}

	at := m.At
	if out.StartTime == nil {
		out.StartTime = &at
	}
	if out.LastEventAt == nil || at.After(*out.LastEventAt) {
		out.LastEventAt = &at
	}
	if m.Position != nil {
		pos := *m.Position
		out.LastPosition = &pos
	}

	if m.Terminal {
		out.Completed = true
		if out.EndTime == nil {
			out.EndTime = &at
		}
		if r, ok := retention(out.LastPosition, m.Duration); ok {
			out.RetentionRate = &r
		}
	}
	return out
}

// retention is position/duration as a 0-100 percentage rounded to two places.
func retention(position, duration *float64) (float64, bool) {
	if position == nil || duration == nil || *duration <= 0 {
		return 0, false
	}
	r := *position / *duration * 100
	r = math.Max(0, math.Min(100, r))
	return math.Round(r*100) / 100, true
}
