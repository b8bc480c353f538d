package testevents

import (
	"time"

	"github.com/okian/reelpulse/internal/domain/model"
)

// Config holds configuration for the event test
type Config struct {
	BaseURL       string        // Base URL of the service
	Sessions      int           // Number of playback sessions to simulate
	Films         int           // Number of distinct films
	Workers       int           // Number of concurrent submitters
	Timeout       time.Duration // HTTP request timeout
	SettleTimeout time.Duration // How long to wait for the pipeline to converge
	PollInterval  time.Duration // Delay between verification attempts
	OutputFile    string        // Output file for events
	LogFile       string        // Log file for test output
	Verbose       bool          // Enable verbose logging
}

// Session is one simulated viewing attempt and what the service should
// report for it once every event is processed.
type Session struct {
	ID     string        `json:"sessionId"`
	UserID string        `json:"userId"`
	FilmID string        `json:"filmId"`
	Events []model.Event `json:"events"`

	// Ended sessions finish with an ended event.
	Ended bool `json:"ended"`
	// Watching sessions end on play/progress and count as live viewers.
	Watching bool `json:"watching"`
	// Retention is set for ended sessions.
	Retention *float64 `json:"retention,omitempty"`
}

// AckResponse represents the response from event submission
type AckResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
	EventID   string `json:"eventId"`
}

// SessionView is the subset of GET /sessions/{id} the tool checks.
type SessionView struct {
	ID            string   `json:"sessionId"`
	Completed     bool     `json:"completed"`
	RetentionRate *float64 `json:"retentionRate"`
	State         string   `json:"state"`
}

// Count mirrors GET /viewers responses.
type Count struct {
	FilmID string `json:"filmId"`
	Count  int64  `json:"count"`
}

// Stats holds test statistics
type Stats struct {
	SessionsGenerated int
	EventsGenerated   int
	EventsSubmitted   int
	EventsSuccessful  int
	EventsDuplicate   int
	EventsFailed      int
	SessionsVerified  int
	FilmsVerified     int
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
}
