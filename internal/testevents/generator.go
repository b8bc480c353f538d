package testevents

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/pkg/logger"
)

// Constants for random number generation.
const (
	randomFloatDivisor = 1000000
	outcomeDivisor     = 4
)

// Playback shape of a simulated session.
const (
	minDurationSeconds   = 600.0
	durationRangeSeconds = 6600.0
	progressEvery        = 30 * time.Second
	maxProgressTicks     = 8
	seekChance           = 0.3
)

// Session outcomes.
const (
	outcomeEnded    = 0
	outcomePaused   = 1
	outcomeWatching = 2
	outcomeSeeking  = 3
)

// getRandomFloat returns a random float64 between 0.0 and 1.0 using crypto/rand.
func getRandomFloat() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(randomFloatDivisor))
	return float64(n.Int64()) / float64(randomFloatDivisor)
}

func randomInt(n int64) int64 {
	v, _ := rand.Int(rand.Reader, big.NewInt(n))
	return v.Int64()
}

// generateSessions creates config.Sessions playback timelines spread over
// config.Films films. Every session has its own user so presence counts are
// predictable.
func generateSessions(ctx context.Context, config *Config, stats *Stats) ([]Session, error) {
	logger.Get().Info(ctx, "generating playback sessions",
		logger.Int("sessions", config.Sessions),
		logger.Int("films", config.Films))

	films := config.Films
	if films <= 0 {
		films = 1
	}
	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)

	sessions := make([]Session, config.Sessions)
	events := 0
	for i := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during generation: %w", err)
		}
		sessions[i] = generateSession(i, fmt.Sprintf("film-%03d", i%films), base)
		events += len(sessions[i].Events)
	}

	stats.SessionsGenerated = len(sessions)
	stats.EventsGenerated = events
	logger.Get().Info(ctx, "generated sessions", logger.Int("sessions", len(sessions)), logger.Int("events", events))
	return sessions, nil
}

// generateSession builds one timeline: loaded, play, a few progress ticks,
// then an outcome that decides whether the viewer is still watching.
func generateSession(index int, filmID string, base time.Time) Session {
	s := Session{
		ID:     uuid.NewString(),
		UserID: fmt.Sprintf("user-%06d", index),
		FilmID: filmID,
	}
	duration := math.Round(minDurationSeconds + getRandomFloat()*durationRangeSeconds)
	at := base
	pos := 0.0

	add := func(kind model.Kind, position float64) {
		ev := model.Event{
			EventID:   uuid.NewString(),
			SessionID: s.ID,
			UserID:    s.UserID,
			FilmID:    s.FilmID,
			Kind:      kind,
			Timestamp: at,
			Position:  model.Float(position),
			Duration:  model.Float(duration),
		}
		s.Events = append(s.Events, ev)
		at = at.Add(time.Second)
	}

	add(model.KindLoaded, 0)
	add(model.KindPlay, 0)
	ticks := 1 + int(randomInt(maxProgressTicks))
	for t := 0; t < ticks; t++ {
		at = at.Add(progressEvery)
		pos += progressEvery.Seconds()
		add(model.KindProgress, pos)
	}
	if getRandomFloat() < seekChance {
		pos = math.Round(getRandomFloat() * duration)
		add(model.KindSeek, pos)
		add(model.KindPlay, pos)
	}

	switch randomInt(outcomeDivisor) {
	case outcomeEnded:
		// Finish somewhere between where the viewer is and the credits.
		pos = math.Round(pos + getRandomFloat()*(duration-pos))
		add(model.KindEnded, pos)
		s.Ended = true
		r := math.Round(pos/duration*100*100) / 100
		s.Retention = &r
	case outcomePaused:
		add(model.KindPause, pos)
	case outcomeSeeking:
		add(model.KindSeek, pos)
		add(model.KindProgress, pos)
		s.Watching = true
	default:
		s.Watching = true
	}
	return s
}

// expectedViewers returns the live viewer count per film once every
// session is processed.
func expectedViewers(sessions []Session) map[string]int64 {
	out := make(map[string]int64)
	for _, s := range sessions {
		if _, ok := out[s.FilmID]; !ok {
			out[s.FilmID] = 0
		}
		if s.Watching {
			out[s.FilmID]++
		}
	}
	return out
}
