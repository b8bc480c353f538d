package testevents

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/okian/reelpulse/pkg/logger"
)

// ErrNotConverged is returned when the service still disagrees with the
// generated sessions after the settle timeout.
var ErrNotConverged = errors.New("service did not converge")

// mismatch describes one disagreement between expectation and service.
type mismatch struct {
	Subject string
	Want    string
	Got     string
}

// waitForConvergence polls the service until every check passes or the
// settle timeout elapses.
func waitForConvergence(ctx context.Context, config *Config, sessions []Session, stats *Stats) error {
	settle := config.SettleTimeout
	if settle <= 0 {
		settle = DefaultSettleTimeout
	}
	interval := config.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ctx, cancel := context.WithTimeout(ctx, settle)
	defer cancel()

	client := newHTTPClient(config.BaseURL, config.Timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last []mismatch
	for attempt := 1; ; attempt++ {
		ms, err := verifyResults(ctx, client, sessions, stats)
		switch {
		case err == nil && len(ms) == 0:
			logger.Get().Info(ctx, "service converged",
				logger.Int("attempts", attempt),
				logger.Int("sessions", stats.SessionsVerified),
				logger.Int("films", stats.FilmsVerified))
			return nil
		case err != nil && ctx.Err() == nil:
			logger.Get().Warn(ctx, "verification attempt failed", logger.Error(err))
		case err == nil:
			last = ms
			logger.Get().Debug(ctx, "waiting for pipeline",
				logger.Int("attempt", attempt),
				logger.Int("mismatches", len(ms)))
		}

		select {
		case <-ctx.Done():
			displayMismatches(last, config.Verbose)
			return fmt.Errorf("%w: %d mismatches after %s", ErrNotConverged, len(last), settle)
		case <-ticker.C:
		}
	}
}

// verifyResults compares every session summary and per-film viewer count
// with what the generated timelines imply.
func verifyResults(ctx context.Context, client *HTTPClient, sessions []Session, stats *Stats) ([]mismatch, error) {
	var out []mismatch
	verified := 0
	for i := range sessions {
		s := &sessions[i]
		var view SessionView
		status, err := client.GetJSON(ctx, sessionPath(s.ID), &view)
		if err != nil {
			return nil, err
		}
		if status != StatusOK {
			out = append(out, mismatch{Subject: "session " + s.ID, Want: "summary", Got: fmt.Sprintf("status %d", status)})
			continue
		}
		if m, ok := checkSession(s, view); !ok {
			out = append(out, m)
			continue
		}
		verified++
	}
	stats.SessionsVerified = verified

	want := expectedViewers(sessions)
	films := make([]string, 0, len(want))
	for f := range want {
		films = append(films, f)
	}
	sort.Strings(films)

	var total int64
	filmsOK := 0
	for _, f := range films {
		var c Count
		status, err := client.GetJSON(ctx, viewersPath(f), &c)
		if err != nil {
			return nil, err
		}
		total += want[f]
		if status != StatusOK || c.Count != want[f] {
			out = append(out, mismatch{Subject: "viewers " + f, Want: fmt.Sprint(want[f]), Got: fmt.Sprint(c.Count)})
			continue
		}
		filmsOK++
	}
	stats.FilmsVerified = filmsOK

	var c Count
	if _, err := client.GetJSON(ctx, "/viewers/total", &c); err != nil {
		return nil, err
	}
	if c.Count != total {
		out = append(out, mismatch{Subject: "viewers total", Want: fmt.Sprint(total), Got: fmt.Sprint(c.Count)})
	}
	return out, nil
}

func checkSession(s *Session, view SessionView) (mismatch, bool) {
	subject := "session " + s.ID
	if view.Completed != s.Ended {
		return mismatch{Subject: subject, Want: fmt.Sprintf("completed=%t", s.Ended), Got: fmt.Sprintf("completed=%t", view.Completed)}, false
	}
	if s.Retention == nil {
		return mismatch{}, true
	}
	if view.RetentionRate == nil {
		return mismatch{Subject: subject, Want: fmt.Sprintf("retention=%.2f", *s.Retention), Got: "retention=none"}, false
	}
	if math.Abs(*view.RetentionRate-*s.Retention) > retentionTolerance {
		return mismatch{Subject: subject, Want: fmt.Sprintf("retention=%.2f", *s.Retention), Got: fmt.Sprintf("retention=%.2f", *view.RetentionRate)}, false
	}
	return mismatch{}, true
}

// displayMismatches logs what is still wrong; all of it in verbose mode.
func displayMismatches(ms []mismatch, verbose bool) {
	limit := 10
	if verbose {
		limit = len(ms)
	}
	for i, m := range ms {
		if i >= limit {
			logger.Get().Error(context.Background(), "more mismatches omitted", logger.Int("count", len(ms)-limit))
			return
		}
		logger.Get().Error(context.Background(), "mismatch",
			logger.String("subject", m.Subject),
			logger.String("want", m.Want),
			logger.String("got", m.Got))
	}
}
