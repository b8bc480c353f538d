package testevents

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/pkg/logger"
)

// Submission outcomes.
const (
	resultSuccess   = "success"
	resultDuplicate = "duplicate"
	resultFailed    = "failed"
)

// HTTPClient wraps http.Client with timeout
type HTTPClient struct {
	client  *http.Client
	baseURL string
}

// newHTTPClient creates a new HTTP client with timeout
func newHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
	}
}

// Get performs a GET request against path.
func (c *HTTPClient) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.client.Do(req)
}

// GetJSON performs a GET request and decodes a 200 response into v.
// It returns the status code so callers can treat 404 as "not yet".
func (c *HTTPClient) GetJSON(ctx context.Context, path string, v any) (int, error) {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return 0, err
	}
	body, err := readResponseBody(resp)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode != StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// Post performs a POST request with JSON body
func (c *HTTPClient) Post(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

// readResponseBody reads and closes the response body
func readResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func sessionPath(id string) string { return "/sessions/" + url.PathEscape(id) }

func viewersPath(filmID string) string { return "/viewers/" + url.PathEscape(filmID) }

// submitSessions hands whole sessions to workers. Events of one session are
// posted in order by a single worker so the pipeline sees them in order.
func submitSessions(ctx context.Context, config *Config, sessions []Session, stats *Stats) error {
	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}
	logger.Get().Info(ctx, "submitting sessions",
		logger.Int("sessions", len(sessions)),
		logger.Int("events", stats.EventsGenerated),
		logger.Int("workers", workers))

	client := newHTTPClient(config.BaseURL, config.Timeout)

	var (
		successful int64
		duplicate  int64
		failed     int64
		submitted  int64
		lastReport atomic.Int64
	)
	reportInterval := time.Second

	sessionChan := make(chan Session, workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range sessionChan {
				for _, ev := range s.Events {
					if ctx.Err() != nil {
						return
					}
					switch submitSingleEvent(ctx, client, ev) {
					case resultSuccess:
						atomic.AddInt64(&successful, 1)
					case resultDuplicate:
						atomic.AddInt64(&duplicate, 1)
					default:
						atomic.AddInt64(&failed, 1)
					}
					total := atomic.AddInt64(&submitted, 1)

					now := time.Now().UnixNano()
					last := lastReport.Load()
					if now-last >= int64(reportInterval) && lastReport.CompareAndSwap(last, now) {
						logger.Get().Debug(ctx, "submission progress",
							logger.Int64("submitted", total),
							logger.Int("total", stats.EventsGenerated),
							logger.Int64("failed", atomic.LoadInt64(&failed)))
					}
				}
			}
		}()
	}

	go func() {
		defer close(sessionChan)
		for _, s := range sessions {
			select {
			case <-ctx.Done():
				return
			case sessionChan <- s:
			}
		}
	}()

	wg.Wait()

	stats.EventsSubmitted = int(atomic.LoadInt64(&submitted))
	stats.EventsSuccessful = int(atomic.LoadInt64(&successful))
	stats.EventsDuplicate = int(atomic.LoadInt64(&duplicate))
	stats.EventsFailed = int(atomic.LoadInt64(&failed))

	logger.Get().Info(ctx, "event submission completed",
		logger.Int("successful", stats.EventsSuccessful),
		logger.Int("duplicate", stats.EventsDuplicate),
		logger.Int("failed", stats.EventsFailed))

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submission interrupted: %w", err)
	}
	if stats.EventsFailed > 0 {
		return fmt.Errorf("%d of %d events were rejected", stats.EventsFailed, stats.EventsSubmitted)
	}
	return nil
}

// submitSingleEvent submits a single event and returns the result
func submitSingleEvent(ctx context.Context, client *HTTPClient, event model.Event) string {
	resp, err := client.Post(ctx, "/events", event)
	if err != nil {
		return resultFailed
	}
	body, err := readResponseBody(resp)
	if err != nil {
		return resultFailed
	}

	switch resp.StatusCode {
	case StatusAccepted:
		return resultSuccess
	case StatusOK:
		var ack AckResponse
		if err := json.Unmarshal(body, &ack); err == nil && !ack.Duplicate {
			return resultSuccess
		}
		return resultDuplicate
	default:
		logger.Get().Debug(ctx, "event rejected",
			logger.Int("status", resp.StatusCode),
			logger.String("eventId", event.EventID),
			logger.String("body", string(body)))
		return resultFailed
	}
}
