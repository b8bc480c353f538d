package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/reelpulse/internal/adapters/http/api"
	"github.com/okian/reelpulse/internal/domain/dedupe"
	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/internal/domain/presence"
	"github.com/okian/reelpulse/internal/domain/session"
	"github.com/okian/reelpulse/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
	_ = logger.SetLevelString("error")
}

type mockDependencies struct {
	dedupe.Deduper

	mu         sync.Mutex
	published  []*model.Event
	publishErr error

	counts   map[string]int64
	countErr error
	sessions map[string]session.Session
	stats    map[string]any
}

func newMockDependencies() *mockDependencies {
	return &mockDependencies{
		Deduper:  dedupe.NewInMemoryDeduper(),
		counts:   map[string]int64{},
		sessions: map[string]session.Session{},
		stats:    map[string]any{"workers": 2},
	}
}

func (m *mockDependencies) Publish(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	cp := *ev
	m.published = append(m.published, &cp)
	return nil
}

func (m *mockDependencies) ConcurrentViewers(_ context.Context, filmID string) (presence.Count, error) {
	if m.countErr != nil {
		return presence.Count{}, m.countErr
	}
	return presence.Count{FilmID: filmID, Count: m.counts[filmID], Timestamp: time.Now()}, nil
}

func (m *mockDependencies) Total(_ context.Context) (presence.Count, error) {
	if m.countErr != nil {
		return presence.Count{}, m.countErr
	}
	var sum int64
	for _, n := range m.counts {
		sum += n
	}
	return presence.Count{Count: sum, Timestamp: time.Now()}, nil
}

func (m *mockDependencies) Session(_ context.Context, id string) (session.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

func (m *mockDependencies) GetStats() map[string]any { return m.stats }

func (m *mockDependencies) ServeWS(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func newMux(deps *mockDependencies, opts ...api.Option) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, opts...).Register(context.Background(), mux)
	return mux
}

func postEvent(mux http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeBody(w *httptest.ResponseRecorder) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return out
}

func TestServer_Register(t *testing.T) {
	Convey("Given a new API server", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		get := func(path string) *httptest.ResponseRecorder {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
			return w
		}

		Convey("Then health and metrics endpoints are accessible", func() {
			So(get("/healthz").Code, ShouldEqual, http.StatusOK)
			So(get("/metrics").Code, ShouldEqual, http.StatusOK)
		})

		Convey("And stats are served as JSON", func() {
			w := get("/stats")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldContainSubstring, "application/json")
			So(decodeBody(w)["workers"], ShouldEqual, 2.0)
		})

		Convey("And the dashboard is served", func() {
			w := get("/dashboard")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "Live viewers")
		})

		Convey("And /ws reaches the live handler", func() {
			So(get("/ws").Code, ShouldEqual, http.StatusSwitchingProtocols)
		})

		Convey("And the wrong method on /events is refused", func() {
			So(get("/events").Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestPostEvent(t *testing.T) {
	const valid = `{"eventId":"e-1","sessionId":"S1","userId":"U1","filmId":"F1","eventType":"PLAY","currentTime":0}`

	Convey("Given an ingestion endpoint", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		Convey("When a valid event is posted", func() {
			w := postEvent(mux, valid, map[string]string{
				"User-Agent":      "player/1.0",
				"X-Forwarded-For": "203.0.113.7, 10.0.0.1",
			})

			Convey("Then it is accepted and handed to the producer enriched", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				body := decodeBody(w)
				So(body["status"], ShouldEqual, "accepted")
				So(body["eventId"], ShouldEqual, "e-1")

				So(deps.published, ShouldHaveLength, 1)
				ev := deps.published[0]
				So(ev.Kind, ShouldEqual, model.KindPlay)
				So(ev.UserAgent, ShouldEqual, "player/1.0")
				So(ev.IPAddress, ShouldEqual, "203.0.113.7")
				So(ev.Timestamp.IsZero(), ShouldBeFalse)
			})

			Convey("And a client retry is acknowledged as a duplicate without republishing", func() {
				w := postEvent(mux, valid, nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(w)["duplicate"], ShouldEqual, true)
				So(deps.published, ShouldHaveLength, 1)
			})
		})

		Convey("When an event omits its id", func() {
			body := `{"sessionId":"S1","userId":"U1","filmId":"F1","eventType":"progress","currentTime":12}`
			first := postEvent(mux, body, nil)
			second := postEvent(mux, body, nil)

			Convey("Then each submission gets a generated id and is published", func() {
				So(first.Code, ShouldEqual, http.StatusAccepted)
				So(second.Code, ShouldEqual, http.StatusAccepted)
				So(deps.published, ShouldHaveLength, 2)
				So(deps.published[0].EventID, ShouldNotBeBlank)
				So(deps.published[0].EventID, ShouldNotEqual, deps.published[1].EventID)
				So(deps.Size(), ShouldEqual, 0)
			})
		})

		Convey("When identifiers are missing", func() {
			for _, body := range []string{
				`{"userId":"U1","filmId":"F1","eventType":"play"}`,
				`{"sessionId":"S1","filmId":"F1","eventType":"play"}`,
				`{"sessionId":"S1","userId":"U1","eventType":"play"}`,
			} {
				w := postEvent(mux, body, nil)
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeBody(w)["code"], ShouldEqual, "bad_request")
			}

			Convey("Then nothing is published", func() {
				So(deps.published, ShouldBeEmpty)
			})
		})

		Convey("When the body is not JSON", func() {
			w := postEvent(mux, `{not json`, nil)

			Convey("Then it is rejected", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(deps.published, ShouldBeEmpty)
			})
		})

		Convey("When the producer refuses the event", func() {
			deps.publishErr = errors.New("outbox full")
			w := postEvent(mux, valid, nil)

			Convey("Then the caller is told it could not be recorded", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(decodeBody(w)["message"], ShouldEqual, "could not record event")
			})

			Convey("And a later retry with the same id is accepted", func() {
				deps.publishErr = nil
				w := postEvent(mux, valid, nil)
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(deps.published, ShouldHaveLength, 1)
			})
		})

		Convey("When the event has an unknown kind", func() {
			w := postEvent(mux, `{"sessionId":"S1","userId":"U1","filmId":"F1","eventType":"buffering"}`, nil)

			Convey("Then it is still accepted for the consumer to ignore", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(deps.published[0].Kind, ShouldEqual, model.Kind("buffering"))
			})
		})
	})

	Convey("Given an ingestion endpoint with a rate limit", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps, api.WithRateLimit(0.001, 2))
		body := `{"sessionId":"S1","userId":"U1","filmId":"F1","eventType":"progress"}`
		from := func(ip string) map[string]string { return map[string]string{"X-Forwarded-For": ip} }

		Convey("When one client exceeds its burst", func() {
			So(postEvent(mux, body, from("198.51.100.1")).Code, ShouldEqual, http.StatusAccepted)
			So(postEvent(mux, body, from("198.51.100.1")).Code, ShouldEqual, http.StatusAccepted)
			w := postEvent(mux, body, from("198.51.100.1"))

			Convey("Then it is throttled while other clients are not", func() {
				So(w.Code, ShouldEqual, http.StatusTooManyRequests)
				So(decodeBody(w)["code"], ShouldEqual, "rate_limited")
				So(postEvent(mux, body, from("198.51.100.2")).Code, ShouldEqual, http.StatusAccepted)
				So(deps.published, ShouldHaveLength, 3)
			})
		})
	})
}

func TestViewerQueries(t *testing.T) {
	Convey("Given films with live viewers", t, func() {
		deps := newMockDependencies()
		deps.counts["F1"] = 2
		deps.counts["F2"] = 1
		mux := newMux(deps)

		get := func(path string) *httptest.ResponseRecorder {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
			return w
		}

		Convey("When a film count is requested", func() {
			w := get("/viewers/F1")

			Convey("Then the live count is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var c presence.Count
				So(json.Unmarshal(w.Body.Bytes(), &c), ShouldBeNil)
				So(c.FilmID, ShouldEqual, "F1")
				So(c.Count, ShouldEqual, 2)
			})
		})

		Convey("When an unknown film is requested", func() {
			var c presence.Count
			So(json.Unmarshal(get("/viewers/nobody-watches").Body.Bytes(), &c), ShouldBeNil)
			So(c.Count, ShouldEqual, 0)
		})

		Convey("When the total is requested", func() {
			w := get("/viewers/total")
			var c presence.Count
			So(json.Unmarshal(w.Body.Bytes(), &c), ShouldBeNil)
			So(c.Count, ShouldEqual, 3)
			So(c.FilmID, ShouldBeEmpty)
		})

		Convey("When the store is unavailable", func() {
			deps.countErr = errors.New("redis down")

			Convey("Then both queries fail without leaking the cause", func() {
				for _, path := range []string{"/viewers/F1", "/viewers/total"} {
					w := get(path)
					So(w.Code, ShouldEqual, http.StatusInternalServerError)
					So(w.Body.String(), ShouldNotContainSubstring, "redis")
				}
			})
		})
	})
}

func TestGetSession(t *testing.T) {
	Convey("Given a reconciled session", t, func() {
		deps := newMockDependencies()
		start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		last := start.Add(90 * time.Second)
		deps.sessions["S1"] = session.Session{
			ID:            "S1",
			FilmID:        "F1",
			UserID:        "U1",
			StartTime:     &start,
			LastEventAt:   &last,
			RetentionRate: model.Float(50),
		}
		mux := newMux(deps)

		Convey("When it is requested", func() {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/S1", http.NoBody))

			Convey("Then the aggregate and derived fields are returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decodeBody(w)
				So(body["sessionId"], ShouldEqual, "S1")
				So(body["state"], ShouldEqual, "active")
				So(body["retentionRate"], ShouldEqual, 50.0)
				So(body["totalWatchTimeSeconds"], ShouldEqual, 90.0)
				So(body["completed"], ShouldEqual, false)
			})
		})

		Convey("When an unknown session is requested", func() {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/missing", http.NoBody))
			So(w.Code, ShouldEqual, http.StatusNotFound)
			So(decodeBody(w)["code"], ShouldEqual, "not_found")
		})
	})
}

func TestKindErrors(t *testing.T) {
	Convey("Given classified errors", t, func() {
		cause := errors.New("boom")
		wrapped := api.WrapKind("op", api.ErrBadRequest, cause)
		bare := api.NewKind("op", api.ErrUnavailable)

		So(errors.Is(wrapped, api.ErrBadRequest), ShouldBeTrue)
		So(errors.Is(wrapped, cause), ShouldBeTrue)
		So(wrapped.Error(), ShouldEqual, "bad request: boom")
		So(errors.Is(bare, api.ErrUnavailable), ShouldBeTrue)
		So(bare.Error(), ShouldEqual, "could not record event")

		var ke *api.KindError
		So(errors.As(wrapped, &ke), ShouldBeTrue)
		So(ke.Op, ShouldEqual, "op")
	})
}
