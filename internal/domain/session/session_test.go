package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/internal/domain/session"
	"github.com/okian/reelpulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
	_ = logger.SetLevelString("error")
}

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func event(kind model.Kind, sec int, pos, dur *float64) model.Event {
	return model.Event{
		EventID:   string(kind),
		SessionID: "S1",
		UserID:    "U1",
		FilmID:    "F1",
		Kind:      kind,
		Timestamp: t0.Add(time.Duration(sec) * time.Second),
		Position:  pos,
		Duration:  dur,
	}
}

func replay(s *session.Session, events ...model.Event) *session.Session {
	for i := range events {
		m, ok := session.Plan(&events[i])
		if !ok {
			continue
		}
		next := session.Apply(s, m)
		s = &next
	}
	return s
}

func TestPlanAndApply(t *testing.T) {
	Convey("Given the play, progress, ended scenario", t, func() {
		events := []model.Event{
			event(model.KindPlay, 0, nil, nil),
			event(model.KindProgress, 30, model.Float(30), nil),
			event(model.KindEnded, 55, model.Float(55), model.Float(60)),
		}
		s := replay(nil, events...)

		Convey("Then the session is completed with retention", func() {
			So(session.StateOf(s), ShouldEqual, session.Ended)
			So(s.Completed, ShouldBeTrue)
			So(*s.LastPosition, ShouldEqual, 55)
			So(*s.RetentionRate, ShouldAlmostEqual, 91.67, 0.01)
			So(*s.StartTime, ShouldEqual, t0)
			So(*s.EndTime, ShouldEqual, t0.Add(55*time.Second))
			So(s.TotalWatchTime(), ShouldEqual, 55*time.Second)
		})

		Convey("Then replaying the whole sequence changes nothing", func() {
			again := replay(s, events...)
			So(*again, ShouldResemble, *s)
		})
	})

	Convey("Given a resume after pause", t, func() {
		s := replay(nil,
			event(model.KindPlay, 0, model.Float(0), nil),
			event(model.KindPause, 10, model.Float(10), nil),
			event(model.KindPlay, 60, nil, nil),
		)

		Convey("Then the original start is kept and the position is unchanged", func() {
			So(session.StateOf(s), ShouldEqual, session.Active)
			So(*s.StartTime, ShouldEqual, t0)
			So(*s.LastPosition, ShouldEqual, 10)
			So(*s.LastEventAt, ShouldEqual, t0.Add(time.Minute))
		})
	})

	Convey("Given events after the terminal one", t, func() {
		s := replay(nil,
			event(model.KindPlay, 0, nil, nil),
			event(model.KindEnded, 100, model.Float(100), model.Float(100)),
			event(model.KindSeek, 110, model.Float(20), nil),
			event(model.KindEnded, 120, model.Float(20), model.Float(100)),
		)

		Convey("Then completion and end time are sticky", func() {
			So(s.Completed, ShouldBeTrue)
			So(*s.EndTime, ShouldEqual, t0.Add(100*time.Second))
			So(*s.LastPosition, ShouldEqual, 20)
		})
	})

	Convey("Given a terminal event without a usable duration", t, func() {
		s := replay(nil,
			event(model.KindProgress, 0, model.Float(12), nil),
			event(model.KindEnded, 5, nil, model.Float(0)),
		)

		Convey("Then retention stays unset", func() {
			So(s.Completed, ShouldBeTrue)
			So(s.RetentionRate, ShouldBeNil)
			So(*s.LastPosition, ShouldEqual, 12)
		})
	})

	Convey("Given a terminal event without a position", t, func() {
		s := replay(nil,
			event(model.KindProgress, 0, model.Float(90), nil),
			event(model.KindEnded, 5, nil, model.Float(120)),
		)

		Convey("Then retention uses the last known position", func() {
			So(*s.RetentionRate, ShouldEqual, 75)
		})
	})

	Convey("Given a position past the duration", t, func() {
		s := replay(nil, event(model.KindEnded, 0, model.Float(70), model.Float(60)))
		So(*s.RetentionRate, ShouldEqual, 100)
	})

	Convey("Given kinds that do not touch sessions", t, func() {
		for _, k := range []model.Kind{model.KindLoaded, "teleport"} {
			ev := event(k, 0, model.Float(1), nil)
			_, ok := session.Plan(&ev)
			So(ok, ShouldBeFalse)
		}
	})

	Convey("Given Apply on an existing session", t, func() {
		orig := replay(nil, event(model.KindPlay, 0, model.Float(1), nil))
		snapshot := *orig
		ev := event(model.KindSeek, 5, model.Float(50), nil)
		m, _ := session.Plan(&ev)
		_ = session.Apply(orig, m)

		Convey("Then the input is left untouched", func() {
			So(*orig, ShouldResemble, snapshot)
		})
	})

	Convey("Given no session", t, func() {
		So(session.StateOf(nil), ShouldEqual, session.Unstarted)
		So(session.Unstarted.String(), ShouldEqual, "unstarted")
		So((&session.Session{}).TotalWatchTime(), ShouldEqual, 0)
	})
}

type mapStore struct {
	mu   sync.Mutex
	data map[string]session.Session
	err  error
}

func (m *mapStore) Upsert(_ context.Context, mut session.Mutation) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return session.Session{}, m.err
	}
	var cur *session.Session
	if s, ok := m.data[mut.SessionID]; ok {
		cur = &s
	}
	next := session.Apply(cur, mut)
	m.data[mut.SessionID] = next
	return next, nil
}

func (m *mapStore) Get(_ context.Context, id string) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

func TestReconciler(t *testing.T) {
	Convey("Given a reconciler over a store", t, func() {
		ctx := context.Background()
		store := &mapStore{data: map[string]session.Session{}}
		r := session.NewReconciler(store, session.WithLogger(logger.Nop()))

		Convey("When an unseen session receives an event", func() {
			ev := event(model.KindProgress, 3, model.Float(3), nil)
			So(r.Handle(ctx, &ev), ShouldBeNil)

			Convey("Then it is materialized", func() {
				s, err := r.Get(ctx, "S1")
				So(err, ShouldBeNil)
				So(s.FilmID, ShouldEqual, "F1")
				So(session.StateOf(&s), ShouldEqual, session.Active)
			})
		})

		Convey("When the kind is unrecognized", func() {
			ev := event("teleport", 0, nil, nil)
			So(r.Handle(ctx, &ev), ShouldBeNil)

			Convey("Then nothing is stored", func() {
				_, err := r.Get(ctx, "S1")
				So(errors.Is(err, session.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When the store fails", func() {
			store.err = errors.New("connection refused")
			ev := event(model.KindPlay, 0, nil, nil)
			err := r.Handle(ctx, &ev)

			Convey("Then the error is returned for redelivery", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "connection refused")
			})
		})
	})
}
