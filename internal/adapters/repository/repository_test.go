package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/reelpulse/internal/adapters/repository"
	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/internal/domain/presence"
	"github.com/okian/reelpulse/internal/domain/session"
	"github.com/okian/reelpulse/pkg/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func newRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func mutation(kind model.Kind, sec int, pos, dur *float64) session.Mutation {
	ev := model.Event{
		SessionID: "S1", UserID: "U1", FilmID: "F1", Kind: kind,
		Timestamp: t0.Add(time.Duration(sec) * time.Second),
		Position:  pos, Duration: dur,
	}
	m, _ := session.Plan(&ev)
	return m
}

func sessionContract(newStore func() session.Store) {
	ctx := context.Background()
	store := newStore()

	Convey("When a session has never been written", func() {
		_, err := store.Get(ctx, "S1")

		Convey("Then it is not found", func() {
			So(errors.Is(err, session.ErrNotFound), ShouldBeTrue)
		})
	})

	Convey("When play, progress and ended are upserted", func() {
		_, err := store.Upsert(ctx, mutation(model.KindPlay, 0, nil, nil))
		So(err, ShouldBeNil)
		_, err = store.Upsert(ctx, mutation(model.KindProgress, 30, model.Float(30), nil))
		So(err, ShouldBeNil)
		last, err := store.Upsert(ctx, mutation(model.KindEnded, 55, model.Float(55), model.Float(60)))
		So(err, ShouldBeNil)

		Convey("Then the stored aggregate matches the returned one", func() {
			got, err := store.Get(ctx, "S1")
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, "S1")
			So(got.FilmID, ShouldEqual, "F1")
			So(got.UserID, ShouldEqual, "U1")
			So(got.Completed, ShouldBeTrue)
			So(*got.LastPosition, ShouldEqual, 55)
			So(*got.RetentionRate, ShouldAlmostEqual, 91.67, 0.01)
			So(got.StartTime.Equal(t0), ShouldBeTrue)
			So(got.EndTime.Equal(t0.Add(55*time.Second)), ShouldBeTrue)
			So(*got.RetentionRate, ShouldEqual, *last.RetentionRate)
		})

		Convey("Then replaying the ended event changes nothing", func() {
			before, _ := store.Get(ctx, "S1")
			_, err := store.Upsert(ctx, mutation(model.KindEnded, 55, model.Float(55), model.Float(60)))
			So(err, ShouldBeNil)
			after, _ := store.Get(ctx, "S1")
			So(after.EndTime.Equal(*before.EndTime), ShouldBeTrue)
			So(*after.RetentionRate, ShouldEqual, *before.RetentionRate)
			So(after.LastEventAt.Equal(*before.LastEventAt), ShouldBeTrue)
		})
	})

	Convey("When many writers touch one session concurrently", func() {
		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Upsert(ctx, mutation(model.KindProgress, i, model.Float(float64(i)), nil))
				if err != nil {
					panic(err)
				}
			}(i)
		}
		wg.Wait()

		Convey("Then the last event time is the latest of them", func() {
			got, err := store.Get(ctx, "S1")
			So(err, ShouldBeNil)
			So(got.LastEventAt.Equal(t0.Add(20*time.Second)), ShouldBeTrue)
			So(got.StartTime, ShouldNotBeNil)
		})
	})
}

func presenceContract(newStore func(now func() time.Time) presence.Store) {
	ctx := context.Background()
	clock := &fakeClock{t: t0}
	store := newStore(clock.Now)

	Convey("When two users join and one leaves", func() {
		So(store.Add(ctx, "F1", "U1"), ShouldBeNil)
		So(store.Add(ctx, "F1", "U2"), ShouldBeNil)
		n, err := store.Count(ctx, "F1")
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 2)

		So(store.Remove(ctx, "F1", "U1"), ShouldBeNil)

		Convey("Then one viewer remains", func() {
			n, err := store.Count(ctx, "F1")
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})
	})

	Convey("When a film was never watched", func() {
		n, err := store.Count(ctx, "nobody")

		Convey("Then the count is zero", func() {
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})
	})

	Convey("When a member stops refreshing", func() {
		So(store.Add(ctx, "F1", "U1"), ShouldBeNil)
		clock.Advance(4 * time.Minute)
		So(store.Add(ctx, "F1", "U2"), ShouldBeNil)
		clock.Advance(time.Minute + time.Second)

		Convey("Then only the refreshed member is counted", func() {
			n, err := store.Count(ctx, "F1")
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})

		Convey("And a refresh resets the expiry", func() {
			So(store.Add(ctx, "F1", "U1"), ShouldBeNil)
			clock.Advance(4 * time.Minute)
			n, _ := store.Count(ctx, "F1")
			So(n, ShouldEqual, 1)
		})
	})

	Convey("When several films have members", func() {
		So(store.Add(ctx, "F2", "U1"), ShouldBeNil)
		So(store.Add(ctx, "F1", "U1"), ShouldBeNil)

		Convey("Then every film is listed", func() {
			films, err := store.Films(ctx)
			So(err, ShouldBeNil)
			So(films, ShouldResemble, []string{"F1", "F2"})
		})
	})

	Convey("When the last member of a film leaves", func() {
		So(store.Add(ctx, "F1", "U1"), ShouldBeNil)
		So(store.Add(ctx, "F2", "U2"), ShouldBeNil)
		So(store.Remove(ctx, "F1", "U1"), ShouldBeNil)

		Convey("Then the film is no longer listed", func() {
			films, err := store.Films(ctx)
			So(err, ShouldBeNil)
			So(films, ShouldResemble, []string{"F2"})
		})
	})

	Convey("When every member of a film expires", func() {
		So(store.Add(ctx, "F1", "U1"), ShouldBeNil)
		So(store.Add(ctx, "F2", "U2"), ShouldBeNil)
		clock.Advance(4 * time.Minute)
		So(store.Add(ctx, "F2", "U2"), ShouldBeNil)
		clock.Advance(time.Minute + time.Second)

		Convey("Then only films with live members are listed", func() {
			films, err := store.Films(ctx)
			So(err, ShouldBeNil)
			So(films, ShouldResemble, []string{"F2"})

			clock.Advance(5 * time.Minute)
			films, err = store.Films(ctx)
			So(err, ShouldBeNil)
			So(films, ShouldBeEmpty)
		})
	})
}

func TestMemoryStores(t *testing.T) {
	Convey("Given an in-memory session store", t, func() {
		sessionContract(func() session.Store { return repository.NewMemorySessionStore() })
	})

	Convey("Given an in-memory presence store with a five minute TTL", t, func() {
		presenceContract(func(now func() time.Time) presence.Store {
			return repository.NewMemoryPresenceStore(repository.WithClock(now), repository.WithTTL(5*time.Minute))
		})
	})

	Convey("Given a populated in-memory session store", t, func() {
		s := repository.NewMemorySessionStore()
		for i := 0; i < 3; i++ {
			m := mutation(model.KindPlay, 0, nil, nil)
			m.SessionID = fmt.Sprintf("S%d", i)
			_, _ = s.Upsert(context.Background(), m)
		}
		So(s.Len(), ShouldEqual, 3)
	})
}

func TestRedisStores(t *testing.T) {
	Convey("Given a Redis session store", t, func() {
		client := newRedis(t)
		sessionContract(func() session.Store {
			return repository.NewRedisSessionStore(client, repository.WithMaxTxRetries(200))
		})
	})

	Convey("Given a Redis presence store with a five minute TTL", t, func() {
		client := newRedis(t)
		presenceContract(func(now func() time.Time) presence.Store {
			return repository.NewRedisPresenceStore(client, repository.WithClock(now))
		})
	})

	Convey("Given a Redis presence store", t, func() {
		ctx := context.Background()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store := repository.NewRedisPresenceStore(client, repository.WithTTL(time.Minute))

		Convey("When a member is added", func() {
			So(store.Add(ctx, "F1", "U1"), ShouldBeNil)

			Convey("Then the sorted set carries a key expiry and the film is indexed", func() {
				So(mr.Exists("presence:film:F1"), ShouldBeTrue)
				So(mr.TTL("presence:film:F1"), ShouldEqual, time.Minute)
				ok, err := mr.SIsMember("presence:films", "F1")
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
			})
		})

		Convey("When Redis is down", func() {
			mr.Close()

			Convey("Then operations fail with an error", func() {
				So(store.Add(ctx, "F1", "U1"), ShouldNotBeNil)
				_, err := store.Count(ctx, "F1")
				So(err, ShouldNotBeNil)
			})
		})
	})

	Convey("Given a corrupt session hash", t, func() {
		ctx := context.Background()
		mr := miniredis.RunT(t)
		mr.HSet("session:S1", "filmId", "F1", "startTime", "yesterday")
		store := repository.NewRedisSessionStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

		_, err := store.Get(ctx, "S1")
		So(errors.Is(err, repository.ErrCorruptSession), ShouldBeTrue)

		Convey("Then an upsert against it is refused as unprocessable", func() {
			_, err := store.Upsert(ctx, mutation(model.KindProgress, 10, nil, nil))
			So(errors.Is(err, repository.ErrCorruptSession), ShouldBeTrue)
			So(errors.Is(err, model.ErrUnprocessable), ShouldBeTrue)
		})
	})

	Convey("Given keys holding the wrong kind of value", t, func() {
		ctx := context.Background()
		mr := miniredis.RunT(t)
		So(mr.Set("session:S1", "oops"), ShouldBeNil)
		So(mr.Set("presence:film:F1", "oops"), ShouldBeNil)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		sessions := repository.NewRedisSessionStore(client)
		films := repository.NewRedisPresenceStore(client)

		Convey("When the stores touch them", func() {
			_, upsertErr := sessions.Upsert(ctx, mutation(model.KindPlay, 0, nil, nil))
			addErr := films.Add(ctx, "F1", "U1")
			removeErr := films.Remove(ctx, "F1", "U1")

			Convey("Then the failures are unprocessable rather than transient", func() {
				for _, err := range []error{upsertErr, addErr, removeErr} {
					So(errors.Is(err, repository.ErrWrongType), ShouldBeTrue)
					So(errors.Is(err, model.ErrUnprocessable), ShouldBeTrue)
				}
			})
		})

		Convey("When Redis is unreachable instead", func() {
			mr.Close()
			err := films.Add(ctx, "F2", "U1")

			Convey("Then the failure is not marked unprocessable", func() {
				So(err, ShouldNotBeNil)
				So(errors.Is(err, model.ErrUnprocessable), ShouldBeFalse)
			})
		})
	})

	Convey("Given a reachable Redis", t, func() {
		So(logger.Init(), ShouldBeNil)
		mr := miniredis.RunT(t)

		client, err := repository.NewRedisClient(context.Background(), mr.Addr(), "", 0)
		So(err, ShouldBeNil)
		So(client.Close(), ShouldBeNil)

		Convey("When the address is wrong", func() {
			mr.Close()
			_, err := repository.NewRedisClient(context.Background(), mr.Addr(), "", 0)
			So(err, ShouldNotBeNil)
		})
	})
}
