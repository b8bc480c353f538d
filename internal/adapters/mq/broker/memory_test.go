package broker_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/reelpulse/internal/adapters/mq/broker"
	"github.com/okian/reelpulse/pkg/metrics"
)

const topic = "video-events"

func msg(key string, seq int) broker.Message {
	return broker.Message{Topic: topic, Key: key, Value: []byte(strconv.Itoa(seq))}
}

func fetch(s broker.Subscriber) (broker.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.Fetch(ctx)
}

func TestMemoryOrdering(t *testing.T) {
	Convey("Given a broker with several partitions and a two-member group", t, func() {
		ctx := context.Background()
		b := broker.NewMemory(broker.WithPartitions(4))
		defer b.Close()

		keys := []string{"U1_F1_S1", "U2_F1_S2", "U3_F2_S3", "U4_F2_S4", "U5_F3_S5"}
		const perKey = 50
		for seq := 0; seq < perKey; seq++ {
			for _, k := range keys {
				So(b.Publish(ctx, msg(k, seq)), ShouldBeNil)
			}
		}

		a, err := b.Subscribe(ctx, topic, "g")
		So(err, ShouldBeNil)
		c, err := b.Subscribe(ctx, topic, "g")
		So(err, ShouldBeNil)

		Convey("When both members drain concurrently", func() {
			var (
				mu   sync.Mutex
				seen = map[string][]int{}
				wg   sync.WaitGroup
			)
			total := len(keys) * perKey
			var got int
			drain := func(s broker.Subscriber) {
				defer wg.Done()
				for {
					mu.Lock()
					done := got >= total
					mu.Unlock()
					if done {
						return
					}
					m, err := fetch(s)
					if err != nil {
						return
					}
					n, _ := strconv.Atoi(string(m.Value))
					mu.Lock()
					seen[m.Key] = append(seen[m.Key], n)
					got++
					mu.Unlock()
					_ = s.Commit(ctx, m)
				}
			}
			wg.Add(2)
			go drain(a)
			go drain(c)
			wg.Wait()

			Convey("Then every key arrives complete and in publish order", func() {
				So(got, ShouldEqual, total)
				for _, k := range keys {
					So(len(seen[k]), ShouldEqual, perKey)
					for i, n := range seen[k] {
						So(n, ShouldEqual, i)
					}
				}
			})
		})

		Convey("Then a key is always routed to the same partition", func() {
			for _, k := range keys {
				So(b.Partition(k), ShouldEqual, b.Partition(k))
				So(b.Partition(k), ShouldBeBetweenOrEqual, 0, 3)
			}
		})
	})
}

func TestMemoryRedelivery(t *testing.T) {
	Convey("Given a single-partition topic with two messages", t, func() {
		ctx := context.Background()
		b := broker.NewMemory(broker.WithPartitions(1))
		defer b.Close()
		So(b.Publish(ctx, msg("k", 1), msg("k", 2)), ShouldBeNil)

		first, err := b.Subscribe(ctx, topic, "g")
		So(err, ShouldBeNil)

		Convey("When a member fetches without committing and leaves", func() {
			m, err := fetch(first)
			So(err, ShouldBeNil)
			So(string(m.Value), ShouldEqual, "1")
			So(first.Close(), ShouldBeNil)

			Convey("Then the next member receives the message again", func() {
				second, err := b.Subscribe(ctx, topic, "g")
				So(err, ShouldBeNil)
				m, err := fetch(second)
				So(err, ShouldBeNil)
				So(string(m.Value), ShouldEqual, "1")
				So(m.Offset, ShouldEqual, 0)
			})
		})

		Convey("When a member commits the first message and leaves", func() {
			m, _ := fetch(first)
			So(first.Commit(ctx, m), ShouldBeNil)
			So(first.Close(), ShouldBeNil)

			Convey("Then the next member resumes after it", func() {
				second, _ := b.Subscribe(ctx, topic, "g")
				m, err := fetch(second)
				So(err, ShouldBeNil)
				So(string(m.Value), ShouldEqual, "2")
			})
		})

		Convey("When a second member joins mid-stream", func() {
			m, _ := fetch(first)
			So(string(m.Value), ShouldEqual, "1")
			_, err := b.Subscribe(ctx, topic, "g")
			So(err, ShouldBeNil)

			Convey("Then the partition owner keeps its position", func() {
				m, err := fetch(first)
				So(err, ShouldBeNil)
				So(string(m.Value), ShouldEqual, "2")
			})
		})
	})
}

// keyOn returns a key the broker routes to partition p.
func keyOn(b *broker.Memory, p int) string {
	for i := 0; ; i++ {
		k := fmt.Sprintf("U1_F1_S%d", i)
		if b.Partition(k) == p {
			return k
		}
	}
}

func TestMemoryHandoff(t *testing.T) {
	Convey("Given a key with a pause and a play behind it on the second partition", t, func() {
		ctx := context.Background()
		b := broker.NewMemory(broker.WithPartitions(2))
		defer b.Close()
		key := keyOn(b, 1)
		So(b.Publish(ctx,
			broker.Message{Topic: topic, Key: key, Value: []byte("pause")},
			broker.Message{Topic: topic, Key: key, Value: []byte("play")},
		), ShouldBeNil)

		first, err := b.Subscribe(ctx, topic, "g")
		So(err, ShouldBeNil)
		inflight, err := fetch(first)
		So(err, ShouldBeNil)
		So(string(inflight.Value), ShouldEqual, "pause")

		second, err := b.Subscribe(ctx, topic, "g")
		So(err, ShouldBeNil)

		Convey("When the partition moves while the pause is still in flight", func() {
			wait, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			_, err := second.Fetch(wait)

			Convey("Then the new owner receives nothing yet", func() {
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			})
		})

		Convey("When the previous owner commits the pause", func() {
			got := make(chan broker.Message, 1)
			go func() {
				m, err := fetch(second)
				if err == nil {
					got <- m
				}
				close(got)
			}()
			time.Sleep(20 * time.Millisecond)
			So(first.Commit(ctx, inflight), ShouldBeNil)

			Convey("Then the new owner continues with the play", func() {
				m, ok := <-got
				So(ok, ShouldBeTrue)
				So(string(m.Value), ShouldEqual, "play")
			})
		})

		Convey("When the previous owner leaves without committing", func() {
			So(first.Close(), ShouldBeNil)

			Convey("Then the new owner receives the pause again, then the play", func() {
				m, err := fetch(second)
				So(err, ShouldBeNil)
				So(string(m.Value), ShouldEqual, "pause")
				So(second.Commit(ctx, m), ShouldBeNil)
				m, err = fetch(second)
				So(err, ShouldBeNil)
				So(string(m.Value), ShouldEqual, "play")
			})
		})

		Convey("When the previous owner moves on to its next fetch", func() {
			wait, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, _ = first.Fetch(wait)

			Convey("Then the uncommitted pause is redelivered to the new owner", func() {
				m, err := fetch(second)
				So(err, ShouldBeNil)
				So(string(m.Value), ShouldEqual, "pause")
			})
		})
	})
}

func TestMemoryGroups(t *testing.T) {
	Convey("Given two independent consumer groups", t, func() {
		ctx := context.Background()
		b := broker.NewMemory(broker.WithPartitions(2))
		defer b.Close()

		processor, _ := b.Subscribe(ctx, topic, "video-events-processor")
		feed, _ := b.Subscribe(ctx, topic, "live-feed-group")

		for i := 0; i < 10; i++ {
			So(b.Publish(ctx, msg(fmt.Sprintf("key-%d", i), i)), ShouldBeNil)
		}

		Convey("Then each group receives every message", func() {
			for _, s := range []broker.Subscriber{processor, feed} {
				for i := 0; i < 10; i++ {
					m, err := fetch(s)
					So(err, ShouldBeNil)
					So(s.Commit(ctx, m), ShouldBeNil)
				}
			}
		})
	})
}

func TestMemoryBlockingAndClose(t *testing.T) {
	Convey("Given an idle subscriber", t, func() {
		ctx := context.Background()
		b := broker.NewMemory()
		s, err := b.Subscribe(ctx, topic, "g")
		So(err, ShouldBeNil)

		Convey("When a message is published while it waits", func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = b.Publish(ctx, msg("late", 7))
			}()
			m, err := fetch(s)

			Convey("Then Fetch wakes up with it", func() {
				So(err, ShouldBeNil)
				So(m.Key, ShouldEqual, "late")
				So(m.Time.IsZero(), ShouldBeFalse)
			})
		})

		Convey("When the context expires", func() {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			_, err := s.Fetch(cctx)

			Convey("Then Fetch returns the context error", func() {
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			})
		})

		Convey("When the broker is closed", func() {
			So(b.Close(), ShouldBeNil)

			Convey("Then every operation reports ErrClosed", func() {
				_, err := s.Fetch(ctx)
				So(errors.Is(err, broker.ErrClosed), ShouldBeTrue)
				So(errors.Is(b.Publish(ctx, msg("k", 1)), broker.ErrClosed), ShouldBeTrue)
				_, err = b.Subscribe(ctx, topic, "g")
				So(errors.Is(err, broker.ErrClosed), ShouldBeTrue)
				So(b.Close(), ShouldBeNil)
			})
		})
	})

	Convey("Given invalid arguments", t, func() {
		ctx := context.Background()
		b := broker.NewMemory()
		_, err := b.Subscribe(ctx, "", "g")
		So(errors.Is(err, broker.ErrInvalidTopic), ShouldBeTrue)
		_, err = b.Subscribe(ctx, topic, "")
		So(errors.Is(err, broker.ErrInvalidGroup), ShouldBeTrue)
		So(errors.Is(b.Publish(ctx, broker.Message{Key: "k"}), broker.ErrInvalidTopic), ShouldBeTrue)
	})
}

func TestMemoryRetention(t *testing.T) {
	Convey("Given a partition that retains two messages", t, func() {
		ctx := context.Background()
		b := broker.NewMemory(broker.WithPartitions(1), broker.WithMaxRetained(2))
		for i := 0; i < 5; i++ {
			So(b.Publish(ctx, msg("k", i)), ShouldBeNil)
		}

		Convey("When a new group subscribes", func() {
			s, _ := b.Subscribe(ctx, topic, "late")

			Convey("Then it starts at the oldest retained offset", func() {
				m, err := fetch(s)
				So(err, ShouldBeNil)
				So(m.Offset, ShouldEqual, 3)
				m, _ = fetch(s)
				So(m.Offset, ShouldEqual, 4)
			})
		})
	})

	Convey("Given a group that falls behind retention", t, func() {
		ctx := context.Background()
		b := broker.NewMemory(broker.WithPartitions(1), broker.WithMaxRetained(2))
		s, err := b.Subscribe(ctx, topic, "slow")
		So(err, ShouldBeNil)
		before := retentionDropped("slow")

		Convey("When five messages arrive before it commits any", func() {
			for i := 0; i < 5; i++ {
				So(b.Publish(ctx, msg("k", i)), ShouldBeNil)
			}

			Convey("Then the three lost messages are counted and it resumes at the oldest kept", func() {
				So(retentionDropped("slow")-before, ShouldEqual, 3)
				m, err := fetch(s)
				So(err, ShouldBeNil)
				So(m.Offset, ShouldEqual, 3)
			})
		})
	})
}

// retentionDropped reads the retention loss counter of group.
func retentionDropped(group string) float64 {
	families, err := metrics.GetRegistry().Gather()
	if err != nil {
		panic(err)
	}
	var sum float64
	for _, f := range families {
		if !strings.HasSuffix(f.GetName(), "broker_retention_dropped_total") {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "group" && l.GetValue() == group {
					sum += m.GetCounter().GetValue()
				}
			}
		}
	}
	return sum
}
