package realtime

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/reelpulse/pkg/logger"
)

func TestDeliverDropsForSlowClients(t *testing.T) {
	Convey("Given a client whose buffer holds one message", t, func() {
		h := NewHub(WithLogger(logger.Nop()), WithSendBuffer(1))
		slow := &Client{id: "slow", topics: []string{"t"}, hub: h, send: make(chan []byte, 1)}
		fast := &Client{id: "fast", topics: []string{"t"}, hub: h, send: make(chan []byte, 4)}
		So(h.register(slow), ShouldBeNil)
		So(h.register(fast), ShouldBeNil)

		Convey("When two messages are delivered", func() {
			first := h.Deliver("t", []byte("1"))
			second := h.Deliver("t", []byte("2"))

			Convey("Then the slow client misses the second without blocking others", func() {
				So(first, ShouldEqual, 2)
				So(second, ShouldEqual, 1)
				So(len(slow.send), ShouldEqual, 1)
				So(len(fast.send), ShouldEqual, 2)
			})
		})

		Convey("When a client is unregistered twice", func() {
			h.unregister(slow)
			h.unregister(slow)

			Convey("Then its channel is closed once and counts stay consistent", func() {
				_, open := <-slow.send
				So(open, ShouldBeFalse)
				So(h.Clients(), ShouldEqual, 1)
				So(h.Deliver("t", []byte("x")), ShouldEqual, 1)
			})
		})

		Convey("When a topic has no subscribers", func() {
			So(h.Deliver("other", []byte("x")), ShouldEqual, 0)
		})
	})

	Convey("Given empty or repeated topic values", t, func() {
		So(dedupeTopics([]string{"", "a", "a", "b"}), ShouldResemble, []string{"a", "b"})
		So(dedupeTopics([]string{""}), ShouldResemble, []string{"viewer-count/total"})
	})
}
