package api

import (
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRateLimiter(t *testing.T) {
	Convey("Given a limiter of one event per second with a burst of two", t, func() {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		rl := NewRateLimiter(1, 2)
		rl.now = func() time.Time { return now }
		rl.lastSweep = now

		Convey("Then the burst is spent and refilled over time", func() {
			So(rl.Allow("a"), ShouldBeTrue)
			So(rl.Allow("a"), ShouldBeTrue)
			So(rl.Allow("a"), ShouldBeFalse)

			now = now.Add(time.Second)
			So(rl.Allow("a"), ShouldBeTrue)
			So(rl.Allow("a"), ShouldBeFalse)
		})

		Convey("Then clients are limited independently", func() {
			So(rl.Allow("a"), ShouldBeTrue)
			So(rl.Allow("a"), ShouldBeTrue)
			So(rl.Allow("b"), ShouldBeTrue)
			So(rl.Len(), ShouldEqual, 2)
		})

		Convey("When a client goes idle", func() {
			rl.Allow("idle")
			now = now.Add(limiterIdleTTL + limiterSweepEvery)
			rl.Allow("active")

			Convey("Then its bucket is forgotten", func() {
				So(rl.Len(), ShouldEqual, 1)
			})
		})
	})
}

func TestClientIP(t *testing.T) {
	Convey("Given requests from behind and without a proxy", t, func() {
		r := httptest.NewRequest("POST", "/events", nil)
		r.RemoteAddr = "192.0.2.10:5555"
		So(clientIP(r), ShouldEqual, "192.0.2.10")

		r.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
		So(clientIP(r), ShouldEqual, "203.0.113.9")

		r.Header.Set("X-Forwarded-For", "")
		r.RemoteAddr = "no-port"
		So(clientIP(r), ShouldEqual, "no-port")
	})
}
