package freshness

import (
	"testing"
	"time"
)

var start = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func TestLoadingGrace(t *testing.T) {
	t.Parallel()

	c := New(start)
	if got := c.Tick(start.Add(3 * time.Second)); got != StateLoading {
		t.Fatalf("at 3s with no readings: %v, want loading", got)
	}
	if got := c.Tick(start.Add(9 * time.Second)); got != StateOffline {
		t.Fatalf("at 9s with no readings: %v, want offline", got)
	}
}

func TestFreshReadingGoesOnline(t *testing.T) {
	t.Parallel()

	c := New(start)
	now := start.Add(10 * time.Second)
	c.Heartbeat(now)
	c.ObserveReading(now.UnixMilli(), now)
	if got := c.Tick(now.Add(time.Second)); got != StateOnline {
		t.Fatalf("fresh reading + heartbeat: %v, want online", got)
	}
}

func TestNoHeartbeatStaysOffline(t *testing.T) {
	t.Parallel()

	// A fresh reading timestamp alone is not enough without a recent
	// heartbeat.
	c := New(start)
	now := start.Add(10 * time.Second)
	c.Heartbeat(now)
	c.ObserveReading(now.UnixMilli(), now)
	c.Tick(now)
	late := now.Add(2 * time.Minute)
	c.ObserveReading(late.UnixMilli(), now) // timestamp advanced, but no new callback
	if got := c.Tick(late); got != StateOffline {
		t.Fatalf("stale heartbeat: %v, want offline", got)
	}
}

func TestExtendedWindowWithHeartbeats(t *testing.T) {
	t.Parallel()

	c := New(start)
	readingAt := start.Add(10 * time.Second)
	c.Heartbeat(readingAt)
	c.ObserveReading(readingAt.UnixMilli(), readingAt)

	// Reading is 4 minutes old: outside the fresh window but inside the
	// extended one. One heartbeat is not enough.
	now := readingAt.Add(4 * time.Minute)
	c.Heartbeat(now)
	if got := c.Tick(now); got != StateOnline {
		t.Fatalf("2 heartbeats + 4min-old reading: %v, want online", got)
	}

	// Beyond the extended window even heartbeats cannot hold online.
	c2 := New(start)
	c2.Heartbeat(readingAt)
	c2.ObserveReading(readingAt.UnixMilli(), readingAt)
	now = readingAt.Add(6 * time.Minute)
	c2.Heartbeat(now)
	if got := c2.Tick(now); got != StateOffline {
		t.Fatalf("6min-old reading: %v, want offline", got)
	}
}

func TestSingleHeartbeatNoExtendedWindow(t *testing.T) {
	t.Parallel()

	c := New(start)
	readingAt := start.Add(10 * time.Second)
	c.ObserveReading(readingAt.UnixMilli(), readingAt)
	now := readingAt.Add(4 * time.Minute)
	c.Heartbeat(now) // first and only heartbeat
	if got := c.Tick(now); got != StateOffline {
		t.Fatalf("1 heartbeat + stale reading: %v, want offline", got)
	}
}

func TestStaticTimestampGuard(t *testing.T) {
	t.Parallel()

	c := New(start)
	readingAt := start.Add(10 * time.Second)
	ts := readingAt.UnixMilli()
	c.Heartbeat(readingAt)
	c.ObserveReading(ts, readingAt)
	c.Tick(readingAt)

	// Device keeps heartbeating and resending the identical timestamp for
	// over 10 minutes.
	now := readingAt
	for i := 0; i < 22; i++ {
		now = now.Add(30 * time.Second)
		c.Heartbeat(now)
		c.ObserveReading(ts, now)
	}
	if got := c.Tick(now); got != StateOffline {
		t.Fatalf("identical timestamp for >10min: %v, want offline", got)
	}
}

func TestWatchdog(t *testing.T) {
	t.Parallel()

	c := New(start)
	now := start.Add(10 * time.Second)
	c.Heartbeat(now)
	c.ObserveReading(now.UnixMilli(), now)
	if got := c.Tick(now); got != StateOnline {
		t.Fatalf("setup: %v", got)
	}
	// 35 s with no live update: watchdog fires although the heartbeat
	// window (60 s) has not lapsed.
	if got := c.Tick(now.Add(35 * time.Second)); got != StateOffline {
		t.Fatalf("watchdog: %v, want offline", got)
	}
}

func TestFutureSkew(t *testing.T) {
	t.Parallel()

	// A single heartbeat cannot carry a future-skewed timestamp: the fresh
	// branch rejects the skew and the extended branch needs two heartbeats.
	c := New(start)
	now := start.Add(10 * time.Second)
	c.Heartbeat(now)
	c.ObserveReading(now.Add(time.Minute).UnixMilli(), now) // a minute ahead
	if got := c.Tick(now); got != StateOffline {
		t.Fatalf("future timestamp, 1 heartbeat: %v, want offline", got)
	}

	// With sustained heartbeats the extended branch holds the device online
	// despite the forward clock skew.
	c2 := New(start)
	c2.Heartbeat(now)
	c2.Heartbeat(now.Add(5 * time.Second))
	c2.ObserveReading(now.Add(time.Minute).UnixMilli(), now)
	if got := c2.Tick(now.Add(6 * time.Second)); got != StateOnline {
		t.Fatalf("future timestamp, 2 heartbeats: %v, want online", got)
	}
}

func TestSecondsTimestampScaled(t *testing.T) {
	t.Parallel()

	c := New(start)
	now := start.Add(10 * time.Second)
	c.Heartbeat(now)
	c.ObserveReading(now.Unix(), now) // seconds, not ms
	if got := c.Tick(now); got != StateOnline {
		t.Fatalf("seconds timestamp: %v, want online", got)
	}
}

func TestRecoversAfterOffline(t *testing.T) {
	t.Parallel()

	c := New(start)
	now := start.Add(10 * time.Second)
	c.Heartbeat(now)
	c.ObserveReading(now.UnixMilli(), now)
	c.Tick(now)
	c.Tick(now.Add(40 * time.Second)) // watchdog offline

	later := now.Add(2 * time.Minute)
	c.Heartbeat(later)
	c.ObserveReading(later.UnixMilli(), later)
	if got := c.Tick(later); got != StateOnline {
		t.Fatalf("fresh data after offline: %v, want online", got)
	}
}
