// Package freshness decides whether a device is online from heartbeats and
// reading timestamps, with hysteresis against flapping.
package freshness

import "time"

// State of the device as seen from the feed.
type State string

const (
	// StateLoading covers the first moments after start, before the first
	// network round-trip can have completed. Never claim offline that early.
	StateLoading State = "loading"
	StateOnline  State = "online"
	StateOffline State = "offline"
)

const (
	// HeartbeatWindow is how recently a live-feed callback must have fired.
	HeartbeatWindow = 60 * time.Second
	// FreshWindow is the maximum acceptable reading age.
	FreshWindow = 60 * time.Second
	// ExtendedFreshWindow tolerates devices that resend a slightly stale
	// timestamp while still actively reporting; it only applies once at
	// least MinHeartbeats callbacks have been seen.
	ExtendedFreshWindow = 5 * time.Minute
	// MinHeartbeats gates the extended window.
	MinHeartbeats = 2
	// StaticMaxAge marks a device offline when the reading timestamp has
	// not changed for this long (stale-repeat guard).
	StaticMaxAge = 10 * time.Minute
	// FutureTolerance allows small forward clock skew.
	FutureTolerance = 5 * time.Second
	// MountGrace holds the loading state after start while no reading has
	// ever arrived.
	MountGrace = 8 * time.Second
	// WatchdogTimeout drops an online device when no live update arrives.
	WatchdogTimeout = 30 * time.Second
)

// Classifier is a two-state machine (plus the initial loading grace). It
// never reads the clock: every input carries an explicit now, which keeps
// evaluation deterministic under test.
type Classifier struct {
	start          time.Time
	state          State
	heartbeats     int
	lastHeartbeat  time.Time
	lastReadingTS  int64     // reconciled epoch ms of the newest reading
	tsFirstSeenAt  time.Time // wall clock when that timestamp first appeared
}

func New(start time.Time) *Classifier {
	return &Classifier{start: start, state: StateLoading}
}

// Heartbeat records a live-feed callback of any kind.
func (c *Classifier) Heartbeat(now time.Time) {
	c.heartbeats++
	c.lastHeartbeat = now
}

// ObserveReading records the newest reading's reconciled timestamp.
// Second-resolution timestamps are scaled to milliseconds.
func (c *Classifier) ObserveReading(ts int64, now time.Time) {
	if ts == 0 {
		return
	}
	if ts < 1e12 {
		ts *= 1000
	}
	if ts != c.lastReadingTS {
		c.lastReadingTS = ts
		c.tsFirstSeenAt = now
	}
}

// State returns the last computed state without re-evaluating.
func (c *Classifier) State() State { return c.state }

// Tick evaluates the state machine at now and returns the new state.
func (c *Classifier) Tick(now time.Time) State {
	if c.lastReadingTS == 0 {
		if now.Sub(c.start) < MountGrace {
			c.state = StateLoading
		} else {
			c.state = StateOffline
		}
		return c.state
	}

	readingAge := now.Sub(time.UnixMilli(c.lastReadingTS))
	futureSkew := -readingAge

	heartbeatAge := time.Duration(1<<62 - 1)
	if !c.lastHeartbeat.IsZero() {
		heartbeatAge = now.Sub(c.lastHeartbeat)
	}
	staticAge := time.Duration(1<<62 - 1)
	if !c.tsFirstSeenAt.IsZero() {
		staticAge = now.Sub(c.tsFirstSeenAt)
	}

	// Watchdog: an online device with no live update for too long goes
	// offline even before the heartbeat window lapses.
	if c.state == StateOnline && heartbeatAge > WatchdogTimeout {
		c.state = StateOffline
		return c.state
	}

	timestampReasonable := readingAge <= FreshWindow && futureSkew <= FutureTolerance
	recentHeartbeat := heartbeatAge <= HeartbeatWindow
	staticTooLong := staticAge > StaticMaxAge
	// The extended branch checks only the age bound: a device actively
	// heartbeating holds online even when its clock runs ahead.
	extendedAcceptable := c.heartbeats >= MinHeartbeats && readingAge <= ExtendedFreshWindow

	if !staticTooLong && recentHeartbeat && (timestampReasonable || extendedAcceptable) {
		c.state = StateOnline
	} else {
		c.state = StateOffline
	}
	return c.state
}
