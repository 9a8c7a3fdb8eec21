// Package feed delivers raw device records into the pipeline from the two
// transports the system consumes: the MQTT live push feed and the polled
// REST events endpoint.
package feed

import (
	"sync"
	"time"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

// StabilizeDelay buffers rapid-fire live updates before committing them, so
// a burst coalesces into one merge instead of thrashing per push. It also
// gives the device time to finalize a sample it rewrites in place.
const StabilizeDelay = 3 * time.Second

// Debouncer accumulates records keyed by timestamp and flushes them as one
// batch after a quiet delay. A record arriving again for the same timestamp
// overwrites the buffered one: the newest value wins.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	buf   map[int64]domain.RawRecord
	timer *time.Timer
	out   func([]domain.RawRecord)
	done  bool
}

func NewDebouncer(delay time.Duration, out func([]domain.RawRecord)) *Debouncer {
	if delay <= 0 {
		delay = StabilizeDelay
	}
	return &Debouncer{
		delay: delay,
		buf:   make(map[int64]domain.RawRecord),
		out:   out,
	}
}

// Add buffers one record and arms the flush timer if not already pending.
func (d *Debouncer) Add(recs ...domain.RawRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	for _, r := range recs {
		d.buf[r.Timestamp] = r
	}
	if d.timer == nil && len(d.buf) > 0 {
		d.timer = time.AfterFunc(d.delay, d.flush)
	}
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	d.timer = nil
	if d.done || len(d.buf) == 0 {
		d.mu.Unlock()
		return
	}
	batch := make([]domain.RawRecord, 0, len(d.buf))
	for _, r := range d.buf {
		batch = append(batch, r)
	}
	d.buf = make(map[int64]domain.RawRecord)
	d.mu.Unlock()
	d.out(batch)
}

// Stop cancels any pending flush. Buffered records are dropped: acting on a
// torn-down consumer is worse than losing a partial batch.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.buf = nil
}
