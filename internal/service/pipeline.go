package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
	"github.com/powerpulsepro/meter-telemetry/internal/events"
	"github.com/powerpulsepro/meter-telemetry/internal/freshness"
	"github.com/powerpulsepro/meter-telemetry/internal/metrics"
	"github.com/powerpulsepro/meter-telemetry/internal/store"
	"github.com/powerpulsepro/meter-telemetry/internal/telemetry"
	"github.com/powerpulsepro/meter-telemetry/internal/threshold"
)

// EventRepo is the persistence surface the pipeline needs.
type EventRepo interface {
	UpsertEvents([]domain.Event) error
	ListConfigs() (map[string]domain.ThresholdConfig, error)
}

// Notifier publishes first-seen critical events.
type Notifier interface {
	NotifyCriticalBatch(ctx context.Context, events []domain.Event) error
}

// Options configure a Pipeline.
type Options struct {
	DefaultDeviceID string
	// ReconstructEventTimes mirrors the events-feed timestamp toggle.
	ReconstructEventTimes bool
	Repo                  EventRepo // optional; nil runs in-memory only
	Notifier              Notifier  // optional
	// TickInterval drives freshness evaluation; defaults to 5s.
	TickInterval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// LiveStatus is the display-facing view of the device: the freshness state
// plus the latest reading, zeroed while offline rather than left stale.
type LiveStatus struct {
	State   freshness.State `json:"state"`
	Reading domain.Reading  `json:"reading"`
}

// Pipeline owns the merge/dedupe store, the threshold evaluator, the
// freshness classifier and the config cache. All feed callbacks funnel into
// it; internal state is guarded by one mutex since callbacks arrive from the
// MQTT client, the poller and the tick loop concurrently.
type Pipeline struct {
	opts  Options
	store *store.Store

	mu         sync.Mutex
	evaluator  *threshold.Evaluator
	classifier *freshness.Classifier
	configs    map[string]domain.ThresholdConfig
	readings   []domain.Reading // recent window, oldest first
	live       LiveStatus
}

const readingWindow = 10

func NewPipeline(opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	p := &Pipeline{
		opts:       opts,
		store:      store.New(),
		evaluator:  threshold.NewEvaluator(),
		classifier: freshness.New(opts.Now()),
		configs:    map[string]domain.ThresholdConfig{},
	}
	p.live = LiveStatus{State: freshness.StateLoading}
	return p
}

// Heartbeat records a live-feed callback for the freshness classifier.
func (p *Pipeline) Heartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classifier.Heartbeat(p.opts.Now())
}

func (p *Pipeline) reloadConfigs() map[string]domain.ThresholdConfig {
	if p.opts.Repo == nil {
		return p.configs
	}
	cfgs, err := p.opts.Repo.ListConfigs()
	if err != nil {
		// Keep evaluating with the last known configuration.
		log.Warn().Err(err).Msg("config reload failed; using cached thresholds")
		return p.configs
	}
	p.configs = cfgs
	return cfgs
}

// HandleReadings ingests one debounced batch of raw reading records.
func (p *Pipeline) HandleReadings(batch []domain.RawRecord) {
	if len(batch) == 0 {
		return
	}
	now := p.opts.Now().UnixMilli()

	normalized := make([]domain.Reading, 0, len(batch))
	for _, rec := range batch {
		r := telemetry.Normalize(rec, p.opts.DefaultDeviceID)
		if r.Timestamp > now+telemetry.FutureToleranceMS {
			metrics.FutureReadingsPurged.Inc()
			continue
		}
		normalized = append(normalized, r)
		metrics.ReadingsNormalized.Inc()
	}
	if len(normalized) == 0 {
		return
	}
	// Sources deliver in arbitrary order; sort before windowing.
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].Timestamp < normalized[j].Timestamp })

	p.mu.Lock()
	p.readings = append(p.readings, normalized...)
	if len(p.readings) > readingWindow {
		p.readings = p.readings[len(p.readings)-readingWindow:]
	}
	latest := p.readings[len(p.readings)-1]
	p.classifier.ObserveReading(latest.Timestamp, p.opts.Now())
	cfgs := p.reloadConfigs()
	// The evaluator's throttle map is not safe for concurrent use, and
	// debounce flushes can overlap when ingest stalls past the flush delay.
	alerts := p.evaluator.Evaluate(normalized, cfgs)
	p.mu.Unlock()
	for range alerts {
		metrics.ThresholdAlerts.Inc()
	}
	p.ingest(alerts)
}

// HandleEventRecords ingests raw event records from the live feed.
func (p *Pipeline) HandleEventRecords(recs []domain.RawRecord) {
	if len(recs) == 0 {
		return
	}
	opts := events.Options{
		DefaultSource:   p.opts.DefaultDeviceID,
		ReconstructTime: p.opts.ReconstructEventTimes,
		Origin:          "mqtt-live",
	}
	batch := make([]domain.Event, 0, len(recs))
	for _, rec := range recs {
		batch = append(batch, events.Normalize(rec, opts))
	}
	p.ingest(batch)
}

// HandlePolledEvents ingests an already-canonical batch from the REST feed.
func (p *Pipeline) HandlePolledEvents(batch []domain.Event) {
	p.ingest(batch)
}

func (p *Pipeline) ingest(batch []domain.Event) {
	if len(batch) == 0 {
		return
	}
	fresh := p.store.Apply(batch)
	for range batch {
		metrics.EventsMerged.Inc()
	}

	if p.opts.Repo != nil {
		if err := p.opts.Repo.UpsertEvents(p.store.Snapshot()); err != nil {
			log.Error().Err(err).Msg("event persistence failed")
		}
	}

	if p.opts.Notifier != nil {
		var critical []domain.Event
		for _, e := range fresh {
			if e.Severity == domain.SeverityCritical {
				critical = append(critical, e)
			}
		}
		if len(critical) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.opts.Notifier.NotifyCriticalBatch(ctx, critical); err != nil {
				log.Error().Err(err).Int("count", len(critical)).Msg("critical notification failed")
			}
		}
	}
}

// Tick re-evaluates freshness. On transition to offline the displayed
// reading is zeroed instead of left stale; the event store is untouched.
func (p *Pipeline) Tick() LiveStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.live.State
	state := p.classifier.Tick(p.opts.Now())
	if state == freshness.StateOnline {
		metrics.DeviceOnline.Set(1)
		if len(p.readings) > 0 {
			p.live = LiveStatus{State: state, Reading: p.readings[len(p.readings)-1]}
		} else {
			p.live.State = state
		}
	} else {
		metrics.DeviceOnline.Set(0)
		p.live = LiveStatus{State: state}
		if prev == freshness.StateOnline {
			log.Info().Str("state", string(state)).Msg("device went offline; display zeroed")
		}
	}
	return p.live
}

// Live returns the current display status.
func (p *Pipeline) Live() LiveStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Events returns the merged list, newest first.
func (p *Pipeline) Events() []domain.Event {
	return p.store.Snapshot()
}

// Ack acknowledges events in the in-memory store and reports the count.
func (p *Pipeline) Ack(ids []string) int {
	return p.store.Ack(ids)
}

// Run drives the freshness tick loop until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}
