package feed

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
	"github.com/powerpulsepro/meter-telemetry/internal/telemetry"
)

// LiveOptions configure the MQTT live feed.
type LiveOptions struct {
	Broker        string
	ReadingsTopic string
	EventsTopic   string
	// Stabilize overrides the reading debounce delay (tests use a short one).
	Stabilize time.Duration
	// OnHeartbeat fires for every readings message, before debouncing, so
	// the freshness classifier sees the raw callback cadence.
	OnHeartbeat func()
	// OnReadings receives debounced reading batches.
	OnReadings func([]domain.RawRecord)
	// OnEvents receives event records as they arrive (not debounced).
	OnEvents func([]domain.RawRecord)
}

// Live subscribes to the device's readings and events topics. Each message
// carries one raw record as JSON.
type Live struct {
	client   mqtt.Client
	opts     LiveOptions
	debounce *Debouncer
}

func NewLive(opts LiveOptions) *Live {
	l := &Live{opts: opts}
	l.debounce = NewDebouncer(opts.Stabilize, func(batch []domain.RawRecord) {
		if opts.OnReadings != nil {
			opts.OnReadings(batch)
		}
	})
	clientOpts := mqtt.NewClientOptions().AddBroker(opts.Broker).SetAutoReconnect(true)
	l.client = mqtt.NewClient(clientOpts)
	return l
}

func decodeRecord(payload []byte) (domain.RawRecord, error) {
	var rec domain.RawRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// decodeReadings accepts either a single record or a date/hour/epoch history
// tree. Devices publish trees when flushing buffered history after an outage.
func decodeReadings(payload []byte) ([]domain.RawRecord, error) {
	rec, err := decodeRecord(payload)
	if err == nil && rec.Timestamp != 0 {
		return []domain.RawRecord{rec}, nil
	}
	var tree telemetry.Tree
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, fmt.Errorf("decode readings payload: %w", err)
	}
	flat := telemetry.FlattenReadings(tree)
	if len(flat) == 0 {
		return nil, fmt.Errorf("readings payload carried no records")
	}
	return flat, nil
}

// Start connects and subscribes. Delivery per topic is ordered; the broker
// is the single producer for each subscription.
func (l *Live) Start() error {
	if token := l.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}

	readingHandler := func(_ mqtt.Client, msg mqtt.Message) {
		if l.opts.OnHeartbeat != nil {
			l.opts.OnHeartbeat()
		}
		recs, err := decodeReadings(msg.Payload())
		if err != nil {
			log.Error().Err(err).Str("topic", msg.Topic()).Msg("bad reading payload")
			return
		}
		for _, rec := range recs {
			l.debounce.Add(rec)
		}
	}
	if token := l.client.Subscribe(l.opts.ReadingsTopic, 0, readingHandler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", l.opts.ReadingsTopic, token.Error())
	}

	eventHandler := func(_ mqtt.Client, msg mqtt.Message) {
		rec, err := decodeRecord(msg.Payload())
		if err != nil {
			log.Error().Err(err).Str("topic", msg.Topic()).Msg("bad event payload")
			return
		}
		if l.opts.OnEvents != nil {
			l.opts.OnEvents([]domain.RawRecord{rec})
		}
	}
	if token := l.client.Subscribe(l.opts.EventsTopic, 0, eventHandler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", l.opts.EventsTopic, token.Error())
	}

	log.Info().Str("broker", l.opts.Broker).Msg("live feed subscribed")
	return nil
}

// Stop tears down the subscription and cancels any pending debounce flush.
func (l *Live) Stop() {
	l.debounce.Stop()
	l.client.Disconnect(250)
}
