// Package threshold synthesizes alert events when readings breach per-device
// configured limits, throttled per (device, metric) pair.
package threshold

import (
	"fmt"
	"strconv"
	"time"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

// ThrottleWindowMS is the minimum spacing between alerts for the same
// (device, metric) pair, measured against reading timestamps.
const ThrottleWindowMS = 30_000

// recentWindow limits evaluation to the newest readings of each batch.
const recentWindow = 5

// Metric codes used in throttle keys.
const (
	codeOverVoltage  = "OV"
	codeUnderVoltage = "UV"
	codeOverCurrent  = "OC"
	codePFLow        = "PFLOW"
)

const isoMillis = "2006-01-02T15:04:05.000Z"

// Evaluator holds the throttle state. Process-local and non-persistent: a
// restart may re-emit an alert that was recently suppressed. Not safe for
// concurrent use; the pipeline owns one instance.
type Evaluator struct {
	lastAlert map[string]int64 // "device:code" -> reading ts of last alert
}

func NewEvaluator() *Evaluator {
	return &Evaluator{lastAlert: make(map[string]int64)}
}

func parseLimit(s string) (float64, bool) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// allow reports whether an alert for key may fire at ts, and records it. The
// throttle clock is the reading's reconciled timestamp, not wall time, so
// replayed history does not spam alerts at ingest speed.
func (e *Evaluator) allow(key string, ts int64) bool {
	last, ok := e.lastAlert[key]
	if ok && ts-last <= ThrottleWindowMS {
		return false
	}
	e.lastAlert[key] = ts
	return true
}

// Evaluate compares the most recent readings against each device's configured
// limits and returns synthetic Threshold events for the breaches that pass
// the throttle.
func (e *Evaluator) Evaluate(readings []domain.Reading, configs map[string]domain.ThresholdConfig) []domain.Event {
	if len(readings) > recentWindow {
		readings = readings[len(readings)-recentWindow:]
	}
	var out []domain.Event
	for _, r := range readings {
		cfg, ok := configs[r.DeviceID]
		if !ok {
			continue
		}
		ts := r.Timestamp
		iso := time.UnixMilli(ts).UTC().Format(isoMillis)

		if limit, ok := parseLimit(cfg.OverVoltage); ok && r.Voltage > limit {
			if e.allow(r.DeviceID+":"+codeOverVoltage, ts) {
				out = append(out, domain.Event{
					ID:       fmt.Sprintf("th-ov-%d-%v", ts, r.Voltage),
					Time:     iso,
					Type:     "Threshold",
					Detail:   fmt.Sprintf("Voltage %vV exceeded configured Over Voltage limit (%sV).", r.Voltage, cfg.OverVoltage),
					Severity: domain.SeverityWarning,
					Source:   r.DeviceID,
					Status:   domain.StatusNew,
					Raw:      map[string]any{"kind": "threshold", "metric": "voltage", "value": r.Voltage, "limit": cfg.OverVoltage},
				})
			}
		}
		if limit, ok := parseLimit(cfg.UnderVoltage); ok && r.Voltage < limit {
			if e.allow(r.DeviceID+":"+codeUnderVoltage, ts) {
				out = append(out, domain.Event{
					ID:       fmt.Sprintf("th-uv-%d-%v", ts, r.Voltage),
					Time:     iso,
					Type:     "Threshold",
					Detail:   fmt.Sprintf("Voltage %vV fell below configured Under Voltage limit (%sV).", r.Voltage, cfg.UnderVoltage),
					Severity: domain.SeverityWarning,
					Source:   r.DeviceID,
					Status:   domain.StatusNew,
					Raw:      map[string]any{"kind": "threshold", "metric": "voltage", "value": r.Voltage, "limit": cfg.UnderVoltage},
				})
			}
		}
		if limit, ok := parseLimit(cfg.OverCurrent); ok && r.Current > limit {
			if e.allow(r.DeviceID+":"+codeOverCurrent, ts) {
				out = append(out, domain.Event{
					ID:       fmt.Sprintf("th-oc-%d-%v", ts, r.Current),
					Time:     iso,
					Type:     "Threshold",
					Detail:   fmt.Sprintf("Current %vA exceeded configured Over Current limit (%sA).", r.Current, cfg.OverCurrent),
					Severity: domain.SeverityWarning,
					Source:   r.DeviceID,
					Status:   domain.StatusNew,
					Raw:      map[string]any{"kind": "threshold", "metric": "current", "value": r.Current, "limit": cfg.OverCurrent},
				})
			}
		}
		if limit, ok := parseLimit(cfg.PFLow); ok && r.PowerFactor < limit {
			if e.allow(r.DeviceID+":"+codePFLow, ts) {
				out = append(out, domain.Event{
					ID:       fmt.Sprintf("th-pf-%d-%v", ts, r.PowerFactor),
					Time:     iso,
					Type:     "Power Quality",
					Detail:   fmt.Sprintf("Power Factor %.3f below configured limit (%s).", r.PowerFactor, cfg.PFLow),
					Severity: domain.SeverityWarning,
					Source:   r.DeviceID,
					Status:   domain.StatusNew,
					Raw:      map[string]any{"kind": "threshold", "metric": "pf", "value": r.PowerFactor, "limit": cfg.PFLow},
				})
			}
		}
	}
	return out
}
