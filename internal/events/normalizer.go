package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
	"github.com/powerpulsepro/meter-telemetry/internal/telemetry"
)

const isoMillis = "2006-01-02T15:04:05.000Z"

// Options control feed-specific normalization behavior.
type Options struct {
	// DefaultSource is used when the record names no device.
	DefaultSource string
	// ReconstructTime rebuilds the event timestamp from the folder date +
	// Time field when they diverge from the epoch key by more than the
	// reconciliation threshold. Off by default: rebuilding caused offsets on
	// devices that store local-date folders, so the raw epoch is trusted.
	ReconstructTime bool
	// Origin, when set, is recorded in the event's raw payload so merged
	// lists show which feed a record came from.
	Origin string
}

func pickString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		lower := strings.ToLower(k)
		if v, ok := raw[lower]; ok && v != nil {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// Normalize maps one raw feed record to a canonical Event. Pure: no I/O, no
// clock reads beyond formatting the record's own timestamp.
func Normalize(rec domain.RawRecord, opts Options) domain.Event {
	raw := rec.Raw
	if raw == nil {
		raw = map[string]any{}
	}

	typeVal := pickString(raw, "EventType", "Type", "EventTypeName", "Event")
	if typeVal == "" {
		typeVal = "Unknown"
	}
	detail := pickString(raw, "Event", "Message", "Detail", "Description")
	if detail == "" {
		detail = "Event"
	}

	baseTS := rec.Timestamp
	timeStr := pickString(raw, "Time")
	if opts.ReconstructTime {
		if parsed := telemetry.ParseTimeOfDay(rec.Date, timeStr); parsed != 0 {
			delta := parsed - baseTS
			if delta < 0 {
				delta = -delta
			}
			if delta > telemetry.ReconcileThresholdMS {
				baseTS = parsed
			}
		}
	}

	displayTime := ""
	if rec.Date != "" && timeStr != "" {
		displayTime = rec.Date + " " + timeStr
	}

	rawSev := pickString(raw, "Severity", "Level")
	blobJSON, _ := json.Marshal(raw)
	blob := strings.ToLower(typeVal + " " + detail + " " + string(blobJSON))
	sev := ClassifySeverity(typeVal, blob, rawSev)

	detail = EnrichDetail(typeVal, detail)

	source := pickString(raw, "Source", "Device", "Meter")
	if source == "" {
		source = opts.DefaultSource
	}

	outRaw := raw
	if opts.Origin != "" {
		outRaw = make(map[string]any, len(raw)+1)
		for k, v := range raw {
			outRaw[k] = v
		}
		outRaw["_origin"] = opts.Origin
	}

	return domain.Event{
		ID:          strconv.FormatInt(baseTS, 10),
		Time:        time.UnixMilli(baseTS).UTC().Format(isoMillis),
		DisplayTime: displayTime,
		Type:        typeVal,
		Detail:      detail,
		Severity:    sev,
		Source:      source,
		Status:      domain.StatusNew,
		Raw:         outRaw,
	}
}
