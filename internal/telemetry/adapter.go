// Package telemetry normalizes raw device records into canonical readings.
//
// Devices report through a date/hour/epoch-keyed tree and disagree on field
// casing and on which power field to populate, depending on firmware version.
// The adapter resolves both, and reconciles the epoch timestamp against the
// device's embedded local time-of-day string.
package telemetry

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

const (
	// ReconcileThresholdMS is the epoch-vs-parsed-local-time disagreement
	// beyond which the parsed local time is trusted instead of the epoch.
	ReconcileThresholdMS = 120_000

	// FutureToleranceMS is how far ahead of the wall clock a reading may sit
	// before it is treated as clock skew and purged from commits.
	FutureToleranceMS = 2 * 60 * 1000
)

// Defaults substituted for missing or unparseable numeric fields.
const (
	DefaultVoltage     = 230.0
	DefaultCurrent     = 0.0
	DefaultPowerFactor = 1.0
	DefaultFrequency   = 50.0
	DefaultEnergy      = 0.0
)

var timeOfDayRe = regexp.MustCompile(`^([0-2]?\d):([0-5]\d):?([0-5]\d)?$`)

// lookup resolves a logical field against inconsistent key casing: exact
// match first, then lowercase, then a case-insensitive scan in sorted key
// order so resolution stays deterministic.
func lookup(raw map[string]any, key string) (any, bool) {
	if v, ok := raw[key]; ok {
		return v, true
	}
	if v, ok := raw[strings.ToLower(key)]; ok {
		return v, true
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, key) {
			return raw[k], true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func numField(raw map[string]any, key string, def float64) float64 {
	v, ok := lookup(raw, key)
	if !ok || v == nil {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		return def
	}
	return f
}

func strField(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := lookup(raw, k); ok && v != nil {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// ParseTimeOfDay builds an epoch-ms candidate from a folder date key
// (YYYY-MM-DD) and an embedded "HH:MM[:SS]" string. Returns 0 when either
// part is missing or malformed.
func ParseTimeOfDay(dateKey, timeStr string) int64 {
	if dateKey == "" || timeStr == "" {
		return 0
	}
	m := timeOfDayRe.FindStringSubmatch(strings.TrimSpace(timeStr))
	if m == nil {
		return 0
	}
	parts := strings.Split(dateKey, "-")
	if len(parts) != 3 {
		return 0
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	month, _ := strconv.Atoi(parts[1])
	day, _ := strconv.Atoi(parts[2])
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	ss := 0
	if m[3] != "" {
		ss, _ = strconv.Atoi(m[3])
	}
	// Device dates are local-time folders, matching how they were written.
	dt := time.Date(year, time.Month(month), day, hh, mm, ss, 0, time.Local)
	return dt.UnixMilli()
}

// Normalize builds a Reading from one raw record.
//
// Power selection priority: a positive ActivePower field, else a positive
// Power field, else voltage*current*PF. A reported 0 fails the >0 guard and
// is treated as absent, not as a true zero reading.
func Normalize(rec domain.RawRecord, defaultDeviceID string) domain.Reading {
	raw := rec.Raw
	if raw == nil {
		raw = map[string]any{}
	}

	voltage := numField(raw, "Voltage", DefaultVoltage)
	current := numField(raw, "Current", DefaultCurrent)
	pf := numField(raw, "PF", DefaultPowerFactor)
	if _, ok := lookup(raw, "PF"); !ok {
		pf = numField(raw, "PowerFactor", DefaultPowerFactor)
	}

	var rawActive, rawPower *float64
	if v, ok := lookup(raw, "ActivePower"); ok {
		if f, ok := toFloat(v); ok {
			rawActive = &f
		}
	}
	if v, ok := lookup(raw, "Power"); ok {
		if f, ok := toFloat(v); ok {
			rawPower = &f
		}
	}

	derivedVA := voltage * current
	pfFactor := 1.0
	if pf > 0 && pf <= 1 {
		pfFactor = pf
	}
	derivedReal := derivedVA * pfFactor

	var power float64
	switch {
	case rawActive != nil && *rawActive > 0:
		power = *rawActive
	case rawPower != nil && *rawPower > 0:
		power = *rawPower
	default:
		power = derivedReal
	}

	baseTS := rec.Timestamp
	if baseTS == 0 {
		baseTS = time.Now().UnixMilli()
	}
	parsedTS := ParseTimeOfDay(rec.Date, strField(raw, "Time"))
	finalTS := baseTS
	var delta int64
	if parsedTS != 0 {
		delta = parsedTS - baseTS
		if delta < 0 {
			delta = -delta
		}
		if delta > ReconcileThresholdMS {
			finalTS = parsedTS
		}
	}

	deviceID := strField(raw, "Source", "Device", "Meter")
	if deviceID == "" {
		deviceID = defaultDeviceID
	}

	return domain.Reading{
		DeviceID:       deviceID,
		Timestamp:      finalTS,
		Voltage:        voltage,
		Current:        current,
		Power:          power,
		PowerFactor:    pf,
		Frequency:      numField(raw, "Frequency", DefaultFrequency),
		EnergyToday:    numField(raw, "Energy", DefaultEnergy),
		RawEpochTS:     baseTS,
		ParsedTS:       parsedTS,
		TSDeltaMS:      delta,
		RawActivePower: rawActive,
		RawPower:       rawPower,
		DerivedVA:      derivedVA,
		DerivedReal:    derivedReal,
	}
}
