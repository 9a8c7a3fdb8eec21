package domain

import (
	"errors"
	"strconv"
	"strings"
)

// Severity levels for events. Raw feeds carry arbitrary casing; the
// normalizer maps everything onto these three.
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityCritical Severity = "Critical"
)

// Status of an event. Transitions only New -> Ack.
type Status string

const (
	StatusNew Status = "New"
	StatusAck Status = "Ack"
)

// RawRecord is one entry flattened out of the feed's date/hour/epoch tree.
// Raw holds the device payload verbatim; field casing varies by firmware.
type RawRecord struct {
	Timestamp int64          `json:"timestamp"` // epoch ms (tree key, scaled)
	Date      string         `json:"date,omitempty"`
	Hour      string         `json:"hour,omitempty"`
	Raw       map[string]any `json:"raw"`
}

// Reading is one normalized telemetry sample. Immutable once built; a later
// record with the same source timestamp supersedes it wholesale.
type Reading struct {
	DeviceID    string  `json:"device_id"`
	Timestamp   int64   `json:"timestamp"` // reconciled epoch ms
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Power       float64 `json:"power"`
	PowerFactor float64 `json:"power_factor"`
	Frequency   float64 `json:"frequency"`
	EnergyToday float64 `json:"energy_today"`

	// Diagnostics retained so consumers can inspect how Power and Timestamp
	// were chosen (power-source selection, clock-skew debugging).
	RawEpochTS     int64    `json:"raw_epoch_ts"`
	ParsedTS       int64    `json:"parsed_ts,omitempty"` // 0 when no Time field parsed
	TSDeltaMS      int64    `json:"ts_delta_ms,omitempty"`
	RawActivePower *float64 `json:"raw_active_power,omitempty"`
	RawPower       *float64 `json:"raw_power,omitempty"`
	DerivedVA      float64  `json:"derived_va"`
	DerivedReal    float64  `json:"derived_real"`
}

// Event is one normalized alert/log occurrence.
type Event struct {
	ID          string         `db:"id" json:"id"`
	Time        string         `db:"occurred_at" json:"time"` // ISO-8601
	DisplayTime string         `db:"display_time" json:"displayTime,omitempty"`
	Type        string         `db:"type" json:"type"`
	Detail      string         `db:"detail" json:"detail"`
	Severity    Severity       `db:"severity" json:"severity"`
	Source      string         `db:"source" json:"source"`
	Status      Status         `db:"status" json:"status"`
	Raw         map[string]any `db:"-" json:"raw,omitempty"`
}

// DedupeKey is the identity used when merging event records from different
// sources: the id when present, else time + type + first 40 chars of detail.
func (e Event) DedupeKey() string {
	if e.ID != "" {
		return e.ID
	}
	detail := e.Detail
	if len(detail) > 40 {
		detail = detail[:40]
	}
	return e.Time + "|" + e.Type + "|" + detail
}

// ThresholdConfig holds per-device operator-set limits. Values are kept as
// strings exactly as entered; Validate parses before persistence.
type ThresholdConfig struct {
	DeviceID     string `db:"device_id" json:"deviceId"`
	OverVoltage  string `db:"over_voltage" json:"overVoltage"`
	UnderVoltage string `db:"under_voltage" json:"underVoltage"`
	OverCurrent  string `db:"over_current" json:"overCurrent"`
	PFLow        string `db:"pf_low" json:"pfLow"`
	PFHyst       string `db:"pf_hyst" json:"pfHyst"`
}

func parseNum(v string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return n, err == nil
}

// Validate checks the configured limits before they are accepted. A config
// write is all-or-nothing: any failure here rejects the whole update.
func (c ThresholdConfig) Validate() error {
	ov, okOV := parseNum(c.OverVoltage)
	uv, okUV := parseNum(c.UnderVoltage)
	oc, okOC := parseNum(c.OverCurrent)
	pfL, okPFL := parseNum(c.PFLow)
	pfH, okPFH := parseNum(c.PFHyst)
	if !okOV || !okUV || !okOC || !okPFL || !okPFH {
		return errors.New("all threshold fields must be numeric")
	}
	if uv >= ov {
		return errors.New("under voltage must be less than over voltage")
	}
	if pfL <= 0 || pfL >= 1 {
		return errors.New("pf low limit must be between 0 and 1")
	}
	if pfH < 0 || pfH > 0.5 {
		return errors.New("pf hysteresis looks invalid")
	}
	if oc <= 0 {
		return errors.New("over current must be > 0")
	}
	return nil
}

// NormalizeDeviceID strips dashes/underscores and upper-cases, the form used
// when matching against the hidden-device list.
func NormalizeDeviceID(s string) string {
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return strings.ToUpper(s)
}
