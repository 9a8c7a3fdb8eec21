package threshold

import (
	"strings"
	"testing"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

func testConfig() map[string]domain.ThresholdConfig {
	return map[string]domain.ThresholdConfig{
		"PPPRO-001": {
			DeviceID:     "PPPRO-001",
			OverVoltage:  "260",
			UnderVoltage: "190",
			OverCurrent:  "50",
			PFLow:        "0.9",
			PFHyst:       "0.05",
		},
	}
}

func reading(ts int64, voltage, current, pf float64) domain.Reading {
	return domain.Reading{
		DeviceID:    "PPPRO-001",
		Timestamp:   ts,
		Voltage:     voltage,
		Current:     current,
		PowerFactor: pf,
	}
}

func TestEvaluateBreaches(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator()
	out := ev.Evaluate([]domain.Reading{reading(1_700_000_000_000, 270, 60, 0.8)}, testConfig())
	if len(out) != 3 {
		t.Fatalf("got %d events, want 3 (OV, OC, PFLOW)", len(out))
	}

	byType := map[string]int{}
	for _, e := range out {
		byType[e.Type]++
		if e.Severity != domain.SeverityWarning {
			t.Errorf("severity = %q, want Warning", e.Severity)
		}
		if e.Source != "PPPRO-001" {
			t.Errorf("source = %q", e.Source)
		}
		if e.Raw["kind"] != "threshold" {
			t.Errorf("raw kind = %v", e.Raw["kind"])
		}
	}
	if byType["Threshold"] != 2 || byType["Power Quality"] != 1 {
		t.Fatalf("types = %v", byType)
	}
}

func TestEvaluateUnderVoltage(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator()
	out := ev.Evaluate([]domain.Reading{reading(1_700_000_000_000, 180, 1, 0.95)}, testConfig())
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	if !strings.Contains(out[0].Detail, "Under Voltage") {
		t.Fatalf("detail = %q", out[0].Detail)
	}
	if !strings.HasPrefix(out[0].ID, "th-uv-") {
		t.Fatalf("id = %q", out[0].ID)
	}
}

func TestEvaluateNoConfigNoEvents(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator()
	out := ev.Evaluate([]domain.Reading{reading(1_700_000_000_000, 300, 100, 0.1)}, nil)
	if len(out) != 0 {
		t.Fatalf("got %d events, want 0 without config", len(out))
	}
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	base := int64(1_700_000_000_000)
	cfg := testConfig()

	// Two breaches 10 s apart: one alert.
	ev := NewEvaluator()
	first := ev.Evaluate([]domain.Reading{reading(base, 270, 1, 0.95)}, cfg)
	second := ev.Evaluate([]domain.Reading{reading(base+10_000, 271, 1, 0.95)}, cfg)
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("10s apart: got %d then %d, want 1 then 0", len(first), len(second))
	}

	// Same two breaches 40 s apart: two alerts.
	ev = NewEvaluator()
	first = ev.Evaluate([]domain.Reading{reading(base, 270, 1, 0.95)}, cfg)
	second = ev.Evaluate([]domain.Reading{reading(base+40_000, 271, 1, 0.95)}, cfg)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("40s apart: got %d then %d, want 1 then 1", len(first), len(second))
	}
}

func TestThrottleIsPerMetric(t *testing.T) {
	t.Parallel()

	base := int64(1_700_000_000_000)
	ev := NewEvaluator()
	// Over-voltage fires and throttles OV only; a later over-current within
	// the window still fires.
	if out := ev.Evaluate([]domain.Reading{reading(base, 270, 1, 0.95)}, testConfig()); len(out) != 1 {
		t.Fatalf("setup: got %d", len(out))
	}
	out := ev.Evaluate([]domain.Reading{reading(base+5_000, 250, 60, 0.95)}, testConfig())
	if len(out) != 1 || out[0].Raw["metric"] != "current" {
		t.Fatalf("got %v, want one over-current alert", out)
	}
}

func TestEvaluateOnlyRecentReadings(t *testing.T) {
	t.Parallel()

	base := int64(1_700_000_000_000)
	// Eight readings, only the first three breach; the recent-5 window must
	// skip them entirely.
	var rs []domain.Reading
	for i := 0; i < 3; i++ {
		rs = append(rs, reading(base+int64(i)*60_000, 270, 1, 0.95))
	}
	for i := 3; i < 8; i++ {
		rs = append(rs, reading(base+int64(i)*60_000, 230, 1, 0.95))
	}
	ev := NewEvaluator()
	if out := ev.Evaluate(rs, testConfig()); len(out) != 0 {
		t.Fatalf("got %d events, want 0 (breaches outside recent window)", len(out))
	}
}
