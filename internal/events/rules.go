// Package events maps raw event/alert records of inconsistent naming into
// canonical events, classifying severity through an ordered rule table.
package events

import (
	"regexp"
	"strings"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

// severityRule classifies a record from its type and a lowercased blob of
// type + detail + raw JSON. Rules are evaluated in order; the first match
// wins, so the system-type rule shields housekeeping messages from the
// tamper patterns below it.
type severityRule struct {
	name       string
	typeEquals string          // case-insensitive type match, when set
	pattern    *regexp.Regexp  // blob match, when set
	severity   domain.Severity
	// keepCritical leaves a raw-supplied Critical in place instead of
	// downgrading it to this rule's severity.
	keepCritical bool
}

var (
	tamperRe  = regexp.MustCompile(`(door|cover|enclosure|lid)\s*open|metal\s*detect|metal\s*detected|magnet|magnetic\s*field`)
	voltageRe = regexp.MustCompile(`voltage\s+under|voltage\s+over|under\s*voltage|over\s*voltage|uv\)|ov\)`)
)

var severityRules = []severityRule{
	{name: "system", typeEquals: "system", severity: domain.SeverityInfo},
	{name: "tamper", pattern: tamperRe, severity: domain.SeverityCritical},
	{name: "voltage-anomaly", pattern: voltageRe, severity: domain.SeverityWarning, keepCritical: true},
}

func (r severityRule) matches(typeVal, blob string) bool {
	if r.typeEquals != "" {
		return strings.EqualFold(typeVal, r.typeEquals)
	}
	return r.pattern.MatchString(blob)
}

// ClassifySeverity runs the rule table over a record. rawSeverity is the
// feed-supplied value (any casing) used when no rule matches, defaulting to
// Info when empty.
func ClassifySeverity(typeVal, blob, rawSeverity string) domain.Severity {
	fallback := titleCase(rawSeverity)
	for _, rule := range severityRules {
		if !rule.matches(typeVal, blob) {
			continue
		}
		if rule.keepCritical && fallback == domain.SeverityCritical {
			return domain.SeverityCritical
		}
		return rule.severity
	}
	return fallback
}

func titleCase(s string) domain.Severity {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.SeverityInfo
	}
	return domain.Severity(strings.ToUpper(s[:1]) + strings.ToLower(s[1:]))
}

// Vague-detail patterns and their explanatory suffixes. The guard pattern
// prevents appending twice when a record is normalized again after a merge.
var enrichments = []struct {
	match    *regexp.Regexp
	guard    *regexp.Regexp
	maxLen   int // enrich only when detail is this short (or equals the type)
	alwaysOn bool
	suffix   string
}{
	{
		match:  regexp.MustCompile(`metal\s*detect(ed)?`),
		guard:  regexp.MustCompile(`tamper|magnet|interference|possible`),
		maxLen: 28,
		suffix: " - Possible magnetic tamper / external magnet influence detected.",
	},
	{
		match:  regexp.MustCompile(`(door|cover|lid|enclosure).*open|open.*(door|cover|lid|enclosure)`),
		guard:  regexp.MustCompile(`tamper|opened detection`),
		maxLen: 40,
		suffix: " - Physical enclosure opened (potential tamper condition).",
	},
	{
		match:    regexp.MustCompile(`voltage`),
		guard:    regexp.MustCompile(`threshold|limit`),
		alwaysOn: true,
		suffix:   " - Voltage anomaly threshold exceeded.",
	},
}

// EnrichDetail appends a fixed explanation to vague detail strings (type and
// detail identical, or detail very short). Already-explained details pass
// through unchanged.
func EnrichDetail(typeVal, detail string) string {
	if typeVal == "" {
		return detail
	}
	t := strings.TrimSpace(typeVal)
	d := strings.TrimSpace(detail)
	lower := strings.ToLower(d)
	same := d != "" && strings.EqualFold(t, d)
	for _, e := range enrichments {
		if !e.match.MatchString(lower) {
			continue
		}
		// The voltage rule additionally requires an under/over direction.
		if e.alwaysOn && !strings.Contains(lower, "under") && !strings.Contains(lower, "over") {
			continue
		}
		if e.guard.MatchString(lower) {
			return detail
		}
		if e.alwaysOn || same || len(d) < e.maxLen {
			return d + e.suffix
		}
		return detail
	}
	return detail
}
