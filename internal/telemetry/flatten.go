package telemetry

import (
	"sort"
	"strconv"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

// Tree is the feed's hierarchical record layout:
// date (YYYY-MM-DD) -> hour (HH) -> epoch key -> payload.
type Tree map[string]map[string]map[string]map[string]any

// keyToMillis interprets an epoch tree key, scaling second-resolution keys
// (10 digits or fewer) to milliseconds.
func keyToMillis(key string) (int64, bool) {
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, false
	}
	if len(key) <= 10 {
		n *= 1000
	}
	return n, true
}

func flatten(tree Tree) []domain.RawRecord {
	var out []domain.RawRecord
	for dateKey, hours := range tree {
		for hourKey, recs := range hours {
			for tsKey, payload := range recs {
				ts, ok := keyToMillis(tsKey)
				if !ok {
					continue
				}
				out = append(out, domain.RawRecord{
					Timestamp: ts,
					Date:      dateKey,
					Hour:      hourKey,
					Raw:       payload,
				})
			}
		}
	}
	return out
}

// FlattenReadings traverses a readings tree into a flat slice, oldest first.
func FlattenReadings(tree Tree) []domain.RawRecord {
	out := flatten(tree)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// FlattenEvents traverses an events tree into a flat slice, newest first.
func FlattenEvents(tree Tree) []domain.RawRecord {
	out := flatten(tree)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}
