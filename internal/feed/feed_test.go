package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

func TestDebouncerCoalescesBurst(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var batches [][]domain.RawRecord
	d := NewDebouncer(50*time.Millisecond, func(b []domain.RawRecord) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	})
	defer d.Stop()

	// A burst of four pushes, one revising an existing timestamp.
	d.Add(domain.RawRecord{Timestamp: 1, Raw: map[string]any{"Voltage": 230.0}})
	d.Add(domain.RawRecord{Timestamp: 2, Raw: map[string]any{"Voltage": 231.0}})
	d.Add(domain.RawRecord{Timestamp: 1, Raw: map[string]any{"Voltage": 229.0}})
	d.Add(domain.RawRecord{Timestamp: 3, Raw: map[string]any{"Voltage": 232.0}})

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1 (burst coalesced)", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("batch size = %d, want 3 (revision overwrote)", len(batches[0]))
	}
	for _, r := range batches[0] {
		if r.Timestamp == 1 && r.Raw["Voltage"] != 229.0 {
			t.Fatalf("revision lost: %v", r.Raw)
		}
	}
}

func TestDebouncerStopDropsPending(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	flushed := false
	d := NewDebouncer(30*time.Millisecond, func(_ []domain.RawRecord) {
		mu.Lock()
		flushed = true
		mu.Unlock()
	})
	d.Add(domain.RawRecord{Timestamp: 1})
	d.Stop()
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if flushed {
		t.Fatal("flush fired after Stop")
	}
}

func TestMapAPIEvent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		in         apiEvent
		wantTime   string
		wantSource string
		wantStatus domain.Status
	}{
		{
			name:       "occurredAt preferred",
			in:         apiEvent{ID: "x", OccurredAt: "2026-03-10T10:00:00.000Z", CreatedAt: "2026-03-09T10:00:00.000Z", Source: "PPPRO-001", Status: "Ack"},
			wantTime:   "2026-03-10T10:00:00.000Z",
			wantSource: "PPPRO-001",
			wantStatus: domain.StatusAck,
		},
		{
			name:       "createdAt fallback",
			in:         apiEvent{ID: "x", CreatedAt: "2026-03-09T10:00:00.000Z"},
			wantTime:   "2026-03-09T10:00:00.000Z",
			wantSource: "UNKNOWN",
			wantStatus: domain.StatusNew,
		},
		{
			name:       "now fallback when all timestamps missing",
			in:         apiEvent{ID: "x"},
			wantTime:   "2026-03-10T14:00:00.000Z",
			wantSource: "UNKNOWN",
			wantStatus: domain.StatusNew,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := MapAPIEvent(tt.in, now)
			if got.Time != tt.wantTime {
				t.Errorf("Time = %q, want %q", got.Time, tt.wantTime)
			}
			if got.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", got.Source, tt.wantSource)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestPollerFetchAndBackoff(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"events":[{"_id":"e1","occurredAt":"2026-03-10T10:00:00.000Z","type":"System","detail":"boot","severity":"Info","status":"New"}]}}`))
	}))
	defer srv.Close()

	got := make(chan []domain.Event, 4)
	var errs atomic.Int64
	p := NewPoller(srv.URL, 20*time.Millisecond, func(b []domain.Event) { got <- b })
	p.OnError = func(error) { errs.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go p.Run(ctx)

	select {
	case batch := <-got:
		if len(batch) != 1 || batch[0].ID != "e1" {
			t.Fatalf("batch = %v", batch)
		}
		if batch[0].Source != "UNKNOWN" {
			t.Fatalf("source = %q, want UNKNOWN", batch[0].Source)
		}
	case <-ctx.Done():
		t.Fatal("no batch before timeout")
	}
	if n := errs.Load(); n != 1 {
		t.Fatalf("errs = %d, want 1 (first poll failed)", n)
	}
}

func TestDecodeReadingsSingleRecord(t *testing.T) {
	t.Parallel()

	recs, err := decodeReadings([]byte(`{"timestamp":1767950700000,"raw":{"Voltage":"230.1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Timestamp != 1767950700000 {
		t.Fatalf("recs = %v", recs)
	}
}

func TestDecodeReadingsHistoryTree(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"2026-01-09": {
			"10": {
				"1767950700": {"Voltage": "230.1"},
				"1767950760": {"Voltage": "231.4"}
			}
		}
	}`)
	recs, err := decodeReadings(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	// Oldest first, second-resolution keys scaled to millis.
	if recs[0].Timestamp != 1767950700000 || recs[1].Timestamp != 1767950760000 {
		t.Fatalf("timestamps = %d, %d", recs[0].Timestamp, recs[1].Timestamp)
	}
	if recs[0].Date != "2026-01-09" || recs[0].Hour != "10" {
		t.Fatalf("date/hour = %q/%q", recs[0].Date, recs[0].Hour)
	}
}

func TestDecodeReadingsRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := decodeReadings([]byte(`"nope"`)); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}
