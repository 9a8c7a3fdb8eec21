package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

// maxBackoffMultiple caps the poll interval growth while the endpoint is
// unreachable. The cached state keeps serving; polling never gives up.
const maxBackoffMultiple = 4

// apiEvent is the wire shape of the REST events endpoint.
type apiEvent struct {
	ID         string         `json:"_id"`
	OccurredAt string         `json:"occurredAt"`
	CreatedAt  string         `json:"createdAt"`
	UpdatedAt  string         `json:"updatedAt"`
	Type       string         `json:"type"`
	Detail     string         `json:"detail"`
	Severity   string         `json:"severity"`
	Source     string         `json:"source"`
	Status     string         `json:"status"`
	Raw        map[string]any `json:"raw"`
}

type apiResponse struct {
	Data struct {
		Events []apiEvent `json:"events"`
	} `json:"data"`
}

// MapAPIEvent converts one REST record to the canonical shape. The timestamp
// alias chain and the UNKNOWN source default mirror the endpoint's looseness.
func MapAPIEvent(e apiEvent, now time.Time) domain.Event {
	t := e.OccurredAt
	if t == "" {
		t = e.CreatedAt
	}
	if t == "" {
		t = e.UpdatedAt
	}
	if t == "" {
		t = now.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	source := e.Source
	if source == "" {
		source = "UNKNOWN"
	}
	sev := domain.SeverityInfo
	if e.Severity != "" {
		sev = domain.Severity(e.Severity)
	}
	status := domain.StatusNew
	if e.Status == string(domain.StatusAck) {
		status = domain.StatusAck
	}
	raw := e.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	return domain.Event{
		ID:       e.ID,
		Time:     t,
		Type:     e.Type,
		Detail:   e.Detail,
		Severity: sev,
		Source:   source,
		Status:   status,
		Raw:      raw,
	}
}

// Poller periodically fetches the REST events feed. Failures are non-fatal:
// the poller logs, backs off and keeps trying while the pipeline serves the
// most recent cached state.
type Poller struct {
	baseURL  string
	interval time.Duration
	client   *http.Client
	// OnBatch receives each successfully fetched batch.
	OnBatch func([]domain.Event)
	// OnError observes failures (metrics); optional.
	OnError func(error)
}

func NewPoller(baseURL string, interval time.Duration, onBatch func([]domain.Event)) *Poller {
	return &Poller{
		baseURL:  baseURL,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		OnBatch:  onBatch,
	}
}

func (p *Poller) fetch(ctx context.Context) ([]domain.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/events/public?limit=150", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("events poll failed: %s", resp.Status)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode events response: %w", err)
	}
	now := time.Now()
	events := make([]domain.Event, 0, len(out.Data.Events))
	for _, e := range out.Data.Events {
		events = append(events, MapAPIEvent(e, now))
	}
	return events, nil
}

// Run polls until ctx is cancelled. An in-flight response arriving after
// cancellation is ignored.
func (p *Poller) Run(ctx context.Context) {
	failures := 0
	for {
		events, err := p.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if p.OnError != nil {
				p.OnError(err)
			}
			log.Warn().Err(err).Int("failures", failures).Msg("events poll failed; keeping cached state")
		} else {
			failures = 0
			if p.OnBatch != nil {
				p.OnBatch(events)
			}
		}

		wait := p.interval
		if failures > 0 {
			mult := failures
			if mult > maxBackoffMultiple {
				mult = maxBackoffMultiple
			}
			wait = p.interval * time.Duration(mult)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
