package http

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
	"github.com/powerpulsepro/meter-telemetry/internal/repository"
)

type fakeStore struct {
	lastFilter repository.EventFilter
	events     []domain.Event
	acked      []string
}

func (f *fakeStore) ListEvents(filter repository.EventFilter) ([]domain.Event, error) {
	f.lastFilter = filter
	return f.events, nil
}

func (f *fakeStore) AckEvents(ids []string) (int64, error) {
	f.acked = ids
	return int64(len(ids)), nil
}

func (f *fakeStore) GetConfig(string) (*domain.ThresholdConfig, error) { return nil, nil }
func (f *fakeStore) SaveConfig(domain.ThresholdConfig) error           { return nil }

func newTestApp(store *fakeStore) *fiber.App {
	app := fiber.New()
	Register(app, &Handlers{Repos: store, Hidden: []string{"PPPRO-002"}})
	return app
}

func TestExportCarriesFullFilter(t *testing.T) {
	t.Parallel()

	store := &fakeStore{events: []domain.Event{{
		ID: "e1", Time: "2026-03-10T10:00:00.000Z", Type: "Tamper",
		Detail: "Door Open", Severity: domain.SeverityCritical,
		Source: "PPPRO-001", Status: domain.StatusNew,
	}}}
	app := newTestApp(store)

	req := httptest.NewRequest("GET",
		"/api/events/export.csv?type=Tamper&severity=Critical&status=New&source=PPPRO-001&from=2026-03-01&to=2026-03-31", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	f := store.lastFilter
	if f.Type != "Tamper" || f.Severity != "Critical" || f.Status != "New" ||
		f.Source != "PPPRO-001" || f.From != "2026-03-01" || f.To != "2026-03-31" {
		t.Fatalf("filter not forwarded: %+v", f)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "e1") {
		t.Fatalf("csv missing event row: %s", body)
	}
}

func TestListFiltersHiddenDevices(t *testing.T) {
	t.Parallel()

	store := &fakeStore{events: []domain.Event{
		{ID: "e1", Time: "2026-03-10T10:00:00.000Z", Type: "Grid", Source: "PPPRO-001", Severity: domain.SeverityInfo, Status: domain.StatusNew},
		{ID: "e2", Time: "2026-03-10T11:00:00.000Z", Type: "Grid", Source: "pppro_002", Severity: domain.SeverityInfo, Status: domain.StatusNew},
	}}
	app := newTestApp(store)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/events/list", nil))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "e2") {
		t.Fatalf("hidden device leaked: %s", body)
	}
	if !strings.Contains(string(body), "e1") {
		t.Fatalf("visible event missing: %s", body)
	}
}

func TestAckRequiresIDs(t *testing.T) {
	t.Parallel()

	app := newTestApp(&fakeStore{})
	req := httptest.NewRequest("POST", "/api/events/ack", strings.NewReader(`{"ids":[]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
