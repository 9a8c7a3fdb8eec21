package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

type Repos struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Repos { return &Repos{db: db} }

// Ensure creates the schema for local dev.
func (r *Repos) Ensure() error {
	_, err := r.db.Exec(`
CREATE TABLE IF NOT EXISTS events (
	id           TEXT PRIMARY KEY,
	occurred_at  TEXT NOT NULL,
	display_time TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL,
	detail       TEXT NOT NULL,
	severity     TEXT NOT NULL,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL,
	raw          JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS device_configs (
	device_id     TEXT PRIMARY KEY,
	over_voltage  TEXT NOT NULL,
	under_voltage TEXT NOT NULL,
	over_current  TEXT NOT NULL,
	pf_low        TEXT NOT NULL,
	pf_hyst       TEXT NOT NULL
);`)
	return err
}

type eventRow struct {
	ID          string `db:"id"`
	OccurredAt  string `db:"occurred_at"`
	DisplayTime string `db:"display_time"`
	Type        string `db:"type"`
	Detail      string `db:"detail"`
	Severity    string `db:"severity"`
	Source      string `db:"source"`
	Status      string `db:"status"`
	Raw         []byte `db:"raw"`
}

func toRow(e domain.Event) (eventRow, error) {
	raw := e.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return eventRow{}, fmt.Errorf("marshal raw: %w", err)
	}
	return eventRow{
		ID:          e.ID,
		OccurredAt:  e.Time,
		DisplayTime: e.DisplayTime,
		Type:        e.Type,
		Detail:      e.Detail,
		Severity:    string(e.Severity),
		Source:      e.Source,
		Status:      string(e.Status),
		Raw:         b,
	}, nil
}

func (row eventRow) toEvent() domain.Event {
	var raw map[string]any
	_ = json.Unmarshal(row.Raw, &raw)
	return domain.Event{
		ID:          row.ID,
		Time:        row.OccurredAt,
		DisplayTime: row.DisplayTime,
		Type:        row.Type,
		Detail:      row.Detail,
		Severity:    domain.Severity(row.Severity),
		Source:      row.Source,
		Status:      domain.Status(row.Status),
		Raw:         raw,
	}
}

// UpsertEvents writes a merged batch. Ack stays sticky at the SQL level too:
// a stored Ack is never overwritten with New.
func (r *Repos) UpsertEvents(events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range events {
		row, err := toRow(e)
		if err != nil {
			return err
		}
		_, err = tx.NamedExec(`
INSERT INTO events (id, occurred_at, display_time, type, detail, severity, source, status, raw)
VALUES (:id, :occurred_at, :display_time, :type, :detail, :severity, :source, :status, :raw)
ON CONFLICT (id) DO UPDATE SET
	occurred_at  = EXCLUDED.occurred_at,
	display_time = EXCLUDED.display_time,
	type         = EXCLUDED.type,
	detail       = EXCLUDED.detail,
	severity     = EXCLUDED.severity,
	source       = EXCLUDED.source,
	status       = CASE WHEN events.status = 'Ack' THEN 'Ack' ELSE EXCLUDED.status END,
	raw          = EXCLUDED.raw`, row)
		if err != nil {
			return fmt.Errorf("upsert event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// EventFilter narrows ListEvents. Zero values mean no constraint.
type EventFilter struct {
	Type     string
	Severity string
	Status   string
	Source   string
	From     string // ISO-8601 inclusive lower bound
	To       string // ISO-8601 inclusive upper bound
	Limit    int
}

func (r *Repos) ListEvents(f EventFilter) ([]domain.Event, error) {
	where := []string{"1=1"}
	args := map[string]any{}
	if f.Type != "" {
		where = append(where, "type = :type")
		args["type"] = f.Type
	}
	if f.Severity != "" {
		where = append(where, "severity = :severity")
		args["severity"] = f.Severity
	}
	if f.Status != "" {
		where = append(where, "status = :status")
		args["status"] = f.Status
	}
	if f.Source != "" {
		where = append(where, "source = :source")
		args["source"] = f.Source
	}
	if f.From != "" {
		where = append(where, "occurred_at >= :from")
		args["from"] = f.From
	}
	if f.To != "" {
		where = append(where, "occurred_at <= :to")
		args["to"] = f.To
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 150
	}
	args["limit"] = limit

	query := `SELECT id, occurred_at, display_time, type, detail, severity, source, status, raw
FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY occurred_at DESC LIMIT :limit`

	rows, err := r.db.NamedQuery(query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var row eventRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		out = append(out, row.toEvent())
	}
	return out, rows.Err()
}

// AckEvents flips matching New events to Ack. Unknown ids are ignored.
func (r *Repos) AckEvents(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`UPDATE events SET status = 'Ack' WHERE status = 'New' AND id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	res, err := r.db.Exec(r.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetConfig returns the stored threshold configuration for a device, or
// (nil, nil) when none exists.
func (r *Repos) GetConfig(deviceID string) (*domain.ThresholdConfig, error) {
	var cfg domain.ThresholdConfig
	err := r.db.Get(&cfg, `SELECT device_id, over_voltage, under_voltage, over_current, pf_low, pf_hyst
FROM device_configs WHERE device_id = $1`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListConfigs returns every stored device configuration keyed by device id.
func (r *Repos) ListConfigs() (map[string]domain.ThresholdConfig, error) {
	var rows []domain.ThresholdConfig
	err := r.db.Select(&rows, `SELECT device_id, over_voltage, under_voltage, over_current, pf_low, pf_hyst
FROM device_configs`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.ThresholdConfig, len(rows))
	for _, c := range rows {
		out[c.DeviceID] = c
	}
	return out, nil
}

// SaveConfig validates and writes a device configuration. All-or-nothing:
// an invalid config leaves the stored one untouched.
func (r *Repos) SaveConfig(cfg domain.ThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := r.db.NamedExec(`
INSERT INTO device_configs (device_id, over_voltage, under_voltage, over_current, pf_low, pf_hyst)
VALUES (:device_id, :over_voltage, :under_voltage, :over_current, :pf_low, :pf_hyst)
ON CONFLICT (device_id) DO UPDATE SET
	over_voltage  = EXCLUDED.over_voltage,
	under_voltage = EXCLUDED.under_voltage,
	over_current  = EXCLUDED.over_current,
	pf_low        = EXCLUDED.pf_low,
	pf_hyst       = EXCLUDED.pf_hyst`, cfg)
	return err
}
