package http

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
	"github.com/powerpulsepro/meter-telemetry/internal/repository"
	"github.com/powerpulsepro/meter-telemetry/internal/store"
)

// EventStore is the persistence surface the API routes read and write.
// *repository.Repos satisfies it.
type EventStore interface {
	ListEvents(repository.EventFilter) ([]domain.Event, error)
	AckEvents(ids []string) (int64, error)
	GetConfig(deviceID string) (*domain.ThresholdConfig, error)
	SaveConfig(domain.ThresholdConfig) error
}

// Exporter uploads CSV exports; *cloud.S3Client satisfies it.
type Exporter interface {
	UploadExport(ctx context.Context, key string, data []byte) (string, error)
}

// Handlers wires the API routes. S3 is optional; without it the CSV export
// streams directly in the response.
type Handlers struct {
	Repos  EventStore
	S3     Exporter
	Hidden []string
}

func (h *Handlers) hidden(source string) bool {
	norm := domain.NormalizeDeviceID(source)
	for _, id := range h.Hidden {
		if domain.NormalizeDeviceID(id) == norm {
			return true
		}
	}
	return false
}

func (h *Handlers) filterHidden(events []domain.Event) []domain.Event {
	out := events[:0]
	for _, e := range events {
		if !h.hidden(e.Source) {
			out = append(out, e)
		}
	}
	return out
}

func Register(app *fiber.App, h *Handlers) {
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })

	api := app.Group("/api")

	api.Get("/events/list", func(c *fiber.Ctx) error {
		f := repository.EventFilter{
			Type:     c.Query("type"),
			Severity: c.Query("severity"),
			Status:   c.Query("status"),
			Source:   c.Query("source"),
			From:     c.Query("from"),
			To:       c.Query("to"),
			Limit:    c.QueryInt("limit"),
		}
		events, err := h.Repos.ListEvents(f)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		events = h.filterHidden(events)
		return c.JSON(fiber.Map{"events": events, "count": len(events)})
	})

	api.Post("/events/ack", func(c *fiber.Ctx) error {
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		if len(body.IDs) == 0 {
			return c.Status(400).JSON(fiber.Map{"error": "ids required"})
		}
		n, err := h.Repos.AckEvents(body.IDs)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"acknowledged": n})
	})

	api.Get("/events/export.csv", func(c *fiber.Ctx) error {
		// The export mirrors the filtered view, not the whole table.
		events, err := h.Repos.ListEvents(repository.EventFilter{
			Type:     c.Query("type"),
			Severity: c.Query("severity"),
			Status:   c.Query("status"),
			Source:   c.Query("source"),
			From:     c.Query("from"),
			To:       c.Query("to"),
			Limit:    500,
		})
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		events = h.filterHidden(events)

		var buf bytes.Buffer
		if err := store.WriteCSV(&buf, events); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}

		if h.S3 != nil && c.QueryBool("upload") {
			key := fmt.Sprintf("exports/events-%s.csv", time.Now().UTC().Format("20060102-150405"))
			url, err := h.S3.UploadExport(c.Context(), key, buf.Bytes())
			if err != nil {
				log.Error().Err(err).Msg("export upload failed")
				return c.Status(502).JSON(fiber.Map{"error": "upload failed"})
			}
			return c.JSON(fiber.Map{"key": key, "url": url})
		}

		c.Set("Content-Type", "text/csv")
		c.Set("Content-Disposition", `attachment; filename="events.csv"`)
		return c.Send(buf.Bytes())
	})

	api.Get("/config/:deviceID", func(c *fiber.Ctx) error {
		cfg, err := h.Repos.GetConfig(strings.ToUpper(c.Params("deviceID")))
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if cfg == nil {
			return c.Status(404).JSON(fiber.Map{"error": "no configuration"})
		}
		return c.JSON(cfg)
	})

	api.Put("/config/:deviceID", func(c *fiber.Ctx) error {
		var cfg domain.ThresholdConfig
		if err := c.BodyParser(&cfg); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		cfg.DeviceID = strings.ToUpper(c.Params("deviceID"))
		if err := h.Repos.SaveConfig(cfg); err != nil {
			// Validation failures leave the stored config untouched.
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(cfg)
	})
}
