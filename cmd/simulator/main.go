package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/powerpulsepro/meter-telemetry/internal/config"
	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

// Field names rotate through the casings seen on real firmware revisions so
// the adapter's case-insensitive resolution gets exercised end to end.
var voltageKeys = []string{"Voltage", "voltage", "VOLTAGE"}
var powerKeys = []string{"ActivePower", "activepower", "Power"}
var sourceKeys = []string{"Source", "Device", "Meter", "source"}

func reading(now time.Time) domain.RawRecord {
	v := 225 + rand.Float64()*15
	i := 4 + rand.Float64()*3
	pf := 0.88 + rand.Float64()*0.1
	raw := map[string]any{
		voltageKeys[rand.Intn(len(voltageKeys))]: fmt.Sprintf("%.1f", v),
		"Current":     fmt.Sprintf("%.2f", i),
		"PowerFactor": fmt.Sprintf("%.2f", pf),
		"Frequency":   "50.0",
		"Energy":      fmt.Sprintf("%.3f", rand.Float64()*12),
		"Time":        now.Format("15:04:05"),
	}
	raw[sourceKeys[rand.Intn(len(sourceKeys))]] = "PPPRO-001"
	switch rand.Intn(10) {
	case 0:
		// Zero active power with a real Power fallback, as seen on idle tariffs.
		raw["ActivePower"] = "0"
		raw["Power"] = fmt.Sprintf("%.1f", v*i*pf)
	case 1:
		// No power field at all; consumers derive V*I*PF.
	default:
		raw[powerKeys[rand.Intn(len(powerKeys))]] = fmt.Sprintf("%.1f", v*i*pf)
	}
	if rand.Intn(10) == 0 {
		delete(raw, "PowerFactor")
		delete(raw, "Frequency")
	}
	return domain.RawRecord{
		Timestamp: now.UnixMilli(),
		Date:      now.Format("2006-01-02"),
		Raw:       raw,
	}
}

var eventTemplates = []struct {
	typ    string
	detail string
}{
	{"Tamper", "Door Open detected"},
	{"Tamper", "Metal detected near enclosure"},
	{"Grid", "Voltage Under Limit (UV)"},
	{"System", "Meter restarted after firmware update"},
}

func event(now time.Time) domain.RawRecord {
	t := eventTemplates[rand.Intn(len(eventTemplates))]
	return domain.RawRecord{
		Timestamp: now.UnixMilli(),
		Date:      now.Format("2006-01-02"),
		Raw: map[string]any{
			"EventType": t.typ,
			"Event":     t.detail,
			"Time":      now.Format("15:04:05"),
		},
	}
}

func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	opts := mqtt.NewClientOptions().AddBroker(config.MQTTBroker())
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	for i := 0; i < 200; i++ {
		now := time.Now()
		payload, _ := json.Marshal(reading(now))
		client.Publish(config.ReadingsTopic(), 0, false, payload).Wait()

		if i%25 == 24 {
			payload, _ = json.Marshal(event(now))
			client.Publish(config.EventsTopic(), 0, false, payload).Wait()
		}
		time.Sleep(500 * time.Millisecond)
	}
	log.Info().Msg("simulation done")
}
