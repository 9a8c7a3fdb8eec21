package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/powerpulsepro/meter-telemetry/internal/cloud"
	"github.com/powerpulsepro/meter-telemetry/internal/config"
	"github.com/powerpulsepro/meter-telemetry/internal/database"
	"github.com/powerpulsepro/meter-telemetry/internal/feed"
	"github.com/powerpulsepro/meter-telemetry/internal/metrics"
	"github.com/powerpulsepro/meter-telemetry/internal/repository"
	"github.com/powerpulsepro/meter-telemetry/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	db, err := database.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	repos := repository.New(db)
	if err := repos.Ensure(); err != nil {
		log.Fatal().Err(err).Msg("schema setup failed")
	}

	opts := service.Options{
		DefaultDeviceID:       config.DefaultDeviceID(),
		ReconstructEventTimes: config.ParseEventTimes(),
		Repo:                  repos,
	}
	if config.UseCloudServices() && config.SNSTopicArn() != "" {
		snsc, err := cloud.NewSNSClient(context.Background(), config.AWSRegion(), config.SNSTopicArn())
		if err != nil {
			log.Fatal().Err(err).Msg("sns client setup failed")
		}
		opts.Notifier = snsc
	}
	pipeline := service.NewPipeline(opts)

	go metrics.Serve(config.MetricsAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	live := feed.NewLive(feed.LiveOptions{
		Broker:        config.MQTTBroker(),
		ReadingsTopic: config.ReadingsTopic(),
		EventsTopic:   config.EventsTopic(),
		OnHeartbeat:   pipeline.Heartbeat,
		OnReadings:    pipeline.HandleReadings,
		OnEvents:      pipeline.HandleEventRecords,
	})
	if err := live.Start(); err != nil {
		log.Fatal().Err(err).Msg("live feed start failed")
	}
	defer live.Stop()

	// The REST feed supplements the live one; skip when unconfigured.
	if url := config.EventsAPIURL(); url != "" {
		poller := feed.NewPoller(url, config.PollInterval(), pipeline.HandlePolledEvents)
		poller.OnError = func(error) { metrics.PollFailures.Inc() }
		go poller.Run(ctx)
	}

	go pipeline.Run(ctx)

	log.Info().Msg("ingestor running")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
}
