package main

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/powerpulsepro/meter-telemetry/internal/cloud"
	"github.com/powerpulsepro/meter-telemetry/internal/config"
	"github.com/powerpulsepro/meter-telemetry/internal/database"
	httpHandlers "github.com/powerpulsepro/meter-telemetry/internal/http"
	"github.com/powerpulsepro/meter-telemetry/internal/repository"
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

	h := &httpHandlers.Handlers{
		Repos:  repos,
		Hidden: config.HiddenDeviceIDs(),
	}
	if config.UseCloudServices() {
		s3c, err := cloud.NewS3Client(context.Background(), config.AWSRegion(), config.S3Bucket())
		if err != nil {
			log.Fatal().Err(err).Msg("s3 client setup failed")
		}
		h.S3 = s3c
	}

	app := fiber.New()
	httpHandlers.Register(app, h)

	addr := config.APIAddr()
	log.Info().Str("addr", addr).Msg("api listening")
	log.Fatal().Err(app.Listen(addr)).Msg("server exit")
}
