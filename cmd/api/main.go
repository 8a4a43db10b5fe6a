package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/voxlab/scribed/pkg/config"
	"github.com/voxlab/scribed/pkg/events"
	"github.com/voxlab/scribed/pkg/jobs"
	"github.com/voxlab/scribed/pkg/pipeline"
	"github.com/voxlab/scribed/pkg/queue"
	"github.com/voxlab/scribed/pkg/storage"
	"github.com/voxlab/scribed/pkg/worker"
)

// App wires the service's components together.
type App struct {
	config    *config.Config
	registry  *jobs.Registry
	hub       *events.Hub
	queue     queue.Queue
	artifacts *storage.ArtifactStore
	history   storage.History
	pool      *worker.Pool
	log       zerolog.Logger
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	if err := os.MkdirAll(cfg.Server.UploadDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("creating upload dir")
	}
	artifacts, err := storage.NewArtifactStore(cfg.Server.ResultsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("creating results dir")
	}

	app := &App{
		config:    cfg,
		hub:       events.NewHub(),
		artifacts: artifacts,
		log:       log,
	}
	app.registry = jobs.NewRegistry(artifacts, log)

	app.queue, err = buildQueue(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("queue init failed")
	}
	app.history, err = buildHistory(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("history init failed")
	}

	// Re-register finished jobs so /tasks and /result survive restarts.
	if snapshots, err := app.history.Load(); err != nil {
		log.Warn().Err(err).Msg("history load failed")
	} else {
		for _, snap := range snapshots {
			app.registry.Restore(snap)
		}
		if len(snapshots) > 0 {
			log.Info().Int("jobs", len(snapshots)).Msg("restored finished jobs")
		}
	}

	app.pool = worker.NewPool(worker.Deps{
		Queue:       app.queue,
		Registry:    app.registry,
		Hub:         app.hub,
		Artifacts:   artifacts,
		History:     app.history,
		Extractor:   &pipeline.FFmpegExtractor{TmpDir: cfg.Server.UploadDir},
		Transcriber: pipeline.NewWhisperAPI(cfg.OpenAI.APIKey, cfg.Engine.MaxRetries, log),
		Diarizer:    &pipeline.ExecDiarizer{Command: cfg.Diarizer.Command, Log: log},
		Log:         log,
	}, cfg.Engine.Workers)
	app.pool.Start()

	if !*debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: app.setupRouter(),
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).
			Int("workers", cfg.Engine.Workers).
			Str("queue", cfg.Queue.Type).
			Str("history", cfg.History.Type).
			Msg("scribed listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	app.pool.Stop() // closes the queue
	app.history.Close()
	log.Info().Msg("bye")
}

func buildQueue(cfg *config.Config, log zerolog.Logger) (queue.Queue, error) {
	switch cfg.Queue.Type {
	case "memory":
		return queue.NewMemory(cfg.Queue.BufferSize), nil
	case "rabbitmq":
		return queue.NewRabbitMQ(cfg.Queue.RabbitMQ.URL, cfg.Queue.RabbitMQ.QueueName,
			cfg.Engine.Workers, log)
	default:
		return nil, fmt.Errorf("unknown queue type %q", cfg.Queue.Type)
	}
}

func buildHistory(cfg *config.Config, log zerolog.Logger) (storage.History, error) {
	switch cfg.History.Type {
	case "none":
		return storage.NopHistory{}, nil
	case "redis":
		return storage.NewRedisHistory(cfg.History.Redis.Addr, cfg.History.Redis.Password,
			cfg.History.Redis.DB, time.Duration(cfg.History.Redis.TTLHours)*time.Hour)
	case "postgres":
		return storage.NewPostgresHistory(cfg.History.Postgres.DSN)
	case "hybrid":
		fast, err := storage.NewRedisHistory(cfg.History.Redis.Addr, cfg.History.Redis.Password,
			cfg.History.Redis.DB, time.Duration(cfg.History.Redis.TTLHours)*time.Hour)
		if err != nil {
			return nil, err
		}
		durable, err := storage.NewPostgresHistory(cfg.History.Postgres.DSN)
		if err != nil {
			fast.Close()
			return nil, err
		}
		return storage.NewHybridHistory(fast, durable, log), nil
	default:
		return nil, fmt.Errorf("unknown history type %q", cfg.History.Type)
	}
}
