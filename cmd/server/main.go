package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"

	"livecast/internal/framebus"
	"livecast/internal/gate"
	"livecast/internal/ingest"
	"livecast/internal/platform/config"
	"livecast/internal/platform/logger"
	"livecast/internal/platform/metrics"
	"livecast/internal/recording"
	"livecast/internal/token"
	"livecast/internal/transcoder"
)

const busQueueSize = 256

func main() {
	_ = config.Load()

	cfg, err := config.FromEnv()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		log.Error("create storage root", "path", cfg.StorageRoot, "error", err)
		os.Exit(1)
	}

	met := metrics.New()

	var rdb *goredis.Client
	if cfg.UsesRedis() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err = framebus.NewRedisClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	var bus framebus.Bus
	if cfg.BusBackend == config.BackendRedis {
		bus = framebus.NewRedisBus(rdb, logger.Component(log, "framebus"))
	} else {
		bus = framebus.NewMemoryBus(logger.Component(log, "framebus"), busQueueSize)
	}

	repo := recording.NewInMemoryRepository()
	if cfg.RecordStore == config.BackendRedis {
		repo = recording.NewRepositoryWithStore(recording.NewRedisStore(rdb, recording.DefaultKeyPrefix))
	}

	playback, err := token.NewPlaybackIssuer([]byte(cfg.PlaybackTokenSecret))
	if err != nil {
		log.Error("playback token issuer", "error", err)
		os.Exit(1)
	}
	sessions, err := token.NewSessionIssuer([]byte(cfg.SessionTokenSecret))
	if err != nil {
		log.Error("session token issuer", "error", err)
		os.Exit(1)
	}

	svc := recording.NewService(repo, recording.Config{
		Root:    cfg.StorageRoot,
		Links:   playback,
		LinkTTL: cfg.PlaybackTokenTTL,
		Logger:  log,
		Metrics: met,
	})

	tmpl := transcoder.DefaultTemplate()
	tmpl.Executable = cfg.TranscoderPath
	tmpl.Prefix = cfg.TranscoderArgsPrefix
	tmpl.OutputMount = cfg.TranscoderOutputMount
	sup := transcoder.NewSupervisor(transcoder.Config{
		Root:           cfg.StorageRoot,
		Template:       tmpl,
		SegmentSeconds: cfg.HLSSegmentSeconds,
		ListSize:       cfg.HLSListSize,
		StopTimeout:    cfg.TranscoderStopTimeout,
		WriteTimeout:   cfg.TranscoderWriteTimeout,
		Logger:         log,
		Metrics:        met,
		OnExit:         svc.HandleExit,
	})
	feeder := transcoder.NewFeeder(bus, sup, log)

	ing := ingest.NewHandler(ingest.Config{
		Pipeline:      feeder,
		Bus:           bus,
		Recorder:      svc,
		Logger:        log,
		Metrics:       met,
		MaxFrameBytes: int64(cfg.IngestMaxFrameBytes),
	})
	h := recording.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(gate.Playback(gate.DefaultPrefix, playback, log, met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveTranscoders(sup.Active())
			met.SetLiveRecordings(svc.LiveRecordings())
		}).ServeHTTP(w, r)
	})
	r.With(gate.Session(sessions, false)).Get("/raw-media-ingest/{"+ingest.StreamParam+"}", ing.ServeHTTP)
	r.Route("/api/recorded-streams", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(gate.Session(sessions, true))
			r.Get("/my-records", h.ListMine)
			r.Get("/{recordId}", h.GetDetails)
			r.Delete("/{recordId}", h.Delete)
			r.Get("/{recordId}/stream-url", h.StreamURL)
		})
		r.Get("/{recordId}/file", h.File)
		r.Head("/{recordId}/file", h.File)
	})
	r.Get("/hls/{streamId}/{file}", h.LiveFile)
	r.Head("/hls/{streamId}/{file}", h.LiveFile)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		slog.String("port", cfg.Port),
		slog.String("storage_root", cfg.StorageRoot),
		slog.String("bus_backend", cfg.BusBackend),
		slog.String("record_store", cfg.RecordStore),
		slog.String("transcoder", cfg.TranscoderPath),
		slog.String("log_level", cfg.LogLevel),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	exitCode := 0
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		exitCode = 1
	}
	// Hijacked ingest connections outlive Shutdown; stopping the
	// transcoders finalises their recordings.
	if err := sup.Shutdown(ctx); err != nil {
		log.Error("transcoder shutdown", "error", err)
		exitCode = 1
	}
	if err := bus.Close(); err != nil {
		log.Error("close frame bus", "error", err)
	}

	log.Info("server stopped", slog.Int("live_ingest_sessions", ing.Active()))
	if exitCode != 0 {
		cancel()
		os.Exit(exitCode)
	}
}
