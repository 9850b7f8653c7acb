package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/textgrain/taskcore/internal/api"
	"github.com/textgrain/taskcore/internal/indexenv"
	"github.com/textgrain/taskcore/internal/observability"
	"github.com/textgrain/taskcore/internal/processor"
	"github.com/textgrain/taskcore/internal/registry"
	"github.com/textgrain/taskcore/internal/store"
	"github.com/textgrain/taskcore/internal/updatefile"
)

// Config holds the application configuration loaded from environment
// variables, the knobs spec §6.4 enumerates plus the usual process-level
// ones (port, log level, DSN).
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string

	TaskDBPath      string
	TaskDBSize      int64
	IndexEnvDir     string
	IndexBaseSize   int64
	IndexCount      int
	UpdateFilesDir  string
	ScratchDir      string

	MaxMemoryPerBatch   uint64
	WorkerThreadCount   int
	CancelCheckInterval int
	TickInterval        time.Duration

	OTLPEndpoint        string
	MetricsAddr         string
	ObservabilityEnabled bool
}

func loadConfig() Config {
	return Config{
		Port:     getEnvWithDefault("PORT", "8080"),
		Env:      getEnvWithDefault("APP_ENV", "development"),
		LogLevel: getEnvWithDefault("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		TaskDBPath:     getEnvWithDefault("TASKCORE_TASK_DB_PATH", "./data/tasks.db"),
		TaskDBSize:     getEnvInt64WithDefault("TASKCORE_TASK_DB_SIZE", 0),
		IndexEnvDir:    getEnvWithDefault("TASKCORE_INDEX_ENV_DIR", "./data/indexes"),
		IndexBaseSize:  getEnvInt64WithDefault("TASKCORE_INDEX_BASE_SIZE", 0),
		IndexCount:     getEnvIntWithDefault("TASKCORE_INDEX_COUNT", 64),
		UpdateFilesDir: getEnvWithDefault("TASKCORE_UPDATE_FILES_DIR", "./data/update-files"),
		ScratchDir:     getEnvWithDefault("TASKCORE_SCRATCH_DIR", "./data/scratch"),

		MaxMemoryPerBatch:   uint64(getEnvInt64WithDefault("TASKCORE_MAX_MEMORY_PER_BATCH", 256<<20)),
		WorkerThreadCount:   getEnvIntWithDefault("TASKCORE_WORKER_THREAD_COUNT", runtime.GOMAXPROCS(0)),
		CancelCheckInterval: getEnvIntWithDefault("TASKCORE_CANCEL_CHECK_INTERVAL", 64),
		TickInterval:        time.Duration(getEnvIntWithDefault("TASKCORE_TICK_INTERVAL_MS", 1000)) * time.Millisecond,

		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsAddr:          getEnvWithDefault("METRICS_ADDRESS", ":9090"),
		ObservabilityEnabled: getEnvWithDefault("TASKCORE_OBSERVABILITY_ENABLED", "true") == "true",
	}
}

func main() {
	godotenv.Load()

	cfg := loadConfig()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Init(ctx, observability.Config{
		Enabled:        cfg.ObservabilityEnabled,
		ServiceName:    "taskcore",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.Env == "development",
		MetricsAddress: cfg.MetricsAddr,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("observability shutdown failed")
		}
	}()

	if err := os.MkdirAll(cfg.IndexEnvDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create index env directory")
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create scratch directory")
	}

	st, err := store.Open(cfg.TaskDBPath, cfg.TaskDBSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open task store")
	}
	defer st.Close()

	uf, err := updatefile.Open(cfg.UpdateFilesDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open update file store")
	}

	envs := indexenv.NewPool(cfg.IndexEnvDir, cfg.IndexBaseSize, cfg.IndexCount)
	defer envs.CloseAll()

	reg, err := registry.Open(ctx, registry.Config{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to registry database")
	}
	defer reg.Close()

	proc := processor.New(st, uf, envs, reg, processor.Config{
		WorkerThreadCount:   cfg.WorkerThreadCount,
		CancelCheckInterval: cfg.CancelCheckInterval,
		MaxMemoryPerBatch:   cfg.MaxMemoryPerBatch,
		ScratchDir:          cfg.ScratchDir,
		TickInterval:        cfg.TickInterval,
	})
	if err := proc.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start processor")
	}
	defer proc.Stop()

	handler := api.NewHandler(st, uf, proc, reg)
	mux := http.NewServeMux()
	handler.Routes(mux)
	if obs.MetricsHandler != nil {
		mux.Handle("/metrics", obs.MetricsHandler)
	}

	var rootHandler http.Handler = mux
	rootHandler = api.CORSMiddleware(rootHandler)
	rootHandler = api.LoggingMiddleware(rootHandler)
	rootHandler = api.RequestIDMiddleware(rootHandler)
	rootHandler = observability.WrapHandler(rootHandler, obs)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: rootHandler,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("starting taskcore server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}

func getEnvWithDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvInt64WithDefault(key string, defaultValue int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}

func setupLogging(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "taskcore").Logger()
}
