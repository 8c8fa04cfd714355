package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"go-video-pipeline/internal/api"
	"go-video-pipeline/internal/metrics"
	"go-video-pipeline/internal/runner"
	"go-video-pipeline/internal/store"
	"go-video-pipeline/internal/stream"
	"go-video-pipeline/pkg/router"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "pipeline.db"
	defaultMaxRuns    = 4
	defaultStreamFPS  = 30
)

// @title Video Pipeline API
// @version 1.0
// @description Bounded-concurrency video frame pipeline with live progress streaming.
// @BasePath /api/v1
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	slog.SetDefault(log)

	metrics.BuildInfo.WithLabelValues(version).Set(1)

	if err := store.InitDB(cfg.DBPath); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.CloseDB(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()
	log.Info("database ready", "path", cfg.DBPath)

	mgr, err := runner.NewManager(runner.Config{
		Logger:  log,
		MaxRuns: cfg.MaxRuns,
		Persist: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create run manager: %w", err)
	}

	streams, err := stream.NewRegistry(stream.Config{
		Logger:    log,
		FrameRate: cfg.StreamFPS,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream registry: %w", err)
	}
	defer streams.Stop()

	r := router.New()
	api.RegisterRoutes(r, mgr, streams)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := r.Serve(ctx, cfg.ListenAddr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	// The listener is down; give in-flight runs a bounded window to drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop active runs: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

type Config struct {
	ShowVersion bool
	Verbose     bool

	ListenAddr string
	DBPath     string
	MaxRuns    int
	StreamFPS  int
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func loadConfig() (Config, error) {
	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "address to listen on (env: LISTEN_ADDR)")
	flag.StringVar(&cfg.DBPath, "db-path", getenv("DB_PATH", defaultDBPath), "path to the sqlite database file (env: DB_PATH)")

	flag.Parse()

	var err error
	cfg.MaxRuns, err = getenvInt("MAX_RUNS", defaultMaxRuns)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamFPS, err = getenvInt("STREAM_FPS", defaultStreamFPS)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxRuns < 1 {
		return Config{}, fmt.Errorf("max runs must be at least 1 (set MAX_RUNS)")
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
