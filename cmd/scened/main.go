package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/heimdex/heimdex-scenes/internal/analytics"
	"github.com/heimdex/heimdex-scenes/internal/api"
	"github.com/heimdex/heimdex-scenes/internal/batch"
	"github.com/heimdex/heimdex-scenes/internal/cache"
	"github.com/heimdex/heimdex-scenes/internal/cloud"
	"github.com/heimdex/heimdex-scenes/internal/config"
	"github.com/heimdex/heimdex-scenes/internal/db"
	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/editing"
	"github.com/heimdex/heimdex-scenes/internal/learning"
	"github.com/heimdex/heimdex-scenes/internal/logging"
	"github.com/heimdex/heimdex-scenes/internal/metrics"
	"github.com/heimdex/heimdex-scenes/internal/monitor"
	"github.com/heimdex/heimdex-scenes/internal/pipelines"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/search"
	"github.com/heimdex/heimdex-scenes/internal/settings"
	"github.com/heimdex/heimdex-scenes/internal/template"
	"github.com/heimdex/heimdex-scenes/internal/validate"
)

var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex scenes", "version", Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	conn := database.Conn()

	settingsRepo := settings.NewRepository(conn)
	authToken, err := ensureAuthToken(settingsRepo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                  HEIMDEX SCENES v%-24s ║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	m := metrics.New(cfg.MetricsNamespace())
	locks := scene.NewLocks()
	sceneRepo := scene.NewRepository(conn)
	settingsSvc := settings.NewService(settingsRepo, logging.WithComponent(logger, "settings"))

	cacheOpts := []cache.Option{cache.WithStore(sceneRepo), cache.WithMetrics(m)}
	if addr := cfg.RedisAddr(); addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		tier, err := cache.ConnectRedis(ctx, addr, cfg.RedisTTL())
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, shared cache disabled", "addr", addr, "error", err)
		} else {
			defer tier.Close()
			cacheOpts = append(cacheOpts, cache.WithShared(tier))
			logger.Info("shared cache enabled", "addr", addr)
		}
	}
	resultCache := cache.New(cfg.CacheEntries(), logging.WithComponent(logger, "cache"), cacheOpts...)

	tracker := detection.NewTracker(conn, detection.TrackerConfig{
		Locks:   locks,
		Options: validationOptions(cfg),
		Metrics: m,
	}, logging.WithComponent(logger, "tracker"))

	pipeCfg := pipelines.DefaultConfig(cfg.DataDir(), logger)
	pipeCfg.PythonPath = cfg.PipelinesPython()
	pipeCfg.ModuleName = cfg.PipelinesModule()
	var detector detection.Detector
	if d, err := pipelines.NewDetector(pipeCfg); err != nil {
		logger.Warn("scene detector unavailable, detection requests will fail", "error", err)
		detector = detection.DetectorFunc(func(context.Context, string, scene.Params, detection.ProgressFunc) (*detection.Result, error) {
			return nil, fmt.Errorf("scene detector unavailable: %w", err)
		})
	} else {
		detector = d
	}

	var observer detection.CompletionObserver
	var publisher *cloud.Publisher
	if url := cfg.IngestURL(); url != "" {
		publisher = cloud.NewPublisher(
			cloud.NewHTTPClient(url, cfg.IngestToken(), logging.WithComponent(logger, "cloud")),
			sceneRepo, cloud.PublisherConfig{}, logging.WithComponent(logger, "publisher"))
		observer = publisher
		logger.Info("publishing completed detections", "url", url)
	}

	runner := detection.NewRunner(tracker, detection.RunnerConfig{
		Detector: detector,
		Resolver: settingsSvc,
		Cache:    resultCache,
		Observer: observer,
		Timeout:  cfg.DetectTimeout(),
	}, logging.WithComponent(logger, "runner"))

	learner := learning.New(analytics.NewRepository(conn), sceneRepo, settingsSvc, learning.Config{
		Schedule: cfg.LearnSchedule(),
		Metrics:  m,
	}, logging.WithComponent(logger, "learning"))

	editor := editing.NewEngine(conn, editing.Config{
		Locks:      locks,
		Cache:      resultCache,
		Metrics:    m,
		Observers:  []editing.EditObserver{learner},
		MaxOverlap: cfg.MaxOverlap(),
	}, logging.WithComponent(logger, "editing"))

	if err := learner.Start(); err != nil {
		return err
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:      cfg.Port(),
		Tokens:    settingsRepo,
		Scenes:    sceneRepo,
		Search:    search.NewService(sceneRepo, logging.WithComponent(logger, "search")),
		Editor:    editor,
		Detection: runner,
		Templates: template.NewService(template.NewRepository(conn), editor, logging.WithComponent(logger, "templates")),
		Batch:     batch.New(batch.Config{Window: cfg.BatchWindow(), Metrics: m}, logging.WithComponent(logger, "batch")),
		Settings:  settingsSvc,
		Learner:   learner,
		Monitor: monitor.New(detection.NewRepository(conn), settingsSvc, monitor.Config{
			Window:      cfg.MonitorWindow(),
			SlowCeiling: cfg.SlowCeiling(),
			Metrics:     m,
		}, logging.WithComponent(logger, "monitor")),
		Metrics:   m,
		Logger:    logger,
		StartTime: startTime,
		Version:   Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("HTTP server error", "error", err)
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	runner.Close()
	if publisher != nil {
		publisher.Close(shutdownCtx)
	}
	learner.Stop(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

// validationOptions layers the configured tolerances over the per-job
// defaults.
func validationOptions(cfg config.Config) detection.OptionsFunc {
	return func(p scene.Params) validate.Options {
		opts := validate.OptionsFor(p)
		opts.Boundary.MaxOverlap = cfg.MaxOverlap()
		opts.Boundary.MinGap = cfg.MinGap()
		opts.Boundary.MinLengthPolicy = validate.Policy(cfg.MinLengthPolicy())
		opts.DedupThreshold = cfg.DedupThreshold()
		return opts
	}
}

func ensureAuthToken(repo *settings.SQLiteRepository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
