package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/batch"
	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/editing"
	"github.com/heimdex/heimdex-scenes/internal/learning"
	"github.com/heimdex/heimdex-scenes/internal/metrics"
	"github.com/heimdex/heimdex-scenes/internal/monitor"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/search"
	"github.com/heimdex/heimdex-scenes/internal/settings"
	"github.com/heimdex/heimdex-scenes/internal/template"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// TokenStore holds the bearer token accepted by the API.
type TokenStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
}

// SceneStore is the scene read path used by export.
type SceneStore interface {
	ListByContent(ctx context.Context, contentID string, includeMerged bool) ([]*scene.Scene, error)
}

type ServerConfig struct {
	Host      string
	Port      int
	Tokens    TokenStore
	Scenes    SceneStore
	Search    *search.Service
	Editor    *editing.Engine
	Detection *detection.Runner
	Templates *template.Service
	Batch     *batch.Runner
	Settings  *settings.Service
	Learner   *learning.Learner
	Monitor   *monitor.Monitor
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
