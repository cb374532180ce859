package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/Pedrovinicius123/api-ollama-reasoning/config"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/broadcast"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/engine"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/scheduler"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/session"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/store"
	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
	"github.com/Pedrovinicius123/api-ollama-reasoning/provider"
)

// docStore is the store surface the HTTP layer needs on top of what the
// engines use.
type docStore interface {
	engine.DocumentStore
	SearchDocuments(ctx context.Context, owner, substr string) ([]models.DocumentInfo, error)
}

// Run wires the service and serves until the listener fails.
func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	var docs docStore
	var jobs scheduler.JobStore
	if dsn := cfg.Databases.Postgres.DSN(); dsn != "" {
		st, err := store.NewWithDSN(ctx, dsn)
		if err != nil {
			return err
		}
		docs, jobs = st, st
	} else {
		baseLogger.Printf("postgres not configured, using ephemeral in-memory store")
		mem := store.NewMemStore()
		docs, jobs = mem, mem
	}

	var rdb *redis.Client
	var mirror *broadcast.Mirror
	if addr := cfg.Databases.Redis.Addr(); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Databases.Redis.Pass, DB: cfg.Databases.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", addr, err)
		}
		mirror = broadcast.NewMirror(rdb, cfg.Broadcast.StreamMaxLen, nil)
	}

	hub := broadcast.NewHub(cfg.Broadcast.BufferSize, mirror, nil)
	registry := session.NewRegistry()

	factory := func(model, credential string) (provider.Provider, error) {
		return provider.NewProvider(provider.Ollama, provider.Options{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      credential,
			Model:       model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		})
	}

	sched := scheduler.New(registry, docs, jobs, hub, factory, rdb, scheduler.Config{
		SweepInterval:  cfg.Scheduler.SweepInterval,
		RetainFinished: cfg.Scheduler.RetainFinished,
		Retry: engine.RetryPolicy{
			MaxRetries: cfg.LLM.MaxRetries,
			Backoff:    cfg.LLM.Backoff,
		},
		DefaultModel:  cfg.LLM.DefaultModel,
		DefaultTokens: cfg.LLM.MaxTokens,
	}, nil)
	sched.Start()
	defer sched.Stop()

	api := e.Group("/api")

	jh := &JobsHandler{Sched: sched, Hub: hub, Docs: docs, Logger: log.New(log.Writer(), "[JOBS] ", log.LstdFlags)}
	jh.Register(api.Group("/jobs"))

	dh := &DocumentsHandler{Docs: docs}
	dh.Register(api.Group("/documents"))

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10011"
	}
	baseLogger.Printf("listening on %s", addr)
	return e.Start(addr)
}
