package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fandrade/parlatrack/config"
	"github.com/fandrade/parlatrack/internal/acquire"
	"github.com/fandrade/parlatrack/internal/audit"
	"github.com/fandrade/parlatrack/internal/discovery"
	"github.com/fandrade/parlatrack/internal/index"
	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/internal/queue/streams"
	"github.com/fandrade/parlatrack/internal/retrieval"
	"github.com/fandrade/parlatrack/internal/store"
	"github.com/fandrade/parlatrack/internal/structuring"
	"github.com/fandrade/parlatrack/internal/transcribe"
	openai_provider "github.com/fandrade/parlatrack/provider/openai"
)

// auditInterval is how often the consistency audit sweeps completed sessions.
const auditInterval = 6 * time.Hour

// Run starts the API server: migrations, dependency wiring, routes and the
// discovery scheduler. It blocks until the listener stops.
func Run(cfg *config.Config) error {
	e := newEcho()

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		log.Printf("[server] migrate: %v", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	llm, err := openai_provider.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.CompletionModel,
		cfg.LLM.EmbeddingModel, cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.Timeout)
	if err != nil {
		return err
	}

	vec := index.NewPGVector(st.DB)
	var keyword *index.Keyword
	if cfg.Retrieval.Hybrid {
		keyword, err = index.OpenKeyword(cfg.Retrieval.KeywordPath)
		if err != nil {
			return fmt.Errorf("open keyword index: %w", err)
		}
		defer keyword.Close()
	}

	transcriber, err := transcribe.New(cfg.Transcriber)
	if err != nil {
		return err
	}
	indexer := pipeline.NewIndexer(st, vec, llm,
		cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap, cfg.Pipeline.EmbedBatch)
	coordinator := pipeline.NewCoordinator(st,
		acquire.New(cfg.Acquisition), transcriber, structuring.New(llm),
		indexer, vec, keyword,
		cfg.Pipeline.MaxAttempts, cfg.Pipeline.BackoffBase, cfg.Pipeline.BackoffMax, cfg.Pipeline.StageTimeout)

	pub := streams.NewPublisher(rdb)
	sources := make([]discovery.Source, 0, len(cfg.Discovery.Sources))
	for _, src := range cfg.Discovery.Sources {
		sources = append(sources, discovery.NewFeedSource(src, cfg.Acquisition.Timeout))
	}
	runner := discovery.NewRunner(sources, st, coordinator, pub, cfg.Discovery)
	go runner.Start(ctx)

	auditor := audit.New(st, vec, pub)
	go runAuditLoop(ctx, auditor)

	if keyword != nil {
		go runKeywordSync(ctx, st, keyword)
	}

	engine := retrieval.NewEngine(st, vec, keyword, llm, cfg.Retrieval)

	api := e.Group("/api")
	(&QueryHandler{Engine: engine}).Register(api)
	(&SessionsHandler{Store: st, Resetter: coordinator, Discovery: runner, Publisher: pub}).Register(api)

	return e.Start(cfg.Server.Address)
}

// newEcho builds the echo instance with the shared middleware stack. Split
// out so handler tests run against the same error handling.
func newEcho() *echo.Echo {
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
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

func runAuditLoop(ctx context.Context, auditor *audit.Auditor) {
	ticker := time.NewTicker(auditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := auditor.Run(ctx)
			if err != nil {
				log.Printf("[audit] sweep: %v", err)
				continue
			}
			if len(report.Divergent) > 0 {
				log.Printf("[audit] checked %d sessions, requeued %d", report.Checked, len(report.Requeued))
			}
		}
	}
}
