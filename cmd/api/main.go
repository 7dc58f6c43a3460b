package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mcp-telemetry/internal/analytics"
	"mcp-telemetry/internal/auth"
	"mcp-telemetry/internal/cache"
	"mcp-telemetry/internal/config"
	"mcp-telemetry/internal/httpapi"
	"mcp-telemetry/internal/ingest"
	"mcp-telemetry/internal/schema"
	"mcp-telemetry/internal/stitch"
	"mcp-telemetry/internal/store"
	"mcp-telemetry/pkg/logger"
	"mcp-telemetry/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	issueSubject := flag.String("issue-admin-token", "", "mint an admin token for the given subject and exit")
	flag.Parse()

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.RESTDebug)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Admin gate is optional; without a secret the API runs open.
	var adminManager *auth.Manager
	if cfg.Auth.AdminTokenSecret != "" {
		adminManager, err = auth.NewManager(cfg.Auth)
		if err != nil {
			log.Error("auth init failed", "err", err)
			os.Exit(1)
		}
	}

	if *issueSubject != "" {
		if adminManager == nil {
			log.Error("cannot issue a token without ADMIN_TOKEN_SECRET")
			os.Exit(1)
		}
		tok, err := adminManager.Issue(time.Now(), *issueSubject)
		if err != nil {
			log.Error("token issue failed", "err", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	st, closeStore, err := openStore(rootCtx, cfg, log)
	if err != nil {
		log.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	caches := cache.NewCaches(cfg.App.HealthCacheTTL)
	if rdb != nil {
		caches = cache.NewRedisCaches(rdb, cfg.App.HealthCacheTTL)
	}

	validator, err := schema.New(cfg.App.RESTDebug)
	if err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	stitcher := stitch.New(st, cfg.Sessions.StitchWindow)
	queries := analytics.NewService(st, cfg.Sessions.ActiveWindow)

	ingestOpts := ingest.Options{
		Workers:          cfg.Ingest.Workers,
		QueueSize:        cfg.Ingest.QueueSize,
		AllowMissingUser: cfg.Ingest.AllowMissingUser,
	}
	if cfg.Ingest.MaxConcurrent > 0 && rdb != nil {
		ingestOpts.Cap = ingest.NewCap(rdb, "ingest:slots", cfg.Ingest.MaxConcurrent, 0)
	}
	ctrl := ingest.New(validator, st, stitcher, caches, log, ingestOpts)
	ctrl.Start()

	handlers := httpapi.Handlers{
		Analytics: queries,
		Store:     st,
		Caches:    caches,
		MaxDBSize: cfg.DB.MaxSize,
	}
	health := httpapi.NewHealth(st, caches.Health, version, cfg.App.Env, cfg.DB.Type)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, ctrl, handlers, health, auth.RequireAdmin(adminManager))

	// Background maintenance: cache sweeps and trash retention.
	sched := cron.New()
	_, _ = sched.AddFunc("@every 60s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		caches.Cleanup(ctx)
	})
	if cfg.DB.TrashRetentionDays > 0 {
		retention := time.Duration(cfg.DB.TrashRetentionDays) * 24 * time.Hour
		_, _ = sched.AddFunc("@daily", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			n, err := st.CleanupTrash(ctx, retention)
			if err != nil {
				log.Error("trash cleanup failed", "err", err)
				return
			}
			if n > 0 {
				log.Info("trash cleanup", "purged", n)
			}
		})
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "db", cfg.DB.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Drain queued telemetry before the store goes away.
	ctrl.Stop()
}

// openStore selects the storage backend, runs migrations, and optionally
// backfills derived columns for rows written by older deployments.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, func(), error) {
	if cfg.DB.Type == "memory" {
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if cfg.DB.BackfillDerived {
		n, err := pg.BackfillDerived(ctx)
		if err != nil {
			log.Error("derived-column backfill failed", "err", err)
		} else if n > 0 {
			log.Info("derived-column backfill", "updated", n)
		}
	}
	return pg, func() { db.Close() }, nil
}
