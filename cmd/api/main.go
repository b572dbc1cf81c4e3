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

	"cloud-pbx/internal/config"
	"cloud-pbx/pkg/logger"
	"cloud-pbx/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenDB(rootCtx, cfg.DB.Driver, cfg.DSN(), utils.DBPoolConfig{})
	if err != nil {
		log.Error("database init failed", "driver", cfg.DB.Driver, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Redis being down at boot is not fatal: the coordinator starts on the
	// SQL lock table and checks the primary again later.
	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Warn("redis unreachable at startup, starting degraded", "addr", cfg.RedisAddr(), "err", err)
		if rdb, err = utils.NewRedisClient(utils.RedisConfig{Addr: cfg.RedisAddr()}); err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
	}
	defer rdb.Close()

	a, err := buildApp(rootCtx, cfg, log, db, rdb)
	if err != nil {
		log.Error("app init failed", "err", err)
		os.Exit(1)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, a)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "db_driver", cfg.DB.Driver)
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
	a.close(shutdownCtx)
}
