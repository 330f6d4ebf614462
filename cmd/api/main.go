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

	"ringlink/internal/auth"
	"ringlink/internal/calllog"
	"ringlink/internal/config"
	"ringlink/internal/push"
	"ringlink/internal/transport"
	"ringlink/pkg/logger"
	"ringlink/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
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

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	logRepo, err := calllog.NewPostgresRepo(db)
	if err != nil {
		log.Error("call log init failed", "err", err)
		os.Exit(1)
	}
	logService := calllog.NewService(logRepo)

	tokenRepo, err := push.NewRedisTokenRepo(rdb)
	if err != nil {
		log.Error("token repo init failed", "err", err)
		os.Exit(1)
	}

	var senders []push.Sender
	if cfg.Push.APNSConfigured() {
		apns, err := push.NewAPNSSender(push.APNSConfig{
			KeyID:         cfg.Push.APNSKeyID,
			TeamID:        cfg.Push.APNSTeamID,
			PrivateKeyPEM: cfg.Push.APNSPrivateKey,
			BundleID:      cfg.Push.APNSBundleID,
			Sandbox:       cfg.Push.APNSSandbox,
			RingWindow:    cfg.Call.RingTimeout,
		})
		if err != nil {
			log.Error("apns init failed", "err", err)
			os.Exit(1)
		}
		senders = append(senders, apns)
	}
	if cfg.Push.FCMConfigured() {
		fcm, err := push.NewFCMSender(
			push.FCMConfig{ProjectID: cfg.Push.FCMProjectID, RingWindow: cfg.Call.RingTimeout},
			push.StaticTokenSource(cfg.Push.FCMToken),
		)
		if err != nil {
			log.Error("fcm init failed", "err", err)
			os.Exit(1)
		}
		senders = append(senders, fcm)
	}
	if len(senders) == 0 {
		log.Warn("no push platform configured; wake dispatch will report zero tokens")
	}

	flight, err := push.NewRedisSingleFlight(rdb, cfg.Call.RingTimeout)
	if err != nil {
		log.Error("single-flight init failed", "err", err)
		os.Exit(1)
	}
	pushService := push.NewService(tokenRepo, senders, log).WithSingleFlight(flight)

	hub := transport.NewHub(log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, authManager, hub, pushService, tokenRepo, logService)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long-lived websocket connections are exempt from WriteTimeout
		// after hijack; these bounds apply to the plain HTTP surface.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
