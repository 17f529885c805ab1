package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/auth"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/config"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/connection"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/engine"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/handler"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/metrics"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/push"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/repository"
)

func main() {
	/**********************************************
	 * load config
	 **********************************************/
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	/**********************************************
	 * logger
	 **********************************************/
	var logger *slog.Logger
	if cfg.IsProduction() {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	slog.SetDefault(logger)

	/**********************************************
	 * credentials and REST backend
	 **********************************************/
	var creds auth.CredentialProvider = auth.StaticToken(cfg.Auth.Token)
	if cfg.Auth.TokenFile != "" {
		creds = auth.FileToken{Path: cfg.Auth.TokenFile}
	}

	m := metrics.New(metrics.DefaultConfig())
	repo := repository.NewRepository(cfg, creds, m)

	/**********************************************
	 * push channel
	 **********************************************/
	var dialer push.Dialer
	dialTimeout := time.Duration(cfg.Push.DialTimeout) * time.Second
	switch cfg.Push.Transport {
	case "redis":
		dialer = push.NewRedisDialer(push.RedisConfig{
			Addr:         fmt.Sprintf("%s:%d", cfg.Push.Redis.Host, cfg.Push.Redis.Port),
			Username:     cfg.Push.Redis.Username,
			DialTimeout:  dialTimeout,
			PingInterval: time.Duration(cfg.Push.Redis.PingIntervalMS) * time.Millisecond,
		}, logger)
	default:
		dialer = push.NewAMQPDialer(push.AMQPConfig{
			DSN:         cfg.Push.AMQP.DSN,
			Username:    cfg.Push.AMQP.Username,
			Exchange:    cfg.Push.AMQP.Exchange,
			DialTimeout: dialTimeout,
		}, logger)
	}

	conn := connection.NewManager(dialer, creds, connection.Options{
		Backoff: cfg.Backoff(),
		Logger:  logger.With("component", "connection"),
		Metrics: m,
	})

	/**********************************************
	 * engine
	 **********************************************/
	eng := engine.New(conn, repo, repo, engine.Options{
		Debounce:          cfg.Debounce(),
		DuplicateWindow:   cfg.DuplicateWindow(),
		UpdatedWindow:     cfg.UpdatedWindow(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Logger:            logger,
		Metrics:           m,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer eng.Stop()

	go func() {
		for err := range eng.Errors() {
			logger.Warn("availability refresh failed, will retry on next event", "error", err)
		}
	}()

	// optionally start watching a resource right away
	if cfg.Watch.RoomID != 0 || cfg.Watch.StationID != 0 {
		var roomID, stationID *int64
		if cfg.Watch.RoomID != 0 {
			roomID = &cfg.Watch.RoomID
		}
		if cfg.Watch.StationID != 0 {
			stationID = &cfg.Watch.StationID
		}
		ref, err := domain.NewResourceRef(roomID, stationID)
		if err != nil {
			logger.Error("invalid WATCH_ resource", "error", err)
			os.Exit(1)
		}
		if err := eng.Open(ctx, ref); err != nil {
			logger.Warn("failed to load initial calendar", "resource", ref, "error", err)
		}
	}

	/**********************************************
	 * handler
	 **********************************************/
	h, err := handler.NewHandler(cfg, eng, repo, m)
	if err != nil {
		logger.Error("failed to create handler", "error", err)
		os.Exit(1)
	}
	h.RegisterRoutes()

	/**********************************************
	 * HTTP server
	 **********************************************/
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      h.Mux,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.String("error", err.Error()))
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("server stopped")
}
