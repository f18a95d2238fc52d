package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"gigchat/api"
	"gigchat/database"
	"gigchat/events"
	"gigchat/handlers"
	"gigchat/messaging"
	"gigchat/metrics"
	"gigchat/middleware"
	"gigchat/presence"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(f *flags) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP and websocket server",
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, f)
		},
	}
}

func serve(ctx context.Context, f *flags) error {
	cfg, log := f.Config, f.Log
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN,
		database.Options{MaxOpenConns: cfg.Database.MaxOpenConns}, log.Named("database"))
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New(prometheus.NewRegistry())

	local := presence.NewLocal(log.Named("presence"), m)
	var registry presence.Registry = local
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		cluster := presence.NewCluster(local, rdb, cfg.Redis.Prefix, uuid.NewString(), log.Named("presence"))
		go func() {
			if err := cluster.Run(ctx); err != nil {
				log.Error("fanout_subscriber_stopped", zap.Error(err))
			}
		}()
		registry = cluster
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.Enabled() {
		publisher = events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, log.Named("events"))
	}
	defer publisher.Close()

	engine := messaging.NewEngine(store, registry, publisher, m, log.Named("messaging"), messaging.Options{
		PersistTimeout: cfg.Database.PersistTimeout,
		MaxFailures:    cfg.Breaker.MaxFailures,
		OpenTimeout:    cfg.Breaker.OpenTimeout,
	})
	projection := messaging.NewProjection(store, registry, m, log.Named("projection"), cfg.Database.PersistTimeout)
	go projection.Run(ctx)
	local.OnChange(projection.StatusChanged)

	auth := middleware.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, log.Named("auth"))
	ws := handlers.NewWebSocket(auth, engine, registry, cfg.Server, cfg.RateLimit, log.Named("ws"))

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewRouter(api.Deps{
			Auth:      auth,
			Messages:  handlers.NewMessages(engine, projection, log.Named("http")),
			WebSocket: ws,
			Store:     store,
			Metrics:   m,
			Log:       log.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server_starting",
			zap.String("addr", cfg.Server.Addr),
			zap.Bool("redis", cfg.Redis.Enabled()),
			zap.Bool("kafka", cfg.Kafka.Enabled()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	ws.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
