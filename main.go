package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailhook/internal/api"
	"github.com/Martian-dev/mailhook/internal/auth"
	"github.com/Martian-dev/mailhook/internal/config"
	"github.com/Martian-dev/mailhook/internal/dedup"
	"github.com/Martian-dev/mailhook/internal/logging"
	natsjs "github.com/Martian-dev/mailhook/internal/nats"
	"github.com/Martian-dev/mailhook/internal/providers/gmail"
	"github.com/Martian-dev/mailhook/internal/store"
	"github.com/Martian-dev/mailhook/internal/sync"
	"github.com/Martian-dev/mailhook/internal/watch"
	"github.com/Martian-dev/mailhook/internal/webhook"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logging.GetGlobalLogger().Error("failed to load .env", err)
		os.Exit(1)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.GetGlobalLogger().Error("invalid configuration", err)
		os.Exit(1)
	}

	logger := logging.InitGlobalLogger(cfg.LogLevel)
	defer logging.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("mailhook stopped", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	checks := map[string]api.HealthCheck{"store": st.DB.PingContext}

	exchanger := auth.NewGoogleExchanger(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	refresher := auth.NewRefresher(st, exchanger,
		auth.WithAttempts(cfg.RefreshAttemptCount()),
		auth.WithAttemptTimeout(cfg.RefreshAttemptTimeout()),
		auth.WithLogger(logger))

	var (
		ledger dedup.Ledger
		locks  sync.Locker = sync.NewKeyedMutex()
	)
	switch cfg.DedupBackend {
	case "redis":
		rl, err := dedup.NewRedisLedger(&dedup.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDBInt(),
			TTL:      cfg.DedupTTLDuration(),
		})
		if err != nil {
			return err
		}
		defer rl.Close()
		checks["redis"] = rl.Health
		ledger = rl
		// replicas sharing the ledger also share the account store
		locks = sync.ChainLockers(locks, rl.Locker(cfg.SyncTimeoutDuration()+time.Minute))
	default:
		ledger = dedup.NewMemoryLedger(cfg.DedupCapacityInt())
	}

	var consumer sync.Consumer = sync.NewLogConsumer(logger)
	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			return err
		}
		checks["nats"] = func(context.Context) error {
			if !publisher.Connected() {
				return errors.New("disconnected")
			}
			return nil
		}

		consumer = sync.NewOutboxConsumer(st)
		go sync.NewDispatcher(st, publisher, logger).Run(ctx)
		logger.Info("publishing message events to JetStream", logging.String("stream", natsjs.StreamName))
	}

	pipeline := webhook.NewPipeline(st, ledger, refresher, gmail.Factory(),
		sync.NewSyncer(st, consumer, logger),
		webhook.WithLocks(locks),
		webhook.WithLogger(logger),
		webhook.WithSyncTimeout(cfg.SyncTimeoutDuration()))

	var verifier webhook.PushAuthenticator
	if cfg.PushAudience != "" {
		pv, err := auth.NewPushVerifier(ctx, cfg.PushJWKSURL, cfg.PushAudience, cfg.PushServiceAccount)
		if err != nil {
			return err
		}
		verifier = pv
	}

	registrar := watch.NewRegistrar(st, refresher,
		func(ctx context.Context, accessToken string) (watch.Watcher, error) {
			return gmail.New(ctx, accessToken)
		},
		locks, cfg.PubSubTopic, nil, logger)

	if cfg.PullEnabled() {
		client, err := pubsub.NewClient(ctx, cfg.PubSubProject)
		if err != nil {
			return err
		}
		defer client.Close()

		sub := webhook.NewSubscriber(client, cfg.PubSubSubscription, pipeline, logger)
		go func() {
			if err := sub.Run(ctx); err != nil {
				logger.Error("pull subscription stopped", err)
			}
		}()
	}

	if logging.ParseLevel(cfg.LogLevel) != logging.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Accounts:   st,
		Webhook:    webhook.NewHandler(pipeline, verifier, logger).Gmail,
		Registrar:  registrar,
		AdminToken: cfg.AdminToken,
		Checks:     checks,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", logging.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
