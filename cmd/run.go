package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"heartledger/api"
	"heartledger/application"
	"heartledger/cache"
	"heartledger/config"
	"heartledger/database"
	"heartledger/events"
	"heartledger/infrastructure"
	"heartledger/infrastructure/observability"
	"heartledger/repository"
	"heartledger/service"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Run initializes and starts the application
func Run(ctx context.Context) error {
	// Load configuration
	cfg := config.Get()
	configureLogging(cfg)

	log.WithFields(log.Fields{
		"environment": cfg.Environment,
		"instanceId":  cfg.InstanceID,
		"timezone":    cfg.ReferenceTimezone,
	}).Info("Starting heart ledger...")

	// Initialize database connection
	log.Info("Connecting to database...")
	db, err := database.NewConnectionWithOptions(ctx, cfg.GetDatabaseURL(), database.PoolOptions{
		MaxConns: cfg.DatabaseMaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info("Database connection established successfully")

	// Initialize event bus
	eventBus := events.NewBus()
	defer eventBus.Wait()

	// Initialize unit of work factory
	uowFactory := repository.NewUnitOfWorkFactory(db, eventBus)

	metrics := observability.NewMetrics(cfg.MetricsEnabled)

	leaderboardCache, err := cache.New(cfg.CacheEnabled, cfg.CacheSizeMB, cfg.CacheTTL)
	if err != nil {
		return fmt.Errorf("failed to create leaderboard cache: %w", err)
	}

	// Initialize services
	log.Info("Initializing services...")
	loc := cfg.Location()
	ledgerService := service.NewLedgerService(uowFactory, metrics, cfg.InstanceID)
	claimService := service.NewClaimService(uowFactory, service.ClaimOptions{
		Location:       loc,
		MaxRetries:     cfg.ClaimMaxRetries,
		RetryBaseDelay: cfg.ClaimRetryBaseDelay,
		InstanceID:     cfg.InstanceID,
		Metrics:        metrics,
	})
	leaderboardService := service.NewLeaderboardService(uowFactory, leaderboardCache, service.LeaderboardOptions{
		Location: loc,
		Metrics:  metrics,
	})
	queryService := service.NewQueryService(ledgerService, claimService, leaderboardService, rewardPolicy(cfg), time.Now)

	// Appends invalidate the cached buckets they land in
	invalidate := service.EntryAppendedHandler(leaderboardService)
	eventBus.Subscribe(events.EventTypeLedgerEntryAppended, invalidate)

	// Initialize NATS messaging
	var natsClient *infrastructure.NATSClient
	if cfg.NATSEnabled {
		natsClient, err = startMessaging(ctx, cfg, eventBus, ledgerService, invalidate, metrics)
		if err != nil {
			return err
		}
		defer func() {
			if err := natsClient.Close(); err != nil {
				log.WithError(err).Error("Error closing NATS connection")
			}
		}()
	}

	// Start background workers
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	if cfg.CacheEnabled && cfg.CacheReconcileInterval > 0 {
		stopReconcile := application.NewCacheReconcileWorker(leaderboardService, cfg.CacheReconcileInterval, metrics).Start(workerCtx)
		defer stopReconcile()
	}
	if cfg.ClaimRepairInterval > 0 {
		stopRepair := application.NewClaimRepairWorker(claimService, cfg.ClaimRepairInterval, cfg.ClaimRepairGrace, metrics).Start(workerCtx)
		defer stopRepair()
	}

	// Start HTTP surface
	serverOpts := api.Options{
		Health:         db,
		Metrics:        metrics,
		MetricsHandler: metricsHandler(cfg, metrics),
	}
	if natsClient != nil {
		serverOpts.Messaging = natsClient
	}
	server := api.NewHTTPServer(cfg.HTTPAddr, api.NewServer(queryService, serverOpts))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down heart ledger...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("Shutdown completed")
	return err
}

// startMessaging connects to NATS, bridges domain events across instances and
// joins the gift consumer group
func startMessaging(ctx context.Context, cfg *config.Config, bus *events.Bus, ledger service.LedgerService, invalidate events.Handler, metrics *observability.Metrics) (*infrastructure.NATSClient, error) {
	log.WithField("servers", cfg.NATSServers).Info("Connecting to NATS...")
	client := infrastructure.NewNATSClient(cfg.NATSServers, "heartledger-"+cfg.InstanceID)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bridge := infrastructure.NewNATSEventBridge(client, infrastructure.NewEventSubjectMapper(), cfg.InstanceID, metrics)
	if err := bridge.EnsureStream(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ensure event stream: %w", err)
	}
	bridge.AttachTo(bus)
	// Other instances' appends invalidate this instance's cache
	bridge.OnRemote(events.EventTypeLedgerEntryAppended, invalidate)
	if err := bridge.Start(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to start event bridge: %w", err)
	}

	if err := infrastructure.NewGiftConsumer(ledger, metrics).Start(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to start gift consumer: %w", err)
	}

	log.Info("NATS messaging started")
	return client, nil
}

func rewardPolicy(cfg *config.Config) service.RewardPolicy {
	if cfg.DailyRewardStreakBonus > 0 {
		return service.StreakReward{
			Base:      cfg.DailyRewardAmount,
			Bonus:     cfg.DailyRewardStreakBonus,
			MaxStreak: cfg.DailyRewardMaxStreak,
		}
	}
	return service.FixedReward{Amount: cfg.DailyRewardAmount}
}

func metricsHandler(cfg *config.Config, metrics *observability.Metrics) http.Handler {
	if !cfg.MetricsEnabled {
		return nil
	}
	return metrics.Handler()
}

func configureLogging(cfg *config.Config) {
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
