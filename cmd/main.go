package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/cache/jetstreamkv"
	"github.com/pitabwire/frame/cache/valkey"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/util"

	collabconfig "github.com/antinvestor/service-collab/config"
	"github.com/antinvestor/service-collab/internal/health"
	"github.com/antinvestor/service-collab/service/business"
	"github.com/antinvestor/service-collab/service/handlers"
	"github.com/antinvestor/service-collab/service/queues"
	"github.com/antinvestor/service-collab/service/repository"
)

const (
	gracefulShutdownTimeout = 30 * time.Second
	healthCheckTimeout      = 5 * time.Second
)

func main() {
	ctx := context.Background()
	if err := runService(ctx); err != nil {
		util.Log(ctx).WithError(err).Fatal("could not run service")
	}
}

//nolint:funlen // Service wiring happens in one place
func runService(ctx context.Context) error {
	// Initialize configuration
	cfg, err := config.LoadWithOIDC[collabconfig.CollabConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return err
	}

	// Validate configuration (fail-fast on invalid config)
	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return err
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_collab"
	}

	// Validate shard configuration at startup to catch mismatches early
	if err = cfg.ValidateSharding(); err != nil {
		util.Log(ctx).WithError(err).Fatal("invalid shard configuration")
	}

	rawCache, err := setupCache(ctx, cfg)
	if err != nil {
		util.Log(ctx).WithError(err).Fatal("could not setup cache")
	}

	// Create service
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithCache(cfg.CacheName, rawCache),
		frame.WithRegisterServerOauth2Client(),
		frame.WithDatastore(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	qManager := svc.QueueManager()
	dbManager := svc.DatastoreManager()
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)

	// Handle database migration if requested
	if cfg.DoDatabaseMigrate() {
		if migrateErr := repository.Migrate(ctx, svc, cfg.GetDatabaseMigrationPath()); migrateErr != nil {
			log.WithError(migrateErr).Fatal("could not migrate successfully")
		}
		return nil
	}

	// Business layer
	snapshotRepo := repository.NewSnapshotRepository(svc)
	snapshotStore := business.NewSnapshotStore(snapshotRepo, cfg.HistoryDefaultLimit, cfg.HistoryMaxLimit)

	presenceTTL := time.Duration(cfg.PresenceTTLSec) * time.Second
	presenceTracker := business.NewPresenceTracker(rawCache, presenceTTL, nil)

	verifier := business.NewTokenVerifier(svc, cfg.TokenAudience, cfg.TokenIssuer)

	broadcastBus := queues.NewRoomBroadcastPublisher(&cfg, qManager)

	connectionManager := business.NewConnectionManager(ctx, business.ManagerOptions{
		Verifier:  verifier,
		Presence:  presenceTracker,
		Snapshots: snapshotStore,
		Bus:       broadcastBus,

		ConnectionTimeoutSec: cfg.ConnectionTimeoutSec,
		HeartbeatIntervalSec: cfg.HeartbeatIntervalSec,
		PresenceTTL:          presenceTTL,
		Limits: business.RateLimits{
			CursorCap:     cfg.CursorEventCap,
			CursorPerTick: cfg.CursorRefillPerSec,
			OpCap:         cfg.OpEventCap,
			OpPerTick:     cfg.OpRefillPerSec,
		},
	})
	// Graceful shutdown: drain connections and stop background tasks.
	// Defers run LIFO: connectionManager shuts down before svc.Stop.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		connectionManager.DrainConnections(drainCtx)
		if shutdownErr := connectionManager.Shutdown(drainCtx); shutdownErr != nil {
			util.Log(drainCtx).WithError(shutdownErr).Error("connection manager shutdown error")
		}
	}()

	// One publisher and one subscriber per broadcast shard. Every instance
	// subscribes to all shards so local room members always receive events.
	serviceOptions := make([]frame.Option, 0, cfg.BroadcastShardCount*2+1)
	for i := range cfg.BroadcastShardCount {
		shardTopicName := fmt.Sprintf(cfg.QueueRoomBroadcastName, i)
		shardTopicURI := cfg.QueueRoomBroadcastURIs[i]

		serviceOptions = append(serviceOptions,
			frame.WithRegisterPublisher(shardTopicName, shardTopicURI),
			frame.WithRegisterSubscriber(
				shardTopicName, shardTopicURI,
				queues.NewRoomBroadcastQueueHandler(&cfg, connectionManager),
			),
		)
	}

	// HTTP surface
	gatewayHandler := handlers.NewGatewayHandler(svc, connectionManager, verifier)
	retrievalHandler := handlers.NewRetrievalHandler(svc, presenceTracker, snapshotStore)
	healthHandler := setupHealthChecks(dbPool, rawCache)

	router := handlers.NewRouter(gatewayHandler, retrievalHandler, healthHandler)
	serviceOptions = append(serviceOptions, frame.WithHTTPHandler(router))

	// Initialize the service with all options
	svc.Init(ctx, serviceOptions...)

	// Start the service
	return svc.Run(ctx, "")
}

// setupCache picks the cache backend from the configured URI. Presence
// state lives here so every gateway instance sees the same collaborators.
func setupCache(_ context.Context, cfg collabconfig.CollabConfig) (cache.RawCache, error) {
	cacheDSN := data.DSN(cfg.CacheURI)

	cacheOptions := []cache.Option{
		cache.WithDSN(cacheDSN),
	}

	if cfg.CacheCredentialsFile != "" {
		cacheOptions = append(cacheOptions, cache.WithCredsFile(cfg.CacheCredentialsFile))
	}

	switch {
	case cacheDSN.IsNats():
		return jetstreamkv.New(cacheOptions...)
	case cacheDSN.IsRedis():
		return valkey.New(cacheOptions...)
	default:
		return cache.NewInMemoryCache(), nil
	}
}

// setupHealthChecks creates the health check handler with database and
// cache checkers.
func setupHealthChecks(dbPool pool.Pool, rawCache cache.RawCache) *health.Handler {
	handler := health.NewHandler()
	handler.AddChecker(health.NewDatabaseChecker(dbPool, healthCheckTimeout))
	handler.AddChecker(health.NewCacheChecker(rawCache, healthCheckTimeout))
	return handler
}
