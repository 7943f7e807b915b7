package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearth/backend/internal/auth"
	"github.com/hearth/backend/internal/files"
	"github.com/hearth/backend/internal/handlers"
	"github.com/hearth/backend/internal/middleware"
	"github.com/hearth/backend/internal/notify"
	"github.com/hearth/backend/internal/repositories"
	"github.com/hearth/backend/internal/storage"
)

// services bundles the HTTP dependencies with the background workers serve runs.
type services struct {
	handlers   handlers.Dependencies
	sweeper    *auth.Sweeper
	relay      *notify.RedisRelay
	replicator *files.Replicator
}

// buildDependencies wires together concrete implementations used by the HTTP handlers.
func buildDependencies(ctx context.Context, appCtx *Context) (*services, error) {
	cfg := appCtx.Config
	logger := appCtx.Logger

	users := repositories.NewPostgresUserRepository(appCtx.Pool)
	sessionStore := repositories.NewPostgresSessionStore(appCtx.Pool)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		AccessSecret:  cfg.Auth.AccessSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshSecret: cfg.Auth.RefreshSecret,
		RefreshTTL:    cfg.Auth.RefreshTTL,
		Issuer:        cfg.Auth.Issuer,
	})
	if err != nil {
		return nil, err
	}

	hub := notify.NewHub(logger, appCtx.Metrics)
	var notifier files.Notifier = hub
	var revoked auth.RevocationList = auth.NewMemoryRevocationList()
	var relay *notify.RedisRelay
	if appCtx.Redis != nil {
		relay = notify.NewRedisRelay(appCtx.Redis, notify.DefaultChannel, hub, logger)
		notifier = relay
		revoked = auth.NewRedisRevocationList(appCtx.Redis)
	}

	manager, err := auth.NewManager(users, sessionStore, issuer,
		auth.WithRevocationList(revoked),
		auth.WithManagerMetrics(appCtx.Metrics),
	)
	if err != nil {
		return nil, err
	}

	var metadata files.MetadataStore = repositories.NewPostgresFileRepository(appCtx.Pool)
	if cfg.Storage.MetadataCacheSize > 0 {
		metadata = files.NewCachedMetadataStore(metadata, cfg.Storage.MetadataCacheSize, cfg.Storage.MetadataCacheTTL)
	}

	fileOpts := []files.Option{
		files.WithRecipients(users),
		files.WithNotifier(notifier),
		files.WithMetrics(appCtx.Metrics),
	}

	mirror, err := storage.NewMirror(ctx, cfg.Mirror)
	if err != nil {
		return nil, fmt.Errorf("configure mirror: %w", err)
	}
	var replicator *files.Replicator
	if mirror != nil {
		replicator = files.NewReplicator(cfg.Storage.Root, mirror, files.ReplicatorConfig{
			QueueSize: cfg.Mirror.QueueSize,
			Workers:   cfg.Mirror.Workers,
		}, logger, appCtx.Metrics)
		fileOpts = append(fileOpts, files.WithReplicator(replicator))
		logger.Info("mirroring stored files", "driver", cfg.Mirror.Driver, "bucket", cfg.Mirror.Bucket)
	}

	fileService, err := files.NewService(files.Config{
		Root:           cfg.Storage.Root,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	}, metadata, fileOpts...)
	if err != nil {
		if replicator != nil {
			_ = replicator.Shutdown(ctx)
		}
		return nil, err
	}

	var pinger handlers.Pinger
	if p, ok := appCtx.Pool.(handlers.Pinger); ok {
		pinger = p
	}

	window := cfg.Auth.RateLimitWindow
	return &services{
		handlers: handlers.Dependencies{
			Sessions:       manager,
			Files:          fileService,
			Hub:            hub,
			DB:             pinger,
			Metrics:        appCtx.Metrics,
			MetricsHandler: promhttp.HandlerFor(appCtx.Registry, promhttp.HandlerOpts{Registry: appCtx.Registry}),
			AuthLimiter:    middleware.NewKeyedRateLimiter(cfg.Auth.RateLimit, window, cfg.Auth.RateLimitBurst, 10*window),
			RetryAfterSecs: int(window.Seconds()),
			MaxUploadBytes: cfg.Storage.MaxUploadBytes,
			DebugErrors:    cfg.DebugErrors,
		},
		sweeper:    auth.NewSweeper(sessionStore, cfg.Auth.SweepInterval, logger, appCtx.Metrics),
		relay:      relay,
		replicator: replicator,
	}, nil
}
