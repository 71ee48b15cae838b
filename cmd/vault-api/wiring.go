package main

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/auth"
	"github.com/MarcoPoloResearchLab/vault/internal/cache"
	"github.com/MarcoPoloResearchLab/vault/internal/config"
	"github.com/MarcoPoloResearchLab/vault/internal/export"
	"github.com/MarcoPoloResearchLab/vault/internal/files"
	"github.com/MarcoPoloResearchLab/vault/internal/identity"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/invites"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/logging"
	"github.com/MarcoPoloResearchLab/vault/internal/metrics"
	"github.com/MarcoPoloResearchLab/vault/internal/moderation"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/vault/internal/server"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/storage"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	backendRedis = "redis"
	backendMinio = "minio"
)

type application struct {
	handler http.Handler
	redis   *redis.Client
}

func (a *application) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// buildApplication constructs every service and the HTTP handler from configuration.
func buildApplication(ctx context.Context, cfg config.AppConfig, db *gorm.DB, logStore *logging.Store, logger *zap.Logger) (*application, error) {
	app := &application{}
	clock := time.Now
	provider := ids.NewUUIDProvider()

	if cfg.Cache.Backend == backendRedis || cfg.RateLimit.Backend == backendRedis {
		client, err := cache.OpenRedis(ctx, cfg.Cache.RedisAddress, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return nil, err
		}
		app.redis = client
	}

	var cacheBackend cache.Backend = cache.NewMemoryBackend(clock)
	if cfg.Cache.Backend == backendRedis {
		cacheBackend = cache.NewRedisBackend(app.redis)
	}
	manager, err := cache.NewManager(cache.Config{Backend: cacheBackend, DefaultTTL: cfg.Cache.DefaultTTL, Logger: logger})
	if err != nil {
		app.close()
		return nil, err
	}

	var apiLimiter, authLimiter ratelimit.Limiter
	if cfg.RateLimit.Backend == backendRedis {
		apiLimiter = ratelimit.NewRedisLimiter(app.redis, cfg.RateLimit.Limit, cfg.RateLimit.Window)
		authLimiter = ratelimit.NewRedisLimiter(app.redis, cfg.RateLimit.AuthLimit, cfg.RateLimit.AuthWindow)
	} else {
		apiLimiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, clock)
		authLimiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.AuthLimit, cfg.RateLimit.AuthWindow, clock)
	}

	objectStore, localFiles, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		app.close()
		return nil, err
	}

	monitor := metrics.NewMonitor(0)
	executor := query.NewExecutor(manager, monitor)
	realtime := server.NewRealtimeDispatcher()

	handler, err := assemble(cfg, assembly{
		db:          db,
		clock:       clock,
		provider:    provider,
		manager:     manager,
		monitor:     monitor,
		executor:    executor,
		realtime:    realtime,
		objectStore: objectStore,
		localFiles:  localFiles,
		apiLimiter:  apiLimiter,
		authLimiter: authLimiter,
		logStore:    logStore,
		logger:      logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	app.handler = handler
	return app, nil
}

type assembly struct {
	db          *gorm.DB
	clock       func() time.Time
	provider    ids.Provider
	manager     *cache.Manager
	monitor     *metrics.Monitor
	executor    *query.Executor
	realtime    *server.RealtimeDispatcher
	objectStore storage.ObjectStore
	localFiles  *storage.LocalStore
	apiLimiter  ratelimit.Limiter
	authLimiter ratelimit.Limiter
	logStore    *logging.Store
	logger      *zap.Logger
}

func assemble(cfg config.AppConfig, a assembly) (http.Handler, error) {
	recorder, err := activity.NewRecorder(activity.Config{Database: a.db, IDProvider: a.provider, Clock: a.clock, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: a.db, Cache: a.manager, Activity: recorder, Clock: a.clock, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	spaceService, err := spaces.NewService(spaces.ServiceConfig{
		Database:   a.db,
		Queries:    a.executor,
		IDProvider: a.provider,
		Activity:   recorder,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	itemService, err := items.NewService(items.ServiceConfig{
		Database:   a.db,
		Spaces:     spaceService,
		Queries:    a.executor,
		IDProvider: a.provider,
		Activity:   recorder,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	workflow, err := moderation.NewWorkflow(moderation.Config{
		Database:   a.db,
		Items:      itemService,
		Spaces:     spaceService,
		IDProvider: a.provider,
		Activity:   recorder,
		Notifier:   a.realtime,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	inviteService, err := invites.NewService(invites.ServiceConfig{Database: a.db, IDProvider: a.provider, Activity: recorder, Clock: a.clock, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	fileService, err := files.NewService(files.ServiceConfig{
		Database:   a.db,
		Store:      a.objectStore,
		Items:      itemService,
		Spaces:     spaceService,
		IDProvider: a.provider,
		Activity:   recorder,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	exportService, err := export.NewService(export.ServiceConfig{
		Items:    itemService,
		Spaces:   spaceService,
		Files:    fileService,
		Activity: recorder,
		Clock:    a.clock,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}

	signingSecret := []byte(cfg.Session.SigningSecret)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: signingSecret,
		Issuer:        cfg.Session.Issuer,
		CookieName:    cfg.Session.CookieName,
		Clock:         a.clock,
	})
	if err != nil {
		return nil, err
	}
	identityService, err := identity.NewService(identity.Config{
		Database: a.db,
		Issuer: auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: signingSecret,
			Issuer:        cfg.Session.Issuer,
			TokenTTL:      cfg.Session.TTL,
			Clock:         a.clock,
		}),
		Validator:  validator,
		Users:      userService,
		Spaces:     spaceService,
		Invites:    inviteService,
		Sender:     identity.LogSender{Logger: a.logger},
		IDProvider: a.provider,
		Activity:   recorder,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	csrf, err := auth.NewCSRF(auth.CSRFConfig{
		HashKey:           []byte(cfg.CSRF.HashKey),
		CookieName:        cfg.CSRF.CookieName,
		HeaderName:        cfg.CSRF.HeaderName,
		SessionCookieName: cfg.Session.CookieName,
		Secure:            cfg.Session.SecureCookies,
		MaxAge:            cfg.Session.TTL,
	})
	if err != nil {
		return nil, err
	}

	return server.NewHTTPHandler(server.Dependencies{
		Identity:       identityService,
		Users:          userService,
		Spaces:         spaceService,
		Items:          itemService,
		Moderation:     workflow,
		Invites:        inviteService,
		Files:          fileService,
		Export:         exportService,
		Activity:       recorder,
		CSRF:           csrf,
		Cache:          a.manager,
		Monitor:        a.monitor,
		LogStore:       a.logStore,
		Database:       a.db,
		Storage:        a.objectStore,
		LocalFiles:     a.localFiles,
		Realtime:       a.realtime,
		APILimiter:     a.apiLimiter,
		AuthLimiter:    a.authLimiter,
		AllowedOrigins: cfg.AllowedOrigins,
		SecureCookies:  cfg.Session.SecureCookies,
		Development:    cfg.Development(),
		Clock:          a.clock,
		Logger:         a.logger,
	})
}

// openStorage returns the configured object store. The local store is also returned so the
// server can serve its files; it is nil for remote buckets.
func openStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.ObjectStore, *storage.LocalStore, error) {
	if cfg.Backend == backendMinio {
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			UseSSL:        cfg.MinioUseSSL,
			Bucket:        cfg.Bucket,
			PublicBaseURL: cfg.PublicBaseURL,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
	store, err := storage.NewLocalStore(afero.NewOsFs(), cfg.LocalRoot, cfg.PublicBaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}
