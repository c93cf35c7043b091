package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"podium/internal/api"
	"podium/internal/attendance"
	"podium/internal/auth"
	"podium/internal/blobstore"
	"podium/internal/cache"
	"podium/internal/clock"
	"podium/internal/config"
	"podium/internal/coordinator"
	"podium/internal/database"
	"podium/internal/hub"
	"podium/internal/memstore"
	"podium/internal/metrics"
	"podium/internal/router"
	"podium/internal/session"
	"podium/internal/websocket"
	dbconfig "podium/pkg/database"
	"podium/pkg/interfaces"
)

// Application owns every long-lived component of the server
type Application struct {
	config      *config.Config
	store       interfaces.SessionStore
	blobs       interfaces.BlobStore
	redisClient *redis.Client
	metrics     *metrics.Metrics
	issuer      *auth.Issuer
	registry    *websocket.Registry
	facade      *coordinator.Facade
	hub         *hub.Hub
	apiServer   *api.Server
	httpServer  *http.Server
	listener    net.Listener
}

// NewApplication builds the component graph in dependency order:
// Metrics → Store → Cache → Blobs → Auth → Coordinator → Router → Hub → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg}
	if cfg.Metrics.Enabled {
		app.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	store, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	app.store = store

	snapshots, err := app.openCache(ctx)
	if err != nil {
		app.closeResources()
		return nil, err
	}

	if app.blobs, err = openBlobs(ctx, cfg.Blob); err != nil {
		app.closeResources()
		return nil, err
	}

	app.issuer, err = auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Std())
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	app.facade = coordinator.New(coordinator.Dependencies{
		Store:     app.store,
		Blobs:     app.blobs,
		Clock:     clock.System{},
		Snapshots: snapshots,
		Metrics:   app.metrics,
		SessionPolicy: session.Policy{
			AttendanceWindow: cfg.Coordinator.AttendanceWindow.Std(),
			CodeTTL:          cfg.Coordinator.CodeTTL.Std(),
		},
		AttendancePolicy: attendance.Policy{
			MaxCodeAttempts: cfg.Coordinator.MaxCodeAttempts,
			MaxImageBytes:   cfg.Coordinator.MaxImageBytes,
		},
		Options: coordinator.Options{
			StorageRetries: cfg.Coordinator.StorageRetries,
			RetryBackoff:   cfg.Coordinator.RetryBackoff.Std(),
		},
	})

	app.registry = websocket.NewRegistry()
	limiter := router.NewRateLimiter(cfg.WebSocket.CommandLimit, cfg.WebSocket.CommandWindow.Std())
	eventRouter := router.NewRouter(app.registry, app.facade, limiter)
	app.hub = hub.NewHub(eventRouter)
	app.facade.SetEvents(app.hub)

	wsHandler := websocket.NewHandler(app.registry, app.issuer, app.facade, app.hub, app.metrics)
	app.apiServer = api.NewServer(api.Dependencies{
		Coordinator:   app.facade,
		Credentials:   app.issuer,
		Health:        app.store,
		Connections:   app.registry,
		Metrics:       app.metrics,
		WebSocket:     http.HandlerFunc(wsHandler.HandleWebSocket),
		MaxImageBytes: int64(cfg.Coordinator.MaxImageBytes),
	})

	app.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Std(),
	}
	return app, nil
}

func openStore(cfg config.DatabaseConfig) (interfaces.SessionStore, error) {
	if cfg.Driver == config.StoreMemory {
		log.Println("Using in-memory session store; state is lost on restart")
		return memstore.New(), nil
	}

	dbConfig := dbconfig.DefaultConfig()
	dbConfig.DatabasePath = cfg.Path
	dbConfig.MaxConnections = cfg.MaxConnections
	dbConfig.WriteTimeout = cfg.WriteTimeout.Std()

	manager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := manager.Migrate(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := manager.ValidateSchema(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("database schema is invalid: %w", err)
	}
	log.Printf("Database ready: path=%s", cfg.Path)
	return manager, nil
}

func (app *Application) openCache(ctx context.Context) (cache.SnapshotCache, error) {
	cfg := app.config.Cache
	switch cfg.Driver {
	case config.CacheMemory:
		return cache.NewMemory(cfg.TTL.Std()), nil
	case config.CacheRedis:
		client, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.redisClient = client
		log.Printf("Snapshot cache on redis: addr=%s db=%d", cfg.RedisAddr, cfg.RedisDB)
		return cache.NewRedis(client, cfg.Prefix, cfg.TTL.Std()), nil
	default:
		return nil, nil
	}
}

func openBlobs(ctx context.Context, cfg config.BlobConfig) (interfaces.BlobStore, error) {
	if cfg.Driver == config.BlobGridFS {
		store, err := blobstore.DialGridFS(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to gridfs: %w", err)
		}
		return store, nil
	}
	store, err := blobstore.NewFilesystem(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to open selfie directory: %w", err)
	}
	return store, nil
}

// Start recovers open sessions, starts event delivery and then begins
// accepting connections
func (app *Application) Start(ctx context.Context) error {
	if err := app.facade.Start(ctx); err != nil {
		return fmt.Errorf("failed to load open sessions: %w", err)
	}
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	log.Printf("Podium listening on %s", listener.Addr())
	return nil
}

// Stop shuts down in reverse dependency order: HTTP → Hub → Stores
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down podium")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if app.hub.IsRunning() {
		if err := app.hub.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("hub: %w", err))
		}
	}
	errs = append(errs, app.closeResources()...)

	log.Printf("Podium shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeResources() []error {
	var errs []error
	if app.blobs != nil {
		if err := app.blobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("blobs: %w", err))
		}
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errs
}

// Handler returns the HTTP surface, push channel included
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Issuer returns the token issuer bound to the configured secret
func (app *Application) Issuer() *auth.Issuer {
	return app.issuer
}

// Addr returns the bound address once started, the configured one before
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// ShutdownTimeout bounds Stop when driven by a signal
func (app *Application) ShutdownTimeout() time.Duration {
	return app.config.HTTP.ShutdownTimeout.Std()
}
