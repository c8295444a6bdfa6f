package di

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"kilometers.ai/authlayer/internal/application/services"
	"kilometers.ai/authlayer/internal/config"
	"kilometers.ai/authlayer/internal/core/ports"
	"kilometers.ai/authlayer/internal/core/session"
	"kilometers.ai/authlayer/internal/infrastructure/auth"
	httpinfra "kilometers.ai/authlayer/internal/infrastructure/http"
	"kilometers.ai/authlayer/internal/infrastructure/metrics"
)

// UserAgent is sent with every request
var UserAgent = "authlayer/dev"

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	Logger hclog.Logger

	// Infrastructure
	Store         ports.CredentialStore
	StoreLocation string
	Executor      *httpinfra.Executor
	Metrics       *metrics.Recorder

	// Session
	Bus *session.EventBus

	// Services
	Coordinator *services.RefreshCoordinator
	Client      *services.AccessClient

	closers []func() error
}

// NewContainer creates and wires every component from cfg
func NewContainer(cfg *config.Config, logger hclog.Logger) (*Container, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewRecorder(),
		Bus:     session.NewEventBus(logger.Named("session")),
	}

	if err := c.initializeComponents(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return c, nil
}

func (c *Container) initializeComponents() error {
	// 1. Credential store
	store, err := c.buildStore()
	if err != nil {
		return err
	}
	c.Store = store

	// 2. Executor
	c.Executor = httpinfra.NewExecutor(c.Config.BaseURL, c.Config.RefreshPath, c.Store,
		httpinfra.WithHTTPClient(&http.Client{Timeout: c.Config.RequestTimeout}),
		httpinfra.WithNoRefreshPaths(c.Config.LoginPath),
		httpinfra.WithLogger(c.Logger.Named("executor")),
		httpinfra.WithMetrics(c.Metrics),
		httpinfra.WithUserAgent(UserAgent),
	)

	// 3. Refresh coordination
	c.Coordinator = services.NewRefreshCoordinator(c.Executor, c.buildExchanger(), c.Store, c.Bus,
		services.RefreshCoordinatorConfig{
			RefreshTimeout: c.Config.RefreshTimeout,
			Logger:         c.Logger.Named("refresh"),
			Metrics:        c.Metrics,
		})

	// 4. Caller facade
	c.Client = services.NewAccessClient(c.Executor, c.Coordinator, c.Store, c.Config.LoginPath, c.Logger.Named("client"))
	return nil
}

func (c *Container) buildStore() (ports.CredentialStore, error) {
	storeLogger := c.Logger.Named("store")

	switch c.Config.Store {
	case config.StoreMemory:
		c.StoreLocation = "memory"
		return auth.NewMemoryCredentialStore(), nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: c.Config.RedisAddr})
		c.closers = append(c.closers, client.Close)
		backend := auth.NewRedisBackend(client, c.Config.RedisPrefix)
		c.StoreLocation = fmt.Sprintf("redis %s (%s)", c.Config.RedisAddr, backend.Prefix())
		return auth.NewPersistentCredentialStore(backend, storeLogger), nil

	default:
		backend, err := auth.NewFileBackend(c.Config.StorePath)
		if err != nil {
			return nil, err
		}
		c.StoreLocation = backend.Path()
		return auth.NewPersistentCredentialStore(backend, storeLogger), nil
	}
}

func (c *Container) buildExchanger() ports.RefreshExchanger {
	if c.Config.Exchange == config.ExchangeOAuth2 {
		return auth.NewOAuth2Exchanger(
			c.Config.RefreshURL(),
			c.Config.OAuth2ClientID,
			c.Config.OAuth2ClientSecret,
			&http.Client{Timeout: c.Config.RequestTimeout},
		)
	}
	return auth.NewJSONExchanger(c.Executor, c.Config.RefreshPath)
}

// StartMetricsServer serves metrics on the configured address until ctx
// ends. It returns the bound address, or "" when metrics are disabled.
func (c *Container) StartMetricsServer(ctx context.Context) (string, error) {
	if c.Config.MetricsAddr == "" {
		return "", nil
	}

	listener, err := net.Listen("tcp", c.Config.MetricsAddr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", c.Config.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Metrics.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Logger.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	c.Logger.Info("serving metrics", "addr", listener.Addr().String())
	return listener.Addr().String(), nil
}

// Close releases connections held by the container
func (c *Container) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
