package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rai/internal/agent"
	"rai/internal/ai"
	"rai/internal/api"
	"rai/internal/config"
	"rai/internal/cron"
	"rai/internal/logger"
	"rai/internal/metrics"
	"rai/internal/session"
	"rai/internal/storage"
)

// Option customizes an App before Init
type Option func(*App)

// WithClient replaces the OpenAI client, e.g. with a fake in tests
func WithClient(c ai.Client) Option {
	return func(a *App) {
		a.client = c
		a.fixedClient = true
	}
}

// WithEncoderFactory replaces the tiktoken encoder lookup
func WithEncoderFactory(f agent.EncoderFactory) Option {
	return func(a *App) { a.encoders = f }
}

// WithStore uses an already opened store instead of opening storage_path
func WithStore(s *storage.Store) Option {
	return func(a *App) { a.store = s }
}

// App orchestrates all components
type App struct {
	// set by WithClient; Reload then keeps the client
	fixedClient bool
	encoders    agent.EncoderFactory
	store     *storage.Store
	ownsStore bool
	metrics   *metrics.Collector
	scheduler *cron.Scheduler
	apiServer *api.APIServer
	watcher   *config.Watcher

	mu      sync.RWMutex
	config  *config.Config
	client  ai.Client
	factory *session.Factory
}

// New creates a new application instance
func New(cfg *config.Config, opts ...Option) *App {
	a := &App{config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Init validates the configuration and builds the client, storage and
// session factory. It must be called before any other method.
func (a *App) Init() error {
	cfg := a.Config()
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return err
	}

	client := a.Client()
	if client == nil {
		var err error
		if client, err = newClient(cfg); err != nil {
			return err
		}
	}

	if a.store == nil && cfg.StoragePath != "" {
		store, err := storage.New(cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.store = store
		a.ownsStore = true
	}

	a.metrics = metrics.NewCollector(nil)

	factory, err := a.newFactory(cfg, client)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.client = client
	a.factory = factory
	a.mu.Unlock()
	return nil
}

// newClient builds the retrying provider client described by cfg.
func newClient(cfg *config.Config) (ai.Client, error) {
	base, err := ai.NewOpenAIClient(cfg.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AI client: %w", err)
	}
	logger.Debugf("AI client ready (provider: %s, model: %s)", cfg.OpenAI.Provider, cfg.OpenAI.Model)
	return ai.NewRetryingClient(base, cfg.RetryPolicy()), nil
}

func (a *App) newFactory(cfg *config.Config, client ai.Client) (*session.Factory, error) {
	f, err := session.NewFactory(cfg, client)
	if err != nil {
		return nil, err
	}
	f.EncoderFactory = a.encoders
	if a.store != nil {
		f.Recorder = a.store
	}
	f.Completions = a.metrics
	f.Observers = []agent.Observer{a.metrics}
	return f, nil
}

// Config returns the active configuration
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// Client returns the retrying completion client
func (a *App) Client() ai.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// Store returns the session store, or nil when persistence is off
func (a *App) Store() *storage.Store {
	return a.store
}

// Metrics returns the metrics collector
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

// Factory returns the session factory of the active configuration
func (a *App) Factory() *session.Factory {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.factory
}

// New starts a session from the active configuration. It lets the App
// serve as the API's session factory across config reloads.
func (a *App) New(id string) (*session.Session, error) {
	return a.Factory().New(id)
}

// Serve runs the HTTP API, the metrics exporter, the retention job and the
// config watcher until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config()

	if err := a.startRetention(ctx, cfg); err != nil {
		return err
	}
	a.startWatcher(cfg)

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.serveMetrics(ctx, cfg.Metrics.Addr)
		}()
	}

	var err error
	if cfg.API.Enabled {
		opts := []api.Option{api.WithSessionGauge(a.metrics)}
		if cfg.Metrics.Enabled {
			opts = append(opts, api.WithMetrics(a.metrics.Handler()))
		}
		a.apiServer = api.NewAPIServer(cfg.API, a, opts...)
		err = a.apiServer.Start(ctx)
	} else {
		logger.Infof("API disabled, running background jobs only")
		<-ctx.Done()
	}

	wg.Wait()
	return err
}

func (a *App) startRetention(ctx context.Context, cfg *config.Config) error {
	if cfg.Retention.Schedule == "" || a.store == nil {
		return nil
	}

	job, err := cron.Retention(a.store, cfg.Retention.MaxAge, nil)
	if err != nil {
		return err
	}
	a.scheduler = cron.NewScheduler()
	if err := a.scheduler.AddJob(cron.RetentionJobName, cfg.Retention.Schedule, job); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	a.scheduler.Start(ctx)
	return nil
}

func (a *App) startWatcher(cfg *config.Config) {
	if cfg.ConfigPath == "" {
		return
	}
	w, err := config.NewWatcher(cfg.ConfigPath, a.Reload)
	if err != nil {
		logger.Warnf("Config hot reload disabled: %v", err)
		return
	}
	a.watcher = w
}

func (a *App) serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Metrics exporter listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("Metrics exporter error: %v", err)
	}
}

// Reload applies a changed configuration to sessions started afterwards.
// Running sessions keep the settings and client they were created with.
// Unless a client was injected with WithClient, a new one is built so
// provider, credential and retry changes take effect.
func (a *App) Reload(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		logger.Warnf("Ignoring config change: %v", err)
		return
	}
	client := a.Client()
	if !a.fixedClient {
		var err error
		if client, err = newClient(cfg); err != nil {
			logger.Warnf("Ignoring config change: %v", err)
			return
		}
	}
	factory, err := a.newFactory(cfg, client)
	if err != nil {
		logger.Warnf("Ignoring config change: %v", err)
		return
	}

	a.mu.Lock()
	a.config = cfg
	a.client = client
	a.factory = factory
	a.mu.Unlock()

	logger.SetLevel(cfg.LogLevel)
	logger.Infof("Applied configuration (model: %s, temperature: %.2f)", cfg.OpenAI.Model, cfg.OpenAI.Temperature)
}

// Stop gracefully shuts down all components
func (a *App) Stop() error {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.apiServer != nil {
		if err := a.apiServer.Stop(context.Background()); err != nil {
			logger.Warnf("API server shutdown: %v", err)
		}
	}
	if a.store != nil && a.ownsStore {
		return a.store.Close()
	}
	return nil
}
