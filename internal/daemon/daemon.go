package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentjobs/internal/config"
	"github.com/harun/agentjobs/internal/logger"
	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/internal/tracing"
	"github.com/harun/agentjobs/pkg/agent"
	"github.com/harun/agentjobs/pkg/events"
	"github.com/harun/agentjobs/pkg/gateway"
	"github.com/harun/agentjobs/pkg/orchestrator"
	"github.com/harun/agentjobs/pkg/packs"
	"github.com/harun/agentjobs/pkg/registry"
	"github.com/harun/agentjobs/pkg/retry"
	"github.com/harun/agentjobs/pkg/store"
	"github.com/harun/agentjobs/pkg/taskqueue"
	"github.com/harun/agentjobs/pkg/tools"
	"github.com/harun/agentjobs/pkg/webhook"
	"github.com/rs/zerolog"
)

// Daemon owns every long-lived component of an agentjobs server: the store,
// the task queue and its workers, the event hub, the orchestrator, webhook
// delivery and the HTTP gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store        *store.Store
	queue        *taskqueue.Queue
	hub          *events.Hub
	publisher    *events.Publisher
	provider     agent.LLMProvider
	catalog      *tools.Catalog
	registry     *registry.Registry
	webhooks     *webhook.Dispatcher
	orchestrator *orchestrator.Orchestrator

	gatewayServer *gateway.Server
	watcher       *config.Watcher
	configLoader  *config.Loader

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a snapshot of the daemon state.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
	Queue     map[string]map[taskqueue.Status]int
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithProvider replaces the failover provider built from the AI profiles.
func WithProvider(p agent.LLMProvider) Option {
	return func(d *Daemon) {
		d.provider = p
	}
}

// WithConfigWatch reloads the log level and rate limits when the file behind
// loader changes.
func WithConfigWatch(loader *config.Loader) Option {
	return func(d *Daemon) {
		d.configLoader = loader
	}
}

var newProvider = func(cfg *config.Config, log *logger.Logger) (agent.LLMProvider, error) {
	return agent.NewFailoverProvider(agent.FailoverConfig{
		Profiles: cfg.AI.Profiles,
		Cooldown: cfg.Agent.ProviderCooldown,
		Logger:   log.GetZerolog(),
	})
}

// New builds the daemon. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := tracing.InitOpenTelemetry(tracing.ServiceName); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d, 30*time.Second)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.catalog != nil {
		d.catalog.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules opens storage and builds the job pipeline.
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()
	cfg := d.config

	if cfg.AuditLog != "" {
		if err := observability.InitAuditLogger(cfg.AuditLog); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			d.logger.Info().Str("path", cfg.AuditLog).Msg("Audit logger initialized")
		}
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		Driver:      cfg.Storage.Driver,
		BusyTimeout: cfg.Storage.BusyTimeout,
		Logger:      zl,
	})
	if err != nil {
		return err
	}
	d.store = st

	queue, err := taskqueue.New(taskqueue.Config{
		DB:            st.DB(),
		PollInterval:  cfg.Queue.PollInterval,
		LeaseDuration: cfg.Queue.LeaseDuration,
		SweepSchedule: cfg.Queue.SweepSchedule,
		Logger:        zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create task queue: %w", err)
	}
	d.queue = queue

	d.hub = events.NewHub(zl)
	d.publisher = events.NewPublisher(st, d.hub, zl)

	if d.provider == nil {
		provider, err := newProvider(cfg, d.logger)
		if err != nil {
			return fmt.Errorf("failed to create model provider: %w", err)
		}
		d.provider = provider
	}

	d.catalog = tools.NewCatalog(tools.Config{
		Fetch:   cfg.Tools.Fetch,
		Browser: cfg.Tools.Browser,
		Logger:  zl,
	})

	definitions, err := d.loadPacks()
	if err != nil {
		return err
	}
	d.registry = registry.New()
	if err := packs.Install(d.registry, definitions, packs.Deps{
		Provider: d.provider,
		Catalog:  d.catalog,
		Defaults: packs.Defaults{
			Model:        cfg.Agent.Model,
			Temperature:  cfg.Agent.Temperature,
			MaxTokens:    cfg.Agent.MaxTokens,
			MaxRounds:    cfg.Agent.MaxRounds,
			ModelRetries: cfg.Agent.ModelRetries,
			ModelBackoff: retry.Policy{BaseDelay: cfg.Agent.ModelBackoffBase, MaxDelay: cfg.Agent.ModelBackoffMax},
			ModelTimeout: cfg.Agent.ModelTimeout,
			ToolTimeout:  cfg.Agent.ToolTimeout,
		},
		Logger: zl,
	}); err != nil {
		return fmt.Errorf("failed to install agent packs: %w", err)
	}

	webhooks, err := webhook.NewDispatcher(webhook.Config{
		Store:       st,
		Queue:       queue,
		Secret:      cfg.Webhook.Secret,
		Timeout:     cfg.Webhook.Timeout,
		Policy:      cfg.Webhook.Policy(),
		Concurrency: cfg.Webhook.Concurrency,
		UserAgent:   cfg.Webhook.UserAgent,
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create webhook dispatcher: %w", err)
	}
	d.webhooks = webhooks

	orch, err := orchestrator.New(st, queue, d.registry, d.publisher,
		orchestrator.WithWebhooks(webhooks),
		orchestrator.WithRetryPolicy(cfg.Queue.JobPolicy()),
		orchestrator.WithConcurrency(cfg.Queue.Concurrency),
		orchestrator.WithLogger(zl),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch

	d.logger.Info().
		Str("store", cfg.Storage.Path).
		Str("provider", d.provider.Provider()).
		Strs("packs", d.registry.Packs()).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) loadPacks() (*packs.File, error) {
	definitions := &packs.File{}
	if !d.config.Packs.DisableBuiltin {
		builtin, err := packs.Builtin()
		if err != nil {
			return nil, fmt.Errorf("failed to load built-in packs: %w", err)
		}
		definitions = builtin
	}
	if d.config.Packs.File != "" {
		extra, err := packs.LoadFile(d.config.Packs.File)
		if err != nil {
			return nil, err
		}
		definitions = definitions.Merge(extra)
	}
	return definitions, nil
}

// initializeServices builds the outward facing services.
func (d *Daemon) initializeServices() error {
	server, err := gateway.NewServer(gateway.Config{
		Host:       d.config.Gateway.Host,
		Port:       d.config.Gateway.Port,
		APIToken:   d.config.Gateway.APIToken,
		Submitter:  d.orchestrator,
		Store:      d.store,
		Agents:     d.registry,
		Hub:        d.hub,
		RateLimits: d.config.Gateway.RateLimits,
		Logger:     d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server
	return nil
}

// Start writes the PID file and starts the workers, the gateway and the
// config watcher.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting agentjobs daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if n, err := d.queue.RecoverExpired(d.ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to recover expired task leases")
	} else if n > 0 {
		logger.Info().Int("tasks", n).Msg("Recovered tasks from a previous run")
	}

	if err := d.queue.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start task queue: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		d.queue.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	if d.configLoader != nil {
		watcher, err := config.NewWatcher(d.configLoader, d.logger.GetZerolog(), d.ApplyConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			d.watcher = watcher
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().
		Str("addr", fmt.Sprintf("%s:%d", d.config.Gateway.Host, d.config.Gateway.Port)).
		Msg("Daemon started")
	return nil
}

// ApplyConfig applies the settings that can change without a restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.logger.SetLevel(cfg.Logging.Level)
	d.gatewayServer.UpdateRateLimits(cfg.Gateway.RateLimits)

	d.mu.Lock()
	d.config.Logging.Level = cfg.Logging.Level
	d.config.Gateway.RateLimits = cfg.Gateway.RateLimits
	d.mu.Unlock()

	observability.RecordConfigAudit(d.ctx, "reload", "watcher", map[string]interface{}{
		"log_level":         cfg.Logging.Level,
		"tenant_per_minute": cfg.Gateway.RateLimits.TenantPerMinute,
		"user_per_minute":   cfg.Gateway.RateLimits.UserPerMinute,
	})
	d.logger.Info().
		Str("log_level", cfg.Logging.Level).
		Int("tenant_per_minute", cfg.Gateway.RateLimits.TenantPerMinute).
		Int("user_per_minute", cfg.Gateway.RateLimits.UserPerMinute).
		Msg("Runtime settings applied")
}

// Stop shuts everything down in reverse order. In-flight tasks are released
// back to the queue.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping agentjobs daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	cancelShutdown()

	d.queue.Stop()
	d.hub.Close()

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.close(logger)
	logger.Info().Msg("Daemon stopped")
	return nil
}

// Close releases resources of a daemon that was never started, such as one
// built by a CLI command to submit a single job.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.cancel()
	d.close(d.logger.GetZerolog())
	return nil
}

func (d *Daemon) close(logger zerolog.Logger) {
	if err := d.catalog.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close tool catalog")
	}
	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close store")
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{Running: d.running, StartTime: d.startTime}
	d.mu.RUnlock()
	if status.Running {
		status.Uptime = time.Since(status.StartTime)
	}
	if stats, err := d.queue.Stats(d.ctx); err == nil {
		status.Queue = stats
	}
	return status
}

// Wait blocks until the daemon context is cancelled.
func (d *Daemon) Wait() {
	<-d.ctx.Done()
}

// GetConfig returns the daemon config
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetStore returns the job store
func (d *Daemon) GetStore() *store.Store {
	return d.store
}

// GetQueue returns the task queue
func (d *Daemon) GetQueue() *taskqueue.Queue {
	return d.queue
}

// GetOrchestrator returns the job orchestrator
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// GetRegistry returns the agent registry
func (d *Daemon) GetRegistry() *registry.Registry {
	return d.registry
}

// GetGatewayServer returns the HTTP gateway
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
