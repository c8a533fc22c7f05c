// Package daemon hosts the bridge: it builds the shared collaborators and the
// configured channels from config and runs them until shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/ranya-bridge/internal/config"
	"github.com/harun/ranya-bridge/internal/logger"
	"github.com/harun/ranya-bridge/internal/observability"
	"github.com/harun/ranya-bridge/internal/tracing"
	"github.com/harun/ranya-bridge/pkg/access"
	"github.com/harun/ranya-bridge/pkg/agent"
	"github.com/harun/ranya-bridge/pkg/channels"
	"github.com/harun/ranya-bridge/pkg/conversation"
	"github.com/harun/ranya-bridge/pkg/cursor"
	"github.com/harun/ranya-bridge/pkg/observer"
	"github.com/harun/ranya-bridge/pkg/state"
	"github.com/harun/ranya-bridge/pkg/store"
)

const (
	storeFileName  = "bridge.db"
	cursorFileName = "cursors.db"

	channelStopTimeout = 10 * time.Second
)

// Daemon represents the bridge service
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger

	// Shared collaborators
	store    *store.Store
	cursors  *cursor.SQLiteStore
	executor *agent.Executor
	mapper   *conversation.Mapper
	tracker  *state.Tracker
	access   *access.Controller
	registry *channels.Registry

	// Services
	lifecycle   *LifecycleManager
	reporter    *StateReporter
	watcher     *ConfigWatcher
	diagnostics *DiagnosticsServer

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool                 `json:"running"`
	StartTime time.Time            `json:"start_time,omitempty"`
	Uptime    time.Duration        `json:"uptime"`
	Channels  []state.ChannelState `json:"channels"`
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithConfigPath enables hot reload of allow-lists from path.
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		d.closeStorage()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		cancel()
		d.closeStorage()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules opens storage and builds the pipeline collaborators.
func (d *Daemon) initializeCoreModules() error {
	if d.config.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(d.config.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			d.logger.Info().Str("path", d.config.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	st, err := store.Open(filepath.Join(d.config.DataDir, storeFileName), d.logger.Component("store"))
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	d.store = st
	d.logger.Info().Msg("Conversation store initialized")

	cursors, err := cursor.OpenSQLite(filepath.Join(d.config.DataDir, cursorFileName))
	if err != nil {
		return fmt.Errorf("failed to open cursor store: %w", err)
	}
	d.cursors = cursors

	provider, err := agent.NewProvider(agent.ProviderConfig{
		Provider: d.config.Agent.Provider,
		APIKey:   d.config.Agent.APIKey,
		BaseURL:  d.config.Agent.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent provider: %w", err)
	}
	d.executor = agent.NewExecutor(provider, d.store, agent.Config{
		Model:        d.config.Agent.Model,
		MaxTokens:    d.config.Agent.MaxTokens,
		Temperature:  d.config.Agent.Temperature,
		SystemPrompt: d.config.Agent.SystemPrompt,
		HistoryLimit: d.config.Agent.HistoryLimit,
		Timeout:      d.config.Agent.Timeout,
	}, d.logger.GetZerolog())
	d.logger.Info().Str("provider", provider.Provider()).Str("model", d.config.Agent.Model).Msg("Agent executor initialized")

	d.mapper = conversation.NewMapper(d.store)
	latest, ok, err := d.store.LatestConversation(d.ctx)
	if err != nil {
		return fmt.Errorf("failed to restore active conversation: %w", err)
	}
	if ok {
		d.mapper.Restore(latest)
		d.logger.Info().Str("conversation_id", latest).Msg("Active conversation restored")
	}

	d.tracker = state.NewTracker()
	d.access = access.NewController(d.config.AllowLists())
	return nil
}

// initializeServices builds the channels and the supporting services.
func (d *Daemon) initializeServices() error {
	deps := channels.Deps{
		Mapper:   d.mapper,
		Store:    d.store,
		Executor: d.executor,
		Observer: observer.New(d.store,
			observer.WithGraceChecks(d.config.Bridge.GraceChecks),
			observer.WithGraceTick(d.config.Bridge.GraceTick),
		),
		Tracker:         d.tracker,
		Access:          d.access,
		Logger:          d.logger.GetZerolog(),
		TypingInterval:  d.config.Bridge.TypingInterval,
		ResponseTimeout: d.config.Bridge.ResponseTimeout,
	}

	d.registry = channels.NewRegistry(d.logger.GetZerolog())
	built, err := buildChannels(d.config, deps, d.cursors)
	if err != nil {
		return err
	}
	for _, ch := range built {
		if err := d.registry.Register(ch); err != nil {
			return err
		}
	}
	d.logger.Info().Int("count", len(built)).Msg("Channels configured")

	reporter, err := NewStateReporter(d.config.Diagnostics.StateReportSchedule, d.tracker, d.registry, d.logger.Component("state"))
	if err != nil {
		return fmt.Errorf("failed to create state reporter: %w", err)
	}
	d.reporter = reporter

	if d.configPath != "" {
		d.watcher = NewConfigWatcher(d.configPath, d.access, d.logger.Component("config"))
	}

	if d.config.Diagnostics.Enabled {
		d.diagnostics = NewDiagnosticsServer(d.config.Diagnostics.ListenAddr, d.tracker, d.logger.Component("diagnostics"))
	}
	return nil
}

// Start starts the daemon service
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
	logger.Info().Msg("Starting bridge daemon")

	if err := d.lifecycle.Start(); err != nil {
		// The PID file belongs to another daemon; release storage without touching it.
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.cancel()
		d.closeStorage()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.diagnostics != nil {
		if err := d.diagnostics.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start diagnostics server")
		} else {
			logger.Info().Str("addr", d.diagnostics.Addr()).Msg("Diagnostics server started")
		}
	}

	// Individual channel failures are logged and reported; the rest keep running.
	if err := d.registry.StartAll(d.ctx); err != nil {
		logger.Error().Err(err).Msg("Some channels failed to start")
	}
	logger.Info().Strs("channels", kindNames(d.registry.Started())).Msg("Channels started")

	d.reporter.Start()

	if d.watcher != nil {
		if err := d.watcher.Start(d.ctx); err != nil {
			logger.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	observability.RecordConfigAudit(d.ctx, "daemon_start", map[string]interface{}{
		"channels": kindNames(d.registry.Kinds()),
	})
	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping bridge daemon")

	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.reporter.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), channelStopTimeout)
	if err := d.registry.StopAll(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
	}
	cancel()

	if err := d.executor.Close(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to drain agent executor")
	}

	if d.diagnostics != nil {
		if err := d.diagnostics.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop diagnostics server")
		}
	}

	d.cancel()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeStorage()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) closeStorage() {
	if d.cursors != nil {
		if err := d.cursors.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close cursor store")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close conversation store")
		}
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Channels: d.tracker.Snapshot(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetChannelRegistry returns the channel registry
func (d *Daemon) GetChannelRegistry() *channels.Registry {
	return d.registry
}

// GetAccessController returns the allow-list controller
func (d *Daemon) GetAccessController() *access.Controller {
	return d.access
}

// Broadcast sends msg to the last chat of every started channel.
func (d *Daemon) Broadcast(ctx context.Context, content string) error {
	return d.registry.Broadcast(ctx, channels.OutboundMessage{Content: content, Timestamp: time.Now()})
}

func kindNames(kinds []channels.ChannelKind) []string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	return names
}
