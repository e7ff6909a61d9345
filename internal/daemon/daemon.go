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

	"github.com/rs/zerolog"

	"github.com/harun/scoop/internal/config"
	"github.com/harun/scoop/internal/logger"
	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/agent"
	"github.com/harun/scoop/pkg/coretools"
	"github.com/harun/scoop/pkg/gateway"
	"github.com/harun/scoop/pkg/hooks"
	"github.com/harun/scoop/pkg/runqueue"
	"github.com/harun/scoop/pkg/session"
	"github.com/harun/scoop/pkg/speech"
)

// Daemon owns every long-lived component of a scoop process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store    session.Store
	sweeper  *session.Sweeper
	agents   *agent.Registry
	provider agent.LLMProvider
	queue    *runqueue.Queue
	hub      *hooks.Hub
	audio    *speech.FileStore
	runner   *agent.Runner
	gateway  *gateway.Server
	audit    *observability.AuditLog

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
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time,omitzero"`
	Uptime    time.Duration `json:"uptime"`
	Agents    int           `json:"agents"`
	Clients   int           `json:"clients"`
}

var newProvider = func(cfg config.ModelsConfig, log zerolog.Logger) (agent.LLMProvider, error) {
	return agent.NewFailoverProvider(agent.FailoverConfig{
		Profiles: authProfiles(cfg.Profiles),
		Retries:  cfg.Retries,
		Cooldown: cfg.Cooldown,
		Logger:   log,
	})
}

// New builds every component described by cfg without starting the
// listeners. The agent registry is loaded once here so that one-shot
// commands can run agents straight away.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
	}); err != nil {
		zl := log.Zerolog()
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else if cfg.Tracing.Enabled {
		d.tracingEnabled = true
		zl := log.Zerolog()
		zl.Info().Str("exporter", cfg.Tracing.Exporter).Msg("Tracing initialized")
	}

	if err := d.initializeCoreModules(); err != nil {
		d.close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := cfg.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	audit, err := observability.OpenAuditLog(auditPath)
	if err != nil {
		zl.Warn().Err(err).Msg("Failed to open audit log, auditing disabled")
	} else {
		d.audit = audit
		zl.Info().Str("path", auditPath).Msg("Audit log opened")
	}

	store, err := session.Open(session.Config{
		Backend: cfg.Session.Backend,
		Dir:     cfg.Session.Dir,
		Redis: session.RedisConfig{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
			Prefix:   cfg.Session.Redis.Prefix,
			TTL:      cfg.Session.Redis.TTL,
		},
	}, zl)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = store
	zl.Info().Str("backend", cfg.Session.Backend).Msg("Session store opened")

	d.agents = agent.NewRegistry(cfg.AgentsDir, zl)
	if err := os.MkdirAll(cfg.AgentsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create agents directory: %w", err)
	}
	if err := d.agents.Load(); err != nil {
		// Broken files are skipped; the rest of the registry stays usable.
		zl.Warn().Err(err).Msg("Some agent definitions failed to load")
	}
	zl.Info().Int("agents", len(d.agents.List())).Str("dir", cfg.AgentsDir).Msg("Agent registry loaded")

	provider, err := newProvider(cfg.Models, zl)
	if err != nil {
		return fmt.Errorf("failed to create model provider: %w", err)
	}
	d.provider = provider

	d.hub = hooks.NewHub(zl)
	if err := hooks.AttachScripts(d.hub, scriptHooks(cfg.Hooks), zl); err != nil {
		return fmt.Errorf("failed to attach hook scripts: %w", err)
	}

	var synth speech.Synthesizer
	if cfg.Speech.Enabled {
		synth, err = d.initializeSpeech()
		if err != nil {
			return err
		}
	}

	d.queue = runqueue.New(runqueue.Config{
		DefaultTimeout: cfg.Runtime.AdmissionTimeout,
		Logger:         zl,
	})

	runner, err := agent.NewRunner(agent.Config{
		Store:        d.store,
		Queue:        d.queue,
		Provider:     d.provider,
		Agents:       d.agents,
		Hub:          d.hub,
		Synthesizer:  synth,
		DefaultModel: cfg.Models.Default,
		Runtime: agent.RuntimeConfig{
			AdmissionTimeout:  cfg.Runtime.AdmissionTimeout,
			RoundTripDelay:    cfg.Runtime.RoundTripDelay,
			StageDelay:        cfg.Runtime.StageDelay,
			MaxRoundTrips:     cfg.Runtime.MaxRoundTrips,
			ToolTimeout:       cfg.Runtime.ToolTimeout,
			MinSentenceLength: cfg.Runtime.MinSentenceLength,
			MaxAgentDepth:     cfg.Runtime.MaxAgentDepth,
		},
		Logger: zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner
	if err := coretools.Register(runner, coretools.Options{WorkspaceRoot: cfg.Runtime.WorkspaceDir}); err != nil {
		return fmt.Errorf("failed to register built-in tools: %w", err)
	}
	zl.Info().Str("workspace", cfg.Runtime.WorkspaceDir).Msg("Agent runner initialized")
	return nil
}

func (d *Daemon) initializeSpeech() (speech.Synthesizer, error) {
	cfg := d.config.Speech
	audio, err := speech.NewFileStore(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio store: %w", err)
	}
	d.audio = audio

	switch cfg.Provider {
	case "", "openai":
	default:
		return nil, fmt.Errorf("unsupported speech provider: %s", cfg.Provider)
	}
	synth, err := speech.NewOpenAISynthesizer(speech.OpenAIConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Voice:   cfg.Voice,
		Format:  cfg.Format,
		Speed:   cfg.Speed,
		Timeout: cfg.Timeout,
	}, audio)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}
	zl := d.logger.Zerolog()
	zl.Info().Str("dir", audio.Dir()).Str("voice", cfg.Voice).Msg("Speech synthesis enabled")
	return synth, nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	sweeper, err := session.NewSweeper(d.store, session.SweeperConfig{
		Schedule: cfg.Session.CleanupSchedule,
		MaxAge:   cfg.Session.MaxAge,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create session sweeper: %w", err)
	}
	d.sweeper = sweeper

	srv, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		Secret:            cfg.Gateway.SharedSecret,
		Runner:            d.runner,
		Store:             d.store,
		Audio:             d.audio,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Logger:            zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = srv
	return nil
}

// Start writes the PID file and starts the gateway, the session sweeper
// and the agent directory watcher.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting scoop daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gateway.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	log.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")

	d.sweeper.Start()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.agents.Watch(d.ctx); err != nil {
			log.Warn().Err(err).Msg("Agent directory watcher stopped")
		}
	}()

	log.Info().Msg("Daemon started")
	return nil
}

// Stop shuts the components down in reverse start order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping scoop daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.gateway.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop gateway server")
	}
	d.sweeper.Stop(shutdownCtx)

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.close()
	log.Info().Msg("Daemon stopped")
	return nil
}

// Close releases the resources New acquired. Use it instead of Stop when
// the daemon was never started.
func (d *Daemon) Close() {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		_ = d.Stop()
		return
	}
	d.close()
}

func (d *Daemon) close() {
	d.cancel()
	zl := d.logger.Zerolog()
	if d.queue != nil {
		d.queue.Close()
		d.queue = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			zl.Error().Err(err).Msg("Failed to close session store")
		}
		d.store = nil
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.Shutdown(ctx); err != nil {
			zl.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			zl.Error().Err(err).Msg("Failed to close audit log")
		}
		d.audit = nil
	}
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Agents:  len(d.agents.List()),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
		status.Clients = len(d.gateway.Clients())
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	zl := d.logger.Zerolog()
	zl.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Config returns the daemon configuration.
func (d *Daemon) Config() *config.Config { return d.config }

// Runner returns the agent runner.
func (d *Daemon) Runner() *agent.Runner { return d.runner }

// Agents returns the agent registry.
func (d *Daemon) Agents() *agent.Registry { return d.agents }

// Store returns the session store.
func (d *Daemon) Store() session.Store { return d.store }

// Audio returns the audio store, or nil when speech is disabled.
func (d *Daemon) Audio() *speech.FileStore { return d.audio }

// Gateway returns the gateway server.
func (d *Daemon) Gateway() *gateway.Server { return d.gateway }
