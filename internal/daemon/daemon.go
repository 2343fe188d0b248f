// Package daemon runs the long-lived gateway process: the engine, the HTTP
// gateway, the retention pruner and a maintenance loop.
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

	"github.com/harun/personakit/internal/config"
	"github.com/harun/personakit/internal/logger"
	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/internal/tracing"
	"github.com/harun/personakit/pkg/engine"
	"github.com/harun/personakit/pkg/gateway"
	"github.com/harun/personakit/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

// Version is the release reported by the CLI and the tracer resource
const Version = "0.1.0"

// Daemon represents the personakit gateway service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	components    *Components
	gatewayServer *gateway.Server
	pruner        *storage.Pruner

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

// Status describes a daemon
type Status struct {
	Running       bool          `json:"running"`
	Uptime        time.Duration `json:"uptime"`
	StartTime     time.Time     `json:"start_time"`
	Address       string        `json:"address,omitempty"`
	LiveSessions  int           `json:"live_sessions"`
	StreamClients int           `json:"stream_clients"`
}

// New creates a daemon
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	zl := log.GetZerolog()

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.ProviderConfig{
			ServiceName:    "personakit",
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}); err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			zl.Info().Msg("Tracing initialized successfully")
		}
	}

	components, err := NewComponents(cfg, zl)
	if err != nil {
		d.shutdownTracing()
		cancel()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	d.components = components

	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		Engine:            components.Engine,
		SharedSecret:      cfg.Gateway.SharedSecret,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Logger:            log.Component("gateway"),
	})
	if err != nil {
		_ = components.Close()
		d.shutdownTracing()
		cancel()
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer

	if cfg.Storage.Retention.Enabled && storage.IsConfigured(components.Storage) {
		pruner, err := storage.NewPruner(storage.PrunerConfig{
			Store:    components.Storage,
			MaxAge:   cfg.Storage.Retention.MaxAge,
			Schedule: cfg.Storage.Retention.Schedule,
			Logger:   log.Component("retention"),
		})
		if err != nil {
			_ = components.Close()
			d.shutdownTracing()
			cancel()
			return nil, fmt.Errorf("failed to create pruner: %w", err)
		}
		d.pruner = pruner
	}

	d.eventLoop = NewEventLoop(d, DefaultMaintenanceInterval, DefaultIdleEviction)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// Start starts every service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting personakit daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.DataDir != "" {
		auditPath := filepath.Join(d.config.DataDir, "audit.log")
		if err := observability.OpenAuditLog(auditPath); err != nil {
			logger.Warn().Err(err).Msg("Failed to open audit log")
		}
	}

	if err := d.components.Agents.Watch(); err != nil {
		logger.Warn().Err(err).Msg("Failed to watch agent definitions")
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if d.pruner != nil {
		if err := d.pruner.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start session pruner")
		} else {
			logger.Info().Dur("max_age", d.pruner.MaxAge()).Msg("Session pruner started")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop shuts the gateway down, then releases the engine and storage
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping personakit daemon")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.pruner != nil && d.pruner.IsRunning() {
		if err := d.pruner.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session pruner")
		}
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.components.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close engine")
	}

	d.shutdownTracing()

	if err := observability.CloseAuditLog(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		log := d.logger.GetZerolog()
		log.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:       d.running,
		LiveSessions:  len(d.components.Engine.LiveSessionIDs()),
		StreamClients: len(d.gatewayServer.GetConnectedClients()),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Address = d.gatewayServer.Addr()
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	log := d.logger.GetZerolog()
	log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetEngine returns the session engine
func (d *Daemon) GetEngine() *engine.Engine {
	return d.components.Engine
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetPruner returns the retention pruner, nil when retention is off
func (d *Daemon) GetPruner() *storage.Pruner {
	return d.pruner
}
