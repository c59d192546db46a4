// Package daemon runs the long-lived agentflow process: it serves controller
// commands over the workspace socket, prunes stale records on a timer and
// exposes flow metrics over HTTP.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/agentflow/internal/events"
	"github.com/msageha/agentflow/internal/flow"
	"github.com/msageha/agentflow/internal/lock"
	"github.com/msageha/agentflow/internal/logging"
	"github.com/msageha/agentflow/internal/model"
	"github.com/msageha/agentflow/internal/notify"
	"github.com/msageha/agentflow/internal/store"
	"github.com/msageha/agentflow/internal/uds"
)

const busBufferSize = 256

// Daemon is the main agentflow daemon process.
type Daemon struct {
	dir     string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	store    *store.Store
	bus      *events.Bus
	metrics  *flow.Metrics
	engine   *flow.Engine

	audit       *events.AuditLogger
	detachAudit func()

	notifySend   notify.SendFunc
	detachNotify func()

	metricsLn  net.Listener
	httpServer *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown sync.Once
	started  bool
}

// New creates a daemon logging to logs/agentflow.log under dir.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", "agentflow.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(dir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg.ApplyDefaults()
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon")

	bus := events.NewBus(busBufferSize)
	metrics := flow.NewMetrics()
	st := store.New(dir,
		store.WithLogger(logger.With("store")),
		store.WithMaxFileBytes(cfg.Limits.MaxYAMLFileBytes),
	)
	engine := flow.New(st,
		flow.WithBus(bus),
		flow.WithMetrics(metrics),
		flow.WithLogger(logger.With("flow")),
		flow.WithPollInterval(time.Duration(cfg.Flow.PollIntervalMs)*time.Millisecond),
		flow.WithFileWatch(cfg.Flow.WatchFiles),
		flow.WithMaxMessageBytes(cfg.Limits.MaxMessageBytes),
	)

	server := uds.NewServer(filepath.Join(dir, uds.DefaultSocketName))
	server.SetLogger(logger.With("uds"))

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		dir:      dir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dir, "locks", "daemon.lock")),
		server:   server,
		store:    st,
		bus:      bus,
		metrics:  metrics,
		engine:   engine,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Engine exposes the flow engine the daemon serves.
func (d *Daemon) Engine() *flow.Engine { return d.engine }

// MetricsAddr is the bound metrics listener address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsLn == nil {
		return ""
	}
	return d.metricsLn.Addr().String()
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up without blocking. Call Shutdown to stop.
func (d *Daemon) Start() error {
	// Step 1: single daemon per workspace
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d dir=%s", os.Getpid(), d.dir)

	// Step 2: make sure every collection file exists
	if err := d.store.Init(); err != nil {
		d.cleanup()
		return fmt.Errorf("init store: %w", err)
	}

	// Step 3: audit trail of flow events
	if d.config.Audit.Enabled {
		audit, err := events.NewAuditLogger(filepath.Join(d.dir, "logs", "audit.jsonl"), d.config.Audit.MaxSizeBytes)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("open audit log: %w", err)
		}
		audit.EnableChecksum(true)
		d.audit = audit
		d.detachAudit = audit.Attach(d.bus, func(err error) {
			d.logger.Warnf("audit write: %v", err)
		})
	}

	// Step 3.5: desktop notifications for the human controller
	if d.config.Notify.Enabled {
		n := notify.NewNotifier(d.notifySend, time.Duration(d.config.Notify.MinIntervalSec)*time.Second, d.logger.With("notify"))
		d.detachNotify = n.Attach(d.bus)
	}

	// Step 4: controller commands
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", d.server.SocketPath())

	// Step 5: metrics endpoint
	if addr := d.config.Daemon.MetricsAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			d.server.Stop()
			d.cleanup()
			return fmt.Errorf("listen metrics on %s: %w", addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		d.metricsLn = ln
		d.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		d.logger.Infof("metrics listening on http://%s/metrics", ln.Addr())
	}

	// Step 6: background loops
	g, ctx := errgroup.WithContext(d.ctx)
	d.group = g
	g.Go(func() error {
		d.cleanupLoop(ctx)
		return nil
	})
	if d.httpServer != nil {
		g.Go(func() error {
			if err := d.httpServer.Serve(d.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	d.started = true
	d.logger.Infof("daemon ready")
	return nil
}

// cleanupLoop prunes stale records once at start and then on every tick.
func (d *Daemon) cleanupLoop(ctx context.Context) {
	interval := time.Duration(d.config.Flow.CleanupIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.runCleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCleanup()
		}
	}
}

// runCleanup prunes finished records. Agents still blocked in a wait keep
// their session and conversation however old they are.
func (d *Daemon) runCleanup() {
	maxAge := time.Duration(d.config.Flow.MaxAgeHours) * time.Hour
	if _, err := d.engine.CleanupStale(maxAge); err != nil {
		d.logger.Errorf("periodic cleanup: %v", err)
	}
}

// waitSignals blocks until a shutdown signal arrives or Shutdown is called.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.ctx.Done():
		d.Shutdown()
		return
	}

	// Second signal forces exit
	go func() {
		<-sigCh
		d.logger.Warnf("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")
		d.cancel()

		if !d.started {
			d.cleanup()
			return
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		d.server.Stop()
		if d.httpServer != nil {
			if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
				d.logger.Warnf("metrics server shutdown: %v", err)
			}
		}

		done := make(chan error, 1)
		go func() { done <- d.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				d.logger.Errorf("background loop: %v", err)
			}
		case <-shutdownCtx.Done():
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.logger.Infof("daemon stopped")
	})
}

// Done is closed once shutdown has begun.
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	if d.detachAudit != nil {
		d.detachAudit()
	}
	if d.detachNotify != nil {
		d.detachNotify()
	}
	d.bus.Close()
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warnf("close audit log: %v", err)
		}
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warnf("close store: %v", err)
	}
	_ = os.Remove(d.server.SocketPath())
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
