package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"watchtower/internal/clock"
	"watchtower/internal/config"
	"watchtower/internal/escalate"
	"watchtower/internal/events"
	"watchtower/internal/logging"
	"watchtower/internal/mailer"
	"watchtower/internal/monitor"
	"watchtower/internal/probe"
	"watchtower/internal/sched"
	"watchtower/internal/store"
	"watchtower/internal/token"
	"watchtower/internal/window"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable monitoring service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     store.IncidentStore
	monitor   *monitor.Engine
	escalate  *escalate.Engine
	bus       events.Publisher
	consumer  interface{ Close() error }
	scheduler sched.Scheduler
	httpSrv   *http.Server
	cron      *cron.Cron
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}

	if err := service.buildStore(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildEscalation(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildEventPipeline(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildScheduler(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.buildMonitor()
	service.buildHTTPServer()

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Service.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", s.cfg.Monitor.PollIntervalSec)
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.monitor.Tick(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("monitor tick failed", "error", err.Error())
		}
	}); err != nil {
		_ = s.shutdown()
		return fmt.Errorf("schedule monitor tick: %w", err)
	}
	s.cron.Start()
	s.logger.Info("monitor started",
		"poll_interval_sec", s.cfg.Monitor.PollIntervalSec,
		"mode", s.cfg.Service.Mode,
		"store", s.cfg.Store.Backend,
		"scheduler", s.cfg.Escalate.Scheduler)

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error("event publisher close failed", "error", err.Error())
			markErr(fmt.Errorf("event publisher close: %w", err))
		}
	}
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.logger.Error("event consumer close failed", "error", err.Error())
			markErr(fmt.Errorf("event consumer close: %w", err))
		}
	}
	if s.scheduler != nil {
		if err := s.scheduler.Close(); err != nil {
			s.logger.Error("scheduler close failed", "error", err.Error())
			markErr(fmt.Errorf("scheduler close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.scheduler != nil {
		_ = s.scheduler.Close()
		s.scheduler = nil
	}
	if s.consumer != nil {
		_ = s.consumer.Close()
		s.consumer = nil
	}
	if s.bus != nil {
		_ = s.bus.Close()
		s.bus = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStore creates the incident state backend from config.
// Params: none.
// Returns: setup error.
func (s *Service) buildStore() error {
	switch s.cfg.Store.Backend {
	case config.StoreBackendMemory:
		s.store = store.NewMemoryStore(s.clock.Now)
		return nil
	case config.StoreBackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := store.NewPostgresStore(ctx, s.cfg.Store.PostgresURI, s.cfg.Monitor.ClaimBatch, s.clock.Now)
		if err != nil {
			return err
		}
		s.store = pg
		return nil
	default:
		return fmt.Errorf("unsupported store backend %q", s.cfg.Store.Backend)
	}
}

// buildEscalation wires the mailer, token issuer, and escalation engine.
// Params: none.
// Returns: setup error.
func (s *Service) buildEscalation() error {
	issuer, err := token.NewIssuer(
		s.cfg.Token.Secret,
		time.Duration(s.cfg.Token.ExpiryMin)*time.Minute,
		s.clock.Now,
	)
	if err != nil {
		return err
	}
	notifier := mailer.NewSMTPMailer(mailer.SMTPConfig{
		Host:           s.cfg.Mailer.Host,
		Port:           s.cfg.Mailer.Port,
		Username:       s.cfg.Mailer.Username,
		Password:       s.cfg.Mailer.Password,
		From:           s.cfg.Mailer.From,
		TimeoutSeconds: s.cfg.Mailer.TimeoutSec,
	})
	s.escalate = escalate.NewEngine(
		s.store,
		notifier,
		issuer,
		s.clock,
		time.Duration(s.cfg.Escalate.DelaySec)*time.Second,
		s.cfg.Service.PublicBaseURL,
		s.logger,
	)
	return nil
}

// buildEventPipeline wires the lifecycle event transport for the mode.
// Single mode uses the in-process bus; nats mode publishes to JetStream
// and consumes through a durable queue group.
// Params: none.
// Returns: setup error.
func (s *Service) buildEventPipeline() error {
	if isSingleMode(s.cfg) {
		s.bus = events.NewInprocBus(s.escalate.HandleEvent, s.logger, 256)
		return nil
	}

	publisher, err := events.NewNATSPublisher(s.cfg.Events.NATS)
	if err != nil {
		return err
	}
	consumer, err := events.NewNATSConsumer(s.cfg.Events.NATS, s.logger, s.escalate.HandleEvent)
	if err != nil {
		_ = publisher.Close()
		return err
	}
	s.bus = publisher
	s.consumer = consumer
	return nil
}

// buildScheduler creates the escalation-check scheduler backend.
// Params: none.
// Returns: setup error.
func (s *Service) buildScheduler() error {
	var (
		scheduler sched.Scheduler
		err       error
	)
	switch s.cfg.Escalate.Scheduler {
	case config.SchedulerMemory:
		scheduler = sched.NewMemoryScheduler(s.escalate.HandleEscalationCheck, s.logger)
	case config.SchedulerNATS:
		scheduler, err = sched.NewNATSScheduler(s.cfg.Escalate.NATS, s.escalate.HandleEscalationCheck, s.clock, s.logger)
	case config.SchedulerRedis:
		scheduler, err = sched.NewRedisScheduler(s.cfg.Escalate.Redis, s.escalate.HandleEscalationCheck, s.clock, s.logger)
	default:
		err = fmt.Errorf("unsupported scheduler backend %q", s.cfg.Escalate.Scheduler)
	}
	if err != nil {
		return err
	}
	s.scheduler = scheduler
	s.escalate.SetScheduler(scheduler)
	return nil
}

// buildMonitor creates the probing engine.
// Params: none.
// Returns: none.
func (s *Service) buildMonitor() {
	s.monitor = monitor.NewEngine(
		s.store,
		probe.New(),
		window.New(),
		s.bus,
		s.clock,
		s.logger,
	)
}

// buildHTTPServer mounts the API router on the configured listener.
// Params: none.
// Returns: none.
func (s *Service) buildHTTPServer() {
	mux := newRouter(&api{
		store:    s.store,
		escalate: s.escalate,
		bus:      s.bus,
		ready:    &s.readyFlag,
		logger:   s.logger,
	})
	s.httpSrv = newHTTPServer(s.cfg.Service.Listen, mux)
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
