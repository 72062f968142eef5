package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/animus-labs/flowgate/internal/adapter"
	"github.com/animus-labs/flowgate/internal/adapter/catalogue"
	"github.com/animus-labs/flowgate/internal/archive"
	"github.com/animus-labs/flowgate/internal/auditexport"
	"github.com/animus-labs/flowgate/internal/bus"
	"github.com/animus-labs/flowgate/internal/humangate"
	"github.com/animus-labs/flowgate/internal/ledger"
	"github.com/animus-labs/flowgate/internal/orchestrator"
	"github.com/animus-labs/flowgate/internal/platform/env"
	"github.com/animus-labs/flowgate/internal/platform/telemetry"
	"github.com/animus-labs/flowgate/internal/policy"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/scheduler"
	"github.com/animus-labs/flowgate/internal/storage/objectstore"
	"github.com/animus-labs/flowgate/internal/template"
)

type serviceConfig struct {
	Engine        orchestrator.Config
	Gate          humangate.Config
	Bus           bus.Config
	Archive       archive.Config
	Export        auditexport.Config
	TemplateDir   string
	PolicyDir     string
	AdapterConfig string
}

func serviceConfigFromEnv() (serviceConfig, error) {
	engineCfg, err := orchestrator.ConfigFromEnv()
	if err != nil {
		return serviceConfig{}, fmt.Errorf("engine config: %w", err)
	}
	gateCfg, err := humangate.ConfigFromEnv()
	if err != nil {
		return serviceConfig{}, fmt.Errorf("ticket config: %w", err)
	}
	busCfg, err := bus.ConfigFromEnv()
	if err != nil {
		return serviceConfig{}, fmt.Errorf("bus config: %w", err)
	}
	exportCfg, err := auditexport.ConfigFromEnv()
	if err != nil {
		return serviceConfig{}, fmt.Errorf("audit export config: %w", err)
	}
	return serviceConfig{
		Engine: engineCfg,
		Gate:   gateCfg,
		Bus:    busCfg,
		Archive: archive.Config{
			Bucket: env.String("ARCHIVE_MINIO_BUCKET", "flowgate-run-archive"),
			Prefix: env.String("ARCHIVE_KEY_PREFIX", "runs"),
		},
		Export:        exportCfg,
		TemplateDir:   env.String("TEMPLATE_DIR", ""),
		PolicyDir:     env.String("POLICY_DIR", ""),
		AdapterConfig: env.String("ADAPTER_CONFIG", ""),
	}, nil
}

// service owns the engine and everything it is wired to.
type service struct {
	logger *slog.Logger
	cfg    serviceConfig

	store      repo.Store
	bus        *bus.InProc
	ledger     *ledger.Ledger
	templates  *template.Store
	policies   *policy.Registry
	adapters   *adapter.Registry
	gate       *humangate.Service
	scheduler  *scheduler.Scheduler
	dispatcher *orchestrator.Dispatcher
	engine     *orchestrator.Engine
	archiver   *archive.Archiver
	telemetry  *telemetry.Provider

	wg sync.WaitGroup
}

func newService(logger *slog.Logger, cfg serviceConfig, store repo.Store, objects objectstore.Store, tel *telemetry.Provider) (*service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	metrics := tel.Metrics()
	s := &service{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		telemetry: tel,
		bus:       bus.NewInProc(logger, cfg.Bus),
		templates: template.NewStore(),
		policies:  policy.NewRegistry(),
		adapters:  adapter.NewRegistry(),
	}
	s.ledger = ledger.New(store, metrics)

	if err := s.adapters.Register("echo", adapter.Echo); err != nil {
		return nil, err
	}

	gate, err := humangate.New(logger, cfg.Gate, store, s.ledger, s.bus, metrics)
	if err != nil {
		return nil, fmt.Errorf("human gate: %w", err)
	}
	s.gate = gate
	s.scheduler = scheduler.New(logger, scheduler.PublishTo(s.bus))
	s.dispatcher = orchestrator.NewDispatcher(logger, s.adapters, s.bus, cfg.Engine.DefaultStepTimeout)

	engine, err := orchestrator.New(logger, cfg.Engine, orchestrator.Deps{
		Templates: s.templates,
		Policy:    policy.NewGate(s.policies),
		Gate:      gate,
		Store:     store,
		Ledger:    s.ledger,
		Bus:       s.bus,
		Timers:    s.scheduler,
		Canceller: s.dispatcher,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	s.engine = engine
	gate.SetAdvancer(engine)

	workers := cfg.Engine.DispatchWorkers
	if workers <= 0 {
		workers = 1
	}
	if err := engine.Attach(s.bus, workers); err != nil {
		return nil, fmt.Errorf("attach engine: %w", err)
	}
	if err := s.dispatcher.Attach(s.bus, workers); err != nil {
		return nil, fmt.Errorf("attach dispatcher: %w", err)
	}

	if objects != nil {
		archiver, err := archive.New(logger, cfg.Archive, objects, store, store, s.ledger)
		if err != nil {
			return nil, fmt.Errorf("archiver: %w", err)
		}
		archiver.SetMarker(engine)
		if err := s.bus.Subscribe(bus.TopicRunTerminal, "archiver", 1, archiver.HandleTerminal); err != nil {
			return nil, fmt.Errorf("attach archiver: %w", err)
		}
		s.archiver = archiver
	}
	return s, nil
}

// load reads templates, rule sets and the adapter catalogue from disk.
// Empty locations are skipped.
func (s *service) load() error {
	if dir := strings.TrimSpace(s.cfg.TemplateDir); dir != "" {
		n, err := s.templates.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("load templates: %w", err)
		}
		s.logger.Info("templates loaded", "dir", dir, "count", n)
	}
	if dir := strings.TrimSpace(s.cfg.PolicyDir); dir != "" {
		n, err := s.policies.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
		s.logger.Info("rule sets loaded", "dir", dir, "count", n)
	}
	if path := strings.TrimSpace(s.cfg.AdapterConfig); path != "" {
		n, err := catalogue.LoadInto(s.adapters, path)
		if err != nil {
			return fmt.Errorf("load adapters: %w", err)
		}
		s.logger.Info("adapters loaded", "path", path, "count", n)
	}
	return nil
}

// start recovers unfinished runs and launches the timer and ticket loops.
func (s *service) start(ctx context.Context) error {
	if s.cfg.Engine.RecoverOnStart {
		if _, err := s.engine.Recover(ctx); err != nil {
			return fmt.Errorf("recover runs: %w", err)
		}
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.scheduler.Run(ctx); err != nil {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.gate.Run(ctx, s.cfg.Gate.SweepInterval); err != nil {
			s.logger.Error("ticket sweep stopped", "error", err)
		}
	}()
	return nil
}

// close waits for the loops started by start, then drains the bus. The
// caller cancels the context passed to start first.
func (s *service) close(ctx context.Context) error {
	s.wg.Wait()
	if err := s.bus.Close(ctx); err != nil {
		return fmt.Errorf("close bus: %w", err)
	}
	if dead := s.bus.DeadLetters(); len(dead) > 0 {
		s.logger.Warn("dead letters at shutdown", "count", len(dead))
	}
	return nil
}
