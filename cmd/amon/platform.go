package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/haasonsaas/amon/internal/billing"
	"github.com/haasonsaas/amon/internal/bus"
	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/daemon"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/model"
	"github.com/haasonsaas/amon/internal/observability"
	"github.com/haasonsaas/amon/internal/orchestrator"
	"github.com/haasonsaas/amon/internal/project"
	"github.com/haasonsaas/amon/internal/runtime"
	"github.com/haasonsaas/amon/internal/sandbox"
	"github.com/haasonsaas/amon/internal/server"
	"github.com/haasonsaas/amon/internal/stream"
	"github.com/haasonsaas/amon/internal/vault"
)

// platform is the assembled process: every long-lived component, wired once
// and torn down in reverse order.
type platform struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	bus      *bus.Bus
	streams  *eventlog.Registry
	vault    *vault.Vault
	projects *project.Store
	ledger   *billing.Ledger
	runtime  *runtime.Runtime
	orch     *orchestrator.Orchestrator
	broker   *stream.Broker
	daemon   *daemon.Daemon
	server   *server.Server
}

// buildPlatform wires the components. withDaemon and withServer let one-shot
// commands skip the background machinery.
func buildPlatform(cfg *config.Config, withDaemon, withServer bool) (*platform, error) {
	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics()
	v := vault.New(cfg.DataDir)

	streams := eventlog.NewRegistry()
	b := bus.New(bus.WithDedupeWindow(time.Duration(cfg.Daemon.DedupeWindowSeconds) * time.Second))

	projects := project.NewStore(cfg.DataDir, v, logger)
	ledger, err := billing.NewLedger(cfg.Billing, cfg.DataDir, streams)
	if err != nil {
		return nil, err
	}

	chatModel, err := model.New(cfg.Model.Provider, cfg.Model.Name)
	if err != nil {
		return nil, err
	}

	var sandboxClient *sandbox.Client
	if url := os.Getenv("SANDBOX_RUNNER_URL"); url != "" {
		sandboxClient = sandbox.NewClient(url)
	}

	rt := runtime.New(runtime.Deps{
		Config:  cfg.Runtime,
		DataDir: cfg.DataDir,
		Logger:  logger,
		Metrics: metrics,
		Bus:     b,
		Streams: streams,
		Model:   chatModel,
		Sandbox: sandboxClient,
		Ledger:  ledger,
		Vault:   v,
	})

	orch := orchestrator.New(rt, projects, b, streams, logger)
	broker := stream.New(b, cfg.Server.StreamRecoveryWindow, func(projectID string) (string, error) {
		p, err := projects.Get(projectID)
		if err != nil {
			return "", err
		}
		return p.Root, nil
	}, logger)

	p := &platform{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		bus:      b,
		streams:  streams,
		vault:    v,
		projects: projects,
		ledger:   ledger,
		runtime:  rt,
		orch:     orch,
		broker:   broker,
	}

	if withDaemon {
		p.daemon = daemon.New(daemon.Deps{
			Config:          cfg.Daemon,
			DataDir:         cfg.DataDir,
			Logger:          logger,
			Bus:             b,
			Streams:         streams,
			Runtime:         rt,
			Projects:        projects,
			Vault:           v,
			TrashRetainDays: cfg.Vault.TrashRetainDays,
		})
	}
	if withServer {
		p.server = server.New(server.Deps{
			Config:       cfg.Server,
			DataDir:      cfg.DataDir,
			Logger:       logger,
			Metrics:      metrics,
			Bus:          b,
			Streams:      streams,
			Projects:     projects,
			Orchestrator: orch,
			Runtime:      rt,
			Broker:       broker,
			Vault:        v,
		})
	}
	return p, nil
}

func (p *platform) close() {
	p.runtime.Shutdown()
	p.ledger.Close()
	p.bus.Close()
	p.streams.CloseAll()
}
