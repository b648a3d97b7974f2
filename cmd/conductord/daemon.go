package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/broadcast"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/orchestrator"
	"github.com/GoCodeAlone/conductor/provider"
	"github.com/GoCodeAlone/conductor/server"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/tool"
	"github.com/GoCodeAlone/conductor/tool/builtin"
	"github.com/GoCodeAlone/conductor/webhook"
)

// daemon holds every long-lived component of a running conductord.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *comms.Bus
	repo     task.Repository
	store    *task.Store
	pool     *agent.Pool
	tools    *tool.Registry
	toolkit  *builtin.Toolkit
	orch     *orchestrator.Orchestrator
	reaper   *agent.Reaper
	webhooks *webhook.Manager
	hub      *broadcast.Hub
	srv      *server.Server
}

func openRepository(cfg config.StoreConfig) (task.Repository, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		return task.OpenSQLite(cfg.Path)
	default:
		return task.NewMemoryRepository(), nil
	}
}

// newModel returns the breaker-wrapped planner model, or nil when the keyword
// rules are selected. code_generate shares it.
func newModel(cfg config.PlannerConfig, logger *slog.Logger) (provider.Provider, error) {
	if cfg.Provider == "" || cfg.Provider == config.PlannerKeyword {
		return nil, nil
	}
	key := cfg.APIKey()
	if key == "" {
		logger.Warn("planner API key is empty", "provider", cfg.Provider)
	}
	p, err := provider.New(provider.Config{
		Name:      cfg.Provider,
		APIKey:    key,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("model planner enabled", "provider", p.Name(), "model", cfg.Model)
	return provider.NewBreaker(p, provider.BreakerSettings{}, logger), nil
}

// build constructs the component graph. Nothing runs until run is called,
// except the agents configured to spawn at startup.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	d.bus = comms.NewBus(
		comms.WithBufferSize(cfg.Events.BufferSize),
		comms.WithQueueSize(cfg.Events.SubscriberQueue),
	)

	repo, err := openRepository(cfg.Store)
	if err != nil {
		return nil, err
	}
	d.repo = repo
	d.store = task.NewStore(repo, d.bus, task.WithLogger(logger))

	d.pool = agent.NewPool(d.bus,
		agent.WithTasks(d.store),
		agent.WithMaxAgents(cfg.Agents.Max),
		agent.WithLogger(logger),
	)

	d.tools = tool.NewRegistry(
		tool.WithPolicy(d.pool),
		tool.WithPublisher(d.bus),
		tool.WithDefaultTimeout(cfg.Tools.DefaultTimeout.Std()),
		tool.WithLogger(logger),
	)
	model, err := newModel(cfg.Orchestrator.Planner, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	d.toolkit, err = builtin.Register(ctx, d.tools, builtin.Options{
		BaseDir:         cfg.Tools.BaseDir,
		SearchURL:       cfg.Tools.SearchURL,
		ShellWorkdir:    cfg.Tools.Shell.Workdir,
		ShellContainer:  cfg.Tools.Shell.Container,
		BrowserHeadless: cfg.Tools.Browser.Headless,
		BrowserTimeout:  cfg.Tools.Browser.Timeout.Std(),
		HTTPTimeout:     cfg.Tools.HTTPTimeout.Std(),
		Generator:       model,
		Logger:          logger,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	for _, req := range cfg.Agents.Spawn {
		a, err := d.pool.Spawn(ctx, req)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("spawn %s agent: %w", req.Role, err)
		}
		logger.Debug("spawned startup agent", "agent", a.ID, "role", a.Role)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithTick(cfg.Orchestrator.Tick.Std()),
		orchestrator.WithQueueTimeout(cfg.Orchestrator.QueueTimeout.Std()),
		orchestrator.WithAutoSpawn(cfg.Agents.AutoSpawn),
		orchestrator.WithLogger(logger),
	}
	if model != nil {
		orchOpts = append(orchOpts, orchestrator.WithDecomposer(orchestrator.NewModelDecomposer(model, nil, nil, logger)))
	}
	d.orch = orchestrator.New(d.store, d.pool, d.tools, d.bus, orchOpts...)

	if cfg.Agents.IdleTimeout > 0 {
		d.reaper, err = agent.NewReaper(d.pool, cfg.Agents.ReapSchedule, cfg.Agents.IdleTimeout.Std(), logger)
		if err != nil {
			d.close()
			return nil, err
		}
	}

	d.webhooks = webhook.NewManager(d.bus,
		webhook.WithRetry(cfg.Webhooks.MaxRetries, cfg.Webhooks.BaseDelay.Std(), cfg.Webhooks.MaxDelay.Std()),
		webhook.WithClient(&http.Client{Timeout: cfg.Webhooks.Timeout.Std()}),
		webhook.WithLogger(logger),
	)

	d.hub = broadcast.NewHub(d.bus,
		broadcast.WithLogger(logger),
		broadcast.WithKeepalive(cfg.Events.PingInterval.Std(), cfg.Events.PingTimeout.Std()),
		broadcast.WithQueueSize(cfg.Events.SubscriberQueue),
		broadcast.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)

	d.srv = server.New(cfg, server.Deps{
		Orchestrator: d.orch,
		Tasks:        d.store,
		Agents:       d.pool,
		Tools:        d.tools,
		Webhooks:     d.webhooks,
		Events:       d.hub,
		Bus:          d.bus,
	}, logger)
	return d, nil
}

// run listens on the configured address and blocks until ctx is done or a
// component fails.
func (d *daemon) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		d.close()
		return err
	}
	return d.serve(ctx, ln)
}

func (d *daemon) serve(ctx context.Context, ln net.Listener) error {
	defer d.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.orch.Run(gctx) })
	g.Go(func() error { return d.webhooks.Run(gctx) })
	g.Go(func() error { return d.toolkit.ReleaseRemoved(gctx, d.bus) })
	if d.reaper != nil {
		g.Go(func() error { return d.reaper.Run(gctx) })
	}
	g.Go(func() error { return d.srv.Serve(ln) })
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down")
		// Streaming handlers hold Shutdown open until their sessions end.
		d.hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return d.srv.Stop(sctx)
	})
	return g.Wait()
}

// close releases resources in reverse dependency order. Components that
// were never built are skipped.
func (d *daemon) close() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.webhooks != nil {
		d.webhooks.Close()
	}
	if d.toolkit != nil {
		if err := d.toolkit.Close(); err != nil {
			d.logger.Warn("close toolkit", "error", err)
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if c, ok := d.repo.(io.Closer); ok {
		if err := c.Close(); err != nil {
			d.logger.Warn("close task store", "error", err)
		}
	}
}
