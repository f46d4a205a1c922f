package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/adapters/cli"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/gateway"
	"github.com/dispatchd/dispatchd/internal/handler"
	"github.com/dispatchd/dispatchd/internal/registry"
	"github.com/dispatchd/dispatchd/internal/reply"
	"github.com/dispatchd/dispatchd/internal/resolver"
	"github.com/dispatchd/dispatchd/internal/runner"
	"github.com/dispatchd/dispatchd/internal/schedule"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/repository/sqlite"
	"github.com/dispatchd/dispatchd/internal/task/trace"
	"github.com/dispatchd/dispatchd/internal/tracing"
	"github.com/dispatchd/dispatchd/internal/user"
	"github.com/dispatchd/dispatchd/internal/worker"
	"github.com/dispatchd/dispatchd/internal/workspace"
)

// shutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configDir := fs.String("config", "", "directory containing config.json")
	repl := fs.Bool("repl", false, "attach an interactive chat session on this terminal")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting dispatchd...")

	// 3. Root context, cancelled by SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Open the task database
	pool, err := db.Open(cfg.Database.Path, cfg.Database.BusyTimeoutMs)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer pool.Close()

	store, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}

	// Tasks left running by a previous process go back to pending.
	if n, err := store.ResetStale(ctx); err != nil {
		log.Warn("Could not reset stale tasks", zap.Error(err))
	} else if n > 0 {
		log.Info("Reset stale running tasks", zap.Int64("count", n))
	}

	// 5. Trace recorder
	rec := trace.NewRecorder(store, cfg.Trace, log)
	if rec.Enabled() {
		log.Info("Task tracing enabled")
	}

	// 6. Event bus: NATS when configured, in-memory otherwise
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	log.Info("Event bus ready", zap.Bool("nats", cfg.NATS.URL != ""))

	// 7. Config write-back store and user grants
	cfgStore := config.NewStore(configFilePath(*configDir))
	users := user.NewService(cfg.Users, cfgStore, log)

	// 8. Repository registry, seeded from config
	reg := registry.NewService(store, registry.Config{
		SyncURL:      cfg.RegistrySync.URL,
		SyncInterval: cfg.RegistrySync.SyncInterval(),
	}, log)
	if err := reg.Seed(ctx, configSeeds(cfg)); err != nil {
		log.Fatal("Failed to seed repository registry", zap.Error(err))
	}
	reg.StartSync(ctx)

	// 9. Workspace manager
	ws, err := workspace.NewManager(cfg.ReposDir, log)
	if err != nil {
		log.Fatal("Failed to prepare repos directory", zap.Error(err), zap.String("dir", cfg.ReposDir))
	}

	// 10. Runners. Single-turn inference for repo resolution and schedule
	// parsing goes through the default runner.
	claude := runner.NewClaude(cfg.Runner.ClaudePath, log)
	codex := runner.NewCodex(cfg.Runner.CodexPath, log)
	runners := []runner.Runner{claude, codex}

	var oneShot runner.Runner = claude
	if cfg.Runner.Default == codex.Name() {
		oneShot = codex
	}
	infer := resolver.InferencerFunc(func(ctx context.Context, prompt string) (string, error) {
		return runner.OneShot(ctx, oneShot, ws.ReposRoot(), prompt)
	})

	// 11. Reply pipeline and repo resolver
	pipeline := reply.NewPipeline(log)
	res := resolver.New(reg, conversationSource{store}, users, infer, log)

	// 12. Task joins and worker
	joins := handler.NewJoins(log)
	wkr, err := worker.New(store, reg, ws, runners, pipeline, joins, rec, eventBus, worker.Config{
		MaxTurns:      cfg.Claude.MaxTurns,
		Model:         cfg.Runner.Model,
		DefaultRunner: cfg.Runner.Default,
		RepoRunners:   repoRunners(cfg),
		MCPServers:    cfg.MCPServers,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize worker", zap.Error(err))
	}

	// 13. Message handler
	creator := schedule.NewCreator(infer, log)
	h := handler.New(handler.Deps{
		Store:    store,
		Resolver: res,
		Control:  wkr,
		Registry: reg,
		Users:    users,
		Creator:  creator,
		Joins:    joins,
		Pipeline: pipeline,
		Recorder: rec,
		Bus:      eventBus,
		Config:   cfgStore,
	}, log)

	h.Start(ctx)
	wkr.Start(ctx)
	log.Info("Worker started", zap.String("default_runner", cfg.Runner.Default))

	// 14. Chat and event surfaces
	wsAdapter := gateway.NewWSAdapter(log)
	pipeline.Register(wsAdapter)
	if err := wsAdapter.Start(ctx, h.HandleMessage); err != nil {
		log.Fatal("Failed to start websocket adapter", zap.Error(err))
	}

	webhook := gateway.NewWebhookAdapter(cfg.GitHub, log)
	if cfg.GitHub.WebhookSecret == "" {
		log.Warn("GitHub webhook signature verification disabled (no secret configured)")
	}
	if err := webhook.Start(ctx, func(ctx context.Context, ev *adapters.IncomingEvent) {
		h.HandleEvent(ctx, webhook, ev)
	}); err != nil {
		log.Fatal("Failed to start webhook adapter", zap.Error(err))
	}

	var cliAdapter *cli.Adapter
	if *repl {
		cliAdapter = cli.New(log)
		pipeline.Register(cliAdapter)
		if err := cliAdapter.Start(ctx, h.HandleMessage); err != nil {
			log.Fatal("Failed to start terminal session", zap.Error(err))
		}
		log.Info("Terminal chat attached", zap.String("user", cliAdapter.UserID()))
	}

	// 15. Cron evaluator: stored schedules plus config-defined entries
	eval := schedule.NewEvaluator(scheduleSource{store}, staticSchedules(cfg.Cron), h.EnqueueCron, log)
	eval.Start(ctx)

	// 16. HTTP gateway
	gw := gateway.NewServer(cfg.Server, gateway.Deps{
		Store:      store,
		Dispatcher: apiDispatcher{handler: h, worker: wkr},
		Repos:      reg,
		Webhook:    webhook,
		Chat:       wsAdapter,
		Bus:        eventBus,
	}, cfg.Logging.Level, log)
	gw.Start()

	// The registry holds config seeds plus anything onboarded in earlier runs.
	names, err := reg.Names(ctx)
	if err != nil {
		log.Warn("Could not list registry repositories", zap.Error(err))
	}
	log.Info("dispatchd ready",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("repos", names),
		zap.Bool("trace", rec.Enabled()))

	// 17. Wait for shutdown signal
	<-ctx.Done()
	stop()

	log.Info("Shutting down dispatchd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Surfaces and background loops are independent; stop them in parallel.
	var g errgroup.Group
	g.Go(func() error { return gw.Shutdown(shutdownCtx) })
	g.Go(func() error { return webhook.Stop() })
	g.Go(func() error { return wsAdapter.Stop() })
	g.Go(func() error { eval.Stop(); return nil })
	g.Go(func() error { reg.Stop(); return nil })
	if cliAdapter != nil {
		g.Go(func() error { return cliAdapter.Stop() })
	}
	if err := g.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}

	// The worker cancels in-flight tasks; the handler's joins go last so
	// cancellation notices still reach their conversations.
	wkr.Stop()
	h.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Trace exporter shutdown error", zap.Error(err))
	}

	log.Info("dispatchd stopped")
	return 0
}

// configFilePath returns the config.json location the write-back store edits.
func configFilePath(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "config.json")
}

// configSeeds converts configured repos into registry seeds.
func configSeeds(cfg *config.Config) []registry.Seed {
	seeds := make([]registry.Seed, 0, len(cfg.Repos))
	for name, rc := range cfg.Repos {
		seeds = append(seeds, registry.Seed{
			Name:          name,
			URL:           rc.URL,
			DefaultBranch: rc.DefaultBranch,
			Excluded:      rc.Excluded,
		})
	}
	return seeds
}

// repoRunners collects per-repo runner overrides from the config.
func repoRunners(cfg *config.Config) map[string]string {
	out := make(map[string]string)
	for name, rc := range cfg.Repos {
		if rc.Runner != "" {
			out[name] = rc.Runner
		}
	}
	return out
}

// staticSchedules converts config cron entries into schedule entries owned
// by the synthetic "cron" user.
func staticSchedules(entries []config.CronEntry) []models.Schedule {
	out := make([]models.Schedule, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.Schedule{
			UserID:      "cron",
			Repo:        e.Repo,
			Prompt:      e.Prompt,
			Schedule:    e.Schedule,
			Description: e.Description,
		})
	}
	return out
}

// conversationSource adapts the store's pointer-returning history queries to
// the value slices the resolver reads.
type conversationSource struct {
	store *sqlite.Repository
}

func (c conversationSource) History(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error) {
	msgs, err := c.store.History(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out, nil
}

func (c conversationSource) ListTasksByUser(ctx context.Context, userID string, limit int) ([]models.Task, error) {
	tasks, err := c.store.ListTasksByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, *t)
	}
	return out, nil
}

// scheduleSource adapts stored schedules for the evaluator.
type scheduleSource struct {
	store *sqlite.Repository
}

func (s scheduleSource) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	scheds, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Schedule, 0, len(scheds))
	for _, sc := range scheds {
		out = append(out, *sc)
	}
	return out, nil
}

// apiDispatcher joins the enqueue and cancel surfaces behind the HTTP API.
type apiDispatcher struct {
	handler *handler.Handler
	worker  *worker.Worker
}

func (d apiDispatcher) EnqueueExternal(ctx context.Context, task *models.Task) (string, error) {
	return d.handler.EnqueueExternal(ctx, task)
}

func (d apiDispatcher) Cancel(ctx context.Context, id string) (bool, error) {
	return d.worker.Cancel(ctx, id)
}
