package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrelhq/petrel/internal/capability"
	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/contextpipe"
	"github.com/petrelhq/petrel/internal/gateway"
	"github.com/petrelhq/petrel/internal/intent"
	"github.com/petrelhq/petrel/internal/memory"
	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/internal/playbook"
	"github.com/petrelhq/petrel/internal/providers"
	"github.com/petrelhq/petrel/internal/scratchpad"
	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/internal/skills"
	"github.com/petrelhq/petrel/internal/snapshot"
	"github.com/petrelhq/petrel/internal/store"
	"github.com/petrelhq/petrel/internal/tools"
	"github.com/petrelhq/petrel/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the petrel server",
		Long: `Start the petrel server: providers, tools, skills, stores, the
session manager, and the WebSocket gateway. Shuts down gracefully on
SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  petrel serve

  # Start with a specific config and debug logging
  petrel serve --config /etc/petrel/config.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, logClose, err := buildLogger(cfg.Logging, debug)
	if err != nil {
		return err
	}
	if logClose != nil {
		defer logClose()
	}
	slog.SetDefault(logger)

	observability.SetDiagnosticsEnabled(*cfg.Observability.Diagnostics)
	if debug && *cfg.Observability.Diagnostics {
		defer observability.OnDiagnosticEvent(func(ev observability.DiagnosticEventPayload) {
			logger.Debug("diagnostic", "type", string(ev.EventType()), "seq", ev.Sequence(), "event", ev)
		})()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, filepath.Dir(configPath), logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.gateway.Start(ctx); err != nil {
		return err
	}
	logger.Info("petrel ready",
		"addr", cfg.Gateway.Addr(),
		"agents", len(rt.bindings),
		"providers", len(rt.adapters))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rt.gateway.Shutdown(shutdownCtx)
	return nil
}

// runtime holds everything serve wires together, in shutdown order.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	adapters map[string]providers.Adapter
	bindings map[string]*session.Binding

	store      store.Store
	scratch    scratchpad.Store
	skills     *skills.Manager
	manager    *session.Manager
	gateway    *gateway.Server
	tracerStop func(context.Context) error
}

func (rt *runtime) Close() {
	if rt.manager != nil {
		rt.manager.Close()
	}
	if rt.skills != nil {
		_ = rt.skills.Close()
	}
	if rt.scratch != nil {
		_ = rt.scratch.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if rt.tracerStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.tracerStop(ctx)
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config, baseDir string, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	metrics := observability.NewMetrics()
	tracer, tracerStop := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SampleRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	rt.tracerStop = tracerStop

	var journal *observability.Journal
	if cfg.Observability.EventJournalSize > 0 {
		journal = observability.NewJournal(cfg.Observability.EventJournalSize)
	}

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt.store = st

	pad, err := openScratchpad(ctx, cfg.Scratchpad)
	if err != nil {
		return nil, err
	}
	rt.scratch = pad

	rt.adapters = providers.BuildAdapters(&cfg.LLM, logger)
	router, err := providers.BuildRouter(&cfg.LLM, rt.adapters, providers.RouterConfig{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}

	caps := capability.NewRegistry(capability.Options{Logger: logger})

	skillMgr := skills.NewManager(cfg.Skills.Dirs, cfg.Workspace.Root, skillOverrides(cfg.Skills), logger)
	if err := skillMgr.Discover(ctx); err != nil {
		logger.Warn("skill discovery failed", "error", err)
	}
	rt.skills = skillMgr

	registry := tools.NewRegistry(caps)
	policy := tools.NewPolicy(cfg.Tools.Approval)
	guard, err := tools.NewGuard(cfg.Tools.Guard)
	if err != nil {
		return nil, err
	}
	plans := session.NewPlans()
	if err := tools.RegisterBuiltins(registry, cfg.Tools, tools.BuiltinDeps{
		WorkspaceRoot: cfg.Workspace.Root,
		Scratchpad:    pad,
		Plans:         plans,
		Asker:         session.Bridge{},
	}); err != nil {
		return nil, err
	}
	if err := tools.RegisterSkillTools(registry, skillMgr, policy, cfg.Tools.Shell.MaxOutputBytes); err != nil {
		return nil, err
	}
	caps.SyncSkills(skillMgr)
	skillMgr.OnReload(func() {
		caps.SyncSkills(skillMgr)
		if err := tools.RegisterSkillTools(registry, skillMgr, policy, cfg.Tools.Shell.MaxOutputBytes); err != nil {
			logger.Warn("skill tool refresh failed", "error", err)
		}
	})
	if cfg.Skills.HotReload == nil || *cfg.Skills.HotReload {
		if err := skillMgr.StartWatching(ctx); err != nil {
			logger.Warn("skill watching unavailable", "error", err)
		}
	}

	executor := tools.NewExecutor(cfg.Tools, registry, policy, guard, session.Bridge{}, metrics, logger)

	defaultAgent := cfg.Agents["default"]
	lightAdapter, lightModel := resolveRole(cfg, defaultAgent, config.RoleLight, rt.adapters)
	intentAdapter, intentModel := resolveRole(cfg, defaultAgent, config.RoleIntent, rt.adapters)

	pipeline := contextpipe.New(cfg.Context, contextpipe.Options{
		Scratchpad: pad,
		Summarizer: newLightSummarizer(lightAdapter, lightModel),
		Logger:     logger,
	})

	embed := memory.EmbeddingFromConfig(cfg.Memory.Embeddings)
	memVector, err := memory.NewVectorStore(cfg.Memory.VectorDir, "memory", embed)
	if err != nil {
		logger.Warn("vector memory unavailable", "error", err)
		memVector = nil
	}
	memMgr := memory.NewManager(cfg.Memory, memory.Options{
		Store:   st,
		Vector:  memVector,
		Counter: pipeline.Counter(),
		Logger:  logger,
	})
	extractor := memory.NewExtractor(lightAdapter, lightModel, memMgr, logger)

	pbStore, err := openPlaybookStore(ctx, st)
	if err != nil {
		return nil, err
	}
	pbVector, err := memory.NewVectorStore(cfg.Memory.VectorDir, "playbook", embed)
	if err != nil {
		logger.Warn("playbook vector index unavailable", "error", err)
		pbVector = nil
	}
	matcher := playbook.NewMatcher(cfg.Playbook, pbStore, pbVector, logger)
	lifecycle := playbook.NewLifecycle(cfg.Playbook, lightAdapter, lightModel, pbStore, pbVector, logger)

	pipeline.RegisterBuiltin(
		memMgr.MemorySource(cfg.Context.Budgets.Memory),
		memMgr.KnowledgeSource(0),
		matcher.Source(),
	)

	analyzer := intent.New(cfg.Intent, intent.Options{
		Adapter: intentAdapter,
		Model:   intentModel,
		Metrics: metrics,
		Logger:  logger,
	})

	snapshots, err := snapshot.NewManager(cfg.Snapshot, cfg.Workspace.Root, logger)
	if err != nil {
		return nil, err
	}

	bindings, err := buildBindings(cfg, rt.adapters, router, baseDir)
	if err != nil {
		return nil, err
	}
	rt.bindings = bindings

	manager, err := session.NewManager(session.Options{
		Session:    cfg.Session,
		Snapshot:   cfg.Snapshot,
		Scratchpad: cfg.Scratchpad,
		Bindings:   bindings,
	}, session.Deps{
		Store:     st,
		Registry:  caps,
		Selector:  tools.NewSelector(caps),
		Executor:  executor,
		Pipeline:  pipeline,
		Intent:    analyzer,
		Snapshots: snapshots,
		Scratch:   pad,
		Memory:    extractor,
		Playbook:  lifecycle,
		Plans:     plans,
		Metrics:   metrics,
		Tracer:    tracer,
		Journal:   journal,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	rt.manager = manager

	srv, err := gateway.New(cfg.Gateway, cfg.Auth, manager, st, metrics, logger)
	if err != nil {
		return nil, err
	}
	rt.gateway = srv

	ok = true
	return rt, nil
}

// buildBindings resolves each agent's role models against the provider
// map. The main role rides the failover router; the light role binds a
// provider directly since background generation should not fail over to
// an expensive model.
func buildBindings(cfg *config.Config, adapters map[string]providers.Adapter, router *providers.Router, baseDir string) (map[string]*session.Binding, error) {
	bindings := make(map[string]*session.Binding, len(cfg.Agents))
	for id, agent := range cfg.Agents {
		persona, err := resolvePersona(agent, baseDir)
		if err != nil {
			return nil, fmt.Errorf("agents.%s: %w", id, err)
		}
		provider, model := cfg.LLM.Resolve(agent.Models[config.RoleAgent])
		light, lightModel := resolveRole(cfg, agent, config.RoleLight, adapters)
		bindings[id] = &session.Binding{
			Config:     agent,
			Persona:    persona,
			Adapter:    router,
			Model:      model,
			Light:      light,
			LightModel: lightModel,
			MaxTokens:  cfg.LLM.Providers[provider].MaxTokens,
		}
	}
	return bindings, nil
}

// resolveRole binds one model role to a concrete adapter, falling back
// to the agent role and then the default provider.
func resolveRole(cfg *config.Config, agent config.AgentConfig, role string, adapters map[string]providers.Adapter) (providers.Adapter, string) {
	ref := agent.Models[role]
	if ref == "" {
		ref = agent.Models[config.RoleAgent]
	}
	provider, model := cfg.LLM.Resolve(ref)
	return adapters[provider], model
}

func resolvePersona(agent config.AgentConfig, baseDir string) (string, error) {
	if agent.Persona != "" {
		return agent.Persona, nil
	}
	if agent.PersonaFile == "" {
		return "", nil
	}
	path := agent.PersonaFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func openScratchpad(ctx context.Context, cfg config.ScratchpadConfig) (scratchpad.Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return scratchpad.NewLocalStore(cfg.Dir)
	case "s3":
		return scratchpad.NewS3Store(ctx, scratchpad.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown scratchpad backend %q", cfg.Backend)
	}
}

// openPlaybookStore shares the conversation store's database handle.
func openPlaybookStore(ctx context.Context, st store.Store) (playbook.Store, error) {
	switch s := st.(type) {
	case *store.SQLiteStore:
		return playbook.NewSQLStore(ctx, s.DB(), false)
	case *store.PostgresStore:
		return playbook.NewSQLStore(ctx, s.DB(), true)
	default:
		return playbook.NewMemoryStore(), nil
	}
}

func skillOverrides(cfg config.SkillsConfig) map[string]*skills.Override {
	if len(cfg.Entries) == 0 {
		return nil
	}
	out := make(map[string]*skills.Override, len(cfg.Entries))
	for name, entry := range cfg.Entries {
		out[name] = &skills.Override{
			Enabled: entry.Enabled,
			APIKey:  entry.APIKey,
			Env:     entry.Env,
		}
	}
	return out
}

// buildLogger constructs the process logger per config. The returned
// closer is non-nil when logging goes to a file.
func buildLogger(cfg config.LoggingConfig, debug bool) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	var closer func()
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = func() { _ = f.Close() }
	}

	level := observability.LogLevelFromString(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

// lightSummarizer serves the decay zone's summaries with the light
// model. A nil adapter leaves the pipeline on its digest fallback.
type lightSummarizer struct {
	adapter providers.Adapter
	model   string
}

func newLightSummarizer(adapter providers.Adapter, model string) contextpipe.Summarizer {
	if adapter == nil {
		return nil
	}
	return &lightSummarizer{adapter: adapter, model: model}
}

func (s *lightSummarizer) Summarize(ctx context.Context, messages []*models.Message, maxTokens int) (string, error) {
	prompt := contextpipe.BuildSummaryPrompt(messages, maxTokens)
	deltas, err := s.adapter.Send(ctx, &providers.Request{
		Model:     s.model,
		Messages:  []*models.Message{models.NewUserMessage("", prompt)},
		MaxTokens: maxTokens + 100,
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				return strings.TrimSpace(b.String()), nil
			}
			if d.Kind == models.DeltaError {
				return "", d.Err
			}
			if d.Kind == models.DeltaContentDelta {
				b.WriteString(d.Text)
			}
		}
	}
}
