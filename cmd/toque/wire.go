package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/toque/internal/agent"
	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/config"
	"github.com/nugget/toque/internal/connwatch"
	"github.com/nugget/toque/internal/enrich"
	"github.com/nugget/toque/internal/events"
	"github.com/nugget/toque/internal/fetch"
	"github.com/nugget/toque/internal/geocode"
	"github.com/nugget/toque/internal/journal"
	"github.com/nugget/toque/internal/llm"
	"github.com/nugget/toque/internal/metrics"
	"github.com/nugget/toque/internal/prompts"
	"github.com/nugget/toque/internal/scheduler"
	"github.com/nugget/toque/internal/search"
	"github.com/nugget/toque/internal/session"
	"github.com/nugget/toque/internal/tools"
)

// Scheduled task names.
const (
	taskAgentCycle = "agent_cycle"
	taskEnrich     = "enrich"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Metrics

	chefs    *chefs.Store
	journal  *journal.Store
	chain    *llm.Chain
	enricher *enrich.Pipeline
	loop     *agent.Loop
	sched    *scheduler.Scheduler
	schedDB  *scheduler.Store
	history  session.HistoryStore
	redis    *redis.Client

	closers []func() error
}

// newApp opens stores and builds the component graph. With schedule
// set, the periodic tasks are registered with their configured
// intervals; otherwise they exist only for Trigger.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, schedule bool) (*app, error) {
	a := &app{cfg: cfg, bus: events.New(), metrics: metrics.New()}
	a.logger = slog.New(events.NewLogHandler(logger.Handler(), a.bus, slog.LevelWarn))
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Record store ---
	driver, dsn := cfg.DatabaseDriver()
	store, err := chefs.Open(ctx, chefs.Options{
		Driver:     driver,
		DSN:        dsn,
		Retries:    cfg.Database.Retries,
		RetryDelay: cfg.Database.RetryDelay,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open chef store: %w", err)
	}
	a.chefs = store
	a.closers = append(a.closers, store.Close)
	a.logger.Info("chef store opened", "driver", driver)
	if cfg.Database.Seed {
		if _, err := store.Seed(ctx); err != nil {
			return nil, fmt.Errorf("seed chef store: %w", err)
		}
	}

	a.journal = journal.NewStore(cfg.JournalPath(), a.logger)

	// --- LLM backends ---
	chain, err := buildChain(cfg, a.logger, "")
	if err != nil {
		return nil, err
	}
	chain.OnFallback(a.onFallback)
	a.chain = chain

	completer := chain
	if cfg.LLM.EnrichModel != "" {
		completer, err = buildChain(cfg, a.logger, cfg.LLM.EnrichModel)
		if err != nil {
			return nil, err
		}
		completer.OnFallback(a.onFallback)
	}

	// --- Search, fetch and geocoding ---
	searcher := buildSearch(cfg)
	geocoder := buildGeocoder(cfg)
	notifier := events.NewNotifier(a.bus, a.logger)

	registry := tools.NewCurationRegistry(tools.Deps{
		Store:    store,
		Journal:  a.journal,
		Search:   searcher,
		Fetcher:  fetch.New(30 * time.Second),
		Geocoder: geocoder,
		Notifier: notifier,
		Logger:   a.logger,
	})
	a.logger.Info("tools registered", "tools", registry.Names())

	a.loop = agent.NewLoop(agent.Deps{
		Logger:  a.logger,
		Model:   chain,
		Tools:   registry,
		Records: store,
		Bus:     a.bus,
		Metrics: a.metrics,
	}, agent.Config{
		MaxIterations:  cfg.Agent.MaxIterations,
		IterationDelay: cfg.Agent.IterationDelay,
	})

	a.enricher = enrich.New(enrich.Deps{
		Logger:    a.logger,
		Store:     store,
		Completer: completer,
		Searcher:  searcher,
		Geocoder:  geocoder,
		Notifier:  notifier,
		Bus:       a.bus,
		Metrics:   a.metrics,
	}, enrich.Config{
		RequiredFields: cfg.Enrich.RequiredFields,
		MaxAttempts:    cfg.Enrich.MaxAttempts,
		StaleAfter:     cfg.Enrich.StaleAfter,
		Pause:          cfg.Agent.IterationDelay,
	})

	// --- Chat history ---
	a.history = session.NewMemoryHistory(cfg.Sessions.TTL, session.DefaultMaxMessages)
	if cfg.Sessions.RedisURL != "" {
		rdb, err := session.NewRedisClient(ctx, cfg.Sessions.RedisURL)
		if err != nil {
			a.logger.Warn("redis unavailable, keeping chat history in memory", "error", err)
		} else {
			a.redis = rdb
			a.closers = append(a.closers, rdb.Close)
			a.history = session.NewRedisHistory(rdb, cfg.Sessions.TTL, session.DefaultMaxMessages)
			a.logger.Info("chat history in redis")
		}
	}

	// --- Scheduler ---
	schedDB, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "scheduler.db"))
	if err != nil {
		return nil, fmt.Errorf("open scheduler store: %w", err)
	}
	a.schedDB = schedDB
	a.closers = append(a.closers, schedDB.Close)
	a.sched = scheduler.New(scheduler.Deps{
		Logger:  a.logger,
		Store:   schedDB,
		Bus:     a.bus,
		Metrics: a.metrics,
	})

	cycleEvery := time.Duration(0)
	if schedule {
		cycleEvery = cfg.Agent.CheckInterval
	}
	if err := a.sched.Add(scheduler.Task{Name: taskAgentCycle, Every: cycleEvery, Run: a.runCycle}); err != nil {
		return nil, err
	}
	if cfg.Enrich.Enabled {
		every := time.Duration(0)
		if schedule {
			every = cfg.Enrich.Interval
		}
		if err := a.sched.Add(scheduler.Task{Name: taskEnrich, Every: every, Run: a.runEnrich}); err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

// addEnrichTask registers the enrich task for manual triggering when
// the config leaves it disabled.
func (a *app) addEnrichTask() error {
	return a.sched.Add(scheduler.Task{Name: taskEnrich, Run: a.runEnrich})
}

// Close releases stores in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) onFallback(failed llm.Backend, err error) {
	a.metrics.BackendFailure(failed.Name)
	a.bus.Emit(events.SourceAgent, events.KindLLMFallback, map[string]any{
		"backend": failed.Name,
		"model":   failed.Model,
		"error":   err.Error(),
	})
}

// runCycle is the agent_cycle job. The firing count picks the seed
// message so the cycle flavor rotates across restarts.
func (a *app) runCycle(ctx context.Context, f scheduler.Firing) (string, error) {
	kind, seed := prompts.SeedFor(f.Count, f.ScheduledAt)
	a.logger.Info("agent cycle", "count", f.Count, "kind", kind)
	res, err := a.loop.Run(ctx, agent.Request{Prompt: seed, ConversationID: f.ExecutionID})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s cycle %s after %d iterations and %d tool calls", kind, res.Status, res.Iterations, res.ToolCalls), nil
}

func (a *app) runEnrich(ctx context.Context, _ scheduler.Firing) (string, error) {
	rep, err := a.enricher.Run(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d candidates: %d complete, %d failed, %d errors", rep.Candidates, rep.Completed, rep.Failed, rep.Errors), nil
}

// startBridges mirrors the bus to the configured brokers until ctx is
// cancelled. Bridge failures are logged and never stop the server.
func (a *app) startBridges(ctx context.Context) {
	if a.cfg.Events.NATSURL != "" {
		b, err := events.NewNATSBridge(a.cfg.Events.NATSURL, a.bus, a.logger)
		if err != nil {
			a.logger.Error("nats bridge disabled", "error", err)
		} else {
			go b.Run(ctx)
		}
	}
	if m := a.cfg.Events.MQTT; m.Configured() {
		b := events.NewMQTTBridge(events.MQTTOptions{
			Broker:     m.Broker,
			Username:   m.Username,
			Password:   m.Password,
			DeviceName: m.DeviceName,
		}, a.bus, a.logger)
		go func() {
			if err := b.Run(ctx); err != nil {
				a.logger.Error("mqtt bridge stopped", "error", err)
			}
		}()
	}
}

// buildChain creates the ranked backend chain. A non-empty model
// override puts that model first on the first configured provider.
func buildChain(cfg *config.Config, logger *slog.Logger, override string) (*llm.Chain, error) {
	clients := map[string]llm.Client{}
	client := func(b config.BackendConfig) (llm.Client, error) {
		if b.Provider == "openrouter" {
			if c, ok := clients["openrouter"]; ok {
				return c, nil
			}
			c := llm.NewOpenRouterClient(llm.OpenRouterConfig{
				APIKey:      cfg.LLM.OpenRouterAPIKey,
				BaseURL:     cfg.LLM.BaseURL,
				SiteURL:     cfg.LLM.SiteURL,
				SiteName:    cfg.LLM.SiteName,
				Temperature: cfg.LLM.Temperature,
				MaxTokens:   cfg.LLM.MaxTokens,
				Timeout:     cfg.LLM.Timeout,
			}, logger)
			clients["openrouter"] = c
			return c, nil
		}
		return llm.NewLangChainClient(llm.LangChainConfig{
			APIKey:      cfg.LLM.OpenRouterAPIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       b.Model,
			Temperature: float64(cfg.LLM.Temperature),
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		}, logger)
	}

	specs := cfg.LLM.Backends
	if override != "" && len(specs) > 0 {
		specs = append([]config.BackendConfig{{Provider: specs[0].Provider, Model: override}}, specs...)
	}

	backends := make([]llm.Backend, 0, len(specs))
	for _, b := range specs {
		c, err := client(b)
		if err != nil {
			return nil, fmt.Errorf("create %s backend for %s: %w", b.Provider, b.Model, err)
		}
		backends = append(backends, llm.Backend{Name: b.Provider, Client: c, Model: b.Model})
	}
	return llm.NewChain(logger, backends...), nil
}

// buildSearch registers every provider with credentials, each behind
// the TTL cache.
func buildSearch(cfg *config.Config) *search.Manager {
	s := cfg.Search
	mgr := search.NewManager(s.Primary)
	if s.PerplexityAPIKey != "" {
		mgr.Register(search.NewCached(search.NewPerplexity(search.PerplexityConfig{
			APIKey: s.PerplexityAPIKey,
			Model:  s.PerplexityModel,
		}), s.CacheTTL))
	}
	if s.BraveAPIKey != "" {
		mgr.Register(search.NewCached(search.NewBrave(s.BraveAPIKey, ""), s.CacheTTL))
	}
	if s.SearXNGURL != "" {
		mgr.Register(search.NewCached(search.NewSearXNG(s.SearXNGURL), s.CacheTTL))
	}
	return mgr
}

func buildGeocoder(cfg *config.Config) geocode.Geocoder {
	g := cfg.Geocode
	var inner geocode.Geocoder
	if g.Provider == "geoapify" {
		inner = geocode.NewGeoapify(g.GeoapifyAPIKey, "")
	} else {
		inner = geocode.NewNominatim(g.NominatimURL)
	}
	return geocode.NewCached(inner, g.CacheTTL)
}

// askRequest is a one-off chat turn from the command line.
func askRequest(question, system string) agent.Request {
	return agent.Request{
		Prompt:         question,
		SystemPrompt:   system,
		ConversationID: "cli",
		Source:         events.SourceSession,
		Interactive:    true,
	}
}

// watchServices probes the record database, every LLM backend and Redis
// until ctx ends. Backends are polled less often since a LangChain ping
// spends a completion.
func (a *app) watchServices(ctx context.Context) *connwatch.Monitor {
	m := connwatch.NewMonitor(a.logger.With("component", "connwatch"), a.bus, connwatch.Options{
		PollInterval: 5 * time.Minute,
	})
	m.Watch(ctx, "database", a.chefs.DB().PingContext)
	for _, b := range a.chain.Backends() {
		m.Watch(ctx, "llm:"+b.String(), b.Client.Ping)
	}
	if a.redis != nil {
		m.Watch(ctx, "redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	return m
}
