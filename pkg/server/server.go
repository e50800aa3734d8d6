// Package server assembles a CogniGraph server from configuration: the
// model router, conversation store, middleware chain, preset agents and the
// retrieval stack.
//
// Usage:
//
//	cfg, err := config.Load()
//	srv, err := server.New(ctx, cfg)
//	defer srv.Close(ctx)
//	err = srv.Run(ctx)
//
// Tests and offline demos inject a scripted gateway with WithGateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/abhi9avx/cognigraph-ai/internal/agent"
	"github.com/abhi9avx/cognigraph-ai/internal/api"
	"github.com/abhi9avx/cognigraph-ai/internal/api/handlers"
	"github.com/abhi9avx/cognigraph-ai/internal/config"
	"github.com/abhi9avx/cognigraph-ai/internal/embeddings"
	"github.com/abhi9avx/cognigraph-ai/internal/guardrails"
	"github.com/abhi9avx/cognigraph-ai/internal/middleware"
	"github.com/abhi9avx/cognigraph-ai/internal/rag"
	modelrouter "github.com/abhi9avx/cognigraph-ai/internal/router"
	"github.com/abhi9avx/cognigraph-ai/internal/sessions"
	"github.com/abhi9avx/cognigraph-ai/internal/telemetry"
	"github.com/abhi9avx/cognigraph-ai/internal/tools"
	"github.com/abhi9avx/cognigraph-ai/internal/tools/builtin"
	"github.com/abhi9avx/cognigraph-ai/internal/vectorstore"
	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
)

// RAGAgentName is the name of the retrieval-augmented agent.
const RAGAgentName = "rag"

// Option customizes server assembly.
type Option func(*options)

type options struct {
	gateway  contracts.Gateway
	embedder contracts.EmbeddingDriver
}

// WithGateway replaces the provider-backed model router.
func WithGateway(gw contracts.Gateway) Option {
	return func(o *options) { o.gateway = gw }
}

// WithEmbedder replaces the configured embedding driver.
func WithEmbedder(emb contracts.EmbeddingDriver) Option {
	return func(o *options) { o.embedder = emb }
}

// Server holds an initialized CogniGraph server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config  *config.Config
	Gateway contracts.Gateway
	Router  *modelrouter.ModelRouter // nil when a gateway was injected
	Store   contracts.ConversationStore
	Agents  map[string]*agent.Agent

	// RAG is nil when retrieval is disabled.
	RAG *RAG

	closers      []func()
	shutdownFunc telemetry.Shutdown
}

// RAG bundles the retrieval components.
type RAG struct {
	Embeddings  *embeddings.Registry
	VectorStore *vectorstore.Registry
	Ingester    *rag.Ingester
	Pipeline    *rag.Pipeline
	Index       *rag.LazyIndex
}

// New initializes every component described by cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s := &Server{Config: cfg, Agents: make(map[string]*agent.Agent), shutdownFunc: shutdown}

	s.Gateway = o.gateway
	if s.Gateway == nil {
		s.Router = NewModelRouter(cfg)
		s.Gateway = s.Router
		log.Info().Strs("providers", s.Router.ListDrivers()).Msg("Model router initialized")
	}

	if err := s.openStore(); err != nil {
		s.Close(ctx)
		return nil, err
	}

	base, err := BaseStages(cfg, s.Gateway, s.Store)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	locks := sessions.NewThreadLocks()
	for _, name := range agent.PresetNames() {
		p, _ := agent.LookupPreset(name)
		chain, err := middleware.NewChain(base...)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		ac := agentConfig(cfg, p.Config(cfg.Models.Default), locks)
		s.Agents[name] = agent.New(ac, s.Gateway, p.Registry(), chain, s.Store)
	}

	if cfg.RAG.Enabled {
		if err := s.initRAG(ctx, o.embedder, base, locks); err != nil {
			s.Close(ctx)
			return nil, err
		}
	}

	all := make([]*agent.Agent, 0, len(s.Agents))
	for _, a := range s.Agents {
		all = append(all, a)
	}
	var usage handlers.UsageReporter
	var providers handlers.ProviderHealth
	if s.Router != nil {
		usage, providers = s.Router, s.Router
	}
	h := handlers.New(all, usage, providers)

	var rh *handlers.RAGHandlers
	if s.RAG != nil {
		rh = &handlers.RAGHandlers{
			Embeddings:  s.RAG.Embeddings,
			VectorStore: s.RAG.VectorStore,
			Querier:     s.RAG.Index,
			Ingester:    s.RAG.Ingester,
		}
	}
	s.Handler = api.NewRouter(cfg, h, rh)

	log.Info().Int("agents", len(s.Agents)).Bool("rag", s.RAG != nil).Msg("Server initialized")
	return s, nil
}

// Agent returns the named agent.
func (s *Server) Agent(name string) (*agent.Agent, bool) {
	a, ok := s.Agents[name]
	return a, ok
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Config.Port),
		Handler:      s.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.Config.Port).Msg("CogniGraph is listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases stores and flushes telemetry.
func (s *Server) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	if s.shutdownFunc != nil {
		if err := s.shutdownFunc(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}
}

func (s *Server) openStore() error {
	switch s.Config.Store.Driver {
	case "sqlite":
		st, err := sessions.NewSQLiteStore(s.Config.Store.Path)
		if err != nil {
			return fmt.Errorf("open thread store: %w", err)
		}
		s.Store = st
		s.closers = append(s.closers, func() { st.Close() })
		log.Info().Str("path", s.Config.Store.Path).Msg("SQLite thread store initialized")
	default:
		s.Store = sessions.NewMemoryStore()
		log.Info().Msg("In-memory thread store initialized")
	}
	return nil
}

func (s *Server) initRAG(ctx context.Context, emb contracts.EmbeddingDriver, base []middleware.Stage, locks *sessions.ThreadLocks) error {
	cfg := s.Config.RAG
	if emb == nil {
		var err error
		emb, err = NewEmbedder(s.Config)
		if err != nil {
			return err
		}
	}
	vs, err := vectorstore.Open(ctx, cfg.VectorStore, cfg.PgvectorURL, emb.Dimensions())
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	if pg, ok := vs.(*vectorstore.PgvectorStore); ok {
		s.closers = append(s.closers, pg.Close)
	}

	r := &RAG{Embeddings: embeddings.NewRegistry(), VectorStore: vectorstore.NewRegistry()}
	r.Embeddings.Register(emb.Kind(), emb)
	r.VectorStore.Register(vs.Kind(), vs)
	r.Ingester = rag.NewIngester(nil, emb, vs, rag.ChunkerConfig{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap})
	r.Pipeline = rag.NewPipeline(emb, vs,
		rag.WithGateway(s.Gateway, s.Config.Models.Selector),
		rag.WithCollection(cfg.Collection),
		rag.WithTopK(cfg.TopK),
	)
	if len(cfg.Sources) > 0 {
		r.Index = rag.NewLazyIndex(rag.IngestThen(r.Ingester, models.IngestRequest{
			Collection: cfg.Collection,
			Sources:    cfg.Sources,
		}, r.Pipeline))
	} else {
		p := r.Pipeline
		r.Index = rag.NewLazyIndex(func(context.Context) (*rag.Pipeline, error) { return p, nil })
	}
	s.RAG = r

	stages := append(append([]middleware.Stage{}, base...),
		middleware.NewDynamicPrompt("context_prompt", rag.NewContextPromptFunc(r.Index, cfg.Topic, cfg.TopK)))
	chain, err := middleware.NewChain(stages...)
	if err != nil {
		return err
	}
	reg := tools.NewRegistry()
	if err := reg.Register(builtin.RetrieveDocuments(r.Index)); err != nil {
		return err
	}
	ac := agentConfig(s.Config, agent.Config{Name: RAGAgentName, Model: s.Config.Models.Default}, locks)
	s.Agents[RAGAgentName] = agent.New(ac, s.Gateway, reg, chain, s.Store)

	log.Info().
		Str("embedder", emb.Kind()).
		Str("vector_store", vs.Kind()).
		Int("sources", len(cfg.Sources)).
		Msg("Retrieval pipeline initialized")
	return nil
}

func agentConfig(cfg *config.Config, ac agent.Config, locks *sessions.ThreadLocks) agent.Config {
	temp := cfg.Models.Temperature
	ac.Options = models.GenerationOptions{Temperature: &temp, MaxTokens: cfg.Models.MaxTokens}
	ac.Executor.MaxIterations = cfg.Agent.MaxIterations
	ac.Executor.ModelTimeout = cfg.Agent.ModelTimeout
	ac.Executor.ToolTimeout = cfg.Agent.ToolTimeout
	ac.Executor.MaxParallelTools = cfg.Agent.MaxParallelTools
	ac.Locks = locks
	return ac
}

// NewModelRouter registers a driver for every configured provider.
func NewModelRouter(cfg *config.Config) *modelrouter.ModelRouter {
	p := cfg.Providers
	opts := []modelrouter.Option{
		modelrouter.WithDefaultProvider(modelrouter.DefaultProvider),
		modelrouter.WithRetries(uint64(max(p.MaxRetries, 0)), 500*time.Millisecond),
	}
	var drivers []contracts.ProviderDriver
	if p.GoogleAPIKey != "" {
		var gopts []modelrouter.GeminiOption
		if p.GoogleEndpoint != "" {
			gopts = append(gopts, modelrouter.WithGeminiEndpoint(p.GoogleEndpoint))
		}
		drivers = append(drivers, modelrouter.NewGeminiDriver(p.GoogleAPIKey, gopts...))
	}
	if p.OpenAIAPIKey != "" {
		var oopts []modelrouter.OpenAIOption
		if p.OpenAIEndpoint != "" {
			oopts = append(oopts, modelrouter.WithOpenAIEndpoint(p.OpenAIEndpoint))
		}
		drivers = append(drivers, modelrouter.NewOpenAIDriver(p.OpenAIAPIKey, oopts...))
	}
	if p.OllamaEndpoint != "" {
		drivers = append(drivers, modelrouter.NewOllamaDriver(p.OllamaEndpoint))
	}
	if p.RateLimitRPS > 0 {
		for _, d := range drivers {
			opts = append(opts, modelrouter.WithRateLimit(d.Kind(), p.RateLimitRPS, p.RateLimitBurst))
		}
	}

	mr := modelrouter.NewModelRouter(opts...)
	for _, d := range drivers {
		mr.RegisterDriver(d)
	}
	return mr
}

// NewEmbedder builds the configured embedding driver, taking credentials
// from the provider section.
func NewEmbedder(cfg *config.Config) (contracts.EmbeddingDriver, error) {
	r := cfg.RAG
	var key, endpoint string
	switch r.Embedder {
	case "google-genai", "gemini":
		key, endpoint = cfg.Providers.GoogleAPIKey, cfg.Providers.GoogleEndpoint
	case "openai":
		key, endpoint = cfg.Providers.OpenAIAPIKey, cfg.Providers.OpenAIEndpoint
	case "ollama":
		endpoint = cfg.Providers.OllamaEndpoint
	}
	if r.EmbeddingEndpoint != "" {
		endpoint = r.EmbeddingEndpoint
	}
	emb, err := embeddings.NewDriver(r.Embedder, r.EmbeddingModel, key, endpoint)
	if err != nil {
		return nil, fmt.Errorf("embedding driver: %w", err)
	}
	return emb, nil
}

// BaseStages builds the middleware stages shared by every agent, outermost
// first: model selection, fallback, PII redaction, summarization and tool
// selection.
func BaseStages(cfg *config.Config, gw contracts.Gateway, store contracts.ConversationStore) ([]middleware.Stage, error) {
	mw := cfg.Middleware
	var stages []middleware.Stage

	if len(mw.SelectionRules) > 0 {
		rules := make([]middleware.Rule, 0, len(mw.SelectionRules))
		for _, r := range mw.SelectionRules {
			rules = append(rules, middleware.Rule{When: r.When, Model: r.Model})
		}
		sel, err := middleware.NewModelSelection("", rules...)
		if err != nil {
			return nil, err
		}
		stages = append(stages, sel)
	}

	if mw.Fallback && len(cfg.Models.Fallbacks) > 0 {
		stages = append(stages, middleware.NewModelFallback(cfg.Models.Fallbacks...))
	}

	for _, rule := range mw.PII {
		pii, err := middleware.NewPIIRedaction(middleware.PIIConfig{
			Type:               rule.Type,
			Detector:           rule.Detector,
			Strategy:           guardrails.Strategy(rule.Strategy),
			ApplyToOutput:      rule.ApplyToOutput,
			ApplyToToolResults: rule.ApplyToToolResults,
			PersistRedacted:    rule.PersistRedacted,
		})
		if err != nil {
			return nil, fmt.Errorf("pii rule %q: %w", rule.Type, err)
		}
		stages = append(stages, pii)
	}

	if mw.Summarization {
		sc := middleware.SummarizationConfig{
			Model:         cfg.Models.Summarizer,
			TriggerTokens: mw.SummaryTriggerTokens,
			KeepMessages:  mw.SummaryKeepMessages,
			Timeout:       cfg.Agent.ModelTimeout,
		}
		if ss, ok := store.(contracts.SummaryStore); ok {
			sc.Store = ss
		}
		stages = append(stages, middleware.NewSummarization(gw, sc))
	}

	if mw.ToolSelection {
		stages = append(stages, middleware.NewToolSelection(gw, middleware.ToolSelectionConfig{
			Model:    cfg.Models.Selector,
			MaxTools: mw.ToolSelectionMax,
			Timeout:  cfg.Agent.ModelTimeout,
		}))
	}
	return stages, nil
}
