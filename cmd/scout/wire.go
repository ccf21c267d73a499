package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/auth"
	"github.com/knoguchi/scout/internal/cache"
	"github.com/knoguchi/scout/internal/config"
	"github.com/knoguchi/scout/internal/embedder"
	"github.com/knoguchi/scout/internal/evaluation"
	"github.com/knoguchi/scout/internal/llm"
	"github.com/knoguchi/scout/internal/repository"
	"github.com/knoguchi/scout/internal/repository/postgres"
	"github.com/knoguchi/scout/internal/repository/sqlite"
	"github.com/knoguchi/scout/internal/reranker"
	"github.com/knoguchi/scout/internal/retrieval"
	"github.com/knoguchi/scout/internal/vectorstore"
)

var errProjectNotFound = errors.New("project not found")

// storage is a StorageHandler that can create its own schema.
type storage interface {
	repository.StorageHandler
	Migrate(ctx context.Context) error
}

func openStorage(ctx context.Context, cfg *config.Config) (storage, error) {
	switch cfg.StorageBackend {
	case "postgres":
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return postgres.NewStore(db), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: storage backend %q", config.ErrInvalid, cfg.StorageBackend)
	}
}

// newChatModel builds the provider client wrapped, innermost first, with
// instrumentation, client-side rate limiting and retries.
func newChatModel(cfg *config.Config, logger *slog.Logger) llm.ChatModel {
	var base llm.ChatModel
	switch cfg.LLMProvider {
	case "ollama":
		base = llm.NewOllamaChat(llm.WithBaseURL(cfg.OllamaURL), llm.WithModel(cfg.LLMModel))
	default:
		base = llm.NewOpenAIChat(llm.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Azure:      cfg.LLMProvider == "azure",
			APIVersion: cfg.AzureAPIVersion,
			Model:      cfg.LLMModel,
		})
	}

	var chat llm.ChatModel = llm.NewInstrumentedChatModel(base, cfg.LLMProvider, cfg.LLMModel, logger)
	chat = llm.NewRateLimitedChatModel(chat, cfg.LLMRequestsPerSecond, cfg.LLMBurst)
	return llm.NewRetryingChatModel(chat, llm.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Multiplier:  cfg.RetryMultiplier,
		MinWait:     cfg.RetryMinWait,
		MaxWait:     cfg.RetryMaxWait,
	}, logger)
}

func newEmbedder(cfg *config.Config) embedder.Embedder {
	if cfg.EmbedderProvider == "openai" {
		return embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Azure:      cfg.LLMProvider == "azure",
			APIVersion: cfg.AzureAPIVersion,
			Model:      cfg.EmbeddingModel,
			Dimension:  cfg.EmbeddingDimension,
		})
	}
	return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:   cfg.OllamaURL,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})
}

// newReranker returns nil for "none"; the retriever then keeps search order.
func newReranker(cfg *config.Config, chat llm.ChatModel, logger *slog.Logger) reranker.Reranker {
	switch cfg.RerankerProvider {
	case "cross_encoder":
		return reranker.NewCrossEncoder(cfg.RerankerURL, reranker.WithCrossEncoderModel(cfg.RerankerModel))
	case "llm":
		return reranker.NewLLMReranker(chat, reranker.WithModel(cfg.LLMModel), reranker.WithLogger(logger))
	default:
		return nil
	}
}

func newVectorStore(cfg *config.Config, emb embedder.Embedder) (*vectorstore.QdrantStore, error) {
	qs, err := vectorstore.NewQdrantStore(cfg.QdrantURL, emb, vectorstore.WithCollection(cfg.QdrantCollection))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	return qs, nil
}

// pipeline is the assembled evaluation stack.
type pipeline struct {
	store  storage
	qdrant *vectorstore.QdrantStore
	runner *evaluation.Runner
}

func (p *pipeline) Close() {
	if p.qdrant != nil {
		_ = p.qdrant.Close()
	}
	if p.store != nil {
		_ = p.store.Close()
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p := &pipeline{store: store}

	emb := newEmbedder(cfg)
	p.qdrant, err = newVectorStore(cfg, emb)
	if err != nil {
		p.Close()
		return nil, err
	}

	chat := newChatModel(cfg, logger)
	ret, err := retrieval.New(p.qdrant, newReranker(cfg, chat, logger), retrieval.Config{
		Mode:           retrieval.SearchMode(cfg.SearchMode),
		ScoreThreshold: cfg.ScoreThreshold,
	}, retrieval.WithLogger(logger))
	if err != nil {
		p.Close()
		return nil, err
	}

	ev, err := evaluation.NewEvaluator(evaluation.Deps{
		Retriever: ret,
		Chat:      chat,
		Chunks:    store,
		Files:     cache.NewFileCache(store, cfg.FileCacheTTL),
	}, evaluation.Config{
		Model:                 cfg.LLMModel,
		Temperature:           cfg.Temperature,
		HypothesisTemperature: cfg.HypothesisTemperature,
	}, logger)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.runner = evaluation.NewRunner(ev, store, chat, evaluation.RunnerConfig{
		Model:       cfg.LLMModel,
		Temperature: cfg.Temperature,
	}, logger)

	logger.Info("evaluation pipeline ready",
		"storage", cfg.StorageBackend,
		"llm_provider", cfg.LLMProvider,
		"model", cfg.LLMModel,
		"embedder", emb.ModelName(),
		"reranker", cfg.RerankerProvider,
		"search_mode", cfg.SearchMode,
	)
	return p, nil
}

func newAuthenticator(cfg *config.Config, logger *slog.Logger) *auth.Authenticator {
	var jwtm *auth.JWTManager
	if cfg.JWTSecret != "" {
		jc := auth.DefaultJWTConfig(cfg.JWTSecret)
		jc.Issuer = cfg.JWTIssuer
		jwtm = auth.NewJWTManager(jc)
	}
	return auth.NewAuthenticator(cfg.APIKey, jwtm, logger)
}

// findProject resolves a project by name. Names are not unique; the most
// recently created match wins.
func findProject(ctx context.Context, store repository.ProjectRepository, name string) (*repository.Project, error) {
	if id, err := uuid.Parse(name); err == nil {
		return store.GetProject(ctx, id)
	}
	projects, err := store.ListProjects(ctx, repository.ProjectFilter{Name: name})
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, fmt.Errorf("%w: %q", errProjectNotFound, name)
	}
	return projects[len(projects)-1], nil
}
