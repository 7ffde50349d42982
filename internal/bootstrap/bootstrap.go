package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/config"
	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
	"github.com/kirillkom/patient-record-assistant/internal/core/ports"
	"github.com/kirillkom/patient-record-assistant/internal/core/usecase"
	"github.com/kirillkom/patient-record-assistant/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/patient-record-assistant/internal/infrastructure/llm/openaicompat"
	"github.com/kirillkom/patient-record-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/patient-record-assistant/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/patient-record-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/patient-record-assistant/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/patient-record-assistant/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Analyzer *usecase.QueryAnalyzer
	Answerer ports.PatientQuestionAnswerer
	Metrics  *metrics.HTTPServerMetrics
	Audit    *nats.AuditQueue

	// HealthChecks are probed by the API's /healthz.
	HealthChecks []HealthCheck

	closeFn func()
}

type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options carry per-process choices that do not come from the environment.
type Options struct {
	Service string
	Logger  *slog.Logger
	// WithMetrics registers Prometheus collectors; the MCP and CLI processes
	// count guardrail events in memory instead.
	WithMetrics bool
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	cfg, err := cfg.WithPolicyFile()
	if err != nil {
		return nil, fmt.Errorf("load guardrail policy: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		httpMetrics *metrics.HTTPServerMetrics
		guardrails  ports.GuardrailSink = metrics.NewInMemoryGuardrails()
	)
	executorOpts := []resilience.Option{resilience.WithLogger(logger)}
	if opts.WithMetrics {
		httpMetrics = metrics.NewHTTPServerMetrics(opts.Service)
		guardrails = httpMetrics.Guardrails()
		executorOpts = append(executorOpts, resilience.WithStateObserver(httpMetrics.BreakerStateObserver(opts.Service)))
	}
	executor := resilience.NewExecutor(resilienceConfig(cfg), executorOpts...)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	records := postgres.NewRecordRepository(db)
	conversations := postgres.NewConversationRepository(db)

	llmTimeout := time.Duration(cfg.LLMTimeoutSeconds) * time.Second
	embedder, generator, err := newLanguageModel(cfg, llmTimeout, executor)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	vectorDB := qdrant.NewWithOptions(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{
		ResilienceExecutor: executor,
	})

	var (
		audit     ports.AnswerAuditPublisher
		auditConn *nats.AuditQueue
	)
	if cfg.AuditEnabled {
		auditConn, err = nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init audit queue: %w", err)
		}
		audit = auditConn
	}

	analyzer := usecase.NewQueryAnalyzer(time.Now)
	retriever := usecase.NewHybridRetriever(embedder, vectorDB, records, guardrails, logger, time.Now)
	orchestrator := usecase.NewGenerationOrchestrator(usecase.OrchestratorDeps{
		Analyzer:      analyzer,
		Router:        usecase.NewQueryRouter(),
		Retriever:     retriever,
		Synthesizer:   usecase.NewContextSynthesizer(domain.ContextStrategy(cfg.RAGContextStrategy)),
		Generator:     generator,
		Records:       records,
		Conversations: conversations,
		Guardrails:    guardrails,
		Audit:         audit,
		Logger:        logger,
	}, usecase.OrchestratorConfig{
		TopK:                         cfg.RAGTopK,
		MinScore:                     cfg.RAGMinScore,
		BroadMinScore:                cfg.RAGBroadMinScore,
		MaxContextTokens:             cfg.RAGMaxContextTokens,
		HistoryMessages:              cfg.RAGHistoryMessages,
		StructuredOutputRetries:      cfg.StructuredOutputRetries,
		SupportsProgressiveStreaming: cfg.ProgressiveStreaming,
		Policy: usecase.GroundingPolicy{
			StrictGrounding:    cfg.StrictGrounding,
			MinRelevanceScore:  cfg.MinRelevanceScore,
			LowConfidenceFloor: cfg.LowConfidenceFloor,
			RequireCitations:   cfg.RequireCitations,
		},
	})

	logger.Info("app_initialized",
		"llm_provider", cfg.LLMProvider,
		"strict_grounding", cfg.StrictGrounding,
		"context_strategy", cfg.RAGContextStrategy,
		"audit_enabled", cfg.AuditEnabled,
	)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Analyzer: analyzer,
		Answerer: orchestrator,
		Metrics:  httpMetrics,
		Audit:    auditConn,
		HealthChecks: []HealthCheck{
			{Name: "postgres", Check: db.PingContext},
			{Name: "qdrant", Check: vectorDB.Ping},
		},
		closeFn: func() {
			if auditConn != nil {
				auditConn.Close()
			}
			_ = db.Close()
		},
	}, nil
}

// NewAuditTail connects only to NATS, for operators tailing answer audits.
func NewAuditTail(cfg config.Config, logger *slog.Logger) (*nats.AuditQueue, error) {
	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("init audit queue: %w", err)
	}
	return queue, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func newLanguageModel(cfg config.Config, timeout time.Duration, executor *resilience.Executor) (ports.Embedder, ports.TextGenerator, error) {
	switch cfg.LLMProvider {
	case config.ProviderOllama, "":
		client := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
			Timeout:            timeout,
			ResilienceExecutor: executor,
		})
		return ollama.NewEmbedder(client), ollama.NewGenerator(client), nil
	case config.ProviderOpenAI:
		client := openaicompat.New(cfg.OpenAIAPIKey, cfg.OpenAIChatModel, cfg.OpenAIEmbedModel, openaicompat.Options{
			BaseURL:            cfg.OpenAIBaseURL,
			Timeout:            timeout,
			ResilienceExecutor: executor,
		})
		return openaicompat.NewEmbedder(client), openaicompat.NewGenerator(client), nil
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.RetryMaxAttempts
	out.RetryInitialBackoff = cfg.RetryInitialBackoff
	out.RetryMaxBackoff = cfg.RetryMaxBackoff
	out.BreakerEnabled = cfg.BreakerEnabled
	out.BreakerFailureRatio = cfg.BreakerFailureRatio
	out.BreakerOpenTimeout = cfg.BreakerOpenTimeout
	return out.WithGenerationAttempts(cfg.GenerateMaxAttempts)
}
