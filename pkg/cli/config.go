package cli

import (
	"context"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/adapter"
	"github.com/m-mizutani/plume/pkg/analytics"
	"github.com/m-mizutani/plume/pkg/embedding"
	"github.com/m-mizutani/plume/pkg/policy"
	"github.com/m-mizutani/plume/pkg/prompt"
	"github.com/m-mizutani/plume/pkg/ratelimit"
	"github.com/m-mizutani/plume/pkg/repository"
	"github.com/m-mizutani/plume/pkg/usecase/conversation"
	"github.com/m-mizutani/plume/pkg/usecase/generate"
	"github.com/m-mizutani/plume/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	repoEngine string
	sqlitePath string
	project    string
	database   string

	// Adapters
	provider        string
	anthropicAPIKey string
	claudeModel     string
	geminiProject   string
	geminiLocation  string
	geminiModel     string
	embeddingModel  string
	embeddingDim    int64

	// Rate limiter
	bucketCapacity float64
	refillRate     float64
	requestCost    float64
	redisURL       string

	// Memory
	retrieveLimit int64
	minSimilarity float64
	maxEntries    int64
	contextBudget int64
	scopedRecall  bool
	promptFile    string
	modelTimeout  time.Duration
	retryAttempts int64
	retryBase     time.Duration
	policyDir     string

	// Analytics
	bigqueryProject string
	bigqueryDataset string
	bigqueryTable   string

	// Archival
	storageBucket string
	storagePrefix string
}

// loggingFlags returns flags controlling the process logger
func loggingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("PLUME_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("PLUME_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// repositoryFlags returns flags selecting and configuring the storage engine
func repositoryFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repository",
			Aliases:     []string{"r"},
			Usage:       "Storage engine (memory, sqlite, firestore)",
			Value:       "memory",
			Sources:     cli.EnvVars("PLUME_REPOSITORY"),
			Destination: &cfg.repoEngine,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "Path to the SQLite database file",
			Value:       "plume.db",
			Sources:     cli.EnvVars("PLUME_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// llmFlags returns flags for generation and embedding providers
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "provider",
			Usage:       "Generation provider (gemini, claude)",
			Value:       "gemini",
			Sources:     cli.EnvVars("PLUME_PROVIDER"),
			Destination: &cfg.provider,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model for generation",
			Sources:     cli.EnvVars("PLUME_CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model for generation",
			Sources:     cli.EnvVars("PLUME_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini model for embeddings",
			Sources:     cli.EnvVars("PLUME_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimension",
			Usage:       "Embedding vector dimension",
			Value:       768,
			Sources:     cli.EnvVars("PLUME_EMBEDDING_DIMENSION"),
			Destination: &cfg.embeddingDim,
		},
	}
}

// limiterFlags returns flags for the token bucket rate limiter
func limiterFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.FloatFlag{
			Name:        "bucket-capacity",
			Usage:       "Token bucket capacity per identity",
			Value:       10,
			Sources:     cli.EnvVars("PLUME_BUCKET_CAPACITY"),
			Destination: &cfg.bucketCapacity,
		},
		&cli.FloatFlag{
			Name:        "refill-rate",
			Usage:       "Token bucket refill rate in tokens per second",
			Value:       0.5,
			Sources:     cli.EnvVars("PLUME_REFILL_RATE"),
			Destination: &cfg.refillRate,
		},
		&cli.FloatFlag{
			Name:        "request-cost",
			Usage:       "Tokens charged per generation request",
			Value:       1,
			Sources:     cli.EnvVars("PLUME_REQUEST_COST"),
			Destination: &cfg.requestCost,
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Usage:       "Redis URL for persistent rate limit state (e.g. redis://localhost:6379/0)",
			Sources:     cli.EnvVars("PLUME_REDIS_URL"),
			Destination: &cfg.redisURL,
		},
	}
}

// memoryFlags returns flags for memory retrieval and the pipeline
func memoryFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "retrieve-limit",
			Aliases:     []string{"k"},
			Usage:       "Number of memory entries retrieved per request",
			Value:       5,
			Sources:     cli.EnvVars("PLUME_RETRIEVE_LIMIT"),
			Destination: &cfg.retrieveLimit,
		},
		&cli.FloatFlag{
			Name:        "min-similarity",
			Usage:       "Drop retrieved entries below this cosine similarity",
			Value:       0,
			Sources:     cli.EnvVars("PLUME_MIN_SIMILARITY"),
			Destination: &cfg.minSimilarity,
		},
		&cli.IntFlag{
			Name:        "max-entries",
			Aliases:     []string{"m"},
			Usage:       "Memory entry cap per identity before eviction",
			Value:       200,
			Sources:     cli.EnvVars("PLUME_MAX_ENTRIES"),
			Destination: &cfg.maxEntries,
		},
		&cli.IntFlag{
			Name:        "context-budget",
			Usage:       "Token budget for injected memory context",
			Value:       2048,
			Sources:     cli.EnvVars("PLUME_CONTEXT_BUDGET"),
			Destination: &cfg.contextBudget,
		},
		&cli.BoolFlag{
			Name:        "scoped-recall",
			Usage:       "Restrict retrieval to the current conversation",
			Sources:     cli.EnvVars("PLUME_SCOPED_RECALL"),
			Destination: &cfg.scopedRecall,
		},
		&cli.StringFlag{
			Name:        "prompt-file",
			Usage:       "YAML file with content type prompt presets",
			Sources:     cli.EnvVars("PLUME_PROMPT_FILE"),
			Destination: &cfg.promptFile,
		},
		&cli.DurationFlag{
			Name:        "model-timeout",
			Usage:       "Timeout per generation attempt",
			Value:       60 * time.Second,
			Sources:     cli.EnvVars("PLUME_MODEL_TIMEOUT"),
			Destination: &cfg.modelTimeout,
		},
		&cli.IntFlag{
			Name:        "retry-attempts",
			Usage:       "Maximum generation attempts per request",
			Value:       3,
			Sources:     cli.EnvVars("PLUME_RETRY_ATTEMPTS"),
			Destination: &cfg.retryAttempts,
		},
		&cli.DurationFlag{
			Name:        "retry-base",
			Usage:       "Base backoff between generation attempts",
			Value:       200 * time.Millisecond,
			Sources:     cli.EnvVars("PLUME_RETRY_BASE"),
			Destination: &cfg.retryBase,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory with Rego admission policies",
			Sources:     cli.EnvVars("PLUME_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// analyticsFlags returns flags for the BigQuery usage event sink
func analyticsFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project ID for the BigQuery usage sink",
			Sources:     cli.EnvVars("PLUME_BIGQUERY_PROJECT"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset for usage events",
			Value:       "plume",
			Sources:     cli.EnvVars("PLUME_BIGQUERY_DATASET"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table for usage events",
			Value:       "usage_events",
			Sources:     cli.EnvVars("PLUME_BIGQUERY_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
	}
}

// archiveFlags returns flags for conversation snapshots
func archiveFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "storage-bucket",
			Usage:       "Cloud Storage bucket for archived conversation snapshots",
			Sources:     cli.EnvVars("PLUME_STORAGE_BUCKET"),
			Destination: &cfg.storageBucket,
		},
		&cli.StringFlag{
			Name:        "storage-prefix",
			Usage:       "Object key prefix inside the snapshot bucket",
			Sources:     cli.EnvVars("PLUME_STORAGE_PREFIX"),
			Destination: &cfg.storagePrefix,
		},
	}
}

// setupLogger builds the process logger from flags and installs it as
// the default.
func (cfg *config) setupLogger() {
	logging.SetDefault(logging.New(cfg.logLevel, cfg.logFormat, os.Stderr))
}

// newRepository creates the configured repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	switch cfg.repoEngine {
	case "memory":
		return repository.NewMemory(), nil

	case "sqlite":
		if cfg.sqlitePath == "" {
			return nil, goerr.New("sqlite-path is required")
		}
		repo, err := repository.NewSQLite(cfg.sqlitePath)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create sqlite repository")
		}
		return repo, nil

	case "firestore":
		if cfg.project == "" {
			return nil, goerr.New("project is required for firestore")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required for firestore")
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore repository")
		}
		return repo, nil

	default:
		return nil, goerr.New("unknown repository engine", goerr.Value("engine", cfg.repoEngine))
	}
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	project := cfg.geminiProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}
	if cfg.embeddingDim > 0 {
		opts = append(opts, adapter.WithEmbeddingDimension(int(cfg.embeddingDim)))
	}

	return adapter.NewGemini(ctx, project, cfg.geminiLocation, opts...)
}

// newClaude creates a new Claude adapter instance
func (cfg *config) newClaude() (*adapter.ClaudeClient, error) {
	if cfg.anthropicAPIKey == "" {
		return nil, goerr.New("anthropic-api-key is required")
	}

	var opts []adapter.ClaudeOption
	if cfg.claudeModel != "" {
		opts = append(opts, adapter.WithClaudeModel(cfg.claudeModel))
	}

	return adapter.NewClaude(cfg.anthropicAPIKey, opts...), nil
}

// newLLM resolves the generation provider and, when available, the raw
// embedding provider. Claude ships no embedding API; with Claude
// selected the embedder comes from Gemini when its project is
// configured, otherwise retrieval is disabled.
func (cfg *config) newLLM(ctx context.Context) (adapter.Generator, adapter.Embedder, error) {
	switch cfg.provider {
	case "gemini":
		gemini, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, nil, err
		}
		return gemini, gemini, nil

	case "claude":
		claude, err := cfg.newClaude()
		if err != nil {
			return nil, nil, err
		}
		if cfg.geminiProject == "" && cfg.project == "" {
			return claude, nil, nil
		}
		gemini, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, nil, err
		}
		return claude, gemini, nil

	default:
		return nil, nil, goerr.New("unknown provider", goerr.Value("provider", cfg.provider))
	}
}

// newLimiter creates the rate limiter, with Redis persistence when a
// URL is configured.
func (cfg *config) newLimiter(ctx context.Context) (*ratelimit.Limiter, error) {
	var opts []ratelimit.Option
	if cfg.redisURL != "" {
		store, err := ratelimit.NewRedisStore(ctx, cfg.redisURL)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create redis state store")
		}
		opts = append(opts, ratelimit.WithStateStore(store))
	}

	return ratelimit.New(cfg.bucketCapacity, cfg.refillRate, opts...)
}

// newRecorder creates the usage event recorder. Events go to BigQuery
// when a project is configured, otherwise to the repository.
func (cfg *config) newRecorder(ctx context.Context, repo repository.Repository) (*analytics.Recorder, error) {
	if cfg.bigqueryProject == "" {
		return analytics.NewRecorder(repo), nil
	}

	bq, err := adapter.NewBigQuery(ctx, cfg.bigqueryProject,
		adapter.WithUsageTable(cfg.bigqueryDataset, cfg.bigqueryTable))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create bigquery client")
	}

	return analytics.NewRecorder(analytics.NewBigQuerySink(bq)), nil
}

// newStorage creates a Storage adapter for conversation snapshots
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.storageBucket == "" {
		return nil, goerr.New("storage-bucket is required")
	}

	var opts []adapter.StorageOption
	if cfg.storagePrefix != "" {
		opts = append(opts, adapter.WithStoragePrefix(cfg.storagePrefix))
	}

	storage, err := adapter.NewStorage(ctx, cfg.storageBucket, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newGenerateUseCase assembles the full generation pipeline
func (cfg *config) newGenerateUseCase(ctx context.Context, repo repository.Repository, recorder *analytics.Recorder) (*generate.UseCase, *ratelimit.Limiter, error) {
	generator, rawEmbedder, err := cfg.newLLM(ctx)
	if err != nil {
		return nil, nil, err
	}

	limiter, err := cfg.newLimiter(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := []generate.Option{
		generate.WithRequestCost(cfg.requestCost),
		generate.WithRetrieveLimit(int(cfg.retrieveLimit)),
		generate.WithMinSimilarity(cfg.minSimilarity),
		generate.WithMaxEntries(int(cfg.maxEntries)),
		generate.WithContextTokenBudget(int(cfg.contextBudget)),
		generate.WithModelTimeout(cfg.modelTimeout),
		generate.WithRetry(int(cfg.retryAttempts), cfg.retryBase),
	}

	if cfg.scopedRecall {
		opts = append(opts, generate.WithConversationScopedRecall())
	}

	if rawEmbedder != nil {
		embedder, err := embedding.New(rawEmbedder)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create embedding service")
		}
		opts = append(opts, generate.WithEmbedder(embedder))
	} else {
		logging.Default().Warn("no embedding provider configured, memory retrieval is disabled")
	}

	if cfg.policyDir != "" {
		gate, err := policy.New(ctx, cfg.policyDir)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to load admission policies")
		}
		opts = append(opts, generate.WithPolicyGate(gate))
	}

	if cfg.promptFile != "" {
		lib, err := prompt.New(cfg.promptFile)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to load prompt presets")
		}
		opts = append(opts, generate.WithPresets(lib))
	}

	return generate.New(repo, generator, limiter, recorder, opts...), limiter, nil
}

// newConversationUseCase wires conversation reads and archival
func (cfg *config) newConversationUseCase(ctx context.Context, repo repository.Repository) (*conversation.UseCase, error) {
	var opts []conversation.Option
	if cfg.storageBucket != "" {
		storage, err := cfg.newStorage(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, conversation.WithStorage(storage))
	}

	return conversation.New(repo, opts...), nil
}
