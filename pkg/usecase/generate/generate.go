package generate

import (
	"context"
	"time"

	"github.com/m-mizutani/plume/pkg/adapter"
	"github.com/m-mizutani/plume/pkg/analytics"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/policy"
	"github.com/m-mizutani/plume/pkg/prompt"
	"github.com/m-mizutani/plume/pkg/ratelimit"
	"github.com/m-mizutani/plume/pkg/repository"
)

// Phase names the states a request moves through. FAILED and the two
// COMPLETED states are terminal.
type Phase string

const (
	PhaseReceived          Phase = "RECEIVED"
	PhaseRateChecked       Phase = "RATE_CHECKED"
	PhaseContextBuilt      Phase = "CONTEXT_BUILT"
	PhaseModelCalled       Phase = "MODEL_CALLED"
	PhasePersisted         Phase = "PERSISTED"
	PhaseCompleted         Phase = "COMPLETED"
	PhaseCompletedDegraded Phase = "COMPLETED_DEGRADED"
	PhaseFailed            Phase = "FAILED"
)

// Input is one generation request.
type Input struct {
	Identity       model.Identity
	ConversationID model.ConversationID
	Message        string
	ContentType    string
}

// Output is the result of a completed request. Degraded reports that
// the reply is fine but some best-effort step (memory context, entry
// embedding, persistence) was skipped or failed.
type Output struct {
	ConversationID model.ConversationID
	Reply          string
	TokensIn       int64
	TokensOut      int64
	Degraded       bool
}

const (
	defaultRequestCost   = 1.0
	defaultRetrieveLimit = 5
	defaultMaxEntries    = 200
	defaultContextBudget = 2048
	defaultModelTimeout  = 60 * time.Second
	defaultMaxAttempts   = 3
	defaultRetryBase     = 200 * time.Millisecond
)

// UseCase drives a generation request through rate limiting, memory
// retrieval, the model call, and persistence.
type UseCase struct {
	repo      repository.Repository
	generator adapter.Generator
	limiter   *ratelimit.Limiter
	recorder  *analytics.Recorder

	embedder adapter.Embedder
	gate     *policy.Gate
	presets  *prompt.Library

	requestCost     float64
	retrieveLimit   int
	minSimilarity   float64
	maxEntries      int
	contextBudget   int
	crossConvRecall bool
	modelTimeout    time.Duration
	maxAttempts     int
	retryBase       time.Duration

	locks lockTable
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*UseCase)

// WithEmbedder enables memory retrieval and entry embeddings. Without
// it the orchestrator persists plain transcripts and skips retrieval.
func WithEmbedder(embedder adapter.Embedder) Option {
	return func(u *UseCase) {
		u.embedder = embedder
	}
}

// WithPolicyGate screens requests before the limiter spends tokens.
func WithPolicyGate(gate *policy.Gate) Option {
	return func(u *UseCase) {
		u.gate = gate
	}
}

// WithPresets overrides the built-in prompt preset library.
func WithPresets(lib *prompt.Library) Option {
	return func(u *UseCase) {
		u.presets = lib
	}
}

// WithRequestCost sets the token-bucket cost charged per request.
func WithRequestCost(cost float64) Option {
	return func(u *UseCase) {
		u.requestCost = cost
	}
}

// WithRetrieveLimit sets how many memory entries augment the prompt.
func WithRetrieveLimit(k int) Option {
	return func(u *UseCase) {
		u.retrieveLimit = k
	}
}

// WithMinSimilarity filters retrieved entries below the threshold.
func WithMinSimilarity(threshold float64) Option {
	return func(u *UseCase) {
		u.minSimilarity = threshold
	}
}

// WithMaxEntries caps stored memory entries per identity.
func WithMaxEntries(m int) Option {
	return func(u *UseCase) {
		u.maxEntries = m
	}
}

// WithContextTokenBudget bounds the memory context injected into the
// system prompt, in estimated tokens.
func WithContextTokenBudget(tokens int) Option {
	return func(u *UseCase) {
		u.contextBudget = tokens
	}
}

// WithConversationScopedRecall restricts retrieval to the current
// conversation instead of all of the identity's conversations.
func WithConversationScopedRecall() Option {
	return func(u *UseCase) {
		u.crossConvRecall = false
	}
}

// WithModelTimeout bounds each generation attempt.
func WithModelTimeout(d time.Duration) Option {
	return func(u *UseCase) {
		u.modelTimeout = d
	}
}

// WithRetry sets the attempt count and backoff base for model calls.
func WithRetry(attempts int, base time.Duration) Option {
	return func(u *UseCase) {
		u.maxAttempts = attempts
		u.retryBase = base
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(u *UseCase) {
		u.now = now
	}
}

// WithSleeper overrides how retry backoff waits.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(u *UseCase) {
		u.sleep = sleep
	}
}

func New(repo repository.Repository, generator adapter.Generator, limiter *ratelimit.Limiter, recorder *analytics.Recorder, opts ...Option) *UseCase {
	u := &UseCase{
		repo:      repo,
		generator: generator,
		limiter:   limiter,
		recorder:  recorder,

		requestCost:     defaultRequestCost,
		retrieveLimit:   defaultRetrieveLimit,
		maxEntries:      defaultMaxEntries,
		contextBudget:   defaultContextBudget,
		crossConvRecall: true,
		modelTimeout:    defaultModelTimeout,
		maxAttempts:     defaultMaxAttempts,
		retryBase:       defaultRetryBase,

		now:   time.Now,
		sleep: sleepContext,
	}

	for _, opt := range opts {
		opt(u)
	}

	if u.presets == nil {
		lib, err := prompt.New("")
		if err != nil {
			// Built-in presets cannot fail to load.
			panic(err)
		}
		u.presets = lib
	}

	return u
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
