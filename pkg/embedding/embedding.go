package embedding

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/adapter"
	"github.com/m-mizutani/plume/pkg/model"
)

const (
	defaultMaxCacheBytes = 32 << 20
	cacheBufferItems     = 64
)

// Service generates embedding vectors through an adapter.Embedder and
// caches them in process, keyed by the exact input text. A cache hit
// skips the provider call entirely; everything else behaves as if the
// cache did not exist.
type Service struct {
	embedder adapter.Embedder
	cache    *ristretto.Cache
}

var _ adapter.Embedder = (*Service)(nil)

type Option func(*config)

type config struct {
	maxCacheBytes int64
}

// WithMaxCacheBytes caps the memory spent on cached vectors.
func WithMaxCacheBytes(n int64) Option {
	return func(c *config) {
		c.maxCacheBytes = n
	}
}

func New(embedder adapter.Embedder, opts ...Option) (*Service, error) {
	cfg := &config{
		maxCacheBytes: defaultMaxCacheBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.maxCacheBytes / 1024,
		MaxCost:     cfg.maxCacheBytes,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}

	return &Service{
		embedder: embedder,
		cache:    cache,
	}, nil
}

// Embed returns the vector for text. Provider failures come back as
// model.ErrEmbeddingUnavailable so that callers can decide whether to
// degrade instead of failing the whole request.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, goerr.Wrap(model.ErrInvalidInput, "text is required")
	}

	if cached, ok := s.cache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(model.ErrEmbeddingUnavailable, "embedding provider call failed", goerr.Value("cause", err))
	}

	s.cache.Set(text, vec, int64(len(vec)*4))

	return vec, nil
}

func (s *Service) Dimension() int {
	return s.embedder.Dimension()
}

// Wait blocks until buffered cache writes are applied.
func (s *Service) Wait() {
	s.cache.Wait()
}

func (s *Service) Close() error {
	s.cache.Close()
	return nil
}
