package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/redis/go-redis/v9"
)

const stateKeyPrefix = "ratelimit:"

// RedisStore keeps bucket state in Redis so limits survive restarts.
// Entries expire after the configured TTL; an expired record simply
// means the identity starts over with a full bucket.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ StateStore = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

// WithStateTTL sets how long an idle identity's state is retained.
func WithStateTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore connects to the Redis instance described by rawURL,
// e.g. "redis://localhost:6379/0".
func NewRedisStore(ctx context.Context, rawURL string, opts ...RedisOption) (*RedisStore, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid redis URL")
	}

	s := &RedisStore{
		client: redis.NewClient(opt),
		ttl:    24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to connect to redis")
	}

	return s, nil
}

func (s *RedisStore) Load(ctx context.Context, identity model.Identity) (*model.RateLimitState, error) {
	data, err := s.client.Get(ctx, stateKeyPrefix+string(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load rate limit state", goerr.Value("identity", identity))
	}

	var state model.RateLimitState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal rate limit state", goerr.Value("identity", identity))
	}

	return &state, nil
}

func (s *RedisStore) Save(ctx context.Context, state *model.RateLimitState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal rate limit state", goerr.Value("identity", state.Identity))
	}

	if err := s.client.Set(ctx, stateKeyPrefix+string(state.Identity), data, s.ttl).Err(); err != nil {
		return goerr.Wrap(err, "failed to save rate limit state", goerr.Value("identity", state.Identity))
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
