package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/utils/logging"
)

// Decision is the outcome of one Allow call. RetryAfter is set only
// when the call was denied.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// StateStore persists bucket state across process restarts. Load
// returns (nil, nil) when no state is recorded for the identity.
type StateStore interface {
	Load(ctx context.Context, identity model.Identity) (*model.RateLimitState, error)
	Save(ctx context.Context, state *model.RateLimitState) error
}

type bucket struct {
	mu       sync.Mutex
	hydrated bool
	state    model.RateLimitState
}

// Limiter enforces a per-identity token bucket. Capacity is the burst
// budget, rate the continuous refill per second. Decisions for one
// identity are serialized through that identity's own lock; distinct
// identities never contend.
//
// With a StateStore configured, each identity's state is hydrated once
// on first sight and written behind after every decision. Refill is
// computed from wall-clock elapsed time, so state restored after
// downtime replenishes naturally.
type Limiter struct {
	capacity float64
	rate     float64

	mu      sync.Mutex
	buckets map[model.Identity]*bucket

	store       StateStore
	hydrateWait time.Duration
	saveCh      chan model.RateLimitState
	done        chan struct{}

	now func() time.Time
}

type Option func(*Limiter)

// WithStateStore enables persistent bucket state.
func WithStateStore(store StateStore) Option {
	return func(l *Limiter) {
		l.store = store
	}
}

// WithHydrateWait bounds how long the first decision for an identity
// may wait on the state store.
func WithHydrateWait(d time.Duration) Option {
	return func(l *Limiter) {
		l.hydrateWait = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter with the given bucket capacity and refill rate
// in tokens per second.
func New(capacity, rate float64, opts ...Option) (*Limiter, error) {
	if capacity <= 0 {
		return nil, goerr.New("bucket capacity must be positive", goerr.Value("capacity", capacity))
	}
	if rate <= 0 {
		return nil, goerr.New("refill rate must be positive", goerr.Value("rate", rate))
	}

	l := &Limiter{
		capacity:    capacity,
		rate:        rate,
		buckets:     make(map[model.Identity]*bucket),
		hydrateWait: 150 * time.Millisecond,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.store != nil {
		l.saveCh = make(chan model.RateLimitState, 256)
		l.done = make(chan struct{})
		go l.saveLoop()
	}

	return l, nil
}

// Allow charges cost tokens against the identity's bucket. Cost must be
// positive. Denials are not errors; they come back as a Decision with
// RetryAfter set to when enough budget will have accumulated.
func (l *Limiter) Allow(ctx context.Context, identity model.Identity, cost float64) (*Decision, error) {
	if identity == "" {
		return nil, goerr.Wrap(model.ErrInvalidInput, "identity is required")
	}
	if cost <= 0 {
		return nil, goerr.Wrap(model.ErrInvalidInput, "cost must be positive", goerr.Value("cost", cost))
	}

	b := l.getBucket(identity)

	b.mu.Lock()
	if !b.hydrated {
		l.hydrate(ctx, b)
	}

	now := l.now()
	l.refillLocked(b, now)

	dec := &Decision{}
	if b.state.AvailableTokens >= cost {
		b.state.AvailableTokens -= cost
		dec.Allowed = true
	} else {
		missing := cost - b.state.AvailableTokens
		dec.RetryAfter = time.Duration(missing / l.rate * float64(time.Second))
	}
	snapshot := b.state
	b.mu.Unlock()

	l.scheduleSave(ctx, snapshot)

	return dec, nil
}

func (l *Limiter) getBucket(identity model.Identity) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{
			state: model.RateLimitState{
				Identity:        identity,
				AvailableTokens: l.capacity,
				LastRefillAt:    l.now(),
			},
		}
		l.buckets[identity] = b
	}
	return b
}

// refillLocked tops up the bucket for elapsed wall-clock time. The
// caller must hold b.mu.
func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.state.LastRefillAt).Seconds()
	if elapsed > 0 {
		b.state.AvailableTokens = min(l.capacity, b.state.AvailableTokens+elapsed*l.rate)
	}
	b.state.LastRefillAt = now
}

// hydrate loads persisted state on the identity's first decision. A
// missing record or store failure falls back to a fresh full bucket.
func (l *Limiter) hydrate(ctx context.Context, b *bucket) {
	b.hydrated = true
	if l.store == nil {
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, l.hydrateWait)
	defer cancel()

	state, err := l.store.Load(loadCtx, b.state.Identity)
	if err != nil {
		logging.From(ctx).Warn("failed to load rate limit state, starting with full bucket",
			"identity", b.state.Identity, "error", err)
		return
	}
	if state == nil {
		return
	}

	b.state.AvailableTokens = max(0, min(l.capacity, state.AvailableTokens))
	if !state.LastRefillAt.IsZero() {
		b.state.LastRefillAt = state.LastRefillAt
	}
}

func (l *Limiter) scheduleSave(ctx context.Context, state model.RateLimitState) {
	if l.store == nil {
		return
	}
	select {
	case l.saveCh <- state:
	default:
		logging.From(ctx).Warn("rate limit state write queue is full, dropping update",
			"identity", state.Identity)
	}
}

func (l *Limiter) saveLoop() {
	for state := range l.saveCh {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := l.store.Save(ctx, &state); err != nil {
			logging.Default().Warn("failed to save rate limit state",
				"identity", state.Identity, "error", err)
		}
		cancel()
	}
	close(l.done)
}

// Close flushes pending state writes.
func (l *Limiter) Close() error {
	if l.saveCh != nil {
		close(l.saveCh)
		<-l.done
	}
	return nil
}
