package embedding_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/plume/pkg/embedding"
	"github.com/m-mizutani/plume/pkg/model"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	dim   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(len(text))
	}
	return vec, nil
}

func (f *fakeEmbedder) Dimension() int {
	return f.dim
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestEmbedCachesByExactText(t *testing.T) {
	fake := &fakeEmbedder{dim: 4}
	svc := gt.R1(embedding.New(fake)).NoError(t)
	defer svc.Close()

	ctx := context.Background()

	vec := gt.R1(svc.Embed(ctx, "hello world")).NoError(t)
	gt.Equal(t, len(vec), 4)
	gt.Equal(t, fake.callCount(), 1)
	svc.Wait()

	again := gt.R1(svc.Embed(ctx, "hello world")).NoError(t)
	gt.Equal(t, again, vec)
	gt.Equal(t, fake.callCount(), 1)

	gt.R1(svc.Embed(ctx, "hello world!")).NoError(t)
	gt.Equal(t, fake.callCount(), 2)
}

func TestEmbedProviderFailure(t *testing.T) {
	fake := &fakeEmbedder{dim: 4, err: errors.New("quota exceeded")}
	svc := gt.R1(embedding.New(fake)).NoError(t)
	defer svc.Close()

	_, err := svc.Embed(context.Background(), "hello")
	gt.True(t, errors.Is(err, model.ErrEmbeddingUnavailable))
	gt.Equal(t, fake.callCount(), 1)
}

func TestEmbedEmptyText(t *testing.T) {
	fake := &fakeEmbedder{dim: 4}
	svc := gt.R1(embedding.New(fake)).NoError(t)
	defer svc.Close()

	_, err := svc.Embed(context.Background(), "")
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
	gt.Equal(t, fake.callCount(), 0)
}

func TestDimensionPassthrough(t *testing.T) {
	fake := &fakeEmbedder{dim: 768}
	svc := gt.R1(embedding.New(fake)).NoError(t)
	defer svc.Close()

	gt.Equal(t, svc.Dimension(), 768)
}
