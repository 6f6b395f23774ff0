package analytics_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/plume/pkg/analytics"
	"github.com/m-mizutani/plume/pkg/model"
)

type fakeSink struct {
	mu     sync.Mutex
	events []*model.UsageEvent
	gate   chan struct{}
}

func (s *fakeSink) PutUsageEvent(ctx context.Context, event *model.UsageEvent) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (s *fakeSink) ListUsageEvents(ctx context.Context, identity model.Identity, timeRange model.TimeRange) ([]*model.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.UsageEvent
	for _, event := range s.events {
		if event.Identity == identity && timeRange.Contains(event.Timestamp) {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRecorderPersistsEvents(t *testing.T) {
	sink := &fakeSink{}
	recorder := analytics.NewRecorder(sink)

	ctx := context.Background()
	recorder.Record(ctx, &model.UsageEvent{
		Identity:  "user-1",
		Timestamp: time.Now(),
		TokensIn:  10,
		TokensOut: 20,
		LatencyMS: 120,
		Outcome:   model.OutcomeSuccess,
	})
	recorder.Record(ctx, &model.UsageEvent{
		Identity:  "user-1",
		Timestamp: time.Now(),
		Outcome:   model.OutcomeRateLimited,
	})

	gt.NoError(t, recorder.Close())
	gt.Equal(t, sink.count(), 2)
}

func TestRecorderDropsInvalidOutcome(t *testing.T) {
	sink := &fakeSink{}
	recorder := analytics.NewRecorder(sink)

	recorder.Record(context.Background(), &model.UsageEvent{
		Identity: "user-1",
		Outcome:  model.Outcome("exploded"),
	})

	gt.NoError(t, recorder.Close())
	gt.Equal(t, sink.count(), 0)
}

func TestRecorderFillsTimestamp(t *testing.T) {
	sink := &fakeSink{}
	recorder := analytics.NewRecorder(sink)

	recorder.Record(context.Background(), &model.UsageEvent{
		Identity: "user-1",
		Outcome:  model.OutcomeSuccess,
	})

	gt.NoError(t, recorder.Close())
	gt.Equal(t, sink.count(), 1)
	gt.False(t, sink.events[0].Timestamp.IsZero())
}

func TestRecorderDropsWhenQueueIsFull(t *testing.T) {
	sink := &fakeSink{gate: make(chan struct{})}
	recorder := analytics.NewRecorder(sink, analytics.WithQueueSize(1))

	ctx := context.Background()
	// The worker blocks on the gated sink; one more event fits in the
	// queue, the rest must be dropped without blocking Record.
	for i := 0; i < 10; i++ {
		recorder.Record(ctx, &model.UsageEvent{
			Identity:  "user-1",
			Timestamp: time.Now(),
			Outcome:   model.OutcomeSuccess,
		})
	}

	close(sink.gate)
	gt.NoError(t, recorder.Close())
	gt.Number(t, sink.count()).LessOrEqual(2)
	gt.Number(t, sink.count()).GreaterOrEqual(1)
}

func TestRecorderAfterClose(t *testing.T) {
	sink := &fakeSink{}
	recorder := analytics.NewRecorder(sink)
	gt.NoError(t, recorder.Close())

	// A late Record is dropped, not a panic
	recorder.Record(context.Background(), &model.UsageEvent{
		Identity: "user-1",
		Outcome:  model.OutcomeSuccess,
	})
	gt.Equal(t, sink.count(), 0)

	gt.NoError(t, recorder.Close())
}

func TestSummarize(t *testing.T) {
	sink := &fakeSink{}
	recorder := analytics.NewRecorder(sink)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	events := []*model.UsageEvent{
		{Identity: "u1", Timestamp: base, TokensIn: 100, TokensOut: 200, LatencyMS: 100, Outcome: model.OutcomeSuccess},
		{Identity: "u1", Timestamp: base.Add(time.Hour), TokensIn: 50, TokensOut: 60, LatencyMS: 300, Outcome: model.OutcomeSuccess},
		{Identity: "u1", Timestamp: base.Add(2 * time.Hour), Outcome: model.OutcomeRateLimited},
		{Identity: "u1", Timestamp: base.Add(3 * time.Hour), LatencyMS: 400, Outcome: model.OutcomeProviderError},
		{Identity: "u2", Timestamp: base, TokensIn: 9999, Outcome: model.OutcomeSuccess},
	}
	for _, event := range events {
		recorder.Record(context.Background(), event)
	}
	gt.NoError(t, recorder.Close())

	// Only u1's events contribute to u1's summary.
	summary := gt.R1(recorder.Summarize(context.Background(), "u1", model.TimeRange{})).NoError(t)
	gt.Equal(t, summary.Count, 4)
	gt.Equal(t, summary.TotalTokensIn, int64(150))
	gt.Equal(t, summary.TotalTokensOut, int64(260))
	gt.Equal(t, summary.AvgLatencyMS, 200.0)
	gt.Equal(t, summary.ErrorRate, 0.5)
}

func TestSummarizeRange(t *testing.T) {
	sink := &fakeSink{}
	recorder := analytics.NewRecorder(sink)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		recorder.Record(context.Background(), &model.UsageEvent{
			Identity:  "u1",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Outcome:   model.OutcomeSuccess,
		})
	}
	gt.NoError(t, recorder.Close())

	summary := gt.R1(recorder.Summarize(context.Background(), "u1", model.TimeRange{
		From: base.Add(time.Hour),
		To:   base.Add(3 * time.Hour),
	})).NoError(t)
	gt.Equal(t, summary.Count, 2)
}

func TestSummarizeEmpty(t *testing.T) {
	sink := &fakeSink{}
	recorder := analytics.NewRecorder(sink)
	defer recorder.Close()

	summary := gt.R1(recorder.Summarize(context.Background(), "u1", model.TimeRange{})).NoError(t)
	gt.Equal(t, summary.Count, 0)
	gt.Equal(t, summary.ErrorRate, 0.0)
	gt.Equal(t, summary.AvgLatencyMS, 0.0)
}
