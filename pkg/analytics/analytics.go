package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/utils/logging"
)

// Sink persists usage events and reads them back for aggregation. The
// repository layer satisfies this directly; BigQuerySink streams to a
// warehouse table instead.
type Sink interface {
	PutUsageEvent(ctx context.Context, event *model.UsageEvent) error
	ListUsageEvents(ctx context.Context, identity model.Identity, timeRange model.TimeRange) ([]*model.UsageEvent, error)
}

const (
	defaultQueueSize   = 256
	defaultPutTimeout  = 5 * time.Second
	defaultDrainWindow = 10 * time.Second
)

// Recorder accepts usage events without blocking the request path.
// Events are queued to a background worker; when the queue is full the
// event is dropped with a warning rather than applying backpressure.
type Recorder struct {
	sink       Sink
	queue      chan model.UsageEvent
	done       chan struct{}
	putTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

type Option func(*Recorder)

// WithQueueSize sets the number of events buffered before drops begin.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		r.queue = make(chan model.UsageEvent, n)
	}
}

// WithPutTimeout bounds each sink write made by the worker.
func WithPutTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		r.putTimeout = d
	}
}

func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:       sink,
		queue:      make(chan model.UsageEvent, defaultQueueSize),
		done:       make(chan struct{}),
		putTimeout: defaultPutTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.worker()

	return r
}

// Record queues one event. It never returns an error: a malformed
// event or a full queue is logged and dropped so that the caller's
// request is unaffected.
func (r *Recorder) Record(ctx context.Context, event *model.UsageEvent) {
	if event == nil {
		return
	}
	if err := event.Outcome.Validate(); err != nil {
		logging.From(ctx).Warn("dropping usage event with invalid outcome",
			"outcome", event.Outcome, "identity", event.Identity)
		return
	}

	queued := *event
	if queued.Timestamp.IsZero() {
		queued.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		logging.From(ctx).Warn("recorder is closed, dropping usage event",
			"identity", event.Identity, "outcome", event.Outcome)
		return
	}

	select {
	case r.queue <- queued:
	default:
		logging.From(ctx).Warn("usage event queue is full, dropping event",
			"identity", event.Identity, "outcome", event.Outcome)
	}
}

func (r *Recorder) worker() {
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.putTimeout)
		if err := r.sink.PutUsageEvent(ctx, &event); err != nil {
			logging.Default().Warn("failed to persist usage event",
				"identity", event.Identity, "error", err)
		}
		cancel()
	}
	close(r.done)
}

// Close stops accepting events and waits for the queue to drain.
// Events recorded after Close are dropped. Closing twice is a no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-time.After(defaultDrainWindow):
		return goerr.New("timed out draining usage event queue")
	}
}

// Summarize aggregates the identity's events in the given range. An
// empty range bound leaves that side open.
func (r *Recorder) Summarize(ctx context.Context, identity model.Identity, timeRange model.TimeRange) (*model.UsageSummary, error) {
	events, err := r.sink.ListUsageEvents(ctx, identity, timeRange)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list usage events")
	}

	summary := &model.UsageSummary{
		Count: len(events),
	}
	if summary.Count == 0 {
		return summary, nil
	}

	var totalLatency int64
	var failures int
	for _, event := range events {
		summary.TotalTokensIn += event.TokensIn
		summary.TotalTokensOut += event.TokensOut
		totalLatency += event.LatencyMS
		if event.Outcome != model.OutcomeSuccess {
			failures++
		}
	}

	summary.AvgLatencyMS = float64(totalLatency) / float64(summary.Count)
	summary.ErrorRate = float64(failures) / float64(summary.Count)

	return summary, nil
}
