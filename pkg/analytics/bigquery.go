package analytics

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/adapter"
	"github.com/m-mizutani/plume/pkg/model"
)

// BigQuerySink streams usage events into a warehouse table and reads
// them back with SQL. Inserts use the streaming API, so rows may take
// a moment to become visible to Summarize.
type BigQuerySink struct {
	client adapter.BigQuery
}

var _ Sink = (*BigQuerySink)(nil)

func NewBigQuerySink(client adapter.BigQuery) *BigQuerySink {
	return &BigQuerySink{client: client}
}

type usageRow struct {
	Identity       string    `bigquery:"identity"`
	ConversationID string    `bigquery:"conversation_id"`
	Timestamp      time.Time `bigquery:"timestamp"`
	TokensIn       int64     `bigquery:"tokens_in"`
	TokensOut      int64     `bigquery:"tokens_out"`
	LatencyMS      int64     `bigquery:"latency_ms"`
	Outcome        string    `bigquery:"outcome"`
}

func (s *BigQuerySink) PutUsageEvent(ctx context.Context, event *model.UsageEvent) error {
	row := &usageRow{
		Identity:       string(event.Identity),
		ConversationID: string(event.ConversationID),
		Timestamp:      event.Timestamp,
		TokensIn:       event.TokensIn,
		TokensOut:      event.TokensOut,
		LatencyMS:      event.LatencyMS,
		Outcome:        string(event.Outcome),
	}

	if err := s.client.Insert(ctx, []*usageRow{row}); err != nil {
		return goerr.Wrap(err, "failed to insert usage event", goerr.Value("identity", event.Identity))
	}

	return nil
}

func (s *BigQuerySink) ListUsageEvents(ctx context.Context, identity model.Identity, timeRange model.TimeRange) ([]*model.UsageEvent, error) {
	query := fmt.Sprintf(`SELECT identity, conversation_id, timestamp, tokens_in, tokens_out, latency_ms, outcome
FROM %s
WHERE identity = @identity`, s.client.UsageTable())

	params := []bigquery.QueryParameter{
		{Name: "identity", Value: string(identity)},
	}
	if !timeRange.From.IsZero() {
		query += " AND timestamp >= @from"
		params = append(params, bigquery.QueryParameter{Name: "from", Value: timeRange.From})
	}
	if !timeRange.To.IsZero() {
		query += " AND timestamp < @to"
		params = append(params, bigquery.QueryParameter{Name: "to", Value: timeRange.To})
	}
	query += "\nORDER BY timestamp"

	rows, err := s.client.QueryRows(ctx, query, params)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query usage events")
	}

	events := make([]*model.UsageEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, &model.UsageEvent{
			Identity:       model.Identity(asString(row["identity"])),
			ConversationID: model.ConversationID(asString(row["conversation_id"])),
			Timestamp:      asTime(row["timestamp"]),
			TokensIn:       asInt64(row["tokens_in"]),
			TokensOut:      asInt64(row["tokens_out"]),
			LatencyMS:      asInt64(row["latency_ms"]),
			Outcome:        model.Outcome(asString(row["outcome"])),
		})
	}

	return events, nil
}

func asString(v bigquery.Value) string {
	s, _ := v.(string)
	return s
}

func asInt64(v bigquery.Value) int64 {
	n, _ := v.(int64)
	return n
}

func asTime(v bigquery.Value) time.Time {
	t, _ := v.(time.Time)
	return t
}
