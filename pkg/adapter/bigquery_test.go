package adapter_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/plume/pkg/adapter"
)

func TestBigQuery(t *testing.T) {
	projectID := os.Getenv("TEST_BIGQUERY_PROJECT")
	if projectID == "" {
		t.Skip("TEST_BIGQUERY_PROJECT is not set")
	}

	datasetID := os.Getenv("TEST_BIGQUERY_DATASET")
	if datasetID == "" {
		t.Skip("TEST_BIGQUERY_DATASET is not set")
	}

	table := os.Getenv("TEST_BIGQUERY_TABLE")
	if table == "" {
		t.Skip("TEST_BIGQUERY_TABLE is not set")
	}

	ctx := context.Background()
	client, err := adapter.NewBigQuery(ctx, projectID, adapter.WithUsageTable(datasetID, table))
	gt.NoError(t, err)

	type row struct {
		Identity  string    `bigquery:"identity"`
		Timestamp time.Time `bigquery:"timestamp"`
		TokensIn  int64     `bigquery:"tokens_in"`
		TokensOut int64     `bigquery:"tokens_out"`
		LatencyMS int64     `bigquery:"latency_ms"`
		Outcome   string    `bigquery:"outcome"`
	}

	t.Run("Insert", func(t *testing.T) {
		err := client.Insert(ctx, []*row{{
			Identity:  "test-identity",
			Timestamp: time.Now(),
			TokensIn:  10,
			TokensOut: 20,
			LatencyMS: 150,
			Outcome:   "success",
		}})
		gt.NoError(t, err)
	})

	t.Run("QueryRows", func(t *testing.T) {
		query := "SELECT identity, outcome FROM " + client.UsageTable() + " WHERE identity = @identity LIMIT 10"
		rows, err := client.QueryRows(ctx, query, []bigquery.QueryParameter{
			{Name: "identity", Value: "test-identity"},
		})
		gt.NoError(t, err)

		for _, r := range rows {
			gt.Equal(t, "test-identity", r["identity"])
		}
	})
}
