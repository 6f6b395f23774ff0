package adapter

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
)

// BigQuery is the analytics sink for usage events.
type BigQuery interface {
	// Insert streams rows into the usage events table
	Insert(ctx context.Context, rows any) error

	// QueryRows executes a query and returns all rows of the result
	QueryRows(ctx context.Context, query string, params []bigquery.QueryParameter) ([]map[string]bigquery.Value, error)

	// UsageTable returns the qualified table name for query building
	UsageTable() string
}

type bigqueryClient struct {
	client  *bigquery.Client
	dataset string
	table   string
}

// BigQueryOption is a functional option for BigQuery client
type BigQueryOption func(*bigqueryClient)

func WithUsageTable(dataset, table string) BigQueryOption {
	return func(bq *bigqueryClient) {
		bq.dataset = dataset
		bq.table = table
	}
}

// NewBigQuery creates a new BigQuery client
func NewBigQuery(ctx context.Context, projectID string, opts ...BigQueryOption) (BigQuery, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	bq := &bigqueryClient{
		client:  client,
		dataset: "plume",
		table:   "usage_events",
	}

	for _, opt := range opts {
		opt(bq)
	}

	return bq, nil
}

func (bq *bigqueryClient) Insert(ctx context.Context, rows any) error {
	inserter := bq.client.Dataset(bq.dataset).Table(bq.table).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return goerr.Wrap(err, "failed to insert usage rows",
			goerr.Value("dataset", bq.dataset),
			goerr.Value("table", bq.table))
	}

	return nil
}

func (bq *bigqueryClient) QueryRows(ctx context.Context, query string, params []bigquery.QueryParameter) ([]map[string]bigquery.Value, error) {
	q := bq.client.Query(query)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to run query")
	}

	// Wait for the query to complete
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to wait for query completion")
	}
	if status.Err() != nil {
		return nil, goerr.Wrap(status.Err(), "query execution failed")
	}

	it, err := job.Read(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read query result")
	}

	var results []map[string]bigquery.Value
	for {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate query result")
		}
		results = append(results, row)
	}

	return results, nil
}

func (bq *bigqueryClient) UsageTable() string {
	return fmt.Sprintf("`%s.%s`", bq.dataset, bq.table)
}
