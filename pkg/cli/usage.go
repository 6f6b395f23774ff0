package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/urfave/cli/v3"
)

func usageCommand() *cli.Command {
	var (
		cfg      config
		identity string
		from     string
		to       string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "identity",
			Aliases:     []string{"u"},
			Usage:       "Identity to summarize",
			Value:       string(model.AnonymousIdentity),
			Sources:     cli.EnvVars("PLUME_IDENTITY"),
			Destination: &identity,
		},
		&cli.StringFlag{
			Name:        "from",
			Usage:       "Range start as RFC3339 timestamp (open when empty)",
			Destination: &from,
		},
		&cli.StringFlag{
			Name:        "to",
			Usage:       "Range end as RFC3339 timestamp (open when empty)",
			Destination: &to,
		},
	}
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, analyticsFlags(&cfg)...)

	return &cli.Command{
		Name:  "usage",
		Usage: "Summarize an identity's usage events",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger()

			timeRange, err := parseTimeRange(from, to)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer safeClose(ctx, "repository", repo.Close)

			recorder, err := cfg.newRecorder(ctx, repo)
			if err != nil {
				return err
			}
			defer safeClose(ctx, "recorder", recorder.Close)

			summary, err := recorder.Summarize(ctx, model.Identity(identity), timeRange)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "Identity:        %s\n", identity)
			fmt.Fprintf(w, "Requests:        %d\n", summary.Count)
			fmt.Fprintf(w, "Tokens in:       %d\n", summary.TotalTokensIn)
			fmt.Fprintf(w, "Tokens out:      %d\n", summary.TotalTokensOut)
			fmt.Fprintf(w, "Avg latency:     %.1f ms\n", summary.AvgLatencyMS)
			fmt.Fprintf(w, "Error rate:      %.1f%%\n", summary.ErrorRate*100)

			return nil
		},
	}
}

func parseTimeRange(from, to string) (model.TimeRange, error) {
	var tr model.TimeRange
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return tr, goerr.Wrap(err, "from must be an RFC3339 timestamp", goerr.Value("from", from))
		}
		tr.From = t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return tr, goerr.Wrap(err, "to must be an RFC3339 timestamp", goerr.Value("to", to))
		}
		tr.To = t
	}
	return tr, nil
}
