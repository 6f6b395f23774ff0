package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

func archiveCommand() *cli.Command {
	var (
		cfg     config
		idleFor time.Duration
		limit   int64
	)

	flags := []cli.Flag{
		&cli.DurationFlag{
			Name:        "idle-for",
			Usage:       "Archive conversations with no activity for this long",
			Value:       7 * 24 * time.Hour,
			Sources:     cli.EnvVars("PLUME_ARCHIVE_AFTER"),
			Destination: &idleFor,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum conversations archived in one sweep",
			Value:       100,
			Destination: &limit,
		},
	}
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:  "archive",
		Usage: "Archive idle conversations, snapshotting them to Cloud Storage when configured",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger()

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer safeClose(ctx, "repository", repo.Close)

			uc, err := cfg.newConversationUseCase(ctx, repo)
			if err != nil {
				return err
			}

			archived, err := uc.ArchiveIdle(ctx, idleFor, int(limit))
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Archived %d conversations\n", archived)
			return nil
		},
	}
}
