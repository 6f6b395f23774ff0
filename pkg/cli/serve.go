package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/plume/pkg/server"
	"github.com/m-mizutani/plume/pkg/usecase/conversation"
	"github.com/m-mizutani/plume/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg             config
		addr            string
		jwtSecret       string
		archiveAfter    time.Duration
		archiveInterval time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("PLUME_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "jwt-secret",
			Usage:       "HS256 secret for bearer token auth (disabled when empty)",
			Sources:     cli.EnvVars("PLUME_JWT_SECRET"),
			Destination: &jwtSecret,
		},
		&cli.DurationFlag{
			Name:        "archive-after",
			Usage:       "Archive conversations idle longer than this (0 disables the sweep)",
			Sources:     cli.EnvVars("PLUME_ARCHIVE_AFTER"),
			Destination: &archiveAfter,
		},
		&cli.DurationFlag{
			Name:        "archive-interval",
			Usage:       "How often the archival sweep runs",
			Value:       10 * time.Minute,
			Sources:     cli.EnvVars("PLUME_ARCHIVE_INTERVAL"),
			Destination: &archiveInterval,
		},
	}
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, limiterFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, analyticsFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP generation API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger()

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

			generateUC, limiter, err := cfg.newGenerateUseCase(ctx, repo, recorder)
			if err != nil {
				return err
			}
			defer safeClose(ctx, "limiter", limiter.Close)

			conversationUC, err := cfg.newConversationUseCase(ctx, repo)
			if err != nil {
				return err
			}

			if archiveAfter > 0 {
				go runArchiveSweep(ctx, conversationUC, archiveAfter, archiveInterval)
			}

			var opts []server.Option
			if jwtSecret != "" {
				opts = append(opts, server.WithJWTSecret([]byte(jwtSecret)))
			}
			opts = append(opts, server.WithLogger(logging.Default()))

			srv := server.New(addr, generateUC, conversationUC, recorder, opts...)
			return srv.Run(ctx)
		},
	}
}

const archiveSweepLimit = 100

// runArchiveSweep periodically retires idle conversations until ctx is
// canceled.
func runArchiveSweep(ctx context.Context, uc *conversation.UseCase, idleFor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := uc.ArchiveIdle(ctx, idleFor, archiveSweepLimit); err != nil {
				logging.From(ctx).Warn("archival sweep failed", "error", err)
			}
		}
	}
}

func safeClose(ctx context.Context, name string, close func() error) {
	if err := close(); err != nil {
		logging.From(ctx).Warn("failed to close "+name, "error", err)
	}
}
