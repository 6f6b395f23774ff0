package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/usecase/conversation"
	"github.com/urfave/cli/v3"
)

func listCommand() *cli.Command {
	var (
		cfg      config
		identity string
		offset   int64
		limit    int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "identity",
			Aliases:     []string{"u"},
			Usage:       "Identity whose conversations to list",
			Value:       string(model.AnonymousIdentity),
			Sources:     cli.EnvVars("PLUME_IDENTITY"),
			Destination: &identity,
		},
		&cli.IntFlag{
			Name:        "offset",
			Usage:       "Number of conversations to skip",
			Destination: &offset,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of conversations to show",
			Value:       20,
			Destination: &limit,
		},
	}
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List an identity's conversations, most recently active first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger()

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer safeClose(ctx, "repository", repo.Close)

			uc := conversation.New(repo)
			convs, err := uc.List(ctx, model.Identity(identity), int(offset), int(limit))
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if len(convs) == 0 {
				fmt.Fprintf(w, "No conversations found\n")
				return nil
			}

			for _, conv := range convs {
				state := ""
				if conv.Archived {
					state = " [archived]"
				}
				fmt.Fprintf(w, "%s  %s  (%d entries, last active %s)%s\n",
					conv.ID, conv.Title, len(conv.EntryIDs),
					conv.LastActiveAt.Format("2006-01-02 15:04"), state)
			}

			return nil
		},
	}
}
