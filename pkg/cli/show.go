package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/usecase/conversation"
	"github.com/urfave/cli/v3"
)

func showCommand() *cli.Command {
	var (
		cfg            config
		identity       string
		conversationID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "identity",
			Aliases:     []string{"u"},
			Usage:       "Identity owning the conversation",
			Value:       string(model.AnonymousIdentity),
			Sources:     cli.EnvVars("PLUME_IDENTITY"),
			Destination: &identity,
		},
		&cli.StringFlag{
			Name:        "conversation-id",
			Aliases:     []string{"c"},
			Usage:       "Conversation to show",
			Sources:     cli.EnvVars("PLUME_CONVERSATION_ID"),
			Destination: &conversationID,
			Required:    true,
		},
	}
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "show",
		Usage: "Print a conversation transcript",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger()

			if conversationID == "" {
				return goerr.New("conversation-id is required")
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer safeClose(ctx, "repository", repo.Close)

			uc := conversation.New(repo)
			conv, entries, err := uc.Get(ctx, model.Identity(identity), model.ConversationID(conversationID))
			if err != nil {
				return err
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "%s (created %s)\n", conv.Title, conv.CreatedAt.Format("2006-01-02 15:04"))
			if conv.Archived {
				fmt.Fprintf(w, "[archived]\n")
			}
			fmt.Fprintf(w, "\n")

			for _, entry := range entries {
				fmt.Fprintf(w, "[%s] %s\n", entry.Role, entry.Text)
			}

			return nil
		},
	}
}
