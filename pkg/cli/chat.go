package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/usecase/generate"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg            config
		identity       string
		conversationID string
		contentType    string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "identity",
			Aliases:     []string{"u"},
			Usage:       "Identity to chat as",
			Value:       string(model.AnonymousIdentity),
			Sources:     cli.EnvVars("PLUME_IDENTITY"),
			Destination: &identity,
		},
		&cli.StringFlag{
			Name:        "conversation-id",
			Aliases:     []string{"c"},
			Usage:       "Continue an existing conversation",
			Sources:     cli.EnvVars("PLUME_CONVERSATION_ID"),
			Destination: &conversationID,
		},
		&cli.StringFlag{
			Name:        "content-type",
			Aliases:     []string{"t"},
			Usage:       "Prompt preset to use (chat, article, summary)",
			Sources:     cli.EnvVars("PLUME_CONTENT_TYPE"),
			Destination: &contentType,
		},
	}
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, limiterFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, analyticsFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive generation session through the same pipeline as the API",
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

			uc, limiter, err := cfg.newGenerateUseCase(ctx, repo, recorder)
			if err != nil {
				return err
			}
			defer safeClose(ctx, "limiter", limiter.Close)

			rl, err := readline.New("> ")
			if err != nil {
				return goerr.Wrap(err, "failed to initialize prompt")
			}
			defer rl.Close()

			w := c.Root().Writer
			fmt.Fprintf(w, "Chat session started. Type 'exit' to quit.\n")

			convID := model.ConversationID(conversationID)
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				message := strings.TrimSpace(line)
				if message == "" {
					continue
				}
				if message == "exit" {
					break
				}

				spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				spin.Suffix = " generating..."
				spin.Start()

				out, err := uc.Generate(ctx, &generate.Input{
					Identity:       model.Identity(identity),
					ConversationID: convID,
					Message:        message,
					ContentType:    contentType,
				})
				spin.Stop()

				if err != nil {
					if retryAfter, ok := model.RetryAfterFrom(err); ok {
						fmt.Fprintf(w, "rate limited, retry in %s\n", retryAfter.Round(time.Second))
						continue
					}
					return err
				}

				if convID == "" {
					convID = out.ConversationID
					fmt.Fprintf(w, "(conversation %s)\n", convID)
				}
				fmt.Fprintf(w, "%s\n", out.Reply)
			}

			fmt.Fprintf(w, "\nChat session completed\n")
			return nil
		},
	}
}
