package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/myndhyve/myndhyve-cli/internal/cloud"
)

func askCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send a question through the cloud chat proxy and stream the answer",
		ArgsUsage: "<question>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "conversation",
				Usage: "Conversation id to continue (new conversation when empty)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return ask(ctx, cmd, stdout, stderr)
		},
	}
}

func ask(ctx context.Context, cmd *cli.Command, stdout, stderr io.Writer) error {
	question := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if question == "" {
		return fmt.Errorf("%w: myndhyve ask <question>", errUsage)
	}

	e, err := loadEnv(cmd, stderr)
	if err != nil {
		return err
	}
	if !e.cfg.Configured() {
		return fmt.Errorf("%w: no registered relay; run `myndhyve login` first", errNotConfigured)
	}

	client := newCloudClient(e)
	streamed := false
	answer, err := client.ProxyChat(ctx, cloud.ChatProxyRequest{
		ConversationID: cmd.String("conversation"),
		Text:           question,
	}, func(delta string) {
		streamed = true
		fmt.Fprint(stdout, delta)
	})
	if err != nil {
		return err
	}

	// Servers that answer with a final content blob and no deltas still
	// get printed; streamed answers just need the trailing newline.
	if !streamed {
		fmt.Fprint(stdout, answer)
	}
	fmt.Fprintln(stdout)
	return nil
}
