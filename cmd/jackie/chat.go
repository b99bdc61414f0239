package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/jackie/internal/app"
)

// turnHandler is the slice of the orchestrator the terminal loop needs.
type turnHandler interface {
	HandleTerminalTurn(ctx context.Context, contact, text string) string
}

func newChatCmd() *cobra.Command {
	var phone string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if phone == "" {
				phone = cfg.DefaultContact
			}

			ctx := cmd.Context()
			built, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				built.Orchestrator.CloseAll(context.Background())
				_ = built.Cleanup()
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "Chatting as %s (type 'exit' to quit)\n", phone)
			return runREPL(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), built.Orchestrator, phone)
		},
	}

	cmd.Flags().StringVar(&phone, "phone", "", "Contact to chat as (defaults to APP_DEFAULT_CONTACT)")
	return cmd
}

func runREPL(ctx context.Context, in io.Reader, out io.Writer, h turnHandler, contact string) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		fmt.Fprintf(out, "Jackie: %s\n", h.HandleTerminalTurn(ctx, contact, line))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
