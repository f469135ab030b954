package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/maestro-run/maestro/pkg/runtime"
	"github.com/maestro-run/maestro/pkg/stream"
)

// ChatCmd runs turns from the terminal: one-shot when a message argument
// is given, otherwise an interactive loop on one conversation.
type ChatCmd struct {
	Message  []string `arg:"" optional:"" help:"One-shot message. Without it, chat reads from stdin."`
	Stream   bool     `default:"true" negatable:"" help:"Stream tokens as they arrive."`
	Semantic bool     `help:"Enable the semantic routing tier."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	engine, err := buildEngine(ctx, cfg, c.Semantic)
	if err != nil {
		return err
	}
	defer engine.Shutdown(ctx)

	if len(c.Message) > 0 {
		_, err := c.turn(ctx, engine, strings.Join(c.Message, " "), runtime.TurnOptions{})
		return err
	}

	fmt.Println("maestro chat (ctrl-d to exit)")
	scanner := bufio.NewScanner(os.Stdin)
	var conversationID string
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		convID, err := c.turn(ctx, engine, line, runtime.TurnOptions{ConversationID: conversationID})
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		conversationID = convID
	}
}

// turn runs one exchange and returns the conversation id to continue on.
func (c *ChatCmd) turn(ctx context.Context, engine *runtime.Engine, message string, opts runtime.TurnOptions) (string, error) {
	opts.UseSemanticMatching = c.Semantic

	if !c.Stream {
		resp, err := engine.ProcessMessage(ctx, message, opts)
		if err != nil {
			return "", err
		}
		if resp == nil {
			fmt.Println("(no agent matched this message)")
			return opts.ConversationID, nil
		}
		fmt.Println(resp.Content)
		return resp.ConversationID, nil
	}

	events, err := engine.StreamMessage(ctx, message, opts)
	if err != nil {
		return "", err
	}
	conversationID := opts.ConversationID
	sawOutput := false
	for ev := range events {
		conversationID = ev.ThreadID
		switch ev.Type {
		case stream.EventToken:
			fmt.Print(ev.Delta)
			sawOutput = true
		case stream.EventToolCall:
			fmt.Fprintf(os.Stderr, "[tool %s]\n", ev.ToolName)
		case stream.EventToolError:
			fmt.Fprintf(os.Stderr, "[tool %s failed: %s]\n", ev.ToolName, ev.Error.Message)
		case stream.EventApprovalRequired:
			fmt.Fprintf(os.Stderr, "[approval required: %s]\n", ev.Prompt)
		case stream.EventRunEnd:
			if !sawOutput && ev.Result != nil {
				fmt.Print(ev.Result.Content)
			}
		}
	}
	fmt.Println()
	return conversationID, nil
}
