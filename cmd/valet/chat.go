package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valetlabs/valet/internal/agent"
	"github.com/valetlabs/valet/internal/config"
	"github.com/valetlabs/valet/internal/modelsel"
	"github.com/valetlabs/valet/internal/observability"
	"github.com/valetlabs/valet/pkg/models"
)

// buildChatCmd creates the "chat" command: an interactive terminal
// session with the agent, bypassing the gateway.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		channel    string
		mode       string
		message    string
		think      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		Example: `  # Interactive session
  valet chat

  # One-shot question
  valet chat -m "what's on my calendar today?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, channel, mode, message, think)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "valet.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&channel, "channel", "cli", "Conversation channel name")
	cmd.Flags().StringVar(&mode, "mode", "", "Call-type hint for model selection")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send one message and exit")
	cmd.Flags().BoolVar(&think, "think", false, "Request the thinking model")

	return cmd
}

func runChat(ctx context.Context, configPath, channel, mode, message string, think bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Chat output goes to stdout; keep logs quiet and on stderr.
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	rt, err := newRuntime(cfg, logger, observability.NewMetrics(), tracer, &stdinApprover{
		in:  os.Stdin,
		out: os.Stdout,
	})
	if err != nil {
		return err
	}

	opts := agent.ChatOptions{
		Mode:          mode,
		Channel:       channel,
		Source:        models.SourceMessage,
		MaxIterations: cfg.Agent.MaxIterations,
		Think:         think,
	}
	if think {
		opts.ThinkingLevel = modelsel.ThinkingMedium
	}

	if message != "" {
		return chatOnce(ctx, rt.agent, message, opts)
	}

	fmt.Printf("%s ready. Type a message, or ctrl-d to quit.\n", cfg.Agent.Name)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
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
		if err := chatOnce(ctx, rt.agent, line, opts); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func chatOnce(ctx context.Context, ag *agent.Agent, message string, opts agent.ChatOptions) error {
	result, err := ag.Chat(ctx, message, opts)
	if err != nil {
		return err
	}
	fmt.Println(result.Text)
	return nil
}

// stdinApprover asks for tool approval on the terminal.
type stdinApprover struct {
	in  io.Reader
	out io.Writer
}

func (a *stdinApprover) RequestApproval(ctx context.Context, req *agent.ApprovalRequest) (bool, error) {
	fmt.Fprintf(a.out, "\nTool %q requests approval", req.Tool)
	if req.Description != "" {
		fmt.Fprintf(a.out, ": %s", req.Description)
	}
	if len(req.Arguments) > 0 {
		fmt.Fprintf(a.out, "\nArguments: %s", req.Arguments)
	}
	fmt.Fprint(a.out, "\nAllow? [y/N] ")

	reader := bufio.NewReader(a.in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
