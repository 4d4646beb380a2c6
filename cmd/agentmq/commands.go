package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/health"
	"github.com/glimte/agentmq/interceptors"
	"github.com/glimte/agentmq/messaging"
	"github.com/glimte/agentmq/monitor"
	"github.com/glimte/agentmq/state"
)

func newRequestCmd(a *app) *cobra.Command {
	var (
		threadID string
		agent    string
		timeout  time.Duration
		raw      bool
	)
	cmd := &cobra.Command{
		Use:   "request <message>",
		Short: "Send a request and wait for the reply",
		Long: `Send a request to the shared request queue (or to a known agent's queue
with --agent) and print the reply. With --raw the argument is sent as JSON
as is; otherwise it is wrapped as {"message": ..., "thread_id": ...}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any = messaging.AgentMessage{Message: args[0], ThreadID: threadID}
			if raw {
				payload = json.RawMessage(args[0])
			}

			req := a.client.Requester()
			var (
				reply *messaging.Reply
				err   error
			)
			if agent != "" {
				reply, err = req.SendTo(cmd.Context(), agent, payload, timeout)
			} else {
				reply, err = req.SendAndAwait(cmd.Context(), payload, timeout)
			}
			if errors.Is(err, messaging.ErrUnknownAgent) {
				return fmt.Errorf("%w; known agents: %s", err, agentList(req.Agents()))
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(reply.Payload))
			return nil
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", uuid.NewString(), "Conversation thread id")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "Send to a known agent's request queue")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Reply timeout (default from config)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Send the argument as a raw JSON payload")
	return cmd
}

func agentList(agents []config.AgentInfo) string {
	if len(agents) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(agents))
	for _, ag := range agents {
		parts = append(parts, ag.Info())
	}
	return strings.Join(parts, ", ")
}

func newRespondCmd(a *app) *cobra.Command {
	var (
		mode     string
		timeout  time.Duration
		validate bool
	)
	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Answer requests from the shared request queue",
		Long: `Run a responder until interrupted. Modes:
  pong  answers "pong" to "ping" and echoes anything else
  echo  answers with the request payload
  fail  fails every request (poison handling demo)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			handler, err := handlerFor(mode)
			if err != nil {
				return err
			}
			handler = buildChain(a.logger, validate, timeout).Then(handler)
			a.logger.Info("responder running", "queue", a.cfg.Inbound.RequestQueue, "mode", mode)
			return a.client.Serve(cmd.Context(), handler)
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "pong", "Handler mode: pong, echo or fail")
	cmd.Flags().DurationVar(&timeout, "handler-timeout", 30*time.Second, "Fail a request whose handler runs longer (0 disables)")
	cmd.Flags().BoolVar(&validate, "validate", false, "Reject requests that are not agent messages")
	return cmd
}

func buildChain(logger *slog.Logger, validate bool, timeout time.Duration) *interceptors.InterceptorChain {
	chain := interceptors.NewInterceptorChain(logger).Add(interceptors.NewLoggingInterceptor(logger))
	if validate {
		chain.Add(interceptors.NewValidationInterceptor(interceptors.AgentMessageValidator))
	}
	if timeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(timeout))
	}
	return chain
}

func handlerFor(mode string) (messaging.HandlerFunc, error) {
	switch mode {
	case "pong":
		return func(_ context.Context, req *messaging.Request) (any, error) {
			m, err := req.AgentMessage()
			if err != nil {
				return nil, err
			}
			if m.Message == "ping" {
				return "pong", nil
			}
			return m.Message, nil
		}, nil
	case "echo":
		return func(_ context.Context, req *messaging.Request) (any, error) {
			return req.Payload, nil
		}, nil
	case "fail":
		return func(_ context.Context, req *messaging.Request) (any, error) {
			return nil, fmt.Errorf("refusing request %s", req.MessageID)
		}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", mode)
}

func newPublishCmd(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "publish <json>",
		Short: "Broadcast a state update",
		Long:  `Publish a JSON object on the state exchange. Use - to read it from stdin.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(args[0])
			if args[0] == "-" {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			pub := a.client.StatePublisher()
			if message != "" {
				return pub.PublishUpdate(cmd.Context(), messaging.StateUpdate{Message: message, Object: json.RawMessage(data)})
			}
			return pub.Publish(cmd.Context(), json.RawMessage(data))
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "Announcement text (default: configured announcement and time)")
	return cmd
}

func newListenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print state updates until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cell := state.NewCell()
			return a.client.Listen(cmd.Context(), func(u messaging.StateUpdate) {
				cell.OnStateChange(u)
				fmt.Fprintf(out, "%s\n  %s\n  (version %d)\n", u.Message, string(u.Object), cell.Snapshot().Version)
			})
		},
	}
	return cmd
}

func newQueuesCmd(a *app) *cobra.Command {
	var (
		prefix string
		peek   string
		count  int
	)
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "List broker queues through the management API",
		Long: `List queues, optionally filtered by name prefix. With --peek, show the
messages waiting in one queue instead (typically the backout queue).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.client.Monitor()
			out := cmd.OutOrStdout()

			if peek != "" {
				msgs, err := client.PeekMessages(cmd.Context(), peek, count)
				if err != nil {
					return fmt.Errorf("failed to peek messages: %w", err)
				}
				printMessages(out, msgs)
				return nil
			}

			queues, err := client.ListQueuesWithPrefix(cmd.Context(), prefix)
			if err != nil {
				return fmt.Errorf("failed to list queues: %w", err)
			}
			printQueues(out, queues)
			return nil
		},
	}
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Only queues whose name starts with this")
	cmd.Flags().StringVar(&peek, "peek", "", "Show messages in this queue")
	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of messages to peek")
	return cmd
}

func newHealthCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker and the agent queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			h := a.client.Health().Check(ctx)
			printHealth(cmd.OutOrStdout(), h)
			if h.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall check timeout")
	return cmd
}

func printQueues(w io.Writer, queues []monitor.QueueInfo) {
	if len(queues) == 0 {
		fmt.Fprintln(w, "No queues found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tMESSAGES\tUNACKED\tCONSUMERS\tRATE")
	for _, q := range queues {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.2f/s\n",
			truncate(q.Name, 50), q.Type, q.Messages, q.Unacked, q.Consumers, q.MessageRate)
	}
	_ = tw.Flush()
}

func printMessages(w io.Writer, messages []monitor.MessageInfo) {
	if len(messages) == 0 {
		fmt.Fprintln(w, "No messages found")
		return
	}
	for i, msg := range messages {
		fmt.Fprintf(w, "Message %d:\n", i+1)
		fmt.Fprintf(w, "  ID: %s\n", msg.MessageID)
		fmt.Fprintf(w, "  Correlation ID: %s\n", msg.CorrelationID)
		if msg.OriginalQueue != "" {
			fmt.Fprintf(w, "  Quarantined from: %s after %d attempts\n", msg.OriginalQueue, msg.RedeliveryCount)
			fmt.Fprintf(w, "  Last error: %s\n", msg.LastError)
		}
		fmt.Fprintf(w, "  Body: %s\n", truncate(msg.Body, 200))
		fmt.Fprintln(w, strings.Repeat("-", 60))
	}
}

func printHealth(w io.Writer, h health.OverallHealth) {
	fmt.Fprintf(w, "Status: %s (%v)\n", h.Status, h.Duration.Round(time.Millisecond))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, name := range h.Names() {
		c := h.Checks[name]
		detail := c.Message
		if c.Error != "" {
			detail += ": " + c.Error
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", name, c.Status, detail)
	}
	_ = tw.Flush()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
