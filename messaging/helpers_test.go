package messaging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/internal/rabbitmq/rabbitmqtest"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Outbound.ReplyTimeout = 5 * time.Second
	cfg.Outbound.PollInterval = 50 * time.Millisecond
	cfg.Inbound.ReceiveWait = 20 * time.Millisecond
	cfg.State.ReceiveWait = 20 * time.Millisecond
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startResponder(t *testing.T, b *rabbitmqtest.Broker, cfg config.InboundConfig, handler HandlerFunc, opts ...Option) *Responder {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	r := NewResponder(cfg, b, handler, opts...)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Shutdown)
	return r
}

func startListener(t *testing.T, b *rabbitmqtest.Broker, cfg config.StateConfig, cb StateCallback) *StateListener {
	t.Helper()
	l := NewStateListener(cfg, b, cb, WithLogger(quietLogger()))
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Shutdown)
	return l
}

func replyQueues(b *rabbitmqtest.Broker, prefix string) []string {
	var out []string
	for _, name := range b.QueueNames() {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

func pong(_ context.Context, req *Request) (any, error) {
	m, err := req.AgentMessage()
	if err != nil {
		return nil, err
	}
	if m.Message == "ping" {
		return "pong", nil
	}
	return "reply-" + m.Message, nil
}
