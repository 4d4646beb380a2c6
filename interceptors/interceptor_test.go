package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/agentmq/messaging"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, req *messaging.Request) (any, error) {
	args := m.Called(ctx, req)
	return args.Get(0), args.Error(1)
}

func request(payload string) *messaging.Request {
	return &messaging.Request{
		Envelope: messaging.Envelope{MessageID: "m1", CorrelationID: "c1"},
		Payload:  []byte(payload),
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	record := func(name string) Interceptor {
		return NewInterceptorFunc(name, func(ctx context.Context, req *messaging.Request, next messaging.HandlerFunc) (any, error) {
			order = append(order, name+">")
			reply, err := next(ctx, req)
			order = append(order, "<"+name)
			return reply, err
		})
	}

	chain := NewInterceptorChain(nil).Add(record("a")).Add(record("b"))
	assert.Equal(t, []string{"a", "b"}, chain.Names())

	handler := chain.Then(func(context.Context, *messaging.Request) (any, error) {
		order = append(order, "handler")
		return "ok", nil
	})
	reply, err := handler(context.Background(), request(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, []string{"a>", "b>", "handler", "<b", "<a"}, order)
}

func TestEmptyChainCallsHandler(t *testing.T) {
	h := &mockHandler{}
	req := request(`{}`)
	h.On("Handle", mock.Anything, req).Return("reply", nil).Once()

	reply, err := NewInterceptorChain(nil).Then(h.Handle)(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "reply", reply)
	h.AssertExpectations(t)
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := &mockHandler{}
	h.On("Handle", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Once()

	_, err := NewLoggingInterceptor(logger).Intercept(context.Background(), request(`{}`), h.Handle)
	assert.EqualError(t, err, "boom")
	assert.Contains(t, buf.String(), "processing request")
	assert.Contains(t, buf.String(), "messageId=m1")
	assert.Contains(t, buf.String(), "request failed")
	h.AssertExpectations(t)
}

func TestValidationInterceptor(t *testing.T) {
	h := &mockHandler{}
	h.On("Handle", mock.Anything, mock.Anything).Return("ok", nil).Once()
	v := NewValidationInterceptor(AgentMessageValidator)

	reply, err := v.Intercept(context.Background(), request(`{"message":"hi","thread_id":"t"}`), h.Handle)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	_, err = v.Intercept(context.Background(), request(`{"message":"hi"}`), h.Handle)
	var derr *messaging.DecodeError
	assert.ErrorAs(t, err, &derr)
	assert.ErrorContains(t, err, "request validation failed")

	h.AssertNumberOfCalls(t, "Handle", 1)
}

func TestTimeoutInterceptor(t *testing.T) {
	slow := func(ctx context.Context, _ *messaging.Request) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	_, err := NewTimeoutInterceptor(20*time.Millisecond).Intercept(context.Background(), request(`{}`), slow)
	assert.ErrorContains(t, err, "timeout after 20ms for message m1")

	reply, err := NewTimeoutInterceptor(time.Second).Intercept(context.Background(), request(`{}`),
		func(context.Context, *messaging.Request) (any, error) { return "fast", nil })
	require.NoError(t, err)
	assert.Equal(t, "fast", reply)

	_, err = NewTimeoutInterceptor(time.Second).Intercept(context.Background(), request(`{}`),
		func(context.Context, *messaging.Request) (any, error) { panic("bug") })
	assert.ErrorContains(t, err, "panicked")
}
