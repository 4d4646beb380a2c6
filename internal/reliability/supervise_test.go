package reliability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func quiet() SuperviseOption {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSuperviseRestartsUntilCleanStop(t *testing.T) {
	runs := 0
	var restarts []int
	err := Supervise(context.Background(), func(context.Context) error {
		runs++
		if runs < 3 {
			return &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
		}
		return nil
	},
		quiet(),
		WithPolicy(NewFixedDelay(time.Millisecond, 0)),
		WithRestartHook(func(attempt int, _ error) { restarts = append(restarts, attempt) }),
	)

	assert.NoError(t, err)
	assert.Equal(t, 3, runs)
	assert.Equal(t, []int{1, 2}, restarts)
}

func TestSuperviseGivesUpOnPermanentError(t *testing.T) {
	runs := 0
	denied := &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"}
	err := Supervise(context.Background(), func(context.Context) error {
		runs++
		return denied
	}, quiet(), WithPolicy(NewFixedDelay(time.Millisecond, 0)))

	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, runs)
}

func TestSuperviseGivesUpAfterPolicy(t *testing.T) {
	runs := 0
	err := Supervise(context.Background(), func(context.Context) error {
		runs++
		return errors.New("down")
	}, quiet(), WithName("listener"), WithPolicy(NewFixedDelay(time.Millisecond, 2)))

	assert.EqualError(t, err, "down")
	assert.Equal(t, 3, runs)
}

func TestSuperviseResetsAfterStableRun(t *testing.T) {
	runs := 0
	var attempts []int
	err := Supervise(context.Background(), func(context.Context) error {
		runs++
		if runs == 4 {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
		return errors.New("down")
	},
		quiet(),
		WithStableAfter(time.Millisecond),
		WithPolicy(NewFixedDelay(time.Millisecond, 1)),
		WithRestartHook(func(attempt int, _ error) { attempts = append(attempts, attempt) }),
	)

	assert.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1}, attempts)
}

func TestSuperviseStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Supervise(ctx, func(context.Context) error {
			return errors.New("down")
		}, quiet(), WithPolicy(NewFixedDelay(time.Hour, 0)))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Supervise did not return")
	}
}
