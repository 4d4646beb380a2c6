package reliability

import (
	"context"
	"log/slog"
	"time"
)

// SuperviseOption configures Supervise.
type SuperviseOption func(*supervisor)

type supervisor struct {
	name        string
	policy      RetryPolicy
	logger      *slog.Logger
	stableAfter time.Duration
	onRestart   func(attempt int, err error)
}

// WithName labels log lines.
func WithName(name string) SuperviseOption {
	return func(s *supervisor) { s.name = name }
}

// WithPolicy replaces the restart policy. The default backs off from 500ms
// to 30s and never gives up on a retryable error.
func WithPolicy(p RetryPolicy) SuperviseOption {
	return func(s *supervisor) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SuperviseOption {
	return func(s *supervisor) { s.logger = l }
}

// WithStableAfter sets how long a run must last for the backoff to reset.
func WithStableAfter(d time.Duration) SuperviseOption {
	return func(s *supervisor) { s.stableAfter = d }
}

// WithRestartHook is called before every restart.
func WithRestartHook(fn func(attempt int, err error)) SuperviseOption {
	return func(s *supervisor) { s.onRestart = fn }
}

// Supervise keeps a long running loop alive across broker failures.
//
// run is expected to return nil when asked to stop and an error when the
// broker went away. Supervise restarts it after a backoff while the error is
// retryable, returns nil once run returns nil or ctx is done, and returns the
// last error when the policy gives up.
func Supervise(ctx context.Context, run func(ctx context.Context) error, opts ...SuperviseOption) error {
	s := &supervisor{
		name:        "worker",
		policy:      NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 0),
		logger:      slog.Default(),
		stableAfter: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	attempt := 0
	for {
		started := time.Now()
		err := run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if time.Since(started) >= s.stableAfter {
			attempt = 0
		}

		retry, delay := s.policy.ShouldRetry(attempt, err)
		if !retry {
			s.logger.Error("giving up", "name", s.name, "attempts", attempt+1, "error", err)
			return err
		}

		s.logger.Warn("restarting after failure",
			"name", s.name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if s.onRestart != nil {
			s.onRestart(attempt+1, err)
		}
		if sleep(ctx, delay) != nil {
			return nil
		}
		attempt++
	}
}
