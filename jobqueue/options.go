package jobqueue

import (
	"log/slog"
	"time"

	"github.com/ggoodman/chatfanout/internal/metrics"
)

type settings struct {
	log      *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
	attempts int
	backoff  Backoff
}

func newSettings(opts []Option) settings {
	s := settings{
		log:      slog.Default(),
		now:      time.Now,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures a Queue or a Worker.
type Option func(*settings)

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option { return func(s *settings) { s.metrics = m } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryPolicy sets the attempts and backoff a Queue applies when an
// Enqueue call does not override them.
func WithRetryPolicy(attempts int, b Backoff) Option {
	return func(s *settings) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if b.Delay > 0 {
			s.backoff = b
		}
	}
}
