package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/heirloom/internal/domain"
)

// Listener delivers invalidations published by other replicas until ctx is
// done or the subscription breaks.
type Listener interface {
	Listen(ctx context.Context, fn func(domain.NodePath)) error
}

var errSubscriptionClosed = errors.New("subscription closed")

// Supervisor keeps a Listener subscribed. A subscription that ends before
// ctx does is retried with exponential backoff, and Check reports the
// failure until a new subscription has held for settle.
type Supervisor struct {
	listener Listener
	log      *slog.Logger
	min      time.Duration
	max      time.Duration
	settle   time.Duration

	mu  sync.Mutex
	err error
}

// SupervisorOption customises a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBackoff sets the first and the longest wait between resubscriptions.
func WithBackoff(min, max time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if min > 0 {
			s.min = min
		}
		if max >= s.min {
			s.max = max
		}
	}
}

// NewSupervisor returns a supervisor for l.
func NewSupervisor(l Listener, log *slog.Logger, opts ...SupervisorOption) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		listener: l,
		log:      log,
		min:      500 * time.Millisecond,
		max:      30 * time.Second,
		settle:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run subscribes and resubscribes until ctx is done.
func (s *Supervisor) Run(ctx context.Context, fn func(domain.NodePath)) {
	delay := s.min
	for {
		healthy := time.AfterFunc(s.settle, func() { s.setErr(nil) })
		started := time.Now()
		err := s.listener.Listen(ctx, fn)
		healthy.Stop()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errSubscriptionClosed
		}
		s.setErr(err)
		if time.Since(started) > s.max {
			delay = s.min
		}
		s.log.Warn("invalidation listener stopped, resubscribing", "error", err, "retry_in", delay.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, s.max)
	}
}

// Check is a health check: it fails while the listener is not subscribed.
func (s *Supervisor) Check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("invalidation listener: %w", s.err)
	}
	return nil
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
