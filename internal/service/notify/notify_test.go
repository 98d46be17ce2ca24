package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/heirloom/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu    sync.Mutex
	paths []domain.NodePath
}

func (c *collector) add(p domain.NodePath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, p)
}

func (c *collector) get() []domain.NodePath {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.NodePath(nil), c.paths...)
}

func TestLocalDeliversUntilListenerStops(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	got := &collector{}
	stopped := make(chan struct{})
	go func() {
		_ = l.Listen(ctx, got.add)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		_ = l.Publish(context.Background(), domain.AppNode("1"))
		return len(got.get()) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.AppNode("1"), got.get()[0])

	cancel()
	<-stopped
	before := len(got.get())
	require.NoError(t, l.Publish(context.Background(), domain.RootNode()))
	assert.Len(t, got.get(), before)
}

func TestDispatchSkipsOwnMessages(t *testing.T) {
	r := NewRedis(nil, "", discard())
	assert.Equal(t, DefaultChannel, r.channel)
	got := &collector{}

	own, err := encode(r.origin, domain.AppNode("1"))
	require.NoError(t, err)
	r.dispatch(own, got.add)
	assert.Empty(t, got.get())

	remote, err := encode("other", domain.EnvNode("1", "2", "3"))
	require.NoError(t, err)
	r.dispatch(remote, got.add)
	assert.Equal(t, []domain.NodePath{domain.EnvNode("1", "2", "3")}, got.get())

	r.dispatch([]byte(`{"path": "/a/b/c/d"}`), got.add)
	r.dispatch([]byte(`not json`), got.add)
	assert.Len(t, got.get(), 1)
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("HEIRLOOM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HEIRLOOM_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	channel := "heirloom:test:" + t.Name()
	listener := NewRedis(client, channel, discard())
	publisher := NewRedis(client, channel, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := &collector{}
	go func() { _ = listener.Listen(ctx, got.add) }()

	require.Eventually(t, func() bool {
		if err := publisher.Publish(context.Background(), domain.RegionNode("1", "2")); err != nil {
			return false
		}
		return len(got.get()) > 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, domain.RegionNode("1", "2"), got.get()[0])
}

// flakyListener fails the first failures subscriptions, then holds until ctx
// is done.
type flakyListener struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *flakyListener) Listen(ctx context.Context, _ func(domain.NodePath)) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.failures {
		return errors.New("connection reset")
	}
	<-ctx.Done()
	return nil
}

func (f *flakyListener) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSupervisorResubscribesAfterFailures(t *testing.T) {
	l := &flakyListener{failures: 2}
	s := NewSupervisor(l, discard(), WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	s.settle = 30 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, func(domain.NodePath) {})
		close(done)
	}()

	require.Eventually(t, func() bool { return l.Calls() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Check(ctx) == nil }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 3, l.Calls())
}

func TestSupervisorReportsBrokenSubscription(t *testing.T) {
	l := &flakyListener{failures: 1000}
	s := NewSupervisor(l, discard(), WithBackoff(time.Hour, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, func(domain.NodePath) {})
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Check(ctx) != nil }, time.Second, time.Millisecond)
	assert.ErrorContains(t, s.Check(ctx), "connection reset")
	assert.Equal(t, 1, l.Calls())

	cancel()
	<-done
}
