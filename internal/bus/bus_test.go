package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type dir map[string]models.AgentStatus

func (d dir) Status(id string) (models.AgentStatus, bool) {
	s, ok := d[id]
	return s, ok
}

var agents = dir{"a": models.AgentIdle, "b": models.AgentBusy, "gone": models.AgentOffline}

func recv(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestLocalBusDeliverAndSubscribe(t *testing.T) {
	b := NewLocalBus(agents, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "b")
	b.Send(ctx, "a", "b", "hint", "look at page 3")
	m := recv(t, ch)
	assert.Equal(t, "a", m.From)
	assert.Equal(t, "look at page 3", m.Body)
	assert.NotEmpty(t, m.ID)
}

func TestLocalBusBacklogDrainedOnSubscribe(t *testing.T) {
	b := NewLocalBus(agents, 2, nil)
	ctx := context.Background()
	require.NoError(t, b.Deliver(ctx, NewMessage("b", "a", "hint", "1")))
	require.NoError(t, b.Deliver(ctx, NewMessage("b", "a", "hint", "2")))
	assert.ErrorIs(t, b.Deliver(ctx, NewMessage("b", "a", "hint", "3")), ErrDropped)
	assert.Equal(t, 2, b.Pending("a"))

	sub, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := b.Subscribe(sub, "a")
	assert.Equal(t, "1", recv(t, ch).Body)
	assert.Equal(t, "2", recv(t, ch).Body)
	assert.Equal(t, 0, b.Pending("a"))
}

func TestLocalBusDropsUnknownAndOffline(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b := NewLocalBus(agents, 4, zap.New(core))
	ctx := context.Background()

	assert.ErrorIs(t, b.Deliver(ctx, NewMessage("a", "nobody", "hint", "x")), ErrDropped)
	assert.ErrorIs(t, b.Deliver(ctx, NewMessage("a", "gone", "hint", "x")), ErrDropped)

	b.Send(ctx, "a", "gone", "hint", "x")
	require.Equal(t, 1, logs.FilterMessage("dropped message").Len())
}

func TestLocalBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewLocalBus(agents, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, "a")
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Deliver(context.Background(), NewMessage("a", "b", "hint", "x")), ErrDropped)
}

func newRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBusFromClient(rdb, agents, 3, nil)
	b.block = 50 * time.Millisecond
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestLocalBusCloseReleasesSubscribers(t *testing.T) {
	b := NewLocalBus(agents, 4, nil)
	ch := b.Subscribe(context.Background(), "a")
	require.NoError(t, b.Close())

	_, ok := <-ch
	assert.False(t, ok)

	released := make(chan struct{})
	go func() {
		b.watch.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("subscription watcher still running after Close")
	}
}

func TestRedisBusDeliverTrimsStream(t *testing.T) {
	b, _ := newRedisBus(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Deliver(ctx, NewMessage("a", "b", "hint", "x")))
	}
	n, err := b.Pending(ctx, "b")
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.LessOrEqual(t, n, int64(3))

	assert.ErrorIs(t, b.Deliver(ctx, NewMessage("a", "gone", "hint", "x")), ErrDropped)
}

func TestRedisBusSubscribeConsumes(t *testing.T) {
	b, _ := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Send(ctx, "b", "a", "hint", "queued before subscribe")
	ch := b.Subscribe(ctx, "a")
	m := recv(t, ch)
	assert.Equal(t, "queued before subscribe", m.Body)
	assert.Equal(t, "b", m.From)

	assert.Eventually(t, func() bool {
		n, err := b.Pending(context.Background(), "a")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewRedisBusBadURL(t *testing.T) {
	_, err := NewRedisBus(context.Background(), "not a url", agents, 0, nil)
	assert.Error(t, err)
}
