//go:build integration

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// startRedis starts a Redis testcontainer and returns its URL.
func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })
	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return "redis://" + endpoint
}

type dirFunc func(id string) (models.AgentStatus, bool)

func (f dirFunc) Status(id string) (models.AgentStatus, bool) { return f(id) }

func TestRedisBusAgainstServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	directory := dirFunc(func(id string) (models.AgentStatus, bool) {
		return models.AgentIdle, id == "summarizer"
	})
	b, err := NewRedisBus(ctx, startRedis(t), directory, 4, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Deliver(ctx, NewMessage("planner", "summarizer", "hint", "be brief")))
	assert.ErrorIs(t, b.Deliver(ctx, NewMessage("planner", "ghost", "hint", "x")), ErrDropped)

	sub, subCancel := context.WithCancel(ctx)
	defer subCancel()
	select {
	case msg := <-b.Subscribe(sub, "summarizer"):
		require.NotNil(t, msg)
		assert.Equal(t, "be brief", msg.Body)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
