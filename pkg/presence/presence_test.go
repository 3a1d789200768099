package presence

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/support-chat/pkg/model"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewTracker(rdb)
}

func TestOnlineUntilLastConnectionCloses(t *testing.T) {
	tr := newTracker(t)
	ctx := t.Context()

	require.NoError(t, tr.Connected(ctx, model.SenderAdmin, "agent-A"))
	require.NoError(t, tr.Connected(ctx, model.SenderAdmin, "agent-A"))
	require.NoError(t, tr.Connected(ctx, model.SenderAdmin, "agent-B"))

	online, err := tr.Online(ctx, model.SenderAdmin)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-A", "agent-B"}, online)

	require.NoError(t, tr.Disconnected(ctx, model.SenderAdmin, "agent-A"))
	online, _ = tr.Online(ctx, model.SenderAdmin)
	assert.Equal(t, []string{"agent-A", "agent-B"}, online)

	require.NoError(t, tr.Disconnected(ctx, model.SenderAdmin, "agent-A"))
	online, _ = tr.Online(ctx, model.SenderAdmin)
	assert.Equal(t, []string{"agent-B"}, online)
}

func TestRolesAreSeparate(t *testing.T) {
	tr := newTracker(t)
	ctx := t.Context()

	require.NoError(t, tr.Connected(ctx, model.SenderCustomer, "cust-1"))

	admins, err := tr.Online(ctx, model.SenderAdmin)
	require.NoError(t, err)
	assert.Empty(t, admins)

	customers, err := tr.Online(ctx, model.SenderCustomer)
	require.NoError(t, err)
	assert.Equal(t, []string{"cust-1"}, customers)
}
