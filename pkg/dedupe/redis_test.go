package dedupe

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisClaimIsSharedAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	newNode := func() *Redis {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return NewRedis(rdb, time.Minute)
	}
	a, b := newNode(), newNode()
	ctx := t.Context()

	ok, err := a.Claim(ctx, "conv-1", "m-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Claim(ctx, "conv-1", "m-1")
	require.NoError(t, err)
	assert.False(t, ok, "a resend through another node is a duplicate")

	require.NoError(t, a.Release(ctx, "conv-1", "m-1"))
	ok, err = b.Claim(ctx, "conv-1", "m-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = a.Claim(ctx, "conv-1", "m-1")
	require.NoError(t, err)
	assert.True(t, ok, "claims expire")

	ok, err = a.Claim(ctx, "conv-1", "")
	require.NoError(t, err)
	assert.True(t, ok)
}
