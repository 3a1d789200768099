// Package presence records which agents and customers hold a live realtime
// connection.
package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/support-chat/pkg/model"
)

// Tracker counts live connections per user in a Redis hash, so a user with
// two open tabs stays online until both close.
type Tracker struct {
	rdb redis.Cmdable
}

func NewTracker(rdb redis.Cmdable) *Tracker {
	return &Tracker{rdb: rdb}
}

func key(role model.SenderType) string {
	if role == model.SenderAdmin {
		return "presence:admins"
	}
	return "presence:customers"
}

func (t *Tracker) Connected(ctx context.Context, role model.SenderType, userID string) error {
	return t.rdb.HIncrBy(ctx, key(role), userID, 1).Err()
}

func (t *Tracker) Disconnected(ctx context.Context, role model.SenderType, userID string) error {
	n, err := t.rdb.HIncrBy(ctx, key(role), userID, -1).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		return t.rdb.HDel(ctx, key(role), userID).Err()
	}
	return nil
}

// Online lists users of role with at least one live connection.
func (t *Tracker) Online(ctx context.Context, role model.SenderType) ([]string, error) {
	users, err := t.rdb.HKeys(ctx, key(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence %s: %w", role, err)
	}
	sort.Strings(users)
	return users, nil
}
