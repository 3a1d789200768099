package db

import (
	"context"
	"fmt"
	"time"
)

// ClientIDs records client message ids with a lightweight transaction, so
// server nodes that share Scylla agree on which resends are duplicates.
type ClientIDs struct {
	s   *Session
	ttl time.Duration
}

func NewClientIDs(s *Session, ttl time.Duration) *ClientIDs {
	return &ClientIDs{s: s, ttl: ttl}
}

func (c *ClientIDs) Claim(ctx context.Context, conversationID, clientID string) (bool, error) {
	if clientID == "" {
		return true, nil
	}
	applied, err := c.s.Query(`INSERT INTO message_client_ids (conversation_id, client_id) VALUES (?, ?) IF NOT EXISTS USING TTL ?`,
		conversationID, clientID, ttlSeconds(c.ttl),
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return false, fmt.Errorf("claim client id %s: %w", clientID, err)
	}
	return applied, nil
}

func (c *ClientIDs) Release(ctx context.Context, conversationID, clientID string) error {
	if clientID == "" {
		return nil
	}
	_, err := c.s.Query(`DELETE FROM message_client_ids WHERE conversation_id = ? AND client_id = ? IF EXISTS`,
		conversationID, clientID,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	return err
}

// ttlSeconds rounds up so a sub-second ttl does not become 0, which CQL
// reads as no expiry.
func ttlSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
