package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mahaj/support-chat/pkg/model"
)

// MemoryStore keeps everything in process. Used by tests and single-node
// deployments without ScyllaDB.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]*model.Conversation
	messages map[string][]model.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]*model.Conversation),
		messages: make(map[string][]model.Message),
	}
}

func (s *MemoryStore) Create(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conv.ID]; ok {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	s.convs[conv.ID] = conv.Summary()
	return nil
}

func (s *MemoryStore) Conversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Summary(), nil
}

func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	return out, nil
}

func (s *MemoryStore) Message(_ context.Context, conversationID string, messageID int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
}

func (s *MemoryStore) UpdateStatus(_ context.Context, conv *model.Conversation, expect model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.convs[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrConflict
	}
	cur.Status = conv.Status
	cur.AdminID = conv.AdminID
	cur.AdminName = conv.AdminName
	cur.UpdatedAt = conv.UpdatedAt
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, conversationID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			s.messages[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].IsRead = true
			return nil
		}
	}
	return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Conversation
	for _, c := range s.convs {
		if f.Match(c) {
			out = append(out, c.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
