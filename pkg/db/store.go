package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/support-chat/pkg/directory"
	"github.com/mahaj/support-chat/pkg/model"
)

const (
	conversationColumns = "id, customer_id, customer_name, admin_id, admin_name, subject, status, created_at, updated_at"
	messageColumns      = "conversation_id, id, sender_id, sender_type, sender_name, content, sent_at, is_read, client_id"
)

// ConversationStore keeps conversations and their history in Scylla. Status
// updates are lightweight transactions so concurrent transitions from several
// server nodes cannot both win.
type ConversationStore struct {
	s *Session
}

var _ directory.Store = (*ConversationStore)(nil)

func NewConversationStore(s *Session) *ConversationStore {
	return &ConversationStore{s: s}
}

type conversationRow struct {
	id, customerID, customerName string
	adminID, adminName           string
	subject, status              string
	createdAt, updatedAt         time.Time
}

func (r *conversationRow) dest() []any {
	return []any{&r.id, &r.customerID, &r.customerName, &r.adminID, &r.adminName, &r.subject, &r.status, &r.createdAt, &r.updatedAt}
}

func (r *conversationRow) conversation() *model.Conversation {
	return &model.Conversation{
		ID:           r.id,
		CustomerID:   r.customerID,
		CustomerName: r.customerName,
		AdminID:      r.adminID,
		AdminName:    r.adminName,
		Subject:      r.subject,
		Status:       model.Status(r.status),
		CreatedAt:    r.createdAt.UTC(),
		UpdatedAt:    r.updatedAt.UTC(),
	}
}

type messageRow struct {
	conversationID string
	id             int64
	senderID       string
	senderType     string
	senderName     string
	content        string
	sentAt         time.Time
	isRead         bool
	clientID       string
}

func (r *messageRow) dest() []any {
	return []any{&r.conversationID, &r.id, &r.senderID, &r.senderType, &r.senderName, &r.content, &r.sentAt, &r.isRead, &r.clientID}
}

func (r *messageRow) message() model.Message {
	return model.Message{
		ID:             r.id,
		ConversationID: r.conversationID,
		SenderID:       r.senderID,
		SenderType:     model.SenderType(r.senderType),
		SenderName:     r.senderName,
		Content:        r.content,
		SentAt:         r.sentAt.UTC(),
		IsRead:         r.isRead,
		ClientID:       r.clientID,
	}
}

func (st *ConversationStore) Create(ctx context.Context, c *model.Conversation) error {
	q := st.s.Query(`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		c.ID, c.CustomerID, c.CustomerName, c.AdminID, c.AdminName, c.Subject, string(c.Status), c.CreatedAt, c.UpdatedAt,
	).WithContext(ctx)

	applied, err := q.MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", c.ID, err)
	}
	if !applied {
		return fmt.Errorf("conversation %s exists: %w", c.ID, directory.ErrConflict)
	}
	return nil
}

func (st *ConversationStore) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	var row conversationRow
	err := st.s.Query(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id).
		WithContext(ctx).Scan(row.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", id, directory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.conversation(), nil
}

func (st *ConversationStore) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	iter := st.s.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).Iter()

	var (
		out []model.Message
		row messageRow
	)
	for iter.Scan(row.dest()...) {
		out = append(out, row.message())
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read messages of %s: %w", conversationID, err)
	}
	return out, nil
}

func (st *ConversationStore) Message(ctx context.Context, conversationID string, messageID int64) (*model.Message, error) {
	var row messageRow
	err := st.s.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, messageID).
		WithContext(ctx).Scan(row.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("message %d: %w", messageID, directory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	msg := row.message()
	return &msg, nil
}

func (st *ConversationStore) UpdateStatus(ctx context.Context, c *model.Conversation, expect model.Status) error {
	current := map[string]any{}
	applied, err := st.s.Query(`UPDATE conversations SET status = ?, admin_id = ?, admin_name = ?, updated_at = ? WHERE id = ? IF status = ?`,
		string(c.Status), c.AdminID, c.AdminName, c.UpdatedAt, c.ID, string(expect),
	).WithContext(ctx).MapScanCAS(current)
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", c.ID, err)
	}
	return casResult(applied, current)
}

// casResult interprets a conditional update. A rejected update returns the
// current values of the condition columns; an empty result means the row
// does not exist.
func casResult(applied bool, current map[string]any) error {
	if applied {
		return nil
	}
	if _, ok := current["status"]; !ok {
		return directory.ErrNotFound
	}
	return directory.ErrConflict
}

func (st *ConversationStore) AppendMessage(ctx context.Context, m *model.Message) error {
	return st.s.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.ID, m.SenderID, string(m.SenderType), m.SenderName, m.Content, m.SentAt, m.IsRead, m.ClientID,
	).WithContext(ctx).Exec()
}

func (st *ConversationStore) DeleteMessage(ctx context.Context, conversationID string, messageID int64) error {
	return st.s.Query(`DELETE FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, messageID).
		WithContext(ctx).Exec()
}

func (st *ConversationStore) MarkRead(ctx context.Context, conversationID string, messageID int64) error {
	applied, err := st.s.Query(`UPDATE messages SET is_read = true WHERE conversation_id = ? AND id = ? IF EXISTS`,
		conversationID, messageID,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("mark message %d read: %w", messageID, err)
	}
	if !applied {
		return fmt.Errorf("message %d: %w", messageID, directory.ErrNotFound)
	}
	return nil
}

func (st *ConversationStore) List(ctx context.Context, f directory.Filter) ([]*model.Conversation, error) {
	stmt, args := listQuery(f)
	iter := st.s.Query(stmt, args...).WithContext(ctx).Iter()

	var (
		out []*model.Conversation
		row conversationRow
	)
	for iter.Scan(row.dest()...) {
		if c := row.conversation(); f.Match(c) {
			out = append(out, c)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	sortByCreated(out)
	return out, nil
}

// listQuery picks the most selective index for f. Remaining fields are
// matched after the scan.
func listQuery(f directory.Filter) (string, []any) {
	base := `SELECT ` + conversationColumns + ` FROM conversations`
	switch {
	case f.CustomerID != "":
		return base + ` WHERE customer_id = ?`, []any{f.CustomerID}
	case f.AdminID != "":
		return base + ` WHERE admin_id = ?`, []any{f.AdminID}
	case f.Status != "":
		return base + ` WHERE status = ?`, []any{string(f.Status)}
	}
	return base, nil
}

func sortByCreated(convs []*model.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})
}
