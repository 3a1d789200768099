package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mahaj/support-chat/pkg/model"
)

// Error is a non-2xx response from the API.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Retryable reports whether repeating the request can succeed: server side
// failures and throttling can, rejected requests cannot.
func (e *Error) Retryable() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// Client calls the REST surface on behalf of one logged in user.
type Client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Login obtains a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, user model.Participant, role model.SenderType) (*LoginResponse, error) {
	var out LoginResponse
	req := LoginRequest{UserID: user.ID, Name: user.Name, Role: role}
	if err := c.do(ctx, http.MethodPost, "/login", req, &out); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return &out, nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Start(ctx context.Context, subject string) (*model.Conversation, error) {
	return c.conversation(ctx, http.MethodPost, "/conversations", StartRequest{Subject: subject})
}

func (c *Client) Assign(ctx context.Context, id string) (*model.Conversation, error) {
	return c.conversation(ctx, http.MethodPost, "/conversations/"+id+"/assign", nil)
}

func (c *Client) Leave(ctx context.Context, id string) (*model.Conversation, error) {
	return c.conversation(ctx, http.MethodPost, "/conversations/"+id+"/leave", nil)
}

func (c *Client) Solve(ctx context.Context, id string) (*model.Conversation, error) {
	return c.conversation(ctx, http.MethodPost, "/conversations/"+id+"/solve", nil)
}

func (c *Client) Close(ctx context.Context, id string) (*model.Conversation, error) {
	return c.conversation(ctx, http.MethodPost, "/conversations/"+id+"/close", nil)
}

// Conversation fetches the full snapshot, history included.
func (c *Client) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	return c.conversation(ctx, http.MethodGet, "/conversations/"+id, nil)
}

func (c *Client) Send(ctx context.Context, id, content, clientID string) (*model.Message, error) {
	var msg model.Message
	body := SendRequest{Content: content, ClientID: clientID}
	if err := c.do(ctx, http.MethodPost, "/conversations/"+id+"/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string, messageID int64) error {
	path := fmt.Sprintf("/conversations/%s/messages/%d/read", conversationID, messageID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) ListByStatus(ctx context.Context, status model.Status) ([]*model.Conversation, error) {
	for path, s := range statusPaths {
		if s == status {
			return c.list(ctx, "/conversations/"+path)
		}
	}
	return nil, fmt.Errorf("api: no listing for status %s", status)
}

func (c *Client) ListByCustomer(ctx context.Context, customerID string) ([]*model.Conversation, error) {
	return c.list(ctx, "/customers/"+customerID+"/conversations")
}

func (c *Client) ListByAdmin(ctx context.Context, adminID string) ([]*model.Conversation, error) {
	return c.list(ctx, "/admins/"+adminID+"/conversations")
}

func (c *Client) OnlineAdmins(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/presence/admins", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) conversation(ctx context.Context, method, path string, body any) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, method, path, body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) list(ctx context.Context, path string) ([]*model.Conversation, error) {
	var out []*model.Conversation
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &Error{Status: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &Error{Status: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
