package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/support-chat/pkg/auth"
	"github.com/mahaj/support-chat/pkg/directory"
	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/topic"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxMessageSize = 16 * 1024

	// Time allowed for a directory command issued from a frame.
	commandTimeout = 5 * time.Second
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	hub    *Hub
	dir    Directory
	conn   *websocket.Conn
	claims *auth.Claims

	// Buffered channel of outbound frames.
	send chan []byte

	// Subscription id -> topic. Guarded by hub.mu.
	subs map[string]string
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("read failed", "user_id", c.claims.UserID, "error", err)
			}
			return
		}
		var frame model.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.replyError("malformed frame")
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame model.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch frame.Type {
	case model.FrameSubscribe:
		if frame.ID == "" || frame.Topic == "" {
			c.replyError("subscribe requires id and topic")
			return
		}
		if err := authorize(ctx, c.dir, c.claims, frame.Topic); err != nil {
			c.replyError("cannot subscribe to " + frame.Topic + ": " + err.Error())
			return
		}
		c.hub.subscribe(c, frame.ID, frame.Topic)

	case model.FrameUnsubscribe:
		c.hub.unsubscribe(c, frame.ID)

	case model.FrameSend:
		if err := c.dispatch(ctx, frame); err != nil && !errors.Is(err, directory.ErrDuplicate) {
			c.replyError(err.Error())
		}

	default:
		c.replyError("unknown frame type " + string(frame.Type))
	}
}

// dispatch runs a client command with the connection's identity.
func (c *Client) dispatch(ctx context.Context, frame model.Frame) error {
	switch frame.Topic {
	case topic.SendMessage:
		var req model.SendMessageRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			return errors.New("malformed message body")
		}
		_, err := c.dir.SendMessage(ctx, directory.SendRequest{
			ConversationID: req.ConversationID,
			Sender:         c.claims.Participant(),
			SenderType:     c.claims.Role,
			Content:        req.Content,
			ClientID:       req.ClientID,
		})
		return err

	case topic.SetTyping:
		var req model.TypingRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			return errors.New("malformed typing body")
		}
		return c.dir.SetTyping(ctx, model.TypingSignal{
			ConversationID: req.ConversationID,
			SenderID:       c.claims.UserID,
			SenderType:     c.claims.Role,
			SenderName:     c.claims.Name,
			IsTyping:       req.IsTyping,
		})
	}
	return errors.New("unknown destination " + frame.Topic)
}

func (c *Client) replyError(msg string) {
	c.queue(model.Frame{Type: model.FrameError, Message: msg})
}

// queue enqueues a frame for this client only. It holds the hub read lock
// so it cannot race with unregister closing the channel.
func (c *Client) queue(f model.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// authorize lets admins subscribe anywhere and customers only to their own
// notification stream and conversations.
func authorize(ctx context.Context, dir Directory, claims *auth.Claims, name string) error {
	if claims.IsAdmin() {
		return nil
	}
	if id, ok := topic.CustomerID(name); ok {
		if id == claims.UserID {
			return nil
		}
		return directory.ErrForbidden
	}
	if id, ok := topic.ConversationID(name); ok {
		conv, err := dir.Summary(ctx, id)
		if err != nil {
			return err
		}
		if conv.CustomerID == claims.UserID {
			return nil
		}
	}
	return directory.ErrForbidden
}
