package model

import "encoding/json"

type FrameType string

const (
	FrameConnected   FrameType = "connected"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameSend        FrameType = "send"
	FrameMessage     FrameType = "message"
	FrameError       FrameType = "error"
)

// Frame is the unit exchanged over the realtime websocket. ID carries the
// subscription id for subscribe/unsubscribe/message frames.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Message string          `json:"message,omitempty"`
}

// SendMessageRequest is the body of a send frame to the message destination.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ClientID       string `json:"client_id,omitempty"`
}

// TypingRequest is the body of a send frame to the typing destination.
type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}
