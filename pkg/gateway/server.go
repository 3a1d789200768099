// Package gateway is the server side of the realtime transport: a websocket
// endpoint that lets authenticated clients subscribe to topics and send chat
// commands to the directory.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mahaj/support-chat/pkg/auth"
	"github.com/mahaj/support-chat/pkg/directory"
	"github.com/mahaj/support-chat/pkg/model"
)

// Directory is the command surface the gateway forwards frames to.
type Directory interface {
	SendMessage(ctx context.Context, req directory.SendRequest) (*model.Message, error)
	SetTyping(ctx context.Context, sig model.TypingSignal) error
	Summary(ctx context.Context, id string) (*model.Conversation, error)
}

type Server struct {
	hub      *Hub
	dir      Directory
	issuer   *auth.Issuer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer builds the /ws handler. A nil checkOrigin allows all origins.
func NewServer(hub *Hub, dir Directory, issuer *auth.Issuer, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		hub:    hub,
		dir:    dir,
		issuer: issuer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.With("component", "gateway"),
	}
}

// ServeHTTP handles websocket requests from the peer. The token comes from
// the Authorization header or, for browser clients, the token query param.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := s.issuer.ValidateToken(tokenString)
	if err != nil {
		s.logger.Info("rejected websocket", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    s.hub,
		dir:    s.dir,
		conn:   conn,
		claims: claims,
		send:   make(chan []byte, 256),
		subs:   make(map[string]string),
	}
	if !s.hub.register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	client.queue(model.Frame{Type: model.FrameConnected, Message: claims.UserID})

	go client.writePump()
	go client.readPump()
}
