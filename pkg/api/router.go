// Package api is the REST command and snapshot surface of the support chat.
// Every response uses the model.Result envelope.
package api

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mahaj/support-chat/pkg/auth"
	"github.com/mahaj/support-chat/pkg/directory"
	"github.com/mahaj/support-chat/pkg/model"
)

// Directory is the part of directory.Directory the handlers call.
type Directory interface {
	Start(ctx context.Context, customer model.Participant, subject string) (*model.Conversation, error)
	Assign(ctx context.Context, id string, admin model.Participant) (*model.Conversation, error)
	Leave(ctx context.Context, id string) (*model.Conversation, error)
	Solve(ctx context.Context, id string) (*model.Conversation, error)
	Close(ctx context.Context, id string) (*model.Conversation, error)
	SendMessage(ctx context.Context, req directory.SendRequest) (*model.Message, error)
	MarkRead(ctx context.Context, conversationID string, messageID int64, reader model.SenderType) (*model.Message, error)

	Get(ctx context.Context, id string) (*model.Conversation, error)
	Summary(ctx context.Context, id string) (*model.Conversation, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*model.Conversation, error)
	ListByAdmin(ctx context.Context, adminID string) ([]*model.Conversation, error)
	ListByStatus(ctx context.Context, status model.Status) ([]*model.Conversation, error)
}

type Presence interface {
	Online(ctx context.Context, role model.SenderType) ([]string, error)
}

type Deps struct {
	Directory Directory
	Issuer    *auth.Issuer
	// Presence may be nil when no Redis is configured.
	Presence       Presence
	AllowedOrigins []string
	Logger         *slog.Logger
}

// statusPaths maps the queue endpoints to the status they list.
var statusPaths = map[string]model.Status{
	"open":        model.StatusRequested,
	"waiting":     model.StatusWaiting,
	"in-progress": model.StatusInProgress,
	"solved":      model.StatusSolved,
}

// NewRouter builds the REST routes. The caller may mount more handlers, such
// as the websocket gateway, on the returned router.
func NewRouter(deps Deps) *chi.Mux {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"http://*", "https://*"}
	}
	h := &handler{
		dir:      deps.Directory,
		issuer:   deps.Issuer,
		presence: deps.Presence,
		logger:   deps.Logger.With("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/login", h.login)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(deps.Issuer))

		r.Post("/conversations", h.start)
		r.Get("/conversations/{id}", h.get)
		r.Post("/conversations/{id}/close", h.close)
		r.Post("/conversations/{id}/messages", h.send)
		r.Post("/conversations/{id}/messages/{messageID}/read", h.markRead)
		r.Get("/customers/{id}/conversations", h.listByCustomer)

		r.Group(func(r chi.Router) {
			r.Use(RoleMiddleware(auth.RoleAdmin))

			for path, status := range statusPaths {
				r.Get("/conversations/"+path, h.listByStatus(status))
			}
			r.Post("/conversations/{id}/assign", h.assign)
			r.Post("/conversations/{id}/leave", h.leave)
			r.Post("/conversations/{id}/solve", h.solve)
			r.Get("/admins/{id}/conversations", h.listByAdmin)
			r.Get("/presence/admins", h.onlineAdmins)
		})
	})

	return r
}
