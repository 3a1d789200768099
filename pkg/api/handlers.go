package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/support-chat/pkg/auth"
	"github.com/mahaj/support-chat/pkg/directory"
	"github.com/mahaj/support-chat/pkg/model"
)

type handler struct {
	dir      Directory
	issuer   *auth.Issuer
	presence Presence
	logger   *slog.Logger
}

type LoginRequest struct {
	UserID string           `json:"user_id"`
	Name   string           `json:"name"`
	Role   model.SenderType `json:"role"`
}

type LoginResponse struct {
	Token  string           `json:"token"`
	UserID string           `json:"user_id"`
	Name   string           `json:"name"`
	Role   model.SenderType `json:"role"`
}

type StartRequest struct {
	Subject string `json:"subject"`
}

type SendRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"client_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, res model.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, model.Result{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, model.Result{Success: false, Message: message})
}

// statusFor maps directory errors to HTTP statuses. Domain rejections are
// always 4xx.
func statusFor(err error) int {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, directory.ErrInvalidArgument), errors.Is(err, directory.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, directory.ErrInvalidTransition),
		errors.Is(err, directory.ErrConflict),
		errors.Is(err, directory.ErrReadOnly),
		errors.Is(err, directory.ErrDuplicate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeFailure(w, status, msg)
}

func claimsOf(r *http.Request) *auth.Claims {
	claims, _ := auth.FromContext(r.Context())
	return claims
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeFailure(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Role == "" {
		req.Role = model.SenderCustomer
	}
	if !req.Role.Valid() {
		writeFailure(w, http.StatusBadRequest, "role must be CUSTOMER or ADMIN")
		return
	}
	if req.Name == "" {
		req.Name = req.UserID
	}

	token, err := h.issuer.GenerateToken(model.Participant{ID: req.UserID, Name: req.Name}, req.Role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, LoginResponse{Token: token, UserID: req.UserID, Name: req.Name, Role: req.Role})
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	if claims.IsAdmin() {
		writeFailure(w, http.StatusForbidden, "only customers start conversations")
		return
	}
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	conv, err := h.dir.Start(r.Context(), claims.Participant(), req.Subject)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, conv)
}

// owned loads the conversation summary and checks a customer caller owns it.
func (h *handler) owned(ctx context.Context, claims *auth.Claims, id string) (*model.Conversation, error) {
	conv, err := h.dir.Summary(ctx, id)
	if err != nil {
		return nil, err
	}
	if !claims.IsAdmin() && conv.CustomerID != claims.UserID {
		return nil, directory.ErrForbidden
	}
	return conv, nil
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.owned(r.Context(), claimsOf(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	conv, err := h.dir.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, conv)
}

func (h *handler) assign(w http.ResponseWriter, r *http.Request) {
	conv, err := h.dir.Assign(r.Context(), chi.URLParam(r, "id"), claimsOf(r).Participant())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, conv)
}

func (h *handler) leave(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.dir.Leave)
}

func (h *handler) solve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.dir.Solve)
}

// close is open to admins and to the customer who owns the conversation.
func (h *handler) close(w http.ResponseWriter, r *http.Request) {
	if _, err := h.owned(r.Context(), claimsOf(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.transition(w, r, h.dir.Close)
}

func (h *handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*model.Conversation, error)) {
	conv, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, conv)
}

// send is the REST fallback for clients without a realtime link. The message
// still reaches subscribers through the message topic.
func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	claims := claimsOf(r)
	msg, err := h.dir.SendMessage(r.Context(), directory.SendRequest{
		ConversationID: chi.URLParam(r, "id"),
		Sender:         claims.Participant(),
		SenderType:     claims.Role,
		Content:        req.Content,
		ClientID:       req.ClientID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, msg)
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	id := chi.URLParam(r, "id")
	msgID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if _, err := h.owned(r.Context(), claims, id); err != nil {
		h.fail(w, r, err)
		return
	}
	msg, err := h.dir.MarkRead(r.Context(), id, msgID, claims.Role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, msg)
}

func (h *handler) listByCustomer(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	id := chi.URLParam(r, "id")
	if !claims.IsAdmin() && id != claims.UserID {
		writeFailure(w, http.StatusForbidden, directory.ErrForbidden.Error())
		return
	}
	convs, err := h.dir.ListByCustomer(r.Context(), id)
	h.writeList(w, r, convs, err)
}

func (h *handler) listByAdmin(w http.ResponseWriter, r *http.Request) {
	convs, err := h.dir.ListByAdmin(r.Context(), chi.URLParam(r, "id"))
	h.writeList(w, r, convs, err)
}

func (h *handler) listByStatus(status model.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := h.dir.ListByStatus(r.Context(), status)
		h.writeList(w, r, convs, err)
	}
}

func (h *handler) writeList(w http.ResponseWriter, r *http.Request, convs []*model.Conversation, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if convs == nil {
		convs = []*model.Conversation{}
	}
	writeSuccess(w, convs)
}

func (h *handler) onlineAdmins(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		writeSuccess(w, []string{})
		return
	}
	users, err := h.presence.Online(r.Context(), model.SenderAdmin)
	if err != nil {
		h.logger.Warn("failed to fetch presence", "error", err)
		writeFailure(w, http.StatusServiceUnavailable, "Failed to fetch presence")
		return
	}
	writeSuccess(w, users)
}
