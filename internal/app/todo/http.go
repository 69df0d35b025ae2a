package todo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	platformauth "github.com/tasky-app/tasky/internal/platform/auth"
	"github.com/tasky-app/tasky/internal/platform/httpapi"
)

type TokenParser interface {
	Parse(token string) (platformauth.Claims, error)
}

type Handler struct {
	Service *Service
	Tokens  TokenParser
}

func NewHandler(service *Service, tokens TokenParser) *Handler {
	return &Handler{Service: service, Tokens: tokens}
}

func (h *Handler) Routes(r chi.Router) {
	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/todos", h.handleList)
		authR.Post("/todos", h.handleCreate)
		authR.Get("/todos/{id}", h.handleGet)
		authR.Post("/todos/{id}/complete", h.handleComplete)
		authR.Post("/todos/{id}/reopen", h.handleReopen)
		authR.Delete("/todos/{id}", h.handleDelete)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	todos, err := h.Service.List(r.Context(), userFromContext(r.Context()))
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, todos)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	t, err := h.Service.Create(r.Context(), userFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, t)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(ctx context.Context, userID string, id int) (Todo, error) {
		return h.Service.Get(ctx, userID, id)
	})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.Service.Complete)
}

func (h *Handler) handleReopen(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.Service.Reopen)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := todoID(w, r)
	if !ok {
		return
	}
	if err := h.Service.Delete(r.Context(), userFromContext(r.Context()), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) withID(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID string, id int) (Todo, error)) {
	id, ok := todoID(w, r)
	if !ok {
		return
	}
	t, err := op(r.Context(), userFromContext(r.Context()), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, t)
}

func todoID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		httpapi.WriteError(w, http.StatusBadRequest, "todo id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTitleRequired), errors.Is(err, ErrUserRequired):
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		httpapi.WriteError(w, http.StatusNotFound, err.Error())
	default:
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

type userContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			httpapi.WriteError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			httpapi.WriteError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey{}).(string)
	return userID
}
