package notification

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/httpapi"
)

type Reader interface {
	List(ctx context.Context, userID string, f ListFilter) (contracts.NotificationPage, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, id int64) error
}

type Handler struct {
	Service Reader
}

func NewHandler(service Reader) *Handler {
	return &Handler{Service: service}
}

// Routes registers the notification endpoints. The first path segment after
// /notification is a user id or a notification id depending on the route.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/notification/{id}", h.handleList)
	r.Get("/notification/{id}/unread-count", h.handleUnreadCount)
	r.Post("/notification/{id}/read", h.handleMarkRead)
	r.Post("/notification/{id}/read-all", h.handleMarkAllRead)
	r.Delete("/notification/{id}", h.handleDelete)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	filter, err := parseListFilter(r)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := h.Service.List(r.Context(), userID, filter)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, page)
}

func parseListFilter(r *http.Request) (ListFilter, error) {
	q := r.URL.Query()
	var f ListFilter
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return ListFilter{}, errors.New("page must be an integer")
		}
		f.Page = page
	}
	if raw := strings.TrimSpace(q.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return ListFilter{}, errors.New("pageSize must be an integer")
		}
		f.PageSize = size
	}
	if raw := strings.TrimSpace(q.Get("isRead")); raw != "" {
		isRead, err := strconv.ParseBool(raw)
		if err != nil {
			return ListFilter{}, errors.New("isRead must be a boolean")
		}
		f.IsRead = &isRead
	}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		typ, err := contracts.ParseNotificationType(raw)
		if err != nil {
			return ListFilter{}, err
		}
		f.Type = &typ
	}
	return f, nil
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.Service.UnreadCount(r.Context(), strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, contracts.UnreadCount{Count: count})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := notificationID(w, r)
	if !ok {
		return
	}
	if err := h.Service.MarkRead(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpapi.WriteMessage(w, http.StatusOK, "Notification marked as read")
}

func (h *Handler) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.MarkAllRead(r.Context(), strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"message": "All notifications marked as read", "updated": n})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := notificationID(w, r)
	if !ok {
		return
	}
	if err := h.Service.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpapi.WriteMessage(w, http.StatusOK, "Notification deleted successfully")
}

func notificationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id <= 0 {
		httpapi.WriteError(w, http.StatusBadRequest, "notification id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
}
