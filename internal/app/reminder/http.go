package reminder

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tasky-app/tasky/internal/platform/httpapi"
)

type HTTPHandler struct {
	Service *Service
}

func (h *HTTPHandler) Routes(r chi.Router) {
	r.Post("/email-reminder/schedule", h.handleSchedule)
}

func (h *HTTPHandler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	reminder, err := h.Service.Schedule(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			httpapi.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to schedule reminder")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"message":     "Email reminder scheduled successfully",
		"id":          reminder.ID,
		"scheduledAt": reminder.ScheduledAt,
	})
}
