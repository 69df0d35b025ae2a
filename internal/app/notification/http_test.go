package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasky-app/tasky/internal/contracts"
)

func newTestRouter(t *testing.T) (http.Handler, *Service) {
	t.Helper()
	svc, _, _ := newTestService(t)
	r := chi.NewRouter()
	NewHandler(svc).Routes(r)
	return r, svc
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHTTP_ListAndFilters(t *testing.T) {
	h, svc := newTestRouter(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	first, err := svc.Materialize(ctx, contracts.TodoCreated{TodoID: 1, UserID: "u1", Title: "a", CreatedAt: at})
	require.NoError(t, err)
	_, err = svc.Materialize(ctx, contracts.TodoCompleted{TodoID: 1, UserID: "u1", Title: "a", CompletedAt: at})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRead(ctx, first.ID))

	rec := do(t, h, http.MethodGet, "/notification/u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var page contracts.NotificationPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 1, page.UnreadCount)
	assert.Equal(t, 1, page.TotalPages)

	rec = do(t, h, http.MethodGet, "/notification/u1?isRead=false")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Notifications, 1)
	assert.Equal(t, contracts.NotificationTodoCompleted, page.Notifications[0].Type)

	rec = do(t, h, http.MethodGet, "/notification/u1?type=TodoCreated&pageSize=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Notifications, 1)
	assert.Equal(t, first.ID, page.Notifications[0].ID)

	for _, bad := range []string{"?page=x", "?pageSize=x", "?isRead=maybe", "?type=9"} {
		rec = do(t, h, http.MethodGet, "/notification/u1"+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestHTTP_UnreadCountAndMutations(t *testing.T) {
	h, svc := newTestRouter(t)
	ctx := context.Background()
	n, err := svc.Materialize(ctx, contracts.TodoCreated{TodoID: 1, UserID: "u1", Title: "a"})
	require.NoError(t, err)
	_, err = svc.Materialize(ctx, contracts.TodoCreated{TodoID: 2, UserID: "u1", Title: "b"})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/notification/u1/unread-count")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":2}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/notification/"+itoa(n.ID)+"/read")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/notification/"+itoa(n.ID)+"/read")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/notification/999/read")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodPost, "/notification/abc/read")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/notification/u1/read-all")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"All notifications marked as read","updated":1}`, rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/notification/"+itoa(n.ID))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodDelete, "/notification/"+itoa(n.ID))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/notification/u1/unread-count")
	assert.JSONEq(t, `{"count":0}`, rec.Body.String())
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
