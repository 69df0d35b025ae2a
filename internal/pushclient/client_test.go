package pushclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/hub"
	"github.com/tasky-app/tasky/internal/platform/auth"
	"github.com/tasky-app/tasky/internal/platform/httpapi"
)

func hubURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/notificationHub"
}

func startHub(t *testing.T, opts ...hub.Option) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(zerolog.Nop(), opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, hubURL(srv)
}

type alerts struct {
	mu  sync.Mutex
	got []contracts.Notification
}

func (a *alerts) Alert(n contracts.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, n)
}

func (a *alerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func TestClient_ReceivesPushesAfterLogin(t *testing.T) {
	h, url := startHub(t)
	ctx := context.Background()
	alerter := &alerts{}

	c, err := Dial(ctx, url, "", WithAlerter(alerter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Login(ctx, "u1"))

	n := contracts.Notification{ID: 1, UserID: "u1", Title: "New Todo Added", Message: "You created a new todo titled 'Buy milk'.", Type: contracts.NotificationTodoCreated}
	require.NoError(t, h.PushNotification(ctx, n))
	require.NoError(t, h.PushNotification(ctx, contracts.Notification{ID: 2, UserID: "u2", Title: "not mine"}))

	require.Eventually(t, func() bool { return c.Snapshot().UnreadCount == 1 }, 2*time.Second, 10*time.Millisecond)
	snap := c.Snapshot()
	require.Len(t, snap.Notifications, 1)
	assert.Equal(t, int64(1), snap.Notifications[0].ID)
	assert.Equal(t, 1, alerter.count())

	require.NoError(t, h.PushUnreadCount(ctx, "u1", 7))
	require.Eventually(t, func() bool { return c.Snapshot().UnreadCount == 7 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.PushNotification(ctx, contracts.Notification{ID: 3, UserID: "u1", Title: "second"}))
	require.Eventually(t, func() bool { return len(c.Snapshot().Notifications) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), c.Snapshot().Notifications[0].ID)
}

// repeatingHub answers every invocation with the same completion three times
// and then pushes one notification.
func repeatingHub(t *testing.T) string {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var pushed int64
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := hub.DecodeFrame(data)
			if err != nil || f.Type != hub.FrameInvocation {
				continue
			}
			done, _ := json.Marshal(hub.Frame{Type: hub.FrameCompletion, InvocationID: f.InvocationID})
			for range 3 {
				if ws.WriteMessage(websocket.TextMessage, done) != nil {
					return
				}
			}
			pushed++
			push, err := hub.NewInvocation("", hub.TargetReceiveNotification, contracts.Notification{ID: pushed, UserID: "u1", Title: "dup"})
			if err != nil {
				return
			}
			payload, _ := json.Marshal(push)
			if ws.WriteMessage(websocket.TextMessage, payload) != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return hubURL(srv)
}

func TestClient_DuplicateCompletionDoesNotStallReads(t *testing.T) {
	url := repeatingHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Login(ctx, "u1"))
	require.Eventually(t, func() bool { return len(c.Snapshot().Notifications) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Login(ctx, "u1"))
	require.Eventually(t, func() bool { return len(c.Snapshot().Notifications) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, c.Snapshot().UnreadCount)
}

func TestClient_LogoutStopsPushesAndCloses(t *testing.T) {
	h, url := startHub(t)
	ctx := context.Background()

	c, err := Dial(ctx, url, "")
	require.NoError(t, err)
	require.NoError(t, c.Login(ctx, "u1"))
	require.NoError(t, c.Logout(ctx))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close after logout")
	}
	require.Eventually(t, func() bool { return h.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Login(ctx, "u1"), ErrClosed)
}

func TestClient_LoginRejectedForOtherUser(t *testing.T) {
	tokens := auth.NewManager("secret", "tasky-auth", time.Hour)
	_, url := startHub(t, hub.WithVerifier(tokens))
	ctx := context.Background()

	_, err := Dial(ctx, url, "")
	require.Error(t, err)

	token, err := tokens.Sign("u1", "alice")
	require.NoError(t, err)
	c, err := Dial(ctx, url, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.Error(t, c.Login(ctx, "u2"))
	require.NoError(t, c.Login(ctx, "u1"))
}

type staticAPI struct {
	page  contracts.NotificationPage
	count int
}

func (s staticAPI) List(context.Context, string) (contracts.NotificationPage, error) {
	return s.page, nil
}

func (s staticAPI) UnreadCount(context.Context, string) (int, error) { return s.count, nil }

func TestClient_Reconcile(t *testing.T) {
	_, url := startHub(t)
	ctx := context.Background()

	c, err := Dial(ctx, url, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	api := staticAPI{
		page:  contracts.NotificationPage{Notifications: []contracts.Notification{{ID: 9, UserID: "u1"}, {ID: 8, UserID: "u1"}}},
		count: 2,
	}
	assert.ErrorIs(t, c.Reconcile(ctx, api), ErrNotLoggedIn)

	require.NoError(t, c.Login(ctx, "u1"))
	require.NoError(t, c.Reconcile(ctx, api))
	snap := c.Snapshot()
	assert.Equal(t, 2, snap.UnreadCount)
	assert.Len(t, snap.Notifications, 2)
}

func TestRESTClient(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/notification/{id}", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "u1", chi.URLParam(req, "id"))
		assert.Equal(t, "1", req.URL.Query().Get("page"))
		httpapi.WriteJSON(w, http.StatusOK, contracts.NotificationPage{
			Notifications: []contracts.Notification{{ID: 5, UserID: "u1"}},
			TotalCount:    1,
			UnreadCount:   1,
		})
	})
	r.Get("/notification/{id}/unread-count", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, contracts.UnreadCount{Count: 4})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	api := NewRESTClient(srv.URL + "/")
	page, err := api.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)
	count, err := api.UnreadCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	_, err = NewRESTClient(srv.URL+"/missing").UnreadCount(context.Background(), "u1")
	assert.Error(t, err)
}
