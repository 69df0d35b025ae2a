package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasky-app/tasky/internal/contracts"
)

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[int64]contracts.Notification
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]contracts.Notification)}
}

func (m *memStore) Insert(_ context.Context, n contracts.Notification) (contracts.Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		err := m.insertErr
		m.insertErr = nil
		return contracts.Notification{}, false, err
	}
	if n.DedupKey != nil {
		for _, row := range m.rows {
			if row.DedupKey != nil && *row.DedupKey == *n.DedupKey {
				return row, false, nil
			}
		}
	}
	m.nextID++
	n.ID = m.nextID
	m.rows[n.ID] = n
	return n, true, nil
}

func (m *memStore) List(_ context.Context, userID string, f ListFilter) ([]contracts.Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []contracts.Notification
	for _, row := range m.rows {
		if row.UserID != userID {
			continue
		}
		if f.IsRead != nil && row.IsRead != *f.IsRead {
			continue
		}
		if f.Type != nil && row.Type != *f.Type {
			continue
		}
		matched = append(matched, row)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	total := len(matched)
	start := f.offset()
	if start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *memStore) UnreadCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, row := range m.rows {
		if row.UserID == userID && !row.IsRead {
			count++
		}
	}
	return count, nil
}

func (m *memStore) MarkRead(_ context.Context, id int64, readAt time.Time) (contracts.Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return contracts.Notification{}, false, ErrNotFound
	}
	if row.IsRead {
		return row, false, nil
	}
	row.IsRead = true
	row.ReadAt = &readAt
	m.rows[id] = row
	return row, true, nil
}

func (m *memStore) MarkAllRead(_ context.Context, userID string, readAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, row := range m.rows {
		if row.UserID == userID && !row.IsRead {
			row.IsRead = true
			row.ReadAt = &readAt
			m.rows[id] = row
			n++
		}
	}
	return n, nil
}

func (m *memStore) Delete(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return "", ErrNotFound
	}
	delete(m.rows, id)
	return row.UserID, nil
}

type countPush struct {
	userID string
	count  int
}

type recordingPusher struct {
	mu            sync.Mutex
	notifications []contracts.Notification
	counts        []countPush
}

func (p *recordingPusher) PushNotification(_ context.Context, n contracts.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, n)
	return nil
}

func (p *recordingPusher) PushUnreadCount(_ context.Context, userID string, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts = append(p.counts, countPush{userID: userID, count: count})
	return nil
}

func (p *recordingPusher) lastCount(t *testing.T) countPush {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.counts)
	return p.counts[len(p.counts)-1]
}

func newTestService(t *testing.T) (*Service, *memStore, *recordingPusher) {
	t.Helper()
	store := newMemStore()
	pusher := &recordingPusher{}
	svc := NewService(store, pusher, zerolog.Nop())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return svc, store, pusher
}

func TestMaterialize_TodoCreated(t *testing.T) {
	svc, _, pusher := newTestService(t)
	ctx := context.Background()

	event := contracts.TodoCreated{TodoID: 42, UserID: "u1", Title: "Buy milk", CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	n, err := svc.Materialize(ctx, event)
	require.NoError(t, err)

	assert.Equal(t, contracts.NotificationTodoCreated, n.Type)
	assert.Equal(t, "u1", n.UserID)
	assert.Equal(t, "New Todo Added", n.Title)
	assert.Contains(t, n.Message, "Buy milk")
	assert.False(t, n.IsRead)
	assert.JSONEq(t, `{"TodoId":42,"Title":"Buy milk"}`, string(n.Data))

	require.Len(t, pusher.notifications, 1)
	assert.Equal(t, n.ID, pusher.notifications[0].ID)
	assert.Equal(t, countPush{userID: "u1", count: 1}, pusher.lastCount(t))
}

func TestMaterialize_MessagesPerKind(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	completed := Build(contracts.TodoCompleted{TodoID: 1, UserID: "u1", Title: "Ship", CompletedAt: at})
	assert.Equal(t, contracts.NotificationTodoCompleted, completed.Type)
	assert.Equal(t, "Todo Completed", completed.Title)
	assert.Equal(t, "You completed the todo titled 'Ship'. Congratulations!", completed.Message)

	deleted := Build(contracts.TodoDeleted{TodoID: 1, UserID: "u1", Title: "Ship", DeletedAt: at})
	assert.Equal(t, contracts.NotificationTodoDeleted, deleted.Type)
	assert.Equal(t, "The todo titled 'Ship' was deleted.", deleted.Message)
}

func TestMaterialize_RedeliveryDoesNotDuplicate(t *testing.T) {
	svc, store, pusher := newTestService(t)
	ctx := context.Background()
	event := contracts.TodoCompleted{TodoID: 7, UserID: "u1", Title: "Walk dog", CompletedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}

	first, err := svc.Materialize(ctx, event)
	require.NoError(t, err)
	second, err := svc.Materialize(ctx, event)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.rows, 1)
	assert.Len(t, pusher.notifications, 1)
	assert.Len(t, pusher.counts, 1)
}

func TestMaterialize_SameTodoDistinctTransitions(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, err := svc.Materialize(ctx, contracts.TodoCompleted{TodoID: 7, UserID: "u1", Title: "Walk dog", CompletedAt: at})
	require.NoError(t, err)
	_, err = svc.Materialize(ctx, contracts.TodoCompleted{TodoID: 7, UserID: "u1", Title: "Walk dog", CompletedAt: at.Add(time.Minute)})
	require.NoError(t, err)

	assert.Len(t, store.rows, 2)
}

func TestMaterialize_StoreError(t *testing.T) {
	svc, store, pusher := newTestService(t)
	store.insertErr = errors.New("connection reset")

	_, err := svc.Materialize(context.Background(), contracts.TodoCreated{TodoID: 1, UserID: "u1", Title: "x"})
	require.Error(t, err)
	assert.Empty(t, pusher.notifications)
}

func TestDedupKey(t *testing.T) {
	at := time.UnixMilli(1767225600123).UTC()
	assert.Equal(t, "TodoCreated:42:1767225600123", DedupKey(contracts.TodoCreated{TodoID: 42, UserID: "u1", CreatedAt: at}))
	assert.Equal(t, "TodoDeleted:42:1767225600123", DedupKey(contracts.TodoDeleted{TodoID: 42, UserID: "u1", DeletedAt: at}))
}

func TestMarkRead_IsIdempotent(t *testing.T) {
	svc, store, pusher := newTestService(t)
	ctx := context.Background()
	n, err := svc.Materialize(ctx, contracts.TodoCreated{TodoID: 1, UserID: "u1", Title: "a"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(ctx, n.ID))
	firstReadAt := *store.rows[n.ID].ReadAt
	pushes := len(pusher.counts)

	require.NoError(t, svc.MarkRead(ctx, n.ID))
	assert.True(t, store.rows[n.ID].IsRead)
	assert.Equal(t, firstReadAt, *store.rows[n.ID].ReadAt)
	assert.Len(t, pusher.counts, pushes)
	assert.Equal(t, countPush{userID: "u1", count: 0}, pusher.lastCount(t))

	assert.ErrorIs(t, svc.MarkRead(ctx, 999), ErrNotFound)
}

func TestUnreadCountTracksMixedOperations(t *testing.T) {
	svc, _, pusher := newTestService(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	var ids []int64
	for i := 1; i <= 4; i++ {
		n, err := svc.Materialize(ctx, contracts.TodoCreated{TodoID: i, UserID: "u1", Title: "t", CreatedAt: at.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	_, err := svc.Materialize(ctx, contracts.TodoCreated{TodoID: 99, UserID: "u2", Title: "other", CreatedAt: at})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(ctx, ids[0]))
	require.NoError(t, svc.Delete(ctx, ids[1]))

	count, err := svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, countPush{userID: "u1", count: 2}, pusher.lastCount(t))

	page, err := svc.List(ctx, "u1", ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalCount)
	assert.Equal(t, 2, page.UnreadCount)

	updated, err := svc.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, updated)
	assert.Equal(t, countPush{userID: "u1", count: 0}, pusher.lastCount(t))

	pushes := len(pusher.counts)
	updated, err = svc.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Len(t, pusher.counts, pushes)

	other, err := svc.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, other)
}

func TestList_PagesNewestFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		_, err := svc.Materialize(ctx, contracts.TodoCreated{TodoID: i, UserID: "u1", Title: "t", CreatedAt: time.Unix(int64(i), 0)})
		require.NoError(t, err)
	}

	page, err := svc.List(ctx, "u1", ListFilter{Page: 2, PageSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 12, page.TotalCount)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Notifications, 5)
	assert.True(t, page.Notifications[0].CreatedAt.After(page.Notifications[4].CreatedAt))

	page, err = svc.List(ctx, "nobody", ListFilter{})
	require.NoError(t, err)
	assert.NotNil(t, page.Notifications)
	assert.Empty(t, page.Notifications)
	assert.Equal(t, DefaultPageSize, page.PageSize)
	assert.Zero(t, page.TotalPages)
}

func TestListFilter_Normalized(t *testing.T) {
	f := ListFilter{Page: -1, PageSize: 1000}.normalized()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, MaxPageSize, f.PageSize)
	assert.Zero(t, f.offset())
	assert.Equal(t, 20, ListFilter{Page: 3, PageSize: 10}.offset())
}
