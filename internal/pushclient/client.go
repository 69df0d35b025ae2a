// Package pushclient is the end-user side of the realtime hub. It keeps a
// local view of a user's notifications and unread count, updated from hub
// pushes and reconciled from the REST API when pushes may have been missed.
package pushclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/hub"
)

var (
	ErrClosed      = errors.New("push client closed")
	ErrNotLoggedIn = errors.New("push client has no user")
)

// DefaultMaxLocal bounds how many notifications the local view keeps.
const DefaultMaxLocal = 200

// Alerter surfaces a freshly pushed notification to the user, for example as
// an OS notification with a sound.
type Alerter interface {
	Alert(n contracts.Notification)
}

type AlerterFunc func(n contracts.Notification)

func (f AlerterFunc) Alert(n contracts.Notification) { f(n) }

type Snapshot struct {
	Notifications []contracts.Notification
	UnreadCount   int
}

type Option func(*Client)

func WithAlerter(a Alerter) Option { return func(c *Client) { c.alerter = a } }

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

func WithMaxLocal(n int) Option { return func(c *Client) { c.maxLocal = n } }

type Client struct {
	ws       *websocket.Conn
	logger   zerolog.Logger
	alerter  Alerter
	maxLocal int

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu            sync.Mutex
	userID        string
	notifications []contracts.Notification
	unread        int
	pending       map[string]chan string

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub at url. A non-empty token is sent as a bearer
// header.
func Dial(ctx context.Context, url, token string, opts ...Option) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial hub %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial hub %s: %w", url, err)
	}

	c := &Client{
		ws:       ws,
		logger:   zerolog.Nop(),
		maxLocal: DefaultMaxLocal,
		pending:  map[string]chan string{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Login joins the user's group so pushes for userID reach this client.
func (c *Client) Login(ctx context.Context, userID string) error {
	if err := c.invoke(ctx, hub.TargetJoinUserGroup, userID); err != nil {
		return err
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	return nil
}

// Logout leaves the user's group and closes the connection.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	userID := c.userID
	c.userID = ""
	c.mu.Unlock()

	var err error
	if userID != "" {
		err = c.invoke(ctx, hub.TargetLeaveUserGroup, userID)
	}
	return errors.Join(err, c.Close())
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contracts.Notification, len(c.notifications))
	copy(out, c.notifications)
	return Snapshot{Notifications: out, UnreadCount: c.unread}
}

func (c *Client) invoke(ctx context.Context, target string, args ...any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	frame, err := hub.NewInvocation(id, target, args...)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	reply := make(chan string, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", target, err)
	}

	select {
	case msg := <-reply:
		if msg != "" {
			return fmt.Errorf("%s: %s", target, msg)
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("hub connection lost")
			}
			return
		}
		frame, err := hub.DecodeFrame(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("ignoring undecodable hub frame")
			continue
		}
		switch frame.Type {
		case hub.FrameCompletion:
			c.complete(frame)
		case hub.FrameInvocation:
			c.dispatch(frame)
		case hub.FrameClose:
			return
		}
	}
}

func (c *Client) complete(frame hub.Frame) {
	c.mu.Lock()
	reply, ok := c.pending[frame.InvocationID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case reply <- frame.Error:
	default:
		c.logger.Debug().Str("invocation_id", frame.InvocationID).Msg("ignoring duplicate completion")
	}
}

func (c *Client) dispatch(frame hub.Frame) {
	if len(frame.Arguments) == 0 {
		return
	}
	switch frame.Target {
	case hub.TargetReceiveNotification:
		var n contracts.Notification
		if err := json.Unmarshal(frame.Arguments[0], &n); err != nil {
			c.logger.Warn().Err(err).Msg("bad notification push")
			return
		}
		c.mu.Lock()
		c.notifications = append([]contracts.Notification{n}, c.notifications...)
		if len(c.notifications) > c.maxLocal {
			c.notifications = c.notifications[:c.maxLocal]
		}
		if !n.IsRead {
			c.unread++
		}
		c.mu.Unlock()
		if c.alerter != nil {
			c.alerter.Alert(n)
		}
	case hub.TargetNotificationCountUpdate:
		var count int
		if err := json.Unmarshal(frame.Arguments[0], &count); err != nil {
			c.logger.Warn().Err(err).Msg("bad unread count push")
			return
		}
		c.mu.Lock()
		c.unread = count
		c.mu.Unlock()
	}
}

// API is the REST surface Reconcile reads from.
type API interface {
	List(ctx context.Context, userID string) (contracts.NotificationPage, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Reconcile replaces the local view with the server's first page and unread
// count.
func (c *Client) Reconcile(ctx context.Context, api API) error {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	if userID == "" {
		return ErrNotLoggedIn
	}

	page, err := api.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("reconcile list: %w", err)
	}
	count, err := api.UnreadCount(ctx, userID)
	if err != nil {
		return fmt.Errorf("reconcile unread count: %w", err)
	}

	c.mu.Lock()
	c.notifications = page.Notifications
	c.unread = count
	c.mu.Unlock()
	return nil
}
