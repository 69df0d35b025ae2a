// Package hub is the realtime fan-out endpoint. Clients connect over a
// websocket, join their user group and receive notification pushes addressed
// to that user on every open connection.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/auth"
	"github.com/tasky-app/tasky/internal/platform/metrics"
	"github.com/tasky-app/tasky/internal/sharding"
)

var (
	ErrUserRequired = errors.New("user id is required")
	ErrForbidden    = errors.New("connection may only join its own user group")

	errConnClosed = errors.New("connection is closed")
)

// Backplane relays pushes between hub instances.
type Backplane interface {
	Publish(userID string, frame []byte) error
	Subscribe(deliver func(userID string, frame []byte)) (unsubscribe func() error, err error)
}

// TokenVerifier authenticates the bearer token presented on connect.
type TokenVerifier interface {
	Parse(token string) (auth.Claims, error)
}

type Hub struct {
	logger     zerolog.Logger
	registry   *registry
	backplane  Backplane
	verifier   TokenVerifier
	upgrader   websocket.Upgrader
	sendBuffer int

	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration

	mu    sync.Mutex
	conns map[string]*conn
}

type Option func(*Hub)

func WithBackplane(b Backplane) Option { return func(h *Hub) { h.backplane = b } }

func WithVerifier(v TokenVerifier) Option { return func(h *Hub) { h.verifier = v } }

func WithSendBuffer(n int) Option { return func(h *Hub) { h.sendBuffer = n } }

func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.pingInterval = d
		h.pongWait = d * 2
	}
}

// WithAllowedOrigins restricts browser origins. An empty list accepts any.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Hub) {
		allowed := map[string]struct{}{}
		for _, o := range origins {
			if o != "" {
				allowed[o] = struct{}{}
			}
		}
		if len(allowed) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

func New(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:       logger,
		registry:     newRegistry(sharding.DefaultShards),
		sendBuffer:   64,
		pingInterval: 15 * time.Second,
		pongWait:     30 * time.Second,
		writeWait:    10 * time.Second,
		conns:        map[string]*conn{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run attaches the hub to the backplane and blocks until ctx is done, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	if h.backplane != nil {
		unsubscribe, err := h.backplane.Subscribe(func(userID string, frame []byte) {
			h.deliverLocal(userID, frame)
		})
		if err != nil {
			return fmt.Errorf("subscribe hub backplane: %w", err)
		}
		defer func() { _ = unsubscribe() }()
	}
	<-ctx.Done()
	h.closeAll()
	return nil
}

// PushNotification sends ReceiveNotification to every connection of the
// notification's user.
func (h *Hub) PushNotification(ctx context.Context, n contracts.Notification) error {
	return h.SendToUser(ctx, n.UserID, TargetReceiveNotification, n)
}

// PushUnreadCount sends NotificationCountUpdate to every connection of userID.
func (h *Hub) PushUnreadCount(ctx context.Context, userID string, count int) error {
	return h.SendToUser(ctx, userID, TargetNotificationCountUpdate, count)
}

// SendToUser invokes target with args on every connection in the user's group
// across all hub instances. It never blocks on slow connections.
func (h *Hub) SendToUser(_ context.Context, userID, target string, args ...any) error {
	if userID == "" {
		return ErrUserRequired
	}
	frame, err := NewInvocation("", target, args...)
	if err != nil {
		metrics.HubPushes.WithLabelValues(target, metrics.ResultError).Inc()
		return err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		metrics.HubPushes.WithLabelValues(target, metrics.ResultError).Inc()
		return fmt.Errorf("encode %s frame: %w", target, err)
	}

	if h.backplane != nil {
		if err := h.backplane.Publish(userID, payload); err != nil {
			// Local connections still get the push; other instances miss it.
			h.deliverLocal(userID, payload)
			metrics.HubPushes.WithLabelValues(target, metrics.ResultError).Inc()
			return fmt.Errorf("publish %s to backplane: %w", target, err)
		}
		metrics.HubPushes.WithLabelValues(target, metrics.ResultOK).Inc()
		return nil
	}
	h.deliverLocal(userID, payload)
	metrics.HubPushes.WithLabelValues(target, metrics.ResultOK).Inc()
	return nil
}

// deliverLocal enqueues payload on each local connection of userID and
// returns how many accepted it.
func (h *Hub) deliverLocal(userID string, payload []byte) int {
	delivered := 0
	for _, c := range h.registry.members(sharding.GroupName(userID)) {
		if c.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// Connections returns the number of live connections on this instance.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request to a hub connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if h.verifier != nil {
		claims, err := h.verifier.Parse(auth.RequestToken(r))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = claims.Subject
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(h, ws, nuid.Next(), userID)
	h.register(c)
	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	metrics.HubConnections.Inc()
	h.logger.Debug().Str("conn_id", c.id).Str("user_id", c.userID).Msg("hub connection opened")
}

// unregister removes c from every group it joined.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	for _, group := range c.leaveAll() {
		h.registry.remove(group, c.id)
	}
	if ok {
		metrics.HubConnections.Dec()
		h.logger.Debug().Str("conn_id", c.id).Msg("hub connection closed")
	}
}

func (h *Hub) join(c *conn, userID string) error {
	if userID == "" {
		return ErrUserRequired
	}
	if h.verifier != nil && userID != c.userID {
		return ErrForbidden
	}
	group := sharding.GroupName(userID)
	if err := c.addGroup(group, func() { h.registry.add(group, c) }); err != nil {
		return err
	}
	h.logger.Debug().Str("conn_id", c.id).Str("group", group).Msg("joined user group")
	return nil
}

func (h *Hub) leave(c *conn, userID string) error {
	if userID == "" {
		return ErrUserRequired
	}
	group := sharding.GroupName(userID)
	if c.removeGroup(group) {
		h.registry.remove(group, c.id)
	}
	return nil
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
