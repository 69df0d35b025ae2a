package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxFrameSize = 64 * 1024

type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	id     string
	userID string
	send   chan []byte
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	groups    map[string]struct{}
	closed    bool
}

func newConn(h *Hub, ws *websocket.Conn, id, userID string) *conn {
	return &conn{
		hub:    h,
		ws:     ws,
		id:     id,
		userID: userID,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
		groups: map[string]struct{}{},
	}
}

// enqueue queues payload for the writer. A connection whose queue is full is
// too slow to keep up and is closed.
func (c *conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.hub.logger.Warn().Str("conn_id", c.id).Msg("hub connection send queue full, dropping connection")
		c.close()
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.hub.writeWait))
			_ = c.ws.Close()
		}
	})
}

// addGroup records group on c and runs register while holding c's lock, so
// a concurrent close either sees the group and unregisters it or happens
// first and refuses the join.
func (c *conn) addGroup(group string, register func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if _, ok := c.groups[group]; ok {
		return nil
	}
	c.groups[group] = struct{}{}
	register()
	return nil
}

func (c *conn) removeGroup(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[group]; !ok {
		return false
	}
	delete(c.groups, group)
	return true
}

// leaveAll marks c closed and returns the groups it had joined.
func (c *conn) leaveAll() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	c.groups = map[string]struct{}{}
	return groups
}

func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("conn_id", c.id).Msg("hub connection read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))

		frame, err := DecodeFrame(data)
		if err != nil {
			c.hub.logger.Debug().Err(err).Str("conn_id", c.id).Msg("ignoring undecodable frame")
			continue
		}
		switch frame.Type {
		case FramePing:
			c.reply(Frame{Type: FramePing})
		case FrameClose:
			return
		case FrameInvocation:
			c.invoke(frame)
		}
	}
}

func (c *conn) invoke(frame Frame) {
	var err error
	switch frame.Target {
	case TargetJoinUserGroup, TargetLeaveUserGroup:
		var userID string
		userID, err = frame.StringArg(0)
		if err == nil {
			if frame.Target == TargetJoinUserGroup {
				err = c.hub.join(c, userID)
			} else {
				err = c.hub.leave(c, userID)
			}
		}
	default:
		err = errUnknownTarget(frame.Target)
	}

	if frame.InvocationID == "" {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.reply(completion(frame.InvocationID, msg))
}

type errUnknownTarget string

func (e errUnknownTarget) Error() string { return "unknown hub method " + string(e) }

func (c *conn) reply(f Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
