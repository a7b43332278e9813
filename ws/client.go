package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/charli-chat/charli-chat/filter"
	"github.com/charli-chat/charli-chat/globals"
	"github.com/charli-chat/charli-chat/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 2 * time.Minute
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 65536
	sendChannelSize = 256
)

// Handler processes the data object of one inbound event. Handlers run on
// the connection's read goroutine, so events from one connection are always
// processed in arrival order.
type Handler func(data json.RawMessage)

// Client is one live websocket connection of an authenticated user. All
// outbound traffic goes through the Send channel and a single write pump, so
// enqueue order is delivery order.
type Client struct {
	Id   string
	hub  *Hub
	conn *websocket.Conn
	user *types.User

	Send     chan []byte
	done     chan struct{}
	once     sync.Once
	handlers map[string]Handler
}

// NewClient wraps an upgraded connection. conn may be nil in tests, in which
// case only the enqueue side is functional.
func NewClient(hub *Hub, conn *websocket.Conn, user *types.User) *Client {
	return &Client{
		Id:       uuid.NewString(),
		hub:      hub,
		conn:     conn,
		user:     user,
		Send:     make(chan []byte, sendChannelSize),
		done:     make(chan struct{}),
		handlers: make(map[string]Handler),
	}
}

func (c *Client) User() *types.User {
	return c.user
}

// On binds the handler for an inbound event name. Must happen before
// ReadLoop starts.
func (c *Client) On(event string, h Handler) {
	c.handlers[event] = h
}

// Close tears the connection down: unregisters from the hub (which also
// clears all room subscriptions), unblocks enqueuers and closes the socket.
// Safe to call from any goroutine, any number of times, cleanup runs once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.hub.Unregister(c)
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// enqueue hands a marshalled event to the write pump. A full channel means
// the client cannot keep up, in that case the connection is closed rather
// than blocking the broadcaster.
func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case c.Send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		globals.AppLogger.Warn("send buffer full, closing connection", "connection", c.Id, "user", c.user.Id)
		c.Close()
		return fmt.Errorf("send buffer full")
	}
}

// SendEvent marshals and enqueues a single event for this connection only.
func (c *Client) SendEvent(event *types.Event) error {
	data, err := event.MarshalWire()
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// ReadLoop consumes inbound frames until the connection drops and dispatches
// each event to its bound handler. Unknown event names are logged and
// ignored. Runs on the caller's goroutine and returns on disconnect, after
// cleanup.
func (c *Client) ReadLoop() {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				globals.AppLogger.Debug("read error", "connection", c.Id, "error", err)
			}
			return
		}
		var msg types.WebsocketMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			globals.AppLogger.Debug("could not parse frame", "connection", c.Id, "error", err)
			continue
		}
		handler, ok := c.handlers[msg.Event]
		if !ok {
			globals.AppLogger.Debug("no handler for event", "connection", c.Id, "event", msg.Event)
			continue
		}
		handler(msg.Data)
	}
}

// WriteLoop is the single writer of the connection. It drains the Send
// channel and keeps the connection alive with pings.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				globals.AppLogger.Debug("write error", "connection", c.Id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// matchFilter evaluates a compiled target filter for this connection's user.
// Evaluation errors and non-boolean results drop the event for this target.
func (c *Client) matchFilter(event *types.Event, prog *vm.Program) bool {
	env := filter.NewEnv()
	env.Name = event.Name
	env.Created = time.Now().Unix()
	if event.Room != nil {
		env.Room = filter.Room{
			Id:   event.Room.Id,
			Name: event.Room.Name,
			Tags: event.Room.Tags,
		}
	}
	if event.Source != nil {
		env.Source.User = filter.User{
			Id:        event.Source.Id,
			Name:      event.Source.Name,
			IsDeleted: event.Source.IsDeleted,
		}
	}
	env.Target.User = filter.User{
		Id:        c.user.Id,
		Name:      c.user.Name,
		IsDeleted: c.user.IsDeleted,
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Debug("filter evaluation failed", "connection", c.Id, "error", err)
		return false
	}
	match, ok := res.(bool)
	return ok && match
}
