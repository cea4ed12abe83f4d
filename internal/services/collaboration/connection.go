package collaboration

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"collab-editor/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

/*
CONNECTION PUMPS

Each websocket gets two goroutines:
- readPump: owns all reads and dispatches frames one at a time
- writePump: owns all writes, drains the send buffer and sends pings

gorilla/websocket allows one concurrent reader and one concurrent writer,
which is exactly this split. Everything else talks to the socket through
Send, which never blocks: a full buffer means the client cannot keep up, so
the connection is closed and its own readPump runs the disconnect cleanup.
*/

// ConnectionOptions tunes keepalive and buffering.
type ConnectionOptions struct {
	SendBuffer      int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
}

// DefaultConnectionOptions mirrors the config defaults.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		SendBuffer:      256,
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

// Connection is one live client channel. It may be joined to several
// documents; its user identity is bound by the first successful join.
type Connection struct {
	id          string
	ws          *websocket.Conn
	opts        ConnectionOptions
	logger      *slog.Logger
	connectedAt time.Time
	lastActive  atomic.Int64 // unix nanos

	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
	userID string
	rooms  map[string]struct{}
}

func newConnection(ws *websocket.Conn, opts ConnectionOptions, l *slog.Logger) *Connection {
	id := uuid.NewString()
	c := &Connection{
		id:          id,
		ws:          ws,
		opts:        opts,
		logger:      l.With("connection", id),
		connectedAt: time.Now(),
		send:        make(chan []byte, opts.SendBuffer),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
	c.touch()
	return c
}

func (c *Connection) ID() string { return c.id }

// Send queues a frame. It reports false once the connection is closing;
// overflowing the buffer closes the connection.
func (c *Connection) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.closeLocked()
		// Drop the socket now so the read pump stops and the connection
		// leaves its rooms without waiting on a stuck write.
		if c.ws != nil {
			c.ws.Close()
		}
		return false
	}
}

// Close marks the connection as closing. The write pump sends a close frame
// and tears the socket down; the read pump then runs cleanup.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Connection) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed when the connection starts shutting down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// bindUser ties the connection to userID. A connection already bound to a
// different user is refused.
func (c *Connection) bindUser(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		c.userID = userID
		return true
	}
	return c.userID == userID
}

// UserID returns the bound identity, empty before the first join.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) addRoom(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[documentID] = struct{}{}
}

func (c *Connection) removeRoom(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, documentID)
}

func (c *Connection) inRoom(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[documentID]
	return ok
}

// Rooms lists the joined documents, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Connection) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// Info describes the connection for introspection.
func (c *Connection) Info() models.SessionInfo {
	return models.SessionInfo{
		ConnectionID: c.id,
		UserID:       c.UserID(),
		Documents:    c.Rooms(),
		ConnectedAt:  c.connectedAt,
		LastActiveAt: time.Unix(0, c.lastActive.Load()),
	}
}

// readPump reads frames until the socket fails, handing each to onFrame.
// onClose runs exactly once, after the last frame was handled.
func (c *Connection) readPump(ctx context.Context, onFrame func(context.Context, []byte), onClose func()) {
	defer func() {
		c.Close()
		c.ws.Close()
		onClose()
	}()

	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "err", err)
			}
			return
		}
		c.touch()
		onFrame(ctx, frame)
	}
}

// writePump drains the send buffer one frame per websocket message and
// pings on a timer.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
			// Flush what queued up meanwhile before checking done again.
			for n := len(c.send); n > 0; n-- {
				if err := c.write(websocket.TextMessage, <-c.send); err != nil {
					c.Close()
					return
				}
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}
