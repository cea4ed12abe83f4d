package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"collab-editor/internal/middleware"
	"collab-editor/internal/models"
	"collab-editor/internal/repository"
	"collab-editor/internal/services"
	"collab-editor/internal/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const mirrorTimeout = 2 * time.Second

// PresenceMirror copies room presence to a shared store so other processes
// and dashboards can see who is online. Failures are logged, never surfaced.
type PresenceMirror interface {
	Track(ctx context.Context, documentID, connectionID string, p models.Presence) error
	Untrack(ctx context.Context, documentID, connectionID string) error
}

type GatewayOptions struct {
	Connection     ConnectionOptions
	AllowedOrigins []string // "*" allows any origin; requests without Origin are always allowed
	// PresenceRefresh re-publishes mirrored presence so TTLs do not lapse.
	PresenceRefresh time.Duration
}

// Gateway accepts websocket connections and routes their events. It owns
// every live connection between Start and Shutdown.
type Gateway struct {
	registry *RoomRegistry
	engine   *ChangeEngine
	docs     services.SnapshotStore
	users    services.UserDirectory
	mirror   PresenceMirror
	opts     GatewayOptions
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]*Connection
	closing bool
	wg      sync.WaitGroup
}

func NewGateway(registry *RoomRegistry, engine *ChangeEngine, docs services.SnapshotStore, users services.UserDirectory, opts GatewayOptions, metrics *telemetry.Metrics, l *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry: registry,
		engine:   engine,
		docs:     docs,
		users:    users,
		opts:     opts,
		metrics:  metrics,
		logger:   l.With("component", "gateway"),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Connection),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) SetPresenceMirror(m PresenceMirror) {
	g.mirror = m
}

func (g *Gateway) Registry() *RoomRegistry { return g.registry }

// Start launches background maintenance. Connections are accepted whether or
// not Start ran; only Shutdown stops them.
func (g *Gateway) Start() {
	g.logger.Info("session gateway started")
	if g.mirror == nil || g.opts.PresenceRefresh <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return
	}
	g.wg.Add(1)
	go g.refreshLoop()
}

func (g *Gateway) refreshLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.opts.PresenceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			for documentID := range g.registry.Snapshot() {
				for connID, p := range g.registry.Presences(documentID) {
					g.mirrorTrack(documentID, connID, p)
				}
			}
		}
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect")
	defer span.End()

	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		middleware.AddSpanError(ctx, err)
		return
	}

	c := newConnection(ws, g.opts.Connection, g.logger)
	span.SetAttributes(attribute.String("connection.id", c.ID()))

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		ws.Close()
		return
	}
	g.conns[c.ID()] = c
	g.wg.Add(2)
	g.mu.Unlock()
	g.metrics.Connections.Inc()

	go func() {
		defer g.wg.Done()
		c.writePump()
	}()
	go func() {
		defer g.wg.Done()
		c.readPump(g.ctx,
			func(ctx context.Context, frame []byte) { g.handleFrame(ctx, c, frame) },
			func() { g.disconnect(c) },
		)
	}()

	c.logger.Info("websocket connection established", "remote", r.RemoteAddr)
}

// handleFrame decodes one frame and dispatches it. Errors go back to the
// sender only; a panic is contained to the frame that caused it.
func (g *Gateway) handleFrame(ctx context.Context, c *Connection, frame []byte) {
	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("connection.id", c.ID()),
		attribute.Int("message.size", len(frame)),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			middleware.AddSpanError(ctx, err)
			c.logger.Error("panic while handling frame", "err", err, "stack", string(debug.Stack()))
			c.Send(encode(EventError, ErrorPayload{Message: "internal error", Code: "internal"}))
		}
	}()

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		g.reject(ctx, c, fmt.Errorf("%w: invalid envelope", ErrMalformedEvent))
		return
	}
	span.SetAttributes(attribute.String("event", env.Event))

	var err error
	switch env.Event {
	case EventJoinDocument:
		err = g.handleJoin(ctx, c, env.Data)
	case EventDocumentChange:
		err = g.handleChange(ctx, c, env.Data)
	case EventCursorPosition:
		err = g.handleCursor(c, env.Data)
	case EventLeaveDocument:
		err = g.handleLeave(c, env.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, env.Event)
	}
	if err != nil {
		g.reject(ctx, c, err)
	}
}

func (g *Gateway) reject(ctx context.Context, c *Connection, err error) {
	code := errorCode(err)
	g.metrics.EventsRejected.WithLabelValues(code).Inc()
	middleware.AddSpanError(ctx, err)

	msg := err.Error()
	if errors.Is(err, ErrPersistence) || code == "internal" {
		c.logger.Error("event failed", "code", code, "err", err)
		msg = "failed to process event"
	} else {
		c.logger.Info("event rejected", "code", code, "err", err)
	}
	c.Send(encode(EventError, ErrorPayload{Message: msg, Code: code}))
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func (g *Gateway) handleJoin(ctx context.Context, c *Connection, data json.RawMessage) error {
	var req JoinRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.DocumentID == "" || req.UserID == "" {
		return fmt.Errorf("%w: documentId and userId are required", ErrMalformedEvent)
	}

	ctx, span := middleware.StartSpan(ctx, "Gateway.JoinDocument",
		attribute.String("document.id", req.DocumentID),
		attribute.String("user.id", req.UserID),
	)
	defer span.End()

	if bound := c.UserID(); bound != "" && bound != req.UserID {
		return fmt.Errorf("%w: connection belongs to another user", ErrAccessDenied)
	}

	var (
		presence models.Presence
		members  []models.Presence
	)
	err := g.engine.WithDocumentLock(req.DocumentID, func() error {
		doc, err := g.docs.GetByID(ctx, req.DocumentID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, req.DocumentID)
		}
		if err != nil {
			return fmt.Errorf("%w: load document: %v", ErrPersistence, err)
		}
		if !doc.HasAccess(req.UserID) {
			return ErrAccessDenied
		}

		user, err := g.users.GetByID(ctx, req.UserID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: user %s", ErrNotFound, req.UserID)
		}
		if err != nil {
			return fmt.Errorf("%w: load user: %v", ErrPersistence, err)
		}

		presence = models.Presence{UserID: user.ID, Username: user.Username}
		welcome := encode(EventDocumentContent, models.Snapshot{Content: doc.Content, Version: doc.Version})
		c.bindUser(req.UserID)
		c.addRoom(req.DocumentID)
		members = g.registry.Join(req.DocumentID, c, presence, welcome)
		return nil
	})
	if err != nil {
		return err
	}

	middleware.AddSpanEvent(ctx, "room.joined", attribute.Int("room.members", len(members)))
	g.mirrorTrack(req.DocumentID, c.ID(), presence)
	c.logger.Info("joined document", "document", req.DocumentID, "user", req.UserID)
	return nil
}

func (g *Gateway) handleChange(ctx context.Context, c *Connection, data json.RawMessage) error {
	var req ChangeRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.DocumentID == "" || len(req.Change) == 0 || string(req.Change) == "null" {
		return fmt.Errorf("%w: documentId and change are required", ErrMalformedEvent)
	}
	if !c.inRoom(req.DocumentID) {
		return fmt.Errorf("%w: not joined to %s", ErrAccessDenied, req.DocumentID)
	}
	userID := c.UserID()
	if req.UserID != "" && req.UserID != userID {
		return fmt.Errorf("%w: userId does not match connection", ErrAccessDenied)
	}

	_, err := g.engine.ApplyChange(ctx, req.DocumentID, userID, req.Change, c.ID())
	return err
}

// handleCursor forwards a cursor position to room peers. Cursors for rooms
// the connection is not in are dropped without an error.
func (g *Gateway) handleCursor(c *Connection, data json.RawMessage) error {
	var req CursorRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.DocumentID == "" || len(req.Position) == 0 {
		return fmt.Errorf("%w: documentId and position are required", ErrMalformedEvent)
	}
	userID := c.UserID()
	if !c.inRoom(req.DocumentID) || (req.UserID != "" && req.UserID != userID) {
		return nil
	}

	frame := encode(EventCursorPosition, CursorBroadcast{UserID: userID, Position: req.Position, ConnectionID: c.ID()})
	g.registry.Broadcast(req.DocumentID, c.ID(), frame)
	return nil
}

func (g *Gateway) handleLeave(c *Connection, data json.RawMessage) error {
	var req LeaveRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.DocumentID == "" {
		return fmt.Errorf("%w: documentId is required", ErrMalformedEvent)
	}
	if !c.inRoom(req.DocumentID) {
		return nil
	}
	g.leave(c, req.DocumentID)
	return nil
}

func (g *Gateway) leave(c *Connection, documentID string) {
	c.removeRoom(documentID)
	g.registry.Leave(documentID, c)
	g.mirrorUntrack(documentID, c.ID())
}

// disconnect runs once per connection after its read pump stops.
func (g *Gateway) disconnect(c *Connection) {
	for _, documentID := range c.Rooms() {
		g.leave(c, documentID)
	}

	g.mu.Lock()
	delete(g.conns, c.ID())
	g.mu.Unlock()
	g.metrics.Connections.Dec()

	c.logger.Info("websocket connection closed")
}

func (g *Gateway) mirrorTrack(documentID, connectionID string, p models.Presence) {
	if g.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := g.mirror.Track(ctx, documentID, connectionID, p); err != nil {
		g.logger.Warn("presence mirror update failed", "document", documentID, "err", err)
	}
}

func (g *Gateway) mirrorUntrack(documentID, connectionID string) {
	if g.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := g.mirror.Untrack(ctx, documentID, connectionID); err != nil {
		g.logger.Warn("presence mirror removal failed", "document", documentID, "err", err)
	}
}

// Sessions lists live connections ordered by connect time.
func (g *Gateway) Sessions() []models.SessionInfo {
	g.mu.Lock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	out := make([]models.SessionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Shutdown refuses new connections, closes the live ones and waits for their
// cleanup, or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil
	}
	g.closing = true
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	g.logger.Info("shutting down session gateway", "connections", len(conns))
	g.cancel()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.logger.Info("session gateway shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
