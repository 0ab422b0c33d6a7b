package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	"roomctl/internal/infrastructure/middleware"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/logger"
	"roomctl/pkg/tracing"
	"roomctl/pkg/utils"
)

// Options tune the control channel. Zero rate values disable limiting.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	MaxMessageSize int64

	ConnectionsPerMinute int
	MessagesPerSecond    float64
	MessageBurst         int
	MaxConnections       int
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 64 * 1024,
	}
}

type connection struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
	roomsMu sync.Mutex
	rooms   map[string]struct{}
}

func (c *connection) write(timeout time.Duration, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

func (c *connection) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *connection) watch(room string) {
	c.roomsMu.Lock()
	c.rooms[room] = struct{}{}
	c.roomsMu.Unlock()
}

func (c *connection) watches(room string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// WebSocketServer serves the room control channel. Session agents send
// Requests and get one Response each; room events of every room a
// connection has addressed are pushed to it as Notifications.
type WebSocketServer struct {
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	opts       Options
	connLimits *middleware.RateLimiterStore

	connections map[string]*connection
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

var _ ports.EventPublisher = (*WebSocketServer)(nil)

func NewWebSocketServer(rooms ports.RoomManager, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	defaults := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongTimeout <= opts.PingInterval {
		opts.PongTimeout = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}

	s := &WebSocketServer{
		dispatcher:  NewDispatcher(rooms),
		opts:        opts,
		connections: make(map[string]*connection),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if opts.ConnectionsPerMinute > 0 {
		s.connLimits = middleware.NewRateLimiterStore(rate.Every(time.Minute/time.Duration(opts.ConnectionsPerMinute)), opts.ConnectionsPerMinute)
	}
	return s
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.opts.PingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *WebSocketServer) SetPongTimeout(timeout time.Duration) {
	s.opts.PongTimeout = timeout
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) admit(r *http.Request) error {
	if s.connLimits != nil && !s.connLimits.Limiter(middleware.ClientIP(r)).Allow() {
		return apperrors.NewRateLimitError()
	}
	if s.opts.MaxConnections > 0 && s.ConnectionCount() >= s.opts.MaxConnections {
		return apperrors.NewServiceUnavailableError("too many control connections")
	}
	return nil
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.admit(r); err != nil {
		appErr := apperrors.GetAppError(err)
		http.Error(w, appErr.Message, appErr.HTTPStatus)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &connection{
		id:    utils.GenerateRequestID(),
		conn:  conn,
		rooms: make(map[string]struct{}),
	}
	if s.opts.MessagesPerSecond > 0 {
		burst := s.opts.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), burst)
	}

	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()

	s.logger.Infow("control connection opened", "connection", c.id, "remote", middleware.ClientIP(r))

	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Request, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				if isDecodeError(err) {
					c.write(s.opts.WriteTimeout, errorResponse("", apperrors.NewInvalidInputError("malformed request")))
					continue
				}
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			select {
			case messageChan <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case req := <-messageChan:
			resp := s.handleRequest(ctx, c, req)
			if err := c.write(s.opts.WriteTimeout, resp); err != nil {
				s.logger.Infow("error writing response", "connection", c.id, "error", err)
				goto cleanup
			}

		case <-pingTicker.C:
			if err := c.ping(s.opts.WriteTimeout); err != nil {
				s.logger.Infow("error sending ping", "connection", c.id, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading request", "connection", c.id, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	delete(s.connections, c.id)
	s.mu.Unlock()

	s.logger.Infow("control connection closed", "connection", c.id)
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (s *WebSocketServer) handleRequest(ctx context.Context, c *connection, req Request) Response {
	if req.Method == "" {
		return errorResponse(req.ID, apperrors.NewInvalidInputError("method is required"))
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return errorResponse(req.ID, apperrors.NewRateLimitError())
	}

	ctx = logger.WithRequestID(ctx, req.ID)
	if req.Room != "" {
		ctx = logger.WithRoomID(ctx, req.Room)
	}
	ctx, span := tracing.TraceRoomOperation(ctx, req.Method, req.Room)
	result, err := s.dispatcher.Dispatch(ctx, req)
	tracing.End(span, err)

	if err != nil {
		if appErr := apperrors.GetAppError(err); appErr == nil || appErr.HTTPStatus >= http.StatusInternalServerError {
			s.logger.Warnw("control request failed",
				"connection", c.id,
				"method", req.Method,
				"room", req.Room,
				"error", err,
			)
		}
		return errorResponse(req.ID, err)
	}
	if req.Room != "" && req.Method != "destroyRoom" {
		c.watch(req.Room)
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

// Publish pushes a room event to every connection watching its room.
func (s *WebSocketServer) Publish(_ context.Context, event domain.RoomEvent) error {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		if c.watches(event.Room) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(s.opts.WriteTimeout, Notification{Event: event}); err != nil {
			s.logger.Debugw("event push failed", "connection", c.id, "room", event.Room, "error", err)
		}
	}
	return nil
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
