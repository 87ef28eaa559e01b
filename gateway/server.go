// Package gateway is the client-facing surface of a worker process: the
// WebSocket protocol that drives the registry and the delivery pipeline,
// and the small HTTP API used by the load balancer and operators.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/chatfanout/auth"
	"github.com/ggoodman/chatfanout/delivery"
	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/internal/logctx"
	"github.com/ggoodman/chatfanout/internal/metrics"
	"github.com/ggoodman/chatfanout/registry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

const (
	defaultOutboundBuffer = 256
	defaultPingInterval   = 25 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultWriteWait      = 10 * time.Second
	maxFrameBytes         = 64 << 10
)

// Registry is the part of *registry.Registry the gateway drives.
type Registry interface {
	InstanceID() string
	Connect(c registry.Conn) error
	Register(ctx context.Context, connID, userID string) error
	Join(ctx context.Context, connID, chatID string) error
	Leave(ctx context.Context, connID, chatID string) error
	Disconnect(ctx context.Context, connID string) error
	UserID(connID string) (string, bool)
	IsOnline(ctx context.Context, userID string) (bool, error)
	ConnectionCount() int
}

// Pipeline is the part of *delivery.Pipeline the gateway drives.
type Pipeline interface {
	SendMessage(ctx context.Context, req delivery.SendRequest) (*delivery.SentMessage, error)
	DeleteMessage(ctx context.Context, req delivery.DeleteRequest) (*event.Deletion, error)
	EditMessage(ctx context.Context, req delivery.EditRequest) (*event.Edit, error)
	StartTyping(ctx context.Context, chatID, userID, excludeConn string) error
	StopTyping(ctx context.Context, chatID, userID, excludeConn string) error
	MarkRead(ctx context.Context, chatID, userID, lastMessageID string) (*event.ReadReceipt, error)
}

type Server struct {
	reg      Registry
	pipeline Pipeline
	auth     auth.Authenticator
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time
	started  time.Time
	realm    string

	origins      []string
	outBuffer    int
	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration

	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
	schema   Schema

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Server)

// WithLogger sets the logger. It is wrapped so that connection, event, and
// request attributes stored in contexts are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option { return func(s *Server) { s.metrics = m } }

// WithAuthenticator requires a bearer token on the WebSocket handshake and
// the REST endpoint. register must then name the token's user.
func WithAuthenticator(a auth.Authenticator) Option { return func(s *Server) { s.auth = a } }

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option { return func(s *Server) { s.realm = strings.TrimSpace(realm) } }

// WithAllowedOrigins restricts browser origins for CORS and the WebSocket
// handshake. "*" allows any origin. Without it the WebSocket handshake
// only accepts same-origin requests.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = append([]string(nil), origins...) }
}

// WithOutboundBuffer sets how many frames may wait for a slow client before
// it is disconnected.
func WithOutboundBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.outBuffer = n
		}
	}
}

// WithKeepalive sets the ping interval and how long a connection may go
// without a pong. pongWait must exceed ping.
func WithKeepalive(ping, pongWait time.Duration) Option {
	return func(s *Server) {
		if ping > 0 && pongWait > ping {
			s.pingInterval, s.pongWait = ping, pongWait
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func New(reg Registry, p Pipeline, opts ...Option) *Server {
	s := &Server{
		reg:          reg,
		pipeline:     p,
		log:          slog.Default(),
		now:          time.Now,
		outBuffer:    defaultOutboundBuffer,
		pingInterval: defaultPingInterval,
		pongWait:     defaultPongWait,
		writeWait:    defaultWriteWait,
		conns:        make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	s.started = s.now()
	s.handlers = s.routes()
	s.schema = ProtocolSchema()
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(s.origins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Handler returns the HTTP routes of a worker process.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestContext)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         600,
	}))

	r.Get("/", s.handleBanner)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/v1/schema", s.handleSchema)
	r.Post("/v1/chats/{chatID}/messages", s.handlePostMessage)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeJSONError emits {"error":{"code":<status>,"message":"<reason>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health is the body of GET /health.
type Health struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	ServerID    string    `json:"server_id"`
	Uptime      float64   `json:"uptime"`
	Connections int       `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	h := Health{
		Status:      "OK",
		Timestamp:   now.UTC(),
		ServerID:    s.reg.InstanceID(),
		Uptime:      now.Sub(s.started).Seconds(),
		Connections: s.reg.ConnectionCount(),
	}
	status := http.StatusOK
	if s.isClosed() {
		// Lets the balancer stop routing here while connections drain.
		h.Status = "SHUTTING_DOWN"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Scalable Chat Server is running!",
		"server_id": s.reg.InstanceID(),
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.schema)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.isClosed() {
		writeJSONError(w, http.StatusServiceUnavailable, ErrShuttingDown.Error())
		return
	}
	authUser, ok := s.authenticate(ctx, w, r)
	if !ok {
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.log.InfoContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	c := newConn(uuid.NewString(), ws, authUser, s.outBuffer, s.log, s.writeWait, s.pingInterval)

	// Hijacked connections outlive the request context semantics; the
	// connection ends when the socket does.
	connCtx := logctx.WithConnData(context.WithoutCancel(ctx), &logctx.ConnData{ConnID: c.id, UserID: authUser})
	if !s.track(c) {
		c.closeNow(websocket.CloseGoingAway, ErrShuttingDown.Error())
		return
	}
	if err := s.reg.Connect(c); err != nil {
		s.log.ErrorContext(connCtx, "ws.connect.fail", slog.String("err", err.Error()))
		c.closeNow(websocket.CloseInternalServerErr, "")
		s.untrack(c)
		return
	}
	s.log.InfoContext(connCtx, "ws.conn.open")
	s.serve(connCtx, c)
}

func (s *Server) serve(ctx context.Context, c *conn) {
	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		c.writePump(ctx)
	}()
	defer func() {
		// The pump sends the close frame and releases the socket.
		c.close(websocket.CloseNormalClosure, "")
		pump.Wait()
		if err := s.reg.Disconnect(ctx, c.id); err != nil {
			s.log.WarnContext(ctx, "ws.disconnect.fail", slog.String("err", err.Error()))
		}
		s.untrack(c)
		s.log.InfoContext(ctx, "ws.conn.close")
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	bound := false
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.DebugContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		s.dispatch(ctx, c, data)
		if !bound {
			if uid, ok := s.reg.UserID(c.id); ok {
				bound = true
				ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: c.id, UserID: uid})
			}
		}
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.id]; ok {
		delete(s.conns, c.id)
		s.wg.Done()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown refuses new connections, closes every open one with a going-away
// frame, and waits until each has been disconnected from the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	s.log.InfoContext(ctx, "ws.shutdown.start", slog.Int("connections", len(open)))
	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.InfoContext(ctx, "ws.shutdown.ok")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
