package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/harun/platepal/pkg/assistant"
	"github.com/harun/platepal/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	// SecretHeader carries the optional shared secret.
	SecretHeader = "X-Platepal-Secret"
	// UserHeader identifies the calling user.
	UserHeader = "X-User-ID"
	// IdempotencyHeader makes a repeated send return the first result.
	IdempotencyHeader = "Idempotency-Key"

	defaultTickInterval   = 30 * time.Second
	defaultMaxUploadBytes = 25 << 20
	wsReadLimit           = 4096
)

// Conversations is the slice of session.Manager the HTTP API needs.
type Conversations interface {
	Resolve(ctx context.Context, userID, personalityKey string) (*session.Conversation, error)
	Send(ctx context.Context, userID, text, attachmentURL string) ([]assistant.Message, error)
	ChangePersonality(ctx context.Context, userID, key string) (*session.Conversation, error)
	Clear(ctx context.Context, userID string) (*session.Conversation, error)
	Transcript(ctx context.Context, userID string) ([]assistant.Message, error)
	Transcribe(ctx context.Context, audio assistant.AudioInput) (string, error)
	WipeAll(ctx context.Context, userID string) error
}

// Config holds server configuration.
type Config struct {
	Host              string
	Port              int
	SharedSecret      string
	TickInterval      time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	MaxUploadBytes    int64
	Conversations     Conversations
	// Clients and Broadcaster are created when nil. Pass them in when the
	// run executor must publish to the same broadcaster.
	Clients     *ClientRegistry
	Broadcaster *EventBroadcaster
	Logger      zerolog.Logger
}

// Server exposes the conversation engine over HTTP and websocket.
type Server struct {
	addr           string
	sharedSecret   string
	tickInterval   time.Duration
	maxUploadBytes int64
	conversations  Conversations
	clients        *ClientRegistry
	broadcaster    *EventBroadcaster
	limits         *UserRateLimits
	upgrader       websocket.Upgrader
	logger         zerolog.Logger

	server         *http.Server
	listener       net.Listener
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// NewServer creates a server. Port 0 picks a free port on Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("conversations is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.Clients == nil {
		cfg.Clients = NewClientRegistry()
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = NewEventBroadcaster(cfg.Clients, cfg.Logger)
	}

	return &Server{
		addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		sharedSecret:   cfg.SharedSecret,
		tickInterval:   cfg.TickInterval,
		maxUploadBytes: cfg.MaxUploadBytes,
		conversations:  cfg.Conversations,
		clients:        cfg.Clients,
		broadcaster:    cfg.Broadcaster,
		limits:         NewUserRateLimits(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		logger:         cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler builds the router. Exposed for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Use(s.identify)

		r.Get("/ws", s.handleWebSocket)

		r.Route("/api", func(api chi.Router) {
			api.Get("/personalities", s.handlePersonalities)

			api.Group(func(api chi.Router) {
				api.Use(s.requireUser)
				api.Use(s.limits.Middleware)

				api.Post("/conversation", s.handleResolve)
				api.Delete("/conversation", s.handleWipe)
				api.Get("/conversation/messages", s.handleTranscript)
				api.Post("/conversation/messages", s.handleSend)
				api.Put("/conversation/personality", s.handleChangePersonality)
				api.Post("/conversation/reset", s.handleReset)
				api.Post("/conversation/voice", s.handleVoice)
			})
		})
	})

	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting API server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop announces the shutdown to websocket clients, waits for in-flight
// requests until ctx ends, then closes every connection.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	var shutdownErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
	}

	s.logger.Info().Msg("API server stopped")
	return shutdownErr
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				if s.clients.Count() == 0 {
					continue
				}
				s.broadcaster.BroadcastTyped(EventMessage{
					Event:  "tick",
					Stream: StreamTypeLifecycle,
					Phase:  "tick",
					Data: map[string]interface{}{
						"status": "alive",
					},
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// GetConnectedClients returns information about all websocket clients.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := s.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sharedSecret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.sharedSecret)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// identify attaches the caller's user id and a trace id to the context.
// Browsers cannot set headers on a websocket handshake, so ?user= is
// accepted too.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
			ctx = tracing.WithTraceID(ctx, traceID)
		}
		ctx = tracing.NewRequestContext(ctx)

		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user"))
		}
		if userID != "" {
			ctx = withUserID(ctx, userID)
			ctx = tracing.WithUserID(ctx, userID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userIDFromContext(r.Context()) == "" {
			respondError(w, http.StatusBadRequest, UserHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWebSocket subscribes a connection to the caller's run events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		respondError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	userID := userIDFromContext(r.Context())
	if userID == "" {
		respondError(w, http.StatusBadRequest, UserHeader+" header is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = tracing.NewTraceID()
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		UserID:       userID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("user_id", userID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	s.broadcaster.SendToClient(client, EventMessage{
		Event:  "connected",
		Stream: StreamTypeLifecycle,
		Phase:  "start",
		Data:   map[string]interface{}{"clientId": clientID},
	})

	go s.readLoop(client)
}

// readLoop keeps the connection alive; inbound frames only refresh activity.
func (s *Server) readLoop(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("WebSocket closed")
			}
			return
		}
		s.clients.UpdateActivity(client.ID)
	}
}
