package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/platepal/pkg/agent"
	"github.com/harun/platepal/pkg/assistant"
	"github.com/harun/platepal/pkg/assistant/assistanttest"
	"github.com/harun/platepal/pkg/commandqueue"
	"github.com/harun/platepal/pkg/personality"
	"github.com/harun/platepal/pkg/profile"
	"github.com/harun/platepal/pkg/session"
	"github.com/harun/platepal/pkg/toolexecutor"
	"github.com/harun/platepal/pkg/transcript"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	fake    *assistanttest.Fake
	server  *Server
	handler http.Handler
}

func newAPIHarness(t *testing.T, mutate func(*Config)) *apiHarness {
	t.Helper()

	fake := assistanttest.New()
	queue := commandqueue.New()
	t.Cleanup(func() { queue.Close() })

	cache, err := transcript.NewCache(transcript.NewMemoryStore())
	require.NoError(t, err)

	clients := NewClientRegistry()
	broadcaster := NewEventBroadcaster(clients, zerolog.Nop())

	tools := toolexecutor.New()
	exec, err := agent.NewExecutor(agent.Config{
		Gateway:    fake,
		Dispatcher: tools,
		Events:     broadcaster,
		Sleep:      func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})
	require.NoError(t, err)

	mgr, err := session.NewManager(session.Config{
		Gateway:  fake,
		Runner:   exec,
		Tools:    tools,
		Profiles: profile.NewMemoryStore(),
		Cache:    cache,
		Queue:    queue,
		Model:    "gpt-4o",
	})
	require.NoError(t, err)

	cfg := Config{
		Conversations: mgr,
		Clients:       clients,
		Broadcaster:   broadcaster,
		TickInterval:  -1,
		Logger:        zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)

	return &apiHarness{fake: fake, server: server, handler: server.Handler()}
}

func (h *apiHarness) do(t *testing.T, method, path, userID string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer(t *testing.T) {
	t.Run("should require conversations", func(t *testing.T) {
		_, err := NewServer(Config{})
		assert.EqualError(t, err, "conversations is required")
	})

	t.Run("should reject a negative port", func(t *testing.T) {
		_, err := NewServer(Config{Port: -1})
		assert.Error(t, err)
	})
}

func TestServer_Health(t *testing.T) {
	h := newAPIHarness(t, nil)

	t.Run("should report ok without a user", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decodeBody[map[string]interface{}](t, rec)["status"])
	})

	t.Run("should serve metrics", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should list personalities", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/personalities", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decodeBody[[]personality.Profile](t, rec)
		assert.Len(t, list, len(personality.All()))
		assert.NotContains(t, rec.Body.String(), "instructions")
	})
}

func TestServer_Identity(t *testing.T) {
	t.Run("should reject requests without a user", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodGet, "/api/conversation/messages", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), UserHeader)
		assert.Zero(t, h.fake.CallCount("CreateSession"))
	})

	t.Run("should check the shared secret", func(t *testing.T) {
		h := newAPIHarness(t, func(cfg *Config) { cfg.SharedSecret = "s3cret" })

		rec := h.do(t, http.MethodGet, "/api/personalities", "alice", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = h.do(t, http.MethodGet, "/api/personalities", "alice", nil, SecretHeader, "wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = h.do(t, http.MethodGet, "/api/personalities", "alice", nil, SecretHeader, "s3cret")
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = h.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should rate limit per user", func(t *testing.T) {
		h := newAPIHarness(t, func(cfg *Config) { cfg.RequestsPerMinute = 2 })

		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/conversation/messages", "alice", nil).Code)
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/conversation/messages", "alice", nil).Code)
		assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodGet, "/api/conversation/messages", "alice", nil).Code)
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/conversation/messages", "bob", nil).Code)
	})
}

func TestServer_Conversation(t *testing.T) {
	t.Run("should resolve with a welcome message", func(t *testing.T) {
		h := newAPIHarness(t, nil)

		rec := h.do(t, http.MethodPost, "/api/conversation", "alice", map[string]string{"personality": personality.ToughLove})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		conv := decodeBody[session.Conversation](t, rec)
		assert.Equal(t, "alice", conv.UserID)
		assert.Equal(t, personality.ToughLove, conv.PersonalityKey)
		require.Len(t, conv.Messages, 1)
		assert.Equal(t, assistant.RoleAssistant, conv.Messages[0].Role)
	})

	t.Run("should accept an empty resolve body", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodPost, "/api/conversation", "alice", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, personality.BestFriend, decodeBody[session.Conversation](t, rec).PersonalityKey)
	})

	t.Run("should reject an unknown personality", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodPost, "/api/conversation", "alice", map[string]string{"personality": "grumpy"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown personality")
	})

	t.Run("should reject a malformed body", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/conversation/messages", strings.NewReader("{"))
		req.Header.Set(UserHeader, "alice")
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Send(t *testing.T) {
	t.Run("should return the user message and the reply", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.fake.Script = func(sessionID, agentID string) []assistanttest.Step {
			return assistanttest.Completed("Logged your oatmeal.")
		}

		rec := h.do(t, http.MethodPost, "/api/conversation/messages", "alice", sendRequest{Text: "  oatmeal for breakfast "})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[messagesResponse](t, rec)
		require.Len(t, resp.Messages, 2)
		assert.Equal(t, "oatmeal for breakfast", resp.Messages[0].Content)
		assert.Equal(t, "Logged your oatmeal.", resp.Messages[1].Content)
		assert.Equal(t, 1, h.fake.CallCount("StartRun"))

		rec = h.do(t, http.MethodGet, "/api/conversation/messages", "alice", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeBody[messagesResponse](t, rec).Messages, 2)
	})

	t.Run("should reject an empty message", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodPost, "/api/conversation/messages", "alice", sendRequest{Text: "   "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, h.fake.CallCount("AppendMessage"))
	})

	t.Run("should map a failed run to 502 and keep the user message", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.fake.Script = func(sessionID, agentID string) []assistanttest.Step {
			return []assistanttest.Step{{Status: assistant.RunFailed, LastError: "server_error"}}
		}

		rec := h.do(t, http.MethodPost, "/api/conversation/messages", "alice", sendRequest{Text: "hello"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)

		resp := decodeBody[messagesResponse](t, rec)
		assert.Equal(t, "could not get a response", resp.Error)
		require.Len(t, resp.Messages, 1)
		assert.Equal(t, assistant.RoleUser, resp.Messages[0].Role)
	})

	t.Run("should replay a send with the same idempotency key", func(t *testing.T) {
		h := newAPIHarness(t, nil)

		first := h.do(t, http.MethodPost, "/api/conversation/messages", "alice", sendRequest{Text: "hi"}, IdempotencyHeader, "req-1")
		second := h.do(t, http.MethodPost, "/api/conversation/messages", "alice", sendRequest{Text: "hi"}, IdempotencyHeader, "req-1")

		require.Equal(t, http.StatusOK, first.Code)
		require.Equal(t, http.StatusOK, second.Code)
		assert.JSONEq(t, first.Body.String(), second.Body.String())
		assert.Equal(t, 1, h.fake.CallCount("AppendMessage"))
	})
}

func TestServer_PersonalityResetWipe(t *testing.T) {
	t.Run("should change personality and keep the session", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		created := decodeBody[session.Conversation](t, h.do(t, http.MethodPost, "/api/conversation", "alice", nil))

		rec := h.do(t, http.MethodPut, "/api/conversation/personality", "alice", map[string]string{"personality": personality.ProfessionalCoach})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		conv := decodeBody[session.Conversation](t, rec)
		assert.Equal(t, created.SessionID, conv.SessionID)
		assert.Equal(t, personality.ProfessionalCoach, conv.PersonalityKey)
		assert.Equal(t, assistant.RoleSystem, conv.Messages[len(conv.Messages)-1].Role)
	})

	t.Run("should require a personality", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(t, http.MethodPut, "/api/conversation/personality", "alice", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should reset into a fresh session", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		created := decodeBody[session.Conversation](t, h.do(t, http.MethodPost, "/api/conversation", "alice", nil))

		rec := h.do(t, http.MethodPost, "/api/conversation/reset", "alice", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		conv := decodeBody[session.Conversation](t, rec)
		assert.NotEqual(t, created.SessionID, conv.SessionID)
		assert.Len(t, conv.Messages, 1)
	})

	t.Run("should wipe with no content", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.do(t, http.MethodPost, "/api/conversation", "alice", nil)

		rec := h.do(t, http.MethodDelete, "/api/conversation", "alice", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.String())
	})
}

func TestServer_Voice(t *testing.T) {
	upload := func(t *testing.T, h *apiHarness, field string, data []byte) *httptest.ResponseRecorder {
		t.Helper()
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, err := writer.CreateFormFile(field, "note.webm")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/conversation/voice", &body)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set(UserHeader, "alice")
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("should transcribe then send", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.fake.Transcript = " two eggs and toast "

		rec := upload(t, h, "audio", []byte("RIFF...."))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[messagesResponse](t, rec)
		assert.Equal(t, "two eggs and toast", resp.Transcript)
		require.Len(t, resp.Messages, 2)
		assert.Equal(t, "two eggs and toast", resp.Messages[0].Content)
		assert.Equal(t, 1, h.fake.CallCount("TranscribeAudio"))
	})

	t.Run("should reject a missing audio field", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := upload(t, h, "file", []byte("data"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, h.fake.CallCount("TranscribeAudio"))
	})

	t.Run("should report silence", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.fake.Transcript = "   "

		rec := upload(t, h, "audio", []byte("data"))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Zero(t, h.fake.CallCount("AppendMessage"))
	})
}

func TestServer_WebSocketEvents(t *testing.T) {
	h := newAPIHarness(t, nil)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEvent(t, conn)
	assert.Equal(t, "connected", hello.Event)
	assert.Equal(t, 1, h.server.clients.Count())

	rec := h.do(t, http.MethodPost, "/api/conversation/messages", "alice", sendRequest{Text: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	var seen []string
	for {
		ev := readEvent(t, conn)
		seen = append(seen, ev.Event)
		if ev.Event == string(agent.EventRunCompleted) {
			assert.NotEmpty(t, ev.RunID)
			assert.NotEmpty(t, ev.SessionID)
			break
		}
	}
	assert.Equal(t, string(agent.EventRunStarted), seen[0])
}

func TestServer_WebSocketRequiresUser(t *testing.T) {
	h := newAPIHarness(t, nil)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	h := newAPIHarness(t, func(cfg *Config) {
		cfg.Host = "127.0.0.1"
		cfg.Port = 0
	})
	require.NoError(t, h.server.Start())

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", h.server.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.server.Stop(ctx))
	require.NoError(t, h.server.Stop(ctx))
	assert.True(t, h.server.shuttingDown())
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"user required", session.ErrUserRequired, http.StatusBadRequest},
		{"empty message", session.ErrEmptyMessage, http.StatusBadRequest},
		{"unknown personality", fmt.Errorf("lookup: %w", personality.ErrUnknown), http.StatusBadRequest},
		{"no reply", fmt.Errorf("%w: %w", session.ErrNoReply, agent.ErrRunTimeout), http.StatusBadGateway},
		{"lane cleared", commandqueue.ErrLaneCleared, http.StatusConflict},
		{"run active", agent.ErrRunActive, http.StatusConflict},
		{"closed", commandqueue.ErrClosed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run("should map "+tc.name, func(t *testing.T) {
			status, msg := statusFor(tc.err)
			assert.Equal(t, tc.status, status)
			assert.NotContains(t, msg, "disk on fire")
		})
	}
}
