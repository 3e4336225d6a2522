package assistant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]interface{}
}

type fakeAPI struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *OpenAIGateway) {
	api := &fakeAPI{t: t, routes: make(map[string]func(w http.ResponseWriter, r *http.Request))}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	gw, err := NewOpenAIGateway(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return api, gw
}

func (a *fakeAPI) handle(method, path string, status int, body string) {
	a.handleFunc(method, path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func (a *fakeAPI) handleFunc(method, path string, fn func(w http.ResponseWriter, r *http.Request)) {
	a.routes[method+" "+path] = fn
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(data, &rec.Body)
	}
	a.mu.Lock()
	a.requests = append(a.requests, rec)
	a.mu.Unlock()

	if h, ok := a.routes[r.Method+" "+r.URL.Path]; ok {
		h(w, r)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, `{"error":{"message":"no route","type":"invalid_request_error"}}`)
}

func (a *fakeAPI) last() recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(a.t, a.requests)
	return a.requests[len(a.requests)-1]
}

func TestNewOpenAIGateway(t *testing.T) {
	_, err := NewOpenAIGateway(OpenAIConfig{})
	assert.Error(t, err)
}

func TestOpenAIGateway_CreateAgentProfile(t *testing.T) {
	api, gw := newFakeAPI(t)
	api.handle("POST", "/assistants", 200, `{"id":"asst_123","object":"assistant","created_at":1,"model":"gpt-4o","tools":[]}`)

	id, err := gw.CreateAgentProfile(context.Background(), AgentProfileSpec{
		Name:         "platepal-best-friend",
		Instructions: "be nice",
		Temperature:  0.9,
		Tools: []FunctionTool{{
			Name:        "log_weight",
			Description: "Record a weigh-in",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"weight": map[string]interface{}{"type": "number"}},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "asst_123", id)

	req := api.last()
	assert.Equal(t, "gpt-4o", req.Body["model"])
	assert.Equal(t, "platepal-best-friend", req.Body["name"])
	assert.Equal(t, 0.9, req.Body["temperature"])
	tools, ok := req.Body["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]interface{})
	assert.Equal(t, "function", tool["type"])
	assert.Equal(t, "log_weight", tool["function"].(map[string]interface{})["name"])
}

func TestOpenAIGateway_AppendMessage(t *testing.T) {
	t.Run("should send plain text as a string", func(t *testing.T) {
		api, gw := newFakeAPI(t)
		api.handle("POST", "/threads/thread_1/messages", 200, `{"id":"msg_1","object":"thread.message","role":"user","content":[]}`)

		require.NoError(t, gw.AppendMessage(context.Background(), "thread_1", "two eggs", ""))

		req := api.last()
		assert.Equal(t, "user", req.Body["role"])
		assert.Equal(t, "two eggs", req.Body["content"])
	})

	t.Run("should send an attachment as an image part", func(t *testing.T) {
		api, gw := newFakeAPI(t)
		api.handle("POST", "/threads/thread_1/messages", 200, `{"id":"msg_2","object":"thread.message","role":"user","content":[]}`)

		require.NoError(t, gw.AppendMessage(context.Background(), "thread_1", "lunch", "https://img.example/plate.jpg"))

		parts, ok := api.last().Body["content"].([]interface{})
		require.True(t, ok)
		require.Len(t, parts, 2)
		assert.Equal(t, "text", parts[0].(map[string]interface{})["type"])
		image := parts[1].(map[string]interface{})
		assert.Equal(t, "image_url", image["type"])
		assert.Equal(t, "https://img.example/plate.jpg", image["image_url"].(map[string]interface{})["url"])
	})
}

func TestOpenAIGateway_PollRun(t *testing.T) {
	t.Run("should surface pending tool calls", func(t *testing.T) {
		api, gw := newFakeAPI(t)
		api.handle("GET", "/threads/thread_1/runs/run_1", 200, `{
			"id":"run_1","object":"thread.run","status":"requires_action","thread_id":"thread_1",
			"required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[
				{"id":"call_a","type":"function","function":{"name":"log_weight","arguments":"{\"weight\":72.5}"}},
				{"id":"call_b","type":"function","function":{"name":"log_meal","arguments":"not json"}}
			]}}
		}`)

		state, err := gw.PollRun(context.Background(), "thread_1", "run_1")
		require.NoError(t, err)

		assert.Equal(t, RunRequiresAction, state.Status)
		require.Len(t, state.PendingToolCalls, 2)
		assert.Equal(t, "call_a", state.PendingToolCalls[0].ID)
		assert.Equal(t, 72.5, state.PendingToolCalls[0].Args["weight"])
		assert.Nil(t, state.PendingToolCalls[1].Args)
		assert.Equal(t, "not json", state.PendingToolCalls[1].RawArgs)
	})

	t.Run("should classify a missing run as not found", func(t *testing.T) {
		api, gw := newFakeAPI(t)
		api.handle("GET", "/threads/thread_1/runs/run_x", 404, `{"error":{"message":"No run found","type":"invalid_request_error"}}`)

		_, err := gw.PollRun(context.Background(), "thread_1", "run_x")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		assert.False(t, IsRateLimited(err))
	})

	t.Run("should classify throttling as rate limited", func(t *testing.T) {
		api, gw := newFakeAPI(t)
		api.handle("GET", "/threads/thread_1/runs/run_1", 429, `{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`)

		_, err := gw.PollRun(context.Background(), "thread_1", "run_1")
		require.Error(t, err)
		assert.True(t, IsRateLimited(err))
	})
}

func TestOpenAIGateway_SubmitToolResults(t *testing.T) {
	api, gw := newFakeAPI(t)
	api.handle("POST", "/threads/thread_1/runs/run_1/submit_tool_outputs", 200, `{"id":"run_1","object":"thread.run","status":"queued"}`)

	err := gw.SubmitToolResults(context.Background(), "thread_1", "run_1", []ToolCallResult{
		{ID: "call_a", Output: `{"success":true}`},
		{ID: "call_b", Output: `{"success":false,"message":"boom"}`},
	})
	require.NoError(t, err)

	outputs := api.last().Body["tool_outputs"].([]interface{})
	require.Len(t, outputs, 2)
	assert.Equal(t, "call_b", outputs[1].(map[string]interface{})["tool_call_id"])
}

func TestOpenAIGateway_ListMessages(t *testing.T) {
	api, gw := newFakeAPI(t)
	api.handle("GET", "/threads/thread_1/messages", 200, `{"object":"list","has_more":false,"data":[
		{"id":"msg_1","object":"thread.message","role":"user","created_at":1700000000,"run_id":"",
		 "content":[{"type":"image_url","image_url":{"url":"https://img.example/a.jpg"}}]},
		{"id":"msg_2","object":"thread.message","role":"assistant","created_at":1700000005,"run_id":"run_1",
		 "content":[{"type":"text","text":{"value":"Looks tasty!","annotations":[]}}]},
		{"id":"msg_3","object":"thread.message","role":"assistant","created_at":1700000006,"run_id":"run_1","content":[]}
	]}`)

	msgs, err := gw.ListMessages(context.Background(), "thread_1", ListOptions{RunID: "run_1"})
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "https://img.example/a.jpg", msgs[0].AttachmentURL)
	assert.Equal(t, "Looks tasty!", msgs[1].Content)
	assert.Equal(t, "run_1", msgs[1].RunID)
	assert.Equal(t, int64(1700000005), msgs[1].Timestamp.Unix())

	query := api.last().Query
	assert.Contains(t, query, "order=asc")
	assert.Contains(t, query, "run_id=run_1")
}

func TestOpenAIGateway_ListMessagesPaging(t *testing.T) {
	api, gw := newFakeAPI(t)
	pages := map[string]string{
		"": `{"object":"list","has_more":true,"first_id":"msg_1","last_id":"msg_2","data":[
			{"id":"msg_1","object":"thread.message","role":"assistant","created_at":1700000000,
			 "content":[{"type":"text","text":{"value":"Welcome!","annotations":[]}}]},
			{"id":"msg_2","object":"thread.message","role":"user","created_at":1700000001,
			 "content":[{"type":"text","text":{"value":"oatmeal","annotations":[]}}]}
		]}`,
		"msg_2": `{"object":"list","has_more":false,"first_id":"msg_3","last_id":"msg_3","data":[
			{"id":"msg_3","object":"thread.message","role":"assistant","created_at":1700000002,
			 "content":[{"type":"text","text":{"value":"Logged it.","annotations":[]}}]}
		]}`,
	}
	api.handleFunc("GET", "/threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, pages[r.URL.Query().Get("after")])
	})

	t.Run("should follow has_more to the newest message", func(t *testing.T) {
		msgs, err := gw.ListMessages(context.Background(), "thread_1", ListOptions{Order: OrderAsc})
		require.NoError(t, err)

		require.Len(t, msgs, 3)
		assert.Equal(t, "Welcome!", msgs[0].Content)
		assert.Equal(t, "Logged it.", msgs[2].Content)
		assert.Contains(t, api.last().Query, "after=msg_2")
	})

	t.Run("should stop at the limit", func(t *testing.T) {
		msgs, err := gw.ListMessages(context.Background(), "thread_1", ListOptions{Order: OrderAsc, Limit: 1})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "Welcome!", msgs[0].Content)
	})
}

func TestMapRunStatus(t *testing.T) {
	assert.Equal(t, RunInProgress, mapRunStatus("cancelling"))
	assert.Equal(t, RunFailed, mapRunStatus("incomplete"))
	assert.Equal(t, RunExpired, mapRunStatus("expired"))
	assert.True(t, RunCancelled.Terminal())
	assert.False(t, RunRequiresAction.Terminal())
}

func TestFilenameForMIME(t *testing.T) {
	assert.Equal(t, "voice.webm", FilenameForMIME("audio/webm;codecs=opus"))
	assert.Equal(t, "voice.mp3", FilenameForMIME("audio/mpeg"))
	assert.Equal(t, "voice.m4a", FilenameForMIME("audio/mp4"))
	assert.Equal(t, "voice.webm", FilenameForMIME(""))
}
