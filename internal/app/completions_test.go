package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentgate/internal/bridge"
	"agentgate/internal/config"
	"agentgate/internal/domain"
	"agentgate/internal/observability"
	"agentgate/internal/pool"
	"agentgate/internal/repo"
	"agentgate/internal/workspace"
)

const testAPIKey = "agk-test"

type stubHandle struct{ baseURL string }

func (h *stubHandle) BaseURL() string { return h.baseURL }
func (h *stubHandle) Stop() error     { return nil }

type stubStarter struct{}

func (stubStarter) Start(ctx context.Context, workdir string, port int) (pool.Handle, error) {
	return &stubHandle{baseURL: fmt.Sprintf("http://127.0.0.1:%d", port)}, nil
}

type fakeExecutor struct {
	result bridge.Result
	err    error
	chunks []bridge.StreamChunk

	gotMessages []bridge.Message
	gotSel      domain.ModelSelection
	gotCreds    map[string]string
}

func (f *fakeExecutor) Run(ctx context.Context, inst *pool.Instance, messages []bridge.Message, sel domain.ModelSelection, creds map[string]string) (bridge.Result, error) {
	f.gotMessages = messages
	f.gotSel = sel
	f.gotCreds = creds
	return f.result, f.err
}

func (f *fakeExecutor) RunStream(ctx context.Context, inst *pool.Instance, messages []bridge.Message, sel domain.ModelSelection, creds map[string]string, onChunk func(bridge.StreamChunk)) (bridge.Result, error) {
	f.gotMessages = messages
	f.gotSel = sel
	f.gotCreds = creds
	if f.err != nil {
		return bridge.Result{}, f.err
	}
	for _, chunk := range f.chunks {
		onChunk(chunk)
	}
	return f.result, nil
}

func newTestServer(t *testing.T, executor Executor) *Server {
	t.Helper()
	dataDir := t.TempDir()
	store, err := repo.NewStore(dataDir)
	require.NoError(t, err)

	logger := observability.NewJSONLogger(slog.LevelError)
	instancePool := pool.New(pool.Options{
		Builder: workspace.NewBuilder(filepath.Join(dataDir, "instances")),
		Starter: stubStarter{},
		Logger:  logger,
	})
	t.Cleanup(instancePool.Close)

	tenant := domain.Tenant{
		ID:              "tnt-1",
		Name:            "acme",
		APIKey:          testAPIKey,
		DefaultProvider: "anthropic",
		Providers: map[string]domain.ProviderConfig{
			"openai":    {APIKey: "sk-openai"},
			"anthropic": {APIKey: "sk-anthropic"},
		},
	}
	repo.NormalizeTenant(&tenant)
	require.NoError(t, store.Write(func(state *repo.State) error {
		state.Tenants[tenant.ID] = tenant
		return nil
	}))

	return &Server{
		cfg:      config.Config{AdminKey: "admin-secret"},
		store:    store,
		pool:     instancePool,
		executor: executor,
		logger:   logger,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, bearer string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, body)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func chatRequest(model string, stream bool) domain.ChatCompletionRequest {
	return domain.ChatCompletionRequest{
		Model: model,
		Messages: []domain.ChatMessage{
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		},
		Stream: stream,
	}
}

func TestParseModel(t *testing.T) {
	cases := []struct {
		name            string
		raw             string
		defaultProvider string
		want            domain.ModelSelection
		wantErr         bool
	}{
		{
			name: "provider and model",
			raw:  "openai/gpt-4o-mini",
			want: domain.ModelSelection{ProviderID: "openai", ModelID: "gpt-4o-mini"},
		},
		{
			name: "nested model id splits at first slash",
			raw:  "openrouter/openai/gpt-4o-mini",
			want: domain.ModelSelection{ProviderID: "openrouter", ModelID: "openai/gpt-4o-mini"},
		},
		{
			name:            "bare model uses default provider",
			raw:             "claude-sonnet-4-20250514",
			defaultProvider: "anthropic",
			want:            domain.ModelSelection{ProviderID: "anthropic", ModelID: "claude-sonnet-4-20250514"},
		},
		{
			name:            "agent suffix",
			raw:             "claude-sonnet@my-agent",
			defaultProvider: "anthropic",
			want:            domain.ModelSelection{ProviderID: "anthropic", ModelID: "claude-sonnet", AgentID: "my-agent"},
		},
		{
			name: "provider model and agent",
			raw:  "openai/gpt-4o@reviewer",
			want: domain.ModelSelection{ProviderID: "openai", ModelID: "gpt-4o", AgentID: "reviewer"},
		},
		{
			name:    "empty model",
			raw:     "  ",
			wantErr: true,
		},
		{
			name:    "bare model without default provider",
			raw:     "gpt-4o",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseModel(tc.raw, tc.defaultProvider)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestChatCompletionsRequiresBearer(t *testing.T) {
	s := newTestServer(t, &fakeExecutor{})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", "", chatRequest("openai/gpt-4o-mini", false))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body domain.OpenAIErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "invalid_request_error", body.Error.Type)
}

func TestChatCompletionsUnary(t *testing.T) {
	executor := &fakeExecutor{result: bridge.Result{Text: "Hello there"}}
	s := newTestServer(t, executor)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", testAPIKey, chatRequest("openai/gpt-4o-mini", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "chat.completion", resp.Object)
	require.Equal(t, "openai/gpt-4o-mini", resp.Model)
	require.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Choices[0].Message.Content)
	require.Equal(t, "Hello there", *resp.Choices[0].Message.Content)
	require.Equal(t, domain.Usage{}, resp.Usage)

	require.Equal(t, domain.ModelSelection{ProviderID: "openai", ModelID: "gpt-4o-mini"}, executor.gotSel)
	require.Equal(t, []bridge.Message{{Role: "user", Content: "hi"}}, executor.gotMessages)
	require.Equal(t, map[string]string{"openai": "sk-openai", "anthropic": "sk-anthropic"}, executor.gotCreds)
}

func TestChatCompletionsToolCalls(t *testing.T) {
	executor := &fakeExecutor{result: bridge.Result{
		ToolCalls: []bridge.ToolCallRecord{
			{Name: "weather", Input: map[string]interface{}{"city": "Berlin"}, Output: "sunny"},
		},
	}}
	s := newTestServer(t, executor)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", testAPIKey, chatRequest("openai/gpt-4o-mini", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	choice := raw["choices"].([]interface{})[0].(map[string]interface{})
	require.Equal(t, "tool_calls", choice["finish_reason"])

	message := choice["message"].(map[string]interface{})
	content, present := message["content"]
	require.True(t, present)
	require.Nil(t, content)

	toolCalls := message["tool_calls"].([]interface{})
	require.Len(t, toolCalls, 1)
	call := toolCalls[0].(map[string]interface{})
	require.Equal(t, "function", call["type"])
	require.True(t, strings.HasPrefix(call["id"].(string), "call_"))
	fn := call["function"].(map[string]interface{})
	require.Equal(t, "weather", fn["name"])
	require.JSONEq(t, `{"city":"Berlin"}`, fn["arguments"].(string))
}

func TestChatCompletionsContentParts(t *testing.T) {
	executor := &fakeExecutor{result: bridge.Result{Text: "ok"}}
	s := newTestServer(t, executor)

	req := domain.ChatCompletionRequest{
		Model: "openai/gpt-4o-mini",
		Messages: []domain.ChatMessage{
			{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"part one"},{"type":"image_url","text":""},{"type":"text","text":"part two"}]`)},
		},
	}
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", testAPIKey, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []bridge.Message{{Role: "user", Content: "part one\npart two"}}, executor.gotMessages)
}

func TestChatCompletionsInvalidModel(t *testing.T) {
	s := newTestServer(t, &fakeExecutor{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", testAPIKey, chatRequest("  ", false))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body domain.OpenAIErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "invalid_request_error", body.Error.Type)
}

func TestChatCompletionsUpstreamErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"session error", &bridge.UpstreamSessionError{Message: "invalid api key"}, http.StatusBadGateway},
		{"timeout", bridge.ErrResponseTimeout, http.StatusGatewayTimeout},
		{"session create", fmt.Errorf("%w: boom", bridge.ErrSessionCreate), http.StatusBadGateway},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, &fakeExecutor{err: tc.err})
			rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", testAPIKey, chatRequest("openai/gpt-4o-mini", false))
			require.Equal(t, tc.wantStatus, rec.Code)
			var body domain.OpenAIErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, "server_error", body.Error.Type)
		})
	}
}

func sseDataLines(t *testing.T, body string) []string {
	t.Helper()
	lines := make([]string, 0)
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	return lines
}

func TestChatCompletionsStreaming(t *testing.T) {
	executor := &fakeExecutor{
		chunks: []bridge.StreamChunk{
			{Kind: bridge.ChunkText, Text: "He"},
			{Kind: bridge.ChunkText, Text: "llo"},
			{Kind: bridge.ChunkDone},
		},
		result: bridge.Result{Text: "Hello"},
	}
	s := newTestServer(t, executor)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", testAPIKey, chatRequest("openai/gpt-4o-mini", true))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := sseDataLines(t, rec.Body.String())
	require.Len(t, frames, 5)
	require.Equal(t, "[DONE]", frames[4])

	var role domain.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &role))
	require.Equal(t, "assistant", role.Choices[0].Delta.Role)
	require.Nil(t, role.Choices[0].FinishReason)

	var first domain.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &first))
	require.Equal(t, "He", first.Choices[0].Delta.Content)
	var second domain.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(frames[2]), &second))
	require.Equal(t, "llo", second.Choices[0].Delta.Content)

	var last domain.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(frames[3]), &last))
	require.NotNil(t, last.Choices[0].FinishReason)
	require.Equal(t, "stop", *last.Choices[0].FinishReason)

	require.Equal(t, role.ID, last.ID)
}

func TestChatCompletionsStreamingErrorIsInBand(t *testing.T) {
	executor := &fakeExecutor{err: &bridge.UpstreamSessionError{Message: "provider exploded"}}
	s := newTestServer(t, executor)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", testAPIKey, chatRequest("openai/gpt-4o-mini", true))
	require.Equal(t, http.StatusOK, rec.Code)

	frames := sseDataLines(t, rec.Body.String())
	require.Len(t, frames, 3)
	require.Equal(t, "[DONE]", frames[2])

	var errBody domain.OpenAIErrorBody
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &errBody))
	require.Equal(t, "provider exploded", errBody.Error.Message)
	require.Equal(t, "server_error", errBody.Error.Type)
}

func TestModelsListsEnabledProviders(t *testing.T) {
	s := newTestServer(t, &fakeExecutor{})

	disabled := false
	require.NoError(t, s.store.Write(func(state *repo.State) error {
		tenant := state.Tenants["tnt-1"]
		cfg := tenant.Providers["anthropic"]
		cfg.Enabled = &disabled
		tenant.Providers["anthropic"] = cfg
		state.Tenants["tnt-1"] = tenant
		return nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list domain.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, "list", list.Object)
	require.NotEmpty(t, list.Data)
	for i, entry := range list.Data {
		require.True(t, strings.HasPrefix(entry.ID, "openai/"), "unexpected entry %s", entry.ID)
		require.Equal(t, "model", entry.Object)
		if i > 0 {
			require.Less(t, list.Data[i-1].ID, entry.ID)
		}
	}
}

func TestHealthzAndVersion(t *testing.T) {
	s := newTestServer(t, &fakeExecutor{})
	handler := s.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, Version, body["version"])
}

func TestStreamingRequestTouchesPoolDeadline(t *testing.T) {
	executor := &fakeExecutor{result: bridge.Result{Text: "ok"}}
	s := newTestServer(t, executor)

	start := time.Now()
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", testAPIKey, chatRequest("openai/gpt-4o-mini", false))
	require.Equal(t, http.StatusOK, rec.Code)

	snapshot := s.pool.Snapshot()
	require.Len(t, snapshot, 1)
	require.False(t, snapshot[0].Deadline.Before(start))
}
