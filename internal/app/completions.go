package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentgate/internal/bridge"
	"agentgate/internal/domain"
	"agentgate/internal/pool"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantFromRequest(r)
	if !ok {
		writeOpenAIError(w, http.StatusUnauthorized, "invalid or missing api key", "invalid_request_error")
		return
	}

	var req domain.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "messages is required", "invalid_request_error")
		return
	}

	sel, err := parseModel(req.Model, tenant.DefaultProvider)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	inst, err := s.pool.Acquire(r.Context(), tenant, pool.AcquireRequest{
		RequestModel: sel.ProviderID + "/" + sel.ModelID,
	})
	if err != nil {
		status, message, errType := mapUpstreamError(err)
		writeOpenAIError(w, status, message, errType)
		return
	}

	messages := toBridgeMessages(req.Messages)
	creds := providerCredentials(tenant)

	if !req.Stream {
		result, err := s.executor.Run(r.Context(), inst, messages, sel, creds)
		if err != nil {
			status, message, errType := mapUpstreamError(err)
			writeOpenAIError(w, status, message, errType)
			return
		}
		writeJSON(w, http.StatusOK, buildCompletion(newCompletionID(), time.Now().Unix(), req.Model, result))
		return
	}

	s.streamCompletion(w, r, inst, req.Model, messages, sel, creds)
}

// streamCompletion renders the chunk sequence: one role-only chunk, one
// content-delta chunk per text fragment in arrival order, a terminal
// empty-delta chunk, then the literal [DONE] line. Tool-call fragments are
// drained but not re-emitted; the non-streaming path carries full tool-call
// output.
func (s *Server) streamCompletion(
	w http.ResponseWriter,
	r *http.Request,
	inst *pool.Instance,
	model string,
	messages []bridge.Message,
	sel domain.ModelSelection,
	creds map[string]string,
) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "streaming not supported", "server_error")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	completionID := newCompletionID()
	created := time.Now().Unix()
	emit := func(chunk domain.ChatCompletionChunk) {
		payload, _ := json.Marshal(chunk)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	emit(domain.ChatCompletionChunk{
		ID: completionID, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []domain.ChunkChoice{{Index: 0, Delta: domain.ChunkDelta{Role: "assistant"}}},
	})

	_, err := s.executor.RunStream(r.Context(), inst, messages, sel, creds, func(chunk bridge.StreamChunk) {
		if chunk.Kind != bridge.ChunkText {
			return
		}
		emit(domain.ChatCompletionChunk{
			ID: completionID, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []domain.ChunkChoice{{Index: 0, Delta: domain.ChunkDelta{Content: chunk.Text}}},
		})
	})
	if err != nil {
		// The status line is committed: degrade to an in-band error event.
		status, message, errType := mapUpstreamError(err)
		payload, _ := json.Marshal(domain.OpenAIErrorBody{
			Error: domain.OpenAIError{Message: message, Type: errType, Code: fmt.Sprintf("%d", status)},
		})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	stop := "stop"
	emit(domain.ChatCompletionChunk{
		ID: completionID, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []domain.ChunkChoice{{Index: 0, Delta: domain.ChunkDelta{}, FinishReason: &stop}},
	})
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// parseModel resolves the request model string. Grammar: provider/model,
// provider/model@agent, model, model@agent. The agent suffix splits at the
// rightmost @; the provider splits at the first /; a bare model falls back
// to the tenant's default provider.
func parseModel(raw, defaultProvider string) (domain.ModelSelection, error) {
	model := strings.TrimSpace(raw)
	if model == "" {
		return domain.ModelSelection{}, errors.New("model is required")
	}

	agentID := ""
	if idx := strings.LastIndex(model, "@"); idx >= 0 {
		agentID = strings.TrimSpace(model[idx+1:])
		model = strings.TrimSpace(model[:idx])
	}

	providerID := ""
	modelID := model
	if idx := strings.Index(model, "/"); idx >= 0 {
		providerID = model[:idx]
		modelID = model[idx+1:]
	} else {
		providerID = strings.TrimSpace(defaultProvider)
	}

	providerID = strings.ToLower(strings.TrimSpace(providerID))
	modelID = strings.TrimSpace(modelID)
	if providerID == "" {
		return domain.ModelSelection{}, fmt.Errorf("model %q has no provider and the tenant has no default provider", raw)
	}
	if modelID == "" {
		return domain.ModelSelection{}, fmt.Errorf("model %q has no model id", raw)
	}
	return domain.ModelSelection{ProviderID: providerID, ModelID: modelID, AgentID: agentID}, nil
}

func buildCompletion(id string, created int64, model string, result bridge.Result) domain.ChatCompletionResponse {
	choice := domain.ChatChoice{Index: 0}
	if len(result.ToolCalls) > 0 {
		toolCalls := make([]domain.ToolCall, 0, len(result.ToolCalls))
		for _, record := range result.ToolCalls {
			input := record.Input
			if input == nil {
				input = map[string]interface{}{}
			}
			arguments, err := json.Marshal(input)
			if err != nil {
				arguments = []byte("{}")
			}
			toolCalls = append(toolCalls, domain.ToolCall{
				ID:   newToolCallID(),
				Type: "function",
				Function: domain.FunctionCall{
					Name:      record.Name,
					Arguments: string(arguments),
				},
			})
		}
		choice.Message = domain.AssistantMessage{Role: "assistant", Content: nil, ToolCalls: toolCalls}
		choice.FinishReason = "tool_calls"
	} else {
		content := result.Text
		choice.Message = domain.AssistantMessage{Role: "assistant", Content: &content}
		choice.FinishReason = "stop"
	}

	return domain.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []domain.ChatChoice{choice},
		// Token accounting is not computed by this gateway.
		Usage: domain.Usage{},
	}
}

func toBridgeMessages(in []domain.ChatMessage) []bridge.Message {
	out := make([]bridge.Message, 0, len(in))
	for _, msg := range in {
		out = append(out, bridge.Message{
			Role:    msg.Role,
			Content: flattenContent(msg.Content),
		})
	}
	return out
}

// flattenContent accepts both the plain-string and the typed-parts content
// encodings.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var arr []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &arr); err == nil {
		parts := make([]string, 0, len(arr))
		for _, item := range arr {
			if item.Type != "text" || strings.TrimSpace(item.Text) == "" {
				continue
			}
			parts = append(parts, item.Text)
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func providerCredentials(tenant domain.Tenant) map[string]string {
	creds := map[string]string{}
	for providerID, cfg := range tenant.Providers {
		if strings.TrimSpace(cfg.APIKey) == "" {
			continue
		}
		creds[providerID] = cfg.APIKey
	}
	return creds
}

func mapUpstreamError(err error) (int, string, string) {
	var upstream *bridge.UpstreamSessionError
	switch {
	case errors.As(err, &upstream):
		return http.StatusBadGateway, upstream.Message, "server_error"
	case errors.Is(err, bridge.ErrResponseTimeout):
		return http.StatusGatewayTimeout, "response timed out", "server_error"
	case errors.Is(err, bridge.ErrSessionCreate):
		return http.StatusBadGateway, err.Error(), "server_error"
	case errors.Is(err, pool.ErrPortExhausted):
		return http.StatusInternalServerError, "failed to start runtime instance", "server_error"
	default:
		return http.StatusInternalServerError, err.Error(), "server_error"
	}
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
