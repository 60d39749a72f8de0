package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"agentgate/internal/domain"
	"agentgate/internal/pool"
	"agentgate/internal/runtime"
)

var (
	ErrSessionCreate   = errors.New("bridge: session create failed")
	ErrResponseTimeout = errors.New("bridge: response timed out")
)

// UpstreamSessionError carries a session.error reported by the runtime.
type UpstreamSessionError struct {
	Message string
}

func (e *UpstreamSessionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("bridge: upstream session error: %s", e.Message)
}

type Message struct {
	Role    string
	Content string
}

type ToolCallRecord struct {
	Name   string
	Input  map[string]interface{}
	Output string
}

type Result struct {
	Text      string
	ToolCalls []ToolCallRecord
}

const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
)

// StreamChunk is one element of the finite, non-restartable per-request
// stream.
type StreamChunk struct {
	Kind     string
	Text     string
	ToolCall *ToolCallRecord
}

type Evictor interface {
	Evict(key string)
}

// Bridge drives one request against an acquired instance: session open,
// credentials, prompt, event consumption, session teardown.
type Bridge struct {
	evictor         Evictor
	responseTimeout time.Duration
	logger          *slog.Logger
}

func New(evictor Evictor, responseTimeout time.Duration, logger *slog.Logger) *Bridge {
	if responseTimeout <= 0 {
		responseTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{evictor: evictor, responseTimeout: responseTimeout, logger: logger}
}

func (b *Bridge) Run(ctx context.Context, inst *pool.Instance, messages []Message, sel domain.ModelSelection, creds map[string]string) (Result, error) {
	return b.RunStream(ctx, inst, messages, sel, creds, nil)
}

// RunStream runs one session and forwards chunks in arrival order. Exactly
// one session is created and (best-effort) deleted per call, regardless of
// outcome; any other error evicts the owning pool entry so a corrupted
// session cannot poison later requests on the same key.
func (b *Bridge) RunStream(
	ctx context.Context,
	inst *pool.Instance,
	messages []Message,
	sel domain.ModelSelection,
	creds map[string]string,
	onChunk func(StreamChunk),
) (Result, error) {
	client := runtime.NewClient(inst.BaseURL)

	b.pushCredentials(ctx, client, inst.WorkspacePath, creds)

	sessionID, err := client.CreateSession(ctx)
	if err != nil {
		b.recycle(inst)
		return Result{}, fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}
	defer b.deleteSession(client, sessionID)

	// Subscribe before dispatching so early events are not lost.
	sub, err := client.Subscribe(ctx)
	if err != nil {
		b.recycle(inst)
		return Result{}, err
	}
	defer sub.Close()

	if err := client.SendPrompt(ctx, sessionID, flattenMessages(messages), sel); err != nil {
		b.recycle(inst)
		return Result{}, err
	}

	result, err := b.consume(ctx, sub, sessionID, onChunk)
	if err != nil {
		b.recycle(inst)
		return Result{}, err
	}
	return result, nil
}

// consume reads the event stream until the session settles. The response
// budget is a single context deadline, not loop-internal polling.
func (b *Bridge) consume(ctx context.Context, sub *runtime.Subscription, sessionID string, onChunk func(StreamChunk)) (Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.responseTimeout)
	defer cancel()

	var text strings.Builder
	toolCalls := make([]ToolCallRecord, 0, 4)
	emit := func(chunk StreamChunk) {
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, ErrResponseTimeout
		case evt, ok := <-sub.Events():
			if !ok {
				return Result{}, fmt.Errorf("bridge: event stream closed before session settled")
			}
			switch evt.Type {
			case runtime.EventPartUpdated:
				part, ok := evt.AsPartUpdate()
				if !ok || part.SessionID != sessionID {
					continue
				}
				switch part.PartType {
				case "text":
					if part.Text != "" {
						text.WriteString(part.Text)
						emit(StreamChunk{Kind: ChunkText, Text: part.Text})
					}
				case "tool":
					if part.Status != "completed" {
						continue
					}
					record := ToolCallRecord{Name: part.ToolName, Input: part.Input, Output: part.Output}
					toolCalls = append(toolCalls, record)
					emit(StreamChunk{Kind: ChunkToolCall, ToolCall: &record})
				}
			case runtime.EventSessionIdle:
				if evt.SessionID() != sessionID {
					continue
				}
				emit(StreamChunk{Kind: ChunkDone})
				return Result{Text: text.String(), ToolCalls: toolCalls}, nil
			case runtime.EventSessionError:
				if sid := evt.SessionID(); sid != "" && sid != sessionID {
					continue
				}
				message := evt.ErrorMessage()
				if message == "" {
					message = "unknown session error"
				}
				return Result{}, &UpstreamSessionError{Message: message}
			}
		}
	}
}

// pushCredentials is best-effort setup: a failed credential write must not
// fail the request.
func (b *Bridge) pushCredentials(ctx context.Context, client *runtime.Client, directory string, creds map[string]string) {
	if len(creds) == 0 {
		return
	}
	providerIDs := make([]string, 0, len(creds))
	for providerID := range creds {
		providerIDs = append(providerIDs, providerID)
	}
	sort.Strings(providerIDs)
	for _, providerID := range providerIDs {
		key := strings.TrimSpace(creds[providerID])
		if key == "" {
			continue
		}
		if err := client.SetCredential(ctx, providerID, directory, key); err != nil {
			b.logger.Warn("bridge: set credential failed", "provider", providerID, "error", err)
		}
	}
}

// deleteSession is best-effort teardown with its own deadline: the request
// context may already be expired when it runs.
func (b *Bridge) deleteSession(client *runtime.Client, sessionID string) {
	deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.DeleteSession(deleteCtx, sessionID); err != nil {
		b.logger.Warn("bridge: delete session failed", "session", sessionID, "error", err)
	}
}

func (b *Bridge) recycle(inst *pool.Instance) {
	if b.evictor == nil {
		return
	}
	b.logger.Warn("bridge: recycling instance after error", "key", inst.Key)
	b.evictor.Evict(inst.Key)
}

// flattenMessages renders the ordered conversation as one prompt: a
// capitalized role label per message, a blank line between turns.
func flattenMessages(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		label := strings.ToUpper(role[:1]) + strings.ToLower(role[1:])
		lines = append(lines, label+": "+msg.Content)
	}
	return strings.Join(lines, "\n\n")
}
