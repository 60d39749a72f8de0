package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	EventPartUpdated  = "message.part.updated"
	EventSessionIdle  = "session.idle"
	EventSessionError = "session.error"
)

// Event is one frame from the instance's server-push stream.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// PartUpdate is the decoded payload of a message.part.updated event.
type PartUpdate struct {
	SessionID string
	PartType  string
	Text      string
	ToolName  string
	Status    string
	Input     map[string]interface{}
	Output    string
}

type partUpdatedProps struct {
	Part struct {
		SessionID string `json:"sessionID"`
		Type      string `json:"type"`
		Text      string `json:"text"`
		Tool      string `json:"tool"`
		State     struct {
			Status string                 `json:"status"`
			Input  map[string]interface{} `json:"input"`
			Output string                 `json:"output"`
		} `json:"state"`
	} `json:"part"`
}

func (e Event) AsPartUpdate() (PartUpdate, bool) {
	if e.Type != EventPartUpdated || len(e.Properties) == 0 {
		return PartUpdate{}, false
	}
	var props partUpdatedProps
	if err := json.Unmarshal(e.Properties, &props); err != nil {
		return PartUpdate{}, false
	}
	return PartUpdate{
		SessionID: props.Part.SessionID,
		PartType:  props.Part.Type,
		Text:      props.Part.Text,
		ToolName:  props.Part.Tool,
		Status:    props.Part.State.Status,
		Input:     props.Part.State.Input,
		Output:    props.Part.State.Output,
	}, true
}

type sessionScopedProps struct {
	SessionID string          `json:"sessionID"`
	Error     json.RawMessage `json:"error"`
}

func (e Event) SessionID() string {
	if len(e.Properties) == 0 {
		return ""
	}
	var props sessionScopedProps
	if err := json.Unmarshal(e.Properties, &props); err != nil {
		return ""
	}
	return props.SessionID
}

// ErrorMessage extracts a human-readable message from a session.error event.
// Runtime errors sometimes arrive doubly JSON-nested: error.data.message can
// itself be a serialized object carrying the real message.
func (e Event) ErrorMessage() string {
	if e.Type != EventSessionError || len(e.Properties) == 0 {
		return ""
	}
	var props sessionScopedProps
	if err := json.Unmarshal(e.Properties, &props); err != nil {
		return ""
	}
	if len(props.Error) == 0 {
		return ""
	}

	var wrapped struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(props.Error, &wrapped); err != nil {
		return strings.TrimSpace(string(props.Error))
	}
	message := wrapped.Data.Message
	if message == "" {
		message = wrapped.Message
	}
	if message == "" {
		message = wrapped.Name
	}

	var inner struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(message), &inner); err == nil && strings.TrimSpace(inner.Message) != "" {
		return strings.TrimSpace(inner.Message)
	}
	return strings.TrimSpace(message)
}

// Subscription is one open read on the instance event stream.
type Subscription struct {
	events <-chan Event
	cancel context.CancelFunc
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe opens the server-push event stream. The returned channel closes
// when the stream ends or the subscription is closed.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("runtime: build event request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout here: the stream stays open for the life of the
	// request; the caller bounds it through ctx.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("runtime: open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("runtime: event stream returned status %d", resp.StatusCode)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		_ = consumeSSEData(resp.Body, func(data string) error {
			var evt Event
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				return nil // ignore malformed frames
			}
			select {
			case events <- evt:
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
			return nil
		})
	}()

	return &Subscription{events: events, cancel: cancel}, nil
}

func consumeSSEData(reader io.Reader, onData func(string) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	dataLines := make([]string, 0, 4)
	flushBlock := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		return onData(payload)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if err := flushBlock(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flushBlock()
}
