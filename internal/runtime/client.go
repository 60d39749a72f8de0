package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentgate/internal/domain"
)

// Client talks to one runtime instance over its loopback HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type sessionCreated struct {
	ID string `json:"id"`
}

func (c *Client) CreateSession(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/session", map[string]interface{}{})
	if err != nil {
		return "", err
	}
	var created sessionCreated
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("runtime: decode session: %w", err)
	}
	if strings.TrimSpace(created.ID) == "" {
		return "", fmt.Errorf("runtime: session create returned empty id")
	}
	return created.ID, nil
}

// SendPrompt dispatches the prompt asynchronously; the reply arrives on the
// event stream, not in this response.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, sel domain.ModelSelection) error {
	payload := map[string]interface{}{
		"parts": []map[string]interface{}{
			{"type": "text", "text": prompt},
		},
		"model": map[string]interface{}{
			"providerID": sel.ProviderID,
			"modelID":    sel.ModelID,
		},
	}
	if strings.TrimSpace(sel.AgentID) != "" {
		payload["agent"] = sel.AgentID
	}
	_, err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt", payload)
	return err
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil)
	return err
}

// SetCredential pushes one provider key scoped to a workspace directory.
func (c *Client) SetCredential(ctx context.Context, providerID, directory, key string) error {
	path := "/auth/" + url.PathEscape(providerID) + "?directory=" + url.QueryEscape(directory)
	_, err := c.do(ctx, http.MethodPut, path, map[string]interface{}{
		"type": "api",
		"key":  key,
	})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("runtime: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("runtime: build %s %s: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("runtime: read %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("runtime: %s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
