package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"agentgate/internal/domain"
)

const (
	runtimeConfigFile = "opencode.json"
	toolSubdir        = ".opencode/tool"
	agentSubdir       = ".opencode/agent"
	envFile           = ".env"
)

// Config describes everything the builder materializes for one instance.
type Config struct {
	TenantID     string
	SessionID    string
	Providers    map[string]domain.ProviderConfig
	DefaultModel string
	RequestModel string
	Tools        []domain.ToolSpec
	Agents       []domain.AgentSpec
	Secrets      map[string]string
}

type Workspace struct {
	Path    string
	Cleanup func() error
}

// Builder writes per-instance workspace trees under a fixed root.
type Builder struct {
	root string
}

func NewBuilder(root string) *Builder {
	return &Builder{root: root}
}

func (b *Builder) Root() string {
	return b.root
}

// Generate materializes the workspace for one pool key: one file per tool,
// one per agent, the runtime config, and a secrets env file. I/O errors
// propagate as-is; the caller must not assume the directory exists after a
// failed call.
func (b *Builder) Generate(key string, cfg Config) (Workspace, error) {
	dir := filepath.Join(b.root, key)
	if err := os.MkdirAll(filepath.Join(dir, toolSubdir), 0o755); err != nil {
		return Workspace{}, err
	}
	if err := os.MkdirAll(filepath.Join(dir, agentSubdir), 0o755); err != nil {
		return Workspace{}, err
	}

	for _, tool := range cfg.Tools {
		name, err := safeFileName(tool.Name)
		if err != nil {
			return Workspace{}, err
		}
		path := filepath.Join(dir, toolSubdir, name+".ts")
		if err := os.WriteFile(path, []byte(tool.Content), 0o644); err != nil {
			return Workspace{}, err
		}
	}
	if err := writeAgentFiles(dir, cfg.Agents); err != nil {
		return Workspace{}, err
	}
	if err := writeRuntimeConfig(dir, cfg); err != nil {
		return Workspace{}, err
	}
	if err := writeSecretsFile(dir, cfg.Secrets); err != nil {
		return Workspace{}, err
	}

	sessionID := strings.TrimSpace(cfg.SessionID)
	cleanup := func() error {
		if sessionID != "" {
			// Durable session: the tree outlives the instance.
			return nil
		}
		return os.RemoveAll(dir)
	}
	return Workspace{Path: dir, Cleanup: cleanup}, nil
}

// SyncAgents rewrites only the agent subtree of a live instance's workspace.
// Tools are fixed at creation (they are part of the pool key), agents may
// change between requests.
func (b *Builder) SyncAgents(path string, agents []domain.AgentSpec) error {
	dir := filepath.Join(path, agentSubdir)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeAgentFiles(path, agents)
}

func writeAgentFiles(dir string, agents []domain.AgentSpec) error {
	for _, agent := range agents {
		name, err := safeFileName(agent.Name)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, agentSubdir, name+".md")
		if err := os.WriteFile(path, []byte(agent.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writeRuntimeConfig(dir string, cfg Config) error {
	model := strings.TrimSpace(cfg.RequestModel)
	if model == "" {
		model = strings.TrimSpace(cfg.DefaultModel)
	}

	providers := map[string]interface{}{}
	for id, pc := range cfg.Providers {
		key := strings.ToLower(strings.TrimSpace(id))
		if key == "" {
			continue
		}
		options := map[string]interface{}{}
		if strings.TrimSpace(pc.APIKey) != "" {
			options["apiKey"] = pc.APIKey
		}
		if strings.TrimSpace(pc.BaseURL) != "" {
			options["baseURL"] = pc.BaseURL
		}
		providers[key] = map[string]interface{}{"options": options}
	}

	payload := map[string]interface{}{
		"$schema":  "https://opencode.ai/config.json",
		"provider": providers,
	}
	if model != "" {
		payload["model"] = model
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, runtimeConfigFile), b, 0o644)
}

func writeSecretsFile(dir string, secrets map[string]string) error {
	if len(secrets) == 0 {
		return nil
	}
	keys := make([]string, 0, len(secrets))
	for key := range secrets {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(secrets[key])
		sb.WriteString("\n")
	}
	return os.WriteFile(filepath.Join(dir, envFile), []byte(sb.String()), 0o600)
}

func safeFileName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("workspace: file name cannot be empty")
	}
	if strings.ContainsAny(trimmed, "/\\") || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("workspace: invalid file name %q", name)
	}
	return trimmed, nil
}
