package repo

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentgate/internal/domain"
)

type State struct {
	Tenants map[string]domain.Tenant `json:"tenants"`
}

// Store persists the tenant registry as one JSON document under the data dir.
type Store struct {
	mu        sync.RWMutex
	state     State
	stateFile string
	dataDir   string
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		stateFile: filepath.Join(dataDir, "state.json"),
		dataDir:   dataDir,
		state:     defaultState(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func defaultState() State {
	return State{Tenants: map[string]domain.Tenant{}}
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.stateFile)
	if errors.Is(err, os.ErrNotExist) {
		return s.saveLocked()
	}
	if err != nil {
		return err
	}
	var state State
	if err := json.Unmarshal(b, &state); err != nil {
		return err
	}
	if state.Tenants == nil {
		state.Tenants = map[string]domain.Tenant{}
	}
	for id, tenant := range state.Tenants {
		NormalizeTenant(&tenant)
		state.Tenants[id] = tenant
	}
	s.state = state
	return nil
}

func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.stateFile, b, 0o644)
}

func (s *Store) DataDir() string {
	return s.dataDir
}

func (s *Store) Read(fn func(state *State)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.state)
}

func (s *Store) Write(fn func(state *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&s.state); err != nil {
		return err
	}
	return s.saveLocked()
}

// FindTenantByAPIKey resolves the tenant owning a bearer key.
func (s *Store) FindTenantByAPIKey(key string) (domain.Tenant, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Tenant{}, false
	}
	var out domain.Tenant
	found := false
	s.Read(func(st *State) {
		for _, tenant := range st.Tenants {
			if tenant.APIKey == key {
				out = tenant
				found = true
				return
			}
		}
	})
	return out, found
}

func (s *Store) GetTenant(id string) (domain.Tenant, bool) {
	var out domain.Tenant
	found := false
	s.Read(func(st *State) {
		out, found = st.Tenants[id]
	})
	return out, found
}

// NormalizeTenant fills map/slice defaults and canonicalizes provider ids so
// every tenant read from disk or the admin API has the same shape.
func NormalizeTenant(t *domain.Tenant) {
	if t == nil {
		return
	}
	t.ID = strings.TrimSpace(t.ID)
	t.DefaultProvider = strings.ToLower(strings.TrimSpace(t.DefaultProvider))
	if t.Providers == nil {
		t.Providers = map[string]domain.ProviderConfig{}
	}
	normalized := map[string]domain.ProviderConfig{}
	for id, cfg := range t.Providers {
		key := strings.ToLower(strings.TrimSpace(id))
		if key == "" {
			continue
		}
		if cfg.Enabled == nil {
			enabled := true
			cfg.Enabled = &enabled
		}
		normalized[key] = cfg
	}
	t.Providers = normalized
	if t.Tools == nil {
		t.Tools = []domain.ToolSpec{}
	}
	if t.Agents == nil {
		t.Agents = []domain.AgentSpec{}
	}
	if t.Secrets == nil {
		t.Secrets = map[string]string{}
	}
}
