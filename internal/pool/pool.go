package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentgate/internal/domain"
	"agentgate/internal/workspace"
)

// Instance is one live runtime server. It is owned exclusively by the pool;
// callers hold a reference, never ownership.
type Instance struct {
	Key           string
	TenantID      string
	Port          int
	BaseURL       string
	WorkspacePath string

	handle Handle
}

type AcquireRequest struct {
	RequestModel string
	SessionID    string
}

type InstanceInfo struct {
	Key           string    `json:"key"`
	TenantID      string    `json:"tenant_id"`
	Port          int       `json:"port"`
	WorkspacePath string    `json:"workspace_path"`
	LastUsed      time.Time `json:"last_used"`
	Deadline      time.Time `json:"deadline"`
}

type Event struct {
	Type     string    `json:"type"`
	Key      string    `json:"key"`
	TenantID string    `json:"tenant_id"`
	Port     int       `json:"port"`
	At       time.Time `json:"at"`
}

const (
	EventInstanceStarted = "instance_started"
	EventInstanceEvicted = "instance_evicted"
)

type entry struct {
	inst     *Instance
	cleanup  func() error
	lastUsed time.Time
	deadline time.Time

	// starting is closed once creation settles, success or failure.
	starting chan struct{}
	startErr error
}

type Options struct {
	Builder       *workspace.Builder
	Starter       InstanceStarter
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	PortAttempts  int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Pool owns at most one live runtime instance per pool key. Idle instances
// are reaped by a periodic sweep over a deadline map rather than per-key OS
// timers, so eviction is deterministic under an injected clock.
type Pool struct {
	builder       *workspace.Builder
	starter       InstanceStarter
	idleTimeout   time.Duration
	sweepInterval time.Duration
	portAttempts  int
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	cron *cron.Cron
}

func New(opts Options) *Pool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.PortAttempts <= 0 {
		opts.PortAttempts = 50
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		builder:       opts.Builder,
		starter:       opts.Starter,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		portAttempts:  opts.PortAttempts,
		logger:        opts.Logger,
		now:           opts.Now,
		entries:       map[string]*entry{},
		subs:          map[int]chan Event{},
	}
}

// Fingerprint hashes the tool set order-independently. Tools are fixed for
// the lifetime of an instance, so a changed tool set yields a new pool key.
func Fingerprint(tools []domain.ToolSpec) string {
	sorted := append([]domain.ToolSpec(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	h := sha256.New()
	for _, tool := range sorted {
		h.Write([]byte(tool.Name))
		h.Write([]byte{0})
		h.Write([]byte(tool.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func Key(tenantID string, tools []domain.ToolSpec) string {
	return tenantID + "-" + Fingerprint(tools)
}

// Start arms the periodic idle sweep.
func (p *Pool) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.sweepInterval), p.SweepOnce); err != nil {
		return err
	}
	c.Start()
	p.cron = c
	return nil
}

// Close stops the sweep and drains every instance. Called once at shutdown.
func (p *Pool) Close() {
	if p.cron != nil {
		ctx := p.cron.Stop()
		<-ctx.Done()
	}
	p.EvictAll()
}

// Acquire returns the live instance for the tenant's pool key, creating it on
// miss. Hits only re-sync the agent subtree; tools are part of the key.
// Concurrent first-time acquires for one new key are serialized: followers
// wait on the leader's creation and then take the registered instance.
func (p *Pool) Acquire(ctx context.Context, tenant domain.Tenant, req AcquireRequest) (*Instance, error) {
	key := Key(tenant.ID, tenant.Tools)

	for {
		p.mu.Lock()
		e, ok := p.entries[key]
		if ok && e.inst != nil {
			p.touchLocked(e)
			inst := e.inst
			p.mu.Unlock()
			if err := p.builder.SyncAgents(inst.WorkspacePath, tenant.Agents); err != nil {
				return nil, err
			}
			return inst, nil
		}
		if ok {
			starting := e.starting
			p.mu.Unlock()
			select {
			case <-starting:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.startErr != nil {
				return nil, e.startErr
			}
			continue
		}

		e = &entry{starting: make(chan struct{})}
		p.entries[key] = e
		p.mu.Unlock()

		inst, cleanup, err := p.create(ctx, key, tenant, req)
		p.mu.Lock()
		if err != nil {
			e.startErr = err
			delete(p.entries, key)
			close(e.starting)
			p.mu.Unlock()
			return nil, err
		}
		e.inst = inst
		e.cleanup = cleanup
		p.touchLocked(e)
		close(e.starting)
		p.mu.Unlock()

		p.logger.Info("pool: instance started", "key", key, "tenant", tenant.ID, "port", inst.Port)
		p.emit(Event{Type: EventInstanceStarted, Key: key, TenantID: tenant.ID, Port: inst.Port, At: p.now()})
		return inst, nil
	}
}

func (p *Pool) create(ctx context.Context, key string, tenant domain.Tenant, req AcquireRequest) (*Instance, func() error, error) {
	ws, err := p.builder.Generate(key, workspace.Config{
		TenantID:     tenant.ID,
		SessionID:    req.SessionID,
		Providers:    tenant.Providers,
		DefaultModel: tenant.DefaultModel,
		RequestModel: req.RequestModel,
		Tools:        tenant.Tools,
		Agents:       tenant.Agents,
		Secrets:      tenant.Secrets,
	})
	if err != nil {
		return nil, nil, err
	}

	port, err := findAvailablePort(p.portAttempts)
	if err != nil {
		_ = ws.Cleanup()
		return nil, nil, err
	}

	handle, err := p.starter.Start(ctx, ws.Path, port)
	if err != nil {
		_ = ws.Cleanup()
		return nil, nil, err
	}

	inst := &Instance{
		Key:           key,
		TenantID:      tenant.ID,
		Port:          port,
		BaseURL:       handle.BaseURL(),
		WorkspacePath: ws.Path,
		handle:        handle,
	}
	return inst, ws.Cleanup, nil
}

// Touch postpones the idle deadline for a key by a full idle timeout.
func (p *Pool) Touch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && e.inst != nil {
		p.touchLocked(e)
	}
}

func (p *Pool) touchLocked(e *entry) {
	now := p.now()
	e.lastUsed = now
	e.deadline = now.Add(p.idleTimeout)
}

// Evict stops and deregisters one key. Idempotent; workspace removal is
// best-effort.
func (p *Pool) Evict(key string) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.inst == nil {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	inst := e.inst
	cleanup := e.cleanup
	p.mu.Unlock()

	if err := inst.handle.Stop(); err != nil {
		p.logger.Warn("pool: stop instance failed", "key", key, "error", err)
	}
	if cleanup != nil {
		if err := cleanup(); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("pool: workspace cleanup failed", "key", key, "error", err)
		}
	}
	p.logger.Info("pool: instance evicted", "key", key, "tenant", inst.TenantID, "port", inst.Port)
	p.emit(Event{Type: EventInstanceEvicted, Key: key, TenantID: inst.TenantID, Port: inst.Port, At: p.now()})
}

// EvictTenant evicts every key belonging to one tenant.
func (p *Pool) EvictTenant(tenantID string) {
	for _, key := range p.keysForTenant(tenantID) {
		p.Evict(key)
	}
}

func (p *Pool) EvictAll() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	p.mu.Unlock()
	for _, key := range keys {
		p.Evict(key)
	}
}

// SweepOnce evicts every key whose idle deadline has passed.
func (p *Pool) SweepOnce() {
	now := p.now()
	p.mu.Lock()
	expired := make([]string, 0)
	for key, e := range p.entries {
		if e.inst != nil && e.deadline.Before(now) {
			expired = append(expired, key)
		}
	}
	p.mu.Unlock()
	for _, key := range expired {
		p.Evict(key)
	}
}

func (p *Pool) Snapshot() []InstanceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]InstanceInfo, 0, len(p.entries))
	for key, e := range p.entries {
		if e.inst == nil {
			continue
		}
		out = append(out, InstanceInfo{
			Key:           key,
			TenantID:      e.inst.TenantID,
			Port:          e.inst.Port,
			WorkspacePath: e.inst.WorkspacePath,
			LastUsed:      e.lastUsed,
			Deadline:      e.deadline,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SubscribeEvents registers a lifecycle event feed. Slow consumers drop
// events instead of blocking the pool.
func (p *Pool) SubscribeEvents() (<-chan Event, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan Event, 32)
	p.subs[id] = ch
	cancel := func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if existing, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (p *Pool) emit(evt Event) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (p *Pool) keysForTenant(tenantID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0)
	for key, e := range p.entries {
		if e.inst != nil && e.inst.TenantID == tenantID {
			out = append(out, key)
		}
	}
	return out
}
