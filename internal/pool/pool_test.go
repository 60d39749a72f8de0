package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentgate/internal/domain"
	"agentgate/internal/workspace"
)

type fakeHandle struct {
	mu      sync.Mutex
	baseURL string
	stopped bool
}

func (h *fakeHandle) BaseURL() string { return h.baseURL }

func (h *fakeHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

func (h *fakeHandle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeStarter struct {
	mu      sync.Mutex
	starts  int
	handles []*fakeHandle
	delay   time.Duration
	err     error
}

func (s *fakeStarter) Start(ctx context.Context, workdir string, port int) (Handle, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.starts++
	h := &fakeHandle{baseURL: fmt.Sprintf("http://127.0.0.1:%d", port)}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeStarter) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, starter InstanceStarter, clock *testClock) *Pool {
	t.Helper()
	opts := Options{
		Builder:     workspace.NewBuilder(t.TempDir()),
		Starter:     starter,
		IdleTimeout: 5 * time.Minute,
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	p := New(opts)
	t.Cleanup(p.EvictAll)
	return p
}

func testTenant(id string) domain.Tenant {
	return domain.Tenant{
		ID: id,
		Tools: []domain.ToolSpec{
			{Name: "weather", Content: "export const run = () => 'sunny'"},
		},
		Agents: []domain.AgentSpec{
			{Name: "helper", Content: "# helper"},
		},
	}
}

func TestKeyIsOrderIndependent(t *testing.T) {
	a := []domain.ToolSpec{{Name: "a", Content: "1"}, {Name: "b", Content: "2"}}
	b := []domain.ToolSpec{{Name: "b", Content: "2"}, {Name: "a", Content: "1"}}
	require.Equal(t, Key("tnt", a), Key("tnt", b))
}

func TestKeyChangesWithToolContent(t *testing.T) {
	a := []domain.ToolSpec{{Name: "a", Content: "1"}}
	b := []domain.ToolSpec{{Name: "a", Content: "2"}}
	require.NotEqual(t, Key("tnt", a), Key("tnt", b))
}

func TestAcquireReusesLiveInstance(t *testing.T) {
	starter := &fakeStarter{}
	p := newTestPool(t, starter, nil)
	tenant := testTenant("tnt-1")

	first, err := p.Acquire(context.Background(), tenant, AcquireRequest{})
	require.NoError(t, err)
	second, err := p.Acquire(context.Background(), tenant, AcquireRequest{})
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, starter.Starts())
}

func TestAcquireSerializesConcurrentCreation(t *testing.T) {
	starter := &fakeStarter{delay: 50 * time.Millisecond}
	p := newTestPool(t, starter, nil)
	tenant := testTenant("tnt-1")

	const workers = 8
	results := make(chan *Instance, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := p.Acquire(context.Background(), tenant, AcquireRequest{})
			results <- inst
			errs <- err
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	var first *Instance
	for inst := range results {
		if first == nil {
			first = inst
			continue
		}
		require.Same(t, first, inst)
	}
	require.Equal(t, 1, starter.Starts())
}

func TestEvictStopsInstanceAndAllowsRestart(t *testing.T) {
	starter := &fakeStarter{}
	p := newTestPool(t, starter, nil)
	tenant := testTenant("tnt-1")

	inst, err := p.Acquire(context.Background(), tenant, AcquireRequest{})
	require.NoError(t, err)

	p.Evict(inst.Key)
	require.True(t, starter.handles[0].Stopped())
	require.Empty(t, p.Snapshot())

	// Idempotent on a gone key.
	p.Evict(inst.Key)

	_, err = p.Acquire(context.Background(), tenant, AcquireRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, starter.Starts())
}

func TestSweepOnceEvictsExpiredOnly(t *testing.T) {
	starter := &fakeStarter{}
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, starter, clock)

	older := testTenant("tnt-old")
	newer := testTenant("tnt-new")

	_, err := p.Acquire(context.Background(), older, AcquireRequest{})
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	fresh, err := p.Acquire(context.Background(), newer, AcquireRequest{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	p.SweepOnce()

	snapshot := p.Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, fresh.Key, snapshot[0].Key)
}

func TestTouchPostponesEviction(t *testing.T) {
	starter := &fakeStarter{}
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, starter, clock)
	tenant := testTenant("tnt-1")

	inst, err := p.Acquire(context.Background(), tenant, AcquireRequest{})
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	p.Touch(inst.Key)
	clock.Advance(4 * time.Minute)
	p.SweepOnce()

	require.Len(t, p.Snapshot(), 1)
}

func TestEvictTenantOnlyTouchesOwnKeys(t *testing.T) {
	starter := &fakeStarter{}
	p := newTestPool(t, starter, nil)

	_, err := p.Acquire(context.Background(), testTenant("tnt-a"), AcquireRequest{})
	require.NoError(t, err)
	kept, err := p.Acquire(context.Background(), testTenant("tnt-b"), AcquireRequest{})
	require.NoError(t, err)

	p.EvictTenant("tnt-a")

	snapshot := p.Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, kept.Key, snapshot[0].Key)
}

func TestSubscribeEventsSeesLifecycle(t *testing.T) {
	starter := &fakeStarter{}
	p := newTestPool(t, starter, nil)
	tenant := testTenant("tnt-1")

	events, cancel := p.SubscribeEvents()
	defer cancel()

	inst, err := p.Acquire(context.Background(), tenant, AcquireRequest{})
	require.NoError(t, err)
	p.Evict(inst.Key)

	started := <-events
	require.Equal(t, EventInstanceStarted, started.Type)
	require.Equal(t, inst.Key, started.Key)

	evicted := <-events
	require.Equal(t, EventInstanceEvicted, evicted.Type)
	require.Equal(t, inst.Key, evicted.Key)
}
