package requesthandler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/ports"
)

// --- fakes -----------------------------------------------------------

type fakeKeyManager struct {
	mu        sync.Mutex
	excluded  map[int]bool
	releases  []ports.ReleaseOutcome
	acquireN  int
}

func newFakeKeyManager(n int) *fakeKeyManager {
	return &fakeKeyManager{excluded: make(map[int]bool)}
}

func (f *fakeKeyManager) Acquire(ctx context.Context, opts ports.AcquireOptions) (int, domain.SelectionReason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireN++
	for i := 0; i < 4; i++ {
		if _, tried := opts.AttemptedKeys[i]; tried {
			continue
		}
		if f.excluded[i] {
			continue
		}
		return i, domain.SelectionWeighted, nil
	}
	return -1, domain.SelectionForced, domain.ErrNoHealthyKey
}

func (f *fakeKeyManager) Release(keyIndex int, outcome ports.ReleaseOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, outcome)
	if outcome.ErrorKind == domain.ErrorKindAuthError {
		f.excluded[keyIndex] = true
	}
}

func (f *fakeKeyManager) Snapshot() []ports.KeySnapshot { return nil }
func (f *fakeKeyManager) Reload(tenant string, secrets []string) error { return nil }
func (f *fakeKeyManager) KeyID(keyIndex int) string { return "key-" + string(rune('a'+keyIndex)) }

type fakePoolManager struct {
	mu       sync.Mutex
	hits     map[string]int64
}

func newFakePoolManager() *fakePoolManager { return &fakePoolManager{hits: make(map[string]int64)} }

func (f *fakePoolManager) SetCooldown(modelID string, attempt int)                     {}
func (f *fakePoolManager) RecordRateLimitHit(modelID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[modelID]++
	return f.hits[modelID]
}
func (f *fakePoolManager) RecordRateLimitHeaders(modelID string, headers http.Header, cfg ports.RateLimitHeaderConfig) {
}
func (f *fakePoolManager) CooldownRemainingMs(modelID string) int64 { return 0 }
func (f *fakePoolManager) PacingDelayMs(modelID string) int64       { return 0 }
func (f *fakePoolManager) IsAvailable(modelID string) bool          { return true }
func (f *fakePoolManager) InFlight(modelID string) int64            { return 0 }
func (f *fakePoolManager) IncInFlight(modelID string)                {}
func (f *fakePoolManager) DecInFlight(modelID string)                {}

type fakeConcurrency struct{ mode ports.ConcurrencyMode }

func (f *fakeConcurrency) Limit(modelID string) int64       { return 64 }
func (f *fakeConcurrency) Mode() ports.ConcurrencyMode      { return f.mode }
func (f *fakeConcurrency) OnRateLimited(modelID string)     {}
func (f *fakeConcurrency) Tick()                            {}

type fakeRouter struct{ model string }

func (f *fakeRouter) SelectModel(ctx context.Context, req ports.RouteRequest) (*domain.RoutingDecision, error) {
	return &domain.RoutingDecision{Model: f.model, Tier: domain.TierMedium, Source: domain.RoutingSourceRule}, nil
}
func (f *fakeRouter) SetConfig(cfg *domain.RoutingConfig) {}
func (f *fakeRouter) Config() *domain.RoutingConfig       { return nil }

type fakeTraceStore struct {
	mu       sync.Mutex
	finished []*domain.Trace
}

func (f *fakeTraceStore) Start(traceID, originalModel string) *domain.Trace {
	return domain.NewTrace(traceID, originalModel)
}
func (f *fakeTraceStore) Finish(t *domain.Trace, success bool) {
	t.Finish(success)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, t)
}
func (f *fakeTraceStore) Get(traceID string) (*domain.Trace, bool) { return nil, false }
func (f *fakeTraceStore) Query(filter domain.TraceFilter) []*domain.Trace { return nil }
func (f *fakeTraceStore) Len() int { return 0 }

type fakeReplayQueue struct {
	mu       sync.Mutex
	enqueued []*domain.ReplayEntry
}

func (f *fakeReplayQueue) Enqueue(entry *domain.ReplayEntry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, entry)
	return false
}
func (f *fakeReplayQueue) Dequeue() *domain.ReplayEntry { return nil }
func (f *fakeReplayQueue) Replay(traceID string, executor ports.ReplayExecutor, opts ports.ReplayOptions) error {
	return nil
}
func (f *fakeReplayQueue) Get(traceID string) (*domain.ReplayEntry, bool) { return nil, false }
func (f *fakeReplayQueue) List() []*domain.ReplayEntry                   { return nil }
func (f *fakeReplayQueue) Size() int                                     { return 0 }
func (f *fakeReplayQueue) Cleanup(retentionSeconds int64) int            { return 0 }

// --- test harness ------------------------------------------------------

func newTestHandler(t *testing.T, upstream *httptest.Server, mode ports.ConcurrencyMode) (*Handler, *fakeKeyManager, *fakeReplayQueue, *fakeTraceStore) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = upstream.URL
	cfg.MaxAttempts = 3
	cfg.HandlerBackoffBase = time.Millisecond
	cfg.HandlerBackoffCap = 5 * time.Millisecond

	keys := newFakeKeyManager(4)
	pool := newFakePoolManager()
	conc := &fakeConcurrency{mode: mode}
	router := &fakeRouter{model: "claude-3-haiku"}
	traces := &fakeTraceStore{}
	replay := &fakeReplayQueue{}

	resolver := func(tenant string) ports.KeyManager { return keys }
	h := New(cfg, resolver, pool, conc, router, traces, replay, upstream.Client(), nil)
	return h, keys, replay, traces
}

func jsonReq(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// --- tests --------------------------------------------------------------

func TestHandler_SuccessFirstAttempt(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h, keys, replay, traces := newTestHandler(t, upstream, ports.ConcurrencyEnforce)

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), rec, jsonReq(`{"model":"claude-3-opus","messages":[]}`))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	require.Len(t, keys.releases, 1)
	assert.True(t, keys.releases[0].Success)
	require.Len(t, traces.finished, 1)
	assert.True(t, traces.finished[0].Success)
}

func TestHandler_ResolvesKeyManagerByTenantHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = upstream.URL
	defaultKeys := newFakeKeyManager(4)
	tenantKeys := newFakeKeyManager(4)
	resolver := func(tenant string) ports.KeyManager {
		if tenant == "acme" {
			return tenantKeys
		}
		return defaultKeys
	}
	h := New(cfg, resolver, newFakePoolManager(), &fakeConcurrency{mode: ports.ConcurrencyEnforce}, &fakeRouter{model: "claude-3-haiku"}, &fakeTraceStore{}, &fakeReplayQueue{}, upstream.Client(), nil)

	req := jsonReq(`{"model":"claude-3-opus"}`)
	req.Header.Set("x-tenant-id", "acme")
	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), rec, req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, tenantKeys.acquireN)
	assert.Equal(t, 0, defaultKeys.acquireN)
}

func TestHandler_ModelOverrideRequiresAdminAuthWhenConfigured(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = upstream.URL
	cfg.AdminBearerToken = "secret-token"

	router := &recordingRouter{model: "claude-3-haiku"}
	h := New(cfg, func(string) ports.KeyManager { return newFakeKeyManager(4) }, newFakePoolManager(), &fakeConcurrency{mode: ports.ConcurrencyEnforce}, router, &fakeTraceStore{}, &fakeReplayQueue{}, upstream.Client(), nil)

	unauth := jsonReq(`{"model":"claude-3-opus"}`)
	unauth.Header.Set("x-model-override", "claude-3-sonnet")
	rec := httptest.NewRecorder()
	require.NoError(t, h.Handle(context.Background(), rec, unauth))
	require.NotNil(t, router.lastReq)
	assert.Empty(t, router.lastReq.OverrideModel)

	authed := jsonReq(`{"model":"claude-3-opus"}`)
	authed.Header.Set("x-model-override", "claude-3-sonnet")
	authed.Header.Set("Authorization", "Bearer secret-token")
	rec2 := httptest.NewRecorder()
	require.NoError(t, h.Handle(context.Background(), rec2, authed))
	assert.Equal(t, "claude-3-sonnet", router.lastReq.OverrideModel)
}

type recordingRouter struct {
	model   string
	lastReq *ports.RouteRequest
}

func (r *recordingRouter) SelectModel(ctx context.Context, req ports.RouteRequest) (*domain.RoutingDecision, error) {
	r.lastReq = &req
	return &domain.RoutingDecision{Model: r.model, Tier: domain.TierMedium, Source: domain.RoutingSourceRule}, nil
}
func (r *recordingRouter) SetConfig(cfg *domain.RoutingConfig) {}
func (r *recordingRouter) Config() *domain.RoutingConfig       { return nil }

func TestHandler_RetriesAcrossKeysOn429ThenSucceeds(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h, keys, _, traces := newTestHandler(t, upstream, ports.ConcurrencyEnforce)

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), rec, jsonReq(`{"model":"claude-3-opus"}`))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, calls)
	require.Len(t, keys.releases, 2)
	assert.Equal(t, domain.ErrorKindRateLimitedKey, keys.releases[0].ErrorKind)
	assert.True(t, keys.releases[1].Success)
	require.Len(t, traces.finished, 1)
	assert.Len(t, traces.finished[0].Attempts, 2)
}

func TestHandler_ExhaustsRetriesOn5xxAndEnqueuesReplay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	h, keys, replay, traces := newTestHandler(t, upstream, ports.ConcurrencyEnforce)

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), rec, jsonReq(`{"model":"claude-3-opus"}`))

	require.NoError(t, err) // the upstream status is relayed to the client; Handle itself returns nil
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 3, len(keys.releases))
	require.Len(t, replay.enqueued, 1)
	require.Len(t, traces.finished, 1)
	assert.False(t, traces.finished[0].Success)
}

func TestHandler_AuthErrorIsNotRetried(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	h, keys, replay, _ := newTestHandler(t, upstream, ports.ConcurrencyEnforce)

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), rec, jsonReq(`{"model":"claude-3-opus"}`))

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, calls)
	require.Len(t, keys.releases, 1)
	assert.Equal(t, domain.ErrorKindAuthError, keys.releases[0].ErrorKind)
	require.Len(t, replay.enqueued, 1)
}

func TestHandler_ClientDisconnectAbortsWithoutRetry(t *testing.T) {
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h, keys, replay, _ := newTestHandler(t, upstream, ports.ConcurrencyEnforce)

	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()

	go func() {
		<-started
		cancel()
	}()

	err := h.Handle(ctx, rec, jsonReq(`{"model":"claude-3-opus"}`))

	require.Error(t, err)
	require.Len(t, keys.releases, 1)
	assert.True(t, keys.releases[0].ClientDisconnect)
	assert.Empty(t, replay.enqueued)
}

func TestHandler_RewritesModelFieldToPhysicalModel(t *testing.T) {
	var receivedBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h, _, _, _ := newTestHandler(t, upstream, ports.ConcurrencyEnforce)

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), rec, jsonReq(`{"model":"claude-3-opus","messages":[]}`))

	require.NoError(t, err)
	assert.Contains(t, string(receivedBody), `"model":"claude-3-haiku"`)
}

func TestHandler_NoHealthyKeyReturnsServiceUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h, keys, _, traces := newTestHandler(t, upstream, ports.ConcurrencyEnforce)
	for i := 0; i < 4; i++ {
		keys.excluded[i] = true
	}

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), rec, jsonReq(`{"model":"claude-3-opus"}`))

	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Len(t, traces.finished, 1)
	assert.False(t, traces.finished[0].Success)
}
