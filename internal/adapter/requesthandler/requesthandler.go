// Package requesthandler implements the Request Handler (C10): the
// attempt loop that ties together the Key Manager, Pool Manager, Adaptive
// Concurrency controller, Model Router, Trace Store and Replay Queue to
// dispatch one client request, retrying across keys and models on
// retriable failure and streaming the response through on success.
// Grounded on the reference RetryHandler.ExecuteWithRetry for the
// retry-loop shape (body buffered once up front, selector swapped in per
// attempt, connection errors distinguished from terminal ones) and on
// AutoDetectStreamingMode/common.MakeUserFriendlyError for response
// classification.
package requesthandler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/thushan/olla/internal/adapter/ringbuffer"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/ports"
	"github.com/thushan/olla/internal/util"
	bufpool "github.com/thushan/olla/pkg/pool"
)

// streamBufferSize is the chunk size used to relay a streaming (SSE)
// response to the client; pooled so the attempt loop doesn't allocate one
// per streamed request.
const streamBufferSize = 4096

// TimeoutMode selects how the per-attempt upstream timeout is computed.
type TimeoutMode string

const (
	TimeoutFixed    TimeoutMode = "fixed"
	TimeoutAdaptive TimeoutMode = "adaptive"
)

// Config tunes the attempt loop.
type Config struct {
	BaseURL string

	MaxAttempts int

	HandlerBackoffBase   time.Duration
	HandlerBackoffCap    time.Duration
	HandlerBackoffJitter float64

	TimeoutMode  TimeoutMode
	FixedTimeout time.Duration
	MinTimeout   time.Duration
	MaxTimeout   time.Duration
	TimeoutK     float64

	RateLimitHeaders ports.RateLimitHeaderConfig

	AccountScopeHeader string // upstream header naming the 429's scope
	AccountScopeValue  string // value meaning "account-wide" rather than per-key

	ReplayEnabled    bool
	ReplayMaxRetries int

	// AdminBearerToken gates x-model-override: the header is only honoured
	// when this is empty (auth disabled) or the request carries a matching
	// "Authorization: Bearer <token>", matching the admin surface's own
	// gate so an unauthenticated client can't force a physical model.
	AdminBearerToken string
}

// DefaultConfig is a reasonable starting point for an Anthropic-compatible
// upstream.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          3,
		HandlerBackoffBase:   200 * time.Millisecond,
		HandlerBackoffCap:    5 * time.Second,
		HandlerBackoffJitter: 0.2,
		TimeoutMode:          TimeoutAdaptive,
		FixedTimeout:         60 * time.Second,
		MinTimeout:           5 * time.Second,
		MaxTimeout:           120 * time.Second,
		TimeoutK:             4,
		RateLimitHeaders: ports.RateLimitHeaderConfig{
			RemainingHeader:    "anthropic-ratelimit-requests-remaining",
			RemainingThreshold: 5,
			PacingDelayMs:      250,
		},
		AccountScopeHeader: "anthropic-ratelimit-scope",
		AccountScopeValue:  "account",
		ReplayEnabled:      true,
		ReplayMaxRetries:   3,
	}
}

// Handler implements ports.RequestHandler.
type Handler struct {
	cfg         Config
	keys        ports.KeyManagerResolver
	pool        ports.PoolManager
	concurrency ports.AdaptiveConcurrency
	router      ports.ModelRouter
	traces      ports.TraceStore
	replay      ports.ReplayQueue
	httpClient  *http.Client
	log         *slog.Logger

	modelLatency *xsync.Map[string, *ringbuffer.RingBuffer]
	streamBufs   *bufpool.Pool[*[]byte]
}

// New wires a Handler from its component ports. keys resolves the Key
// Manager for a request's tenant (see ports.KeyManagerResolver) rather
// than taking a single shared Manager, so x-tenant-id gets its own
// isolated credential pool state instead of being filtered out of a pool
// that only ever holds the default tenant's keys.
func New(
	cfg Config,
	keys ports.KeyManagerResolver,
	pool ports.PoolManager,
	concurrency ports.AdaptiveConcurrency,
	router ports.ModelRouter,
	traces ports.TraceStore,
	replay ports.ReplayQueue,
	httpClient *http.Client,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		cfg:          cfg,
		keys:         keys,
		pool:         pool,
		concurrency:  concurrency,
		router:       router,
		traces:       traces,
		replay:       replay,
		httpClient:   httpClient,
		log:          log,
		modelLatency: xsync.NewMap[string, *ringbuffer.RingBuffer](),
		streamBufs: bufpool.NewLitePool(func() *[]byte {
			buf := make([]byte, streamBufferSize)
			return &buf
		}),
	}
}

// Handle runs the attempt loop for one client request.
func (h *Handler) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	bodyBytes, err := readBody(r)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return err
	}

	originalModel := extractModel(bodyBytes)
	traceID := r.Header.Get("x-trace-id")
	if traceID == "" {
		traceID = util.GenerateRequestID()
	}
	tenant := r.Header.Get("x-tenant-id")
	km := h.keys(tenant)

	var overrideModel string
	if h.cfg.AdminBearerToken == "" || authorizedBearer(r, h.cfg.AdminBearerToken) {
		overrideModel = r.Header.Get("x-model-override")
	}

	trace := h.traces.Start(traceID, originalModel)

	attemptedKeys := make(map[int]struct{})
	attemptedModels := make(map[string]struct{})

	var lastErr error
	var lastStatus int

	for attempt := 0; attempt < h.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			h.finishDisconnect(trace)
			return ctx.Err()
		default:
		}

		physicalModel := originalModel
		var tier domain.TierName
		body := bodyBytes

		routing, rErr := h.router.SelectModel(ctx, ports.RouteRequest{
			OriginalModel:   originalModel,
			TokenEstimate:   estimateTokens(bodyBytes),
			AttemptedModels: attemptedModels,
			OverrideModel:   overrideModel,
		})
		if rErr == nil && routing != nil {
			physicalModel = routing.Model
			tier = routing.Tier
			body = rewriteModelField(bodyBytes, physicalModel)
		}
		trace.MappedModel = physicalModel

		keyIndex, selectionReason, kErr := km.Acquire(ctx, ports.AcquireOptions{Tenant: tenant, Tier: tier, AttemptedKeys: attemptedKeys})
		if kErr != nil {
			h.log.Warn("no healthy key available", "trace_id", traceID, "model", physicalModel, "attempt", attempt)
			h.finishFailure(trace, domain.Attempt{StartedAt: time.Now(), Model: physicalModel, KeyIndex: -1, Status: "no_healthy_key", Error: kErr.Error()})
			h.writeSynthesised(w, http.StatusServiceUnavailable, "no healthy credential available")
			return kErr
		}

		if delay := h.pool.PacingDelayMs(physicalModel); delay > 0 {
			if !sleepCancellable(ctx, time.Duration(delay)*time.Millisecond) {
				km.Release(keyIndex, ports.ReleaseOutcome{ClientDisconnect: true})
				h.finishDisconnect(trace)
				return ctx.Err()
			}
		}

		if h.concurrency != nil && h.concurrency.Mode() == ports.ConcurrencyEnforce {
			if h.pool.InFlight(physicalModel) >= h.concurrency.Limit(physicalModel) {
				// Not a dispatch failure: release without counting against
				// the key, mark the model attempted, and try another one.
				km.Release(keyIndex, ports.ReleaseOutcome{ClientDisconnect: true})
				attemptedModels[physicalModel] = struct{}{}
				continue
			}
		}

		h.pool.IncInFlight(physicalModel)
		started := time.Now()
		resp, dispatchErr := h.dispatch(ctx, r, body, physicalModel)
		latency := time.Since(started)
		h.pool.DecInFlight(physicalModel)
		h.recordModelLatency(physicalModel, latency)

		if dispatchErr == nil && resp.StatusCode < 400 {
			h.pool.RecordRateLimitHeaders(physicalModel, resp.Header, h.cfg.RateLimitHeaders)
			km.Release(keyIndex, ports.ReleaseOutcome{Success: true, Latency: latency.Milliseconds()})

			trace.AddAttempt(domain.Attempt{
				StartedAt:       started,
				Duration:        latency,
				Model:           physicalModel,
				KeyIndex:        keyIndex,
				KeyID:           km.KeyID(keyIndex),
				SelectionReason: selectionReason,
				Status:          "success",
				Success:         true,
			})
			h.traces.Finish(trace, true)

			h.log.Debug("dispatch succeeded", "trace_id", traceID, "model", physicalModel, "key", km.KeyID(keyIndex), "attempt", attempt, "latency_ms", latency.Milliseconds())
			return h.forward(w, resp)
		}

		var kind domain.ErrorKind
		if dispatchErr != nil {
			kind = classifyTransportError(ctx, dispatchErr)
			lastErr = dispatchErr
		} else {
			kind = classifyStatus(resp.StatusCode)
			lastStatus = resp.StatusCode
			lastErr = domain.NewProxyError(traceID, r.Method, r.URL.Path, physicalModel, km.KeyID(keyIndex), resp.StatusCode, latency, errors.New(http.StatusText(resp.StatusCode)))
		}

		trace.AddAttempt(domain.Attempt{
			StartedAt:       started,
			Duration:        latency,
			Error:           errString(lastErr),
			Model:           physicalModel,
			KeyIndex:        keyIndex,
			KeyID:           km.KeyID(keyIndex),
			SelectionReason: selectionReason,
			RetryReason:     kind,
			Status:          "failure",
		})

		if dispatchErr != nil && isClientDisconnect(ctx, dispatchErr) {
			km.Release(keyIndex, ports.ReleaseOutcome{ClientDisconnect: true})
			h.finishDisconnect(trace)
			return dispatchErr
		}

		accountLevel := kind == domain.ErrorKindRateLimitedKey && resp != nil && resp.Header.Get(h.cfg.AccountScopeHeader) == h.cfg.AccountScopeValue
		km.Release(keyIndex, ports.ReleaseOutcome{
			ErrorKind:       kind,
			Latency:         latency.Milliseconds(),
			AccountLevel429: accountLevel,
		})
		if kind == domain.ErrorKindRateLimitedKey {
			if accountLevel {
				h.pool.RecordRateLimitHit(physicalModel)
			}
			if h.concurrency != nil {
				h.concurrency.OnRateLimited(physicalModel)
			}
		}

		if resp != nil {
			resp.Body.Close()
		}

		h.log.Warn("attempt failed", "trace_id", traceID, "model", physicalModel, "key", km.KeyID(keyIndex), "attempt", attempt, "kind", kind, "retriable", kind.Retriable())

		if !kind.Retriable() {
			h.traces.Finish(trace, false)
			if h.cfg.ReplayEnabled {
				h.enqueueReplay(traceID, r, bodyBytes, lastErr)
			}
			return h.writeUpstreamOrSynthesised(w, lastStatus, lastErr)
		}

		if attempt == h.cfg.MaxAttempts-1 {
			break
		}

		attemptedKeys[keyIndex] = struct{}{}
		attemptedModels[physicalModel] = struct{}{}

		backoff := util.BackoffWithJitter(h.cfg.HandlerBackoffBase, h.cfg.HandlerBackoffCap, attempt+1, h.cfg.HandlerBackoffJitter)
		if !sleepCancellable(ctx, backoff) {
			h.finishDisconnect(trace)
			return ctx.Err()
		}
	}

	h.traces.Finish(trace, false)
	if h.cfg.ReplayEnabled {
		h.enqueueReplay(traceID, r, bodyBytes, lastErr)
	}
	return h.writeUpstreamOrSynthesised(w, lastStatus, lastErr)
}

func (h *Handler) finishFailure(trace *domain.Trace, a domain.Attempt) {
	trace.AddAttempt(a)
	h.traces.Finish(trace, false)
}

func (h *Handler) finishDisconnect(trace *domain.Trace) {
	trace.AddAttempt(domain.Attempt{StartedAt: time.Now(), Status: "client_disconnect"})
	h.traces.Finish(trace, false)
}

func (h *Handler) writeSynthesised(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"type":"proxy_error","message":"` + message + `"}}`))
}

func (h *Handler) writeUpstreamOrSynthesised(w http.ResponseWriter, status int, err error) error {
	if status > 0 {
		h.writeSynthesised(w, status, errString(err))
		return nil
	}
	h.writeSynthesised(w, http.StatusServiceUnavailable, errString(err))
	return err
}

func (h *Handler) enqueueReplay(traceID string, r *http.Request, body []byte, lastErr error) {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if isSensitiveHeader(k) || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}
	h.replay.Enqueue(&domain.ReplayEntry{
		TraceID:       traceID,
		Timestamp:     time.Now(),
		Method:        r.Method,
		Path:          r.URL.Path,
		OriginalError: errString(lastErr),
		Headers:       headers,
		Body:          body,
		Status:        domain.ReplayPending,
	})
}

func isSensitiveHeader(name string) bool {
	switch name {
	case "Authorization", "X-Api-Key", "X-Tenant-Id":
		return true
	default:
		return false
	}
}

// authorizedBearer reports whether r carries "Authorization: Bearer
// token", the same check the admin surface applies to its own routes.
func authorizedBearer(r *http.Request, token string) bool {
	header := r.Header.Get("Authorization")
	return strings.HasPrefix(header, "Bearer ") && strings.TrimPrefix(header, "Bearer ") == token
}

func (h *Handler) recordModelLatency(modelID string, d time.Duration) {
	rb, _ := h.modelLatency.LoadOrStore(modelID, ringbuffer.New(256))
	rb.Push(d)
}

func (h *Handler) computeTimeout(modelID string) time.Duration {
	if h.cfg.TimeoutMode == TimeoutFixed {
		return h.cfg.FixedTimeout
	}
	rb, ok := h.modelLatency.Load(modelID)
	if !ok {
		return h.cfg.MaxTimeout
	}
	p95 := rb.Percentile(0.95)
	if p95 <= 0 {
		return h.cfg.MaxTimeout
	}
	t := time.Duration(float64(p95) * h.cfg.TimeoutK)
	if t < h.cfg.MinTimeout {
		return h.cfg.MinTimeout
	}
	if t > h.cfg.MaxTimeout {
		return h.cfg.MaxTimeout
	}
	return t
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func estimateTokens(body []byte) int {
	// Rough 4-bytes-per-token heuristic, good enough for token-range
	// routing rules; exact tokenisation is out of scope here.
	return len(body) / 4
}

func sleepCancellable(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
