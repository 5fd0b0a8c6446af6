package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	jsoniter "github.com/json-iterator/go"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/ports"
)

// adminJSON is a drop-in encoding/json replacement tuned for throughput,
// used for every admin response (/stats, /traces, /health, ...).
var adminJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func (a *Application) registerAdminRoutes() {
	a.registry.RegisterWithMethod("/health", a.adminAuthFor(a.handleHealth, true), "Liveness and per-key state summary", "GET")
	a.registry.RegisterWithMethod("/stats", a.adminAuth(a.handleStats), "Aggregate counters, latency percentiles, per-key/model state", "GET")
	a.registry.RegisterWithMethod("/traces", a.adminAuth(a.handleTraceSearch), "Trace search", "GET")
	a.registry.RegisterWithMethod("/traces/", a.adminAuth(a.handleTraceDetail), "Trace detail by id", "GET")
	a.registry.RegisterWithMethod("/dashboard/stream", a.adminAuth(a.handleDashboardStream), "Server-Sent Events of dashboard snapshots", "GET")
	a.registry.RegisterWithMethod("/model-routing", a.adminAuth(a.handleModelRoutingUpdate), "Update routing config", "PUT")
	a.registry.RegisterWithMethod("/model-routing/enable-safe", a.adminAuth(a.handleModelRoutingSafe), "Re-enable routing with defaults", "PUT")
	a.registry.RegisterWithMethod("/reload", a.adminAuth(a.handleReload), "Hot-reload the keys file", "POST")
	a.registry.RegisterWithMethod("/replay", a.adminAuth(a.handleReplayList), "Replay queue inspection", "GET")
	a.registry.RegisterWithMethod("/replay/", a.adminAuth(a.handleReplayTrigger), "Trigger a queued replay", "POST")
}

// adminAuth gates an admin handler behind its own rate limiter (distinct
// from the proxy path's, since a leaked or brute-forced bearer token
// shouldn't share its budget with normal traffic) and, when configured, a
// bearer token. An empty BearerToken leaves the admin surface open, which
// is the right default for local/dev use with DefaultConfig().
func (a *Application) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return a.adminAuthFor(next, false)
}

// adminAuthFor is adminAuth with an explicit isHealthEndpoint flag, so
// /health can be tuned separately via cfg.Admin.RateLimits.HealthRequestsPerMinute.
func (a *Application) adminAuthFor(next http.HandlerFunc, isHealth bool) http.HandlerFunc {
	limited := a.adminLimiter.Middleware(isHealth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.cfg.Admin.BearerToken
		if token == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}))
	return limited.ServeHTTP
}

func (a *Application) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := adminJSON.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to encode admin response", "error", err)
	}
}

type healthKeyView struct {
	ID           string `json:"id"`
	CircuitState string `json:"circuitState"`
	InFlight     int64  `json:"inFlight"`
}

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	var keys []ports.KeySnapshot
	if mgr, ok := a.tenantKeys.Load(""); ok {
		keys = mgr.Snapshot()
	}

	views := make([]healthKeyView, 0, len(keys))
	healthy := 0
	for _, k := range keys {
		if k.ExcludedReason == domain.ExcludedNone {
			healthy++
		}
		views = append(views, healthKeyView{ID: k.ID, CircuitState: k.CircuitState, InFlight: k.InFlight})
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"healthyKeys": healthy,
		"totalKeys":   len(keys),
		"keys":        views,
	})
}

func (a *Application) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := a.snapshot()

	var totalRequests, totalFailures, totalRateLimited int64
	for _, k := range snap.Keys {
		totalRequests += k.Total
		totalFailures += k.Failures
		totalRateLimited += k.RateLimited
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":        snap.Timestamp,
		"totalRequests":    totalRequests,
		"totalFailures":    totalFailures,
		"totalRateLimited": totalRateLimited,
		"keys":             snap.Keys,
		"models":           snap.Models,
		"replayQueueSize":  snap.ReplaySize,
		"replayQueueBytes": units.HumanSize(float64(snap.ReplaySize * 1024)),
		"traceCount":       snap.TraceCount,
	})
}

func (a *Application) handleTraceSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.TraceFilter{Model: q.Get("model")}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if minDur := q.Get("minDuration"); minDur != "" {
		if d, err := time.ParseDuration(minDur); err == nil {
			filter.MinDuration = d
		}
	}
	if success := q.Get("success"); success != "" {
		if b, err := strconv.ParseBool(success); err == nil {
			filter.Success = &b
		}
	}

	limit := 100
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	traces := a.recentTraces(filter, limit)
	a.writeJSON(w, http.StatusOK, map[string]any{"traces": traces, "count": len(traces)})
}

func (a *Application) handleTraceDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/traces/")
	if id == "" {
		http.Error(w, "missing trace id", http.StatusBadRequest)
		return
	}
	t, ok := a.traces.Get(id)
	if !ok {
		http.Error(w, "trace not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, t)
}

// handleDashboardStream serves GET /dashboard/stream as Server-Sent
// Events: one DashboardSnapshot JSON event per eventbus publish, until the
// client disconnects.
func (a *Application) handleDashboardStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, cleanup := a.dashboard.Subscribe(r.Context())
	defer cleanup()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			data, err := adminJSON.Marshal(snap)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type routingUpdateRequest struct {
	Tiers  map[string]tierUpdate   `json:"tiers"`
	Rules  []ruleUpdate            `json:"rules"`
	Shadow bool                    `json:"shadow"`
}

type tierUpdate struct {
	Strategy       string   `json:"strategy"`
	Models         []string `json:"models"`
	MaxConcurrency int64    `json:"maxConcurrency"`
}

type ruleUpdate struct {
	Model     string `json:"model"`
	Tier      string `json:"tier"`
	MinTokens int    `json:"minTokens"`
	MaxTokens int    `json:"maxTokens"`
}

func (a *Application) handleModelRoutingUpdate(w http.ResponseWriter, r *http.Request) {
	var req routingUpdateRequest
	if err := adminJSON.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid routing config body", http.StatusBadRequest)
		return
	}

	cfg := &domain.RoutingConfig{
		Tiers:  make(map[domain.TierName]domain.Tier, len(req.Tiers)),
		Rules:  make([]domain.RoutingRule, 0, len(req.Rules)),
		Shadow: req.Shadow,
	}
	for name, t := range req.Tiers {
		cfg.Tiers[domain.TierName(name)] = domain.Tier{
			Name:           domain.TierName(name),
			Strategy:       domain.TierStrategy(t.Strategy),
			Models:         t.Models,
			MaxConcurrency: t.MaxConcurrency,
		}
	}
	for _, rl := range req.Rules {
		cfg.Rules = append(cfg.Rules, domain.RoutingRule{
			Match: domain.RoutingRuleMatch{
				Model:      rl.Model,
				TokenRange: domain.TokenRange{Min: rl.MinTokens, Max: rl.MaxTokens},
			},
			Tier: domain.TierName(rl.Tier),
		})
	}
	if len(cfg.Tiers) == 0 || len(cfg.Rules) == 0 {
		http.Error(w, "routing config must have at least one tier and one rule", http.StatusBadRequest)
		return
	}

	a.routerC.SetConfig(cfg)
	a.log.Info("model routing updated", "tiers", len(cfg.Tiers), "rules", len(cfg.Rules))
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// handleModelRoutingSafe restores the zero-configuration default routing
// policy, for operators to recover from a bad PUT /model-routing without
// restarting the process.
func (a *Application) handleModelRoutingSafe(w http.ResponseWriter, r *http.Request) {
	cfg := defaultRoutingConfig(a.cfg.Router)
	a.routerC.SetConfig(cfg)
	a.log.Info("model routing reset to safe defaults")
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func (a *Application) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := a.reloadKeys(); err != nil {
		a.log.Error("keys reload failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
}

func (a *Application) handleReplayList(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"entries": a.replay.List(),
		"size":    a.replay.Size(),
	})
}

func (a *Application) handleReplayTrigger(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/replay/")
	if id == "" {
		http.Error(w, "missing trace id", http.StatusBadRequest)
		return
	}

	opts := ports.ReplayOptions{MaxRetries: a.cfg.Replay.MaxRetries}
	if dryRun := r.URL.Query().Get("dryRun"); dryRun != "" {
		if b, err := strconv.ParseBool(dryRun); err == nil {
			opts.DryRun = b
		}
	}

	if err := a.replay.Replay(id, &replayExecutor{app: a}, opts); err != nil {
		a.log.Warn("replay failed", "trace_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "replayed", "traceId": id})
}
