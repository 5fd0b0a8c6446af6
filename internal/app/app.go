// Package app wires the core dispatch components (Key Manager, Pool
// Manager, Adaptive Concurrency, Model Router, Trace Store, Replay Queue,
// Request Handler) into a runnable HTTP server, the way the reference
// Application wired endpoint discovery and the proxy service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/thushan/olla/internal/adapter/adaptiveconcurrency"
	"github.com/thushan/olla/internal/adapter/circuitbreaker"
	"github.com/thushan/olla/internal/adapter/keymanager"
	"github.com/thushan/olla/internal/adapter/keyscheduler"
	"github.com/thushan/olla/internal/adapter/modelrouter"
	"github.com/thushan/olla/internal/adapter/poolmanager"
	"github.com/thushan/olla/internal/adapter/replayqueue"
	"github.com/thushan/olla/internal/adapter/requesthandler"
	"github.com/thushan/olla/internal/adapter/security"
	"github.com/thushan/olla/internal/adapter/tracestore"
	"github.com/thushan/olla/internal/app/middleware"
	"github.com/thushan/olla/internal/config"
	"github.com/thushan/olla/internal/core/ports"
	"github.com/thushan/olla/internal/logger"
	"github.com/thushan/olla/internal/router"
	"github.com/thushan/olla/pkg/eventbus"
)

// Application wires the dispatch core into an HTTP server exposing the
// Anthropic-compatible proxy path and the JSON admin surface.
type Application struct {
	cfg    *config.Config
	log    *logger.StyledLogger
	server *http.Server

	registry *router.RouteRegistry

	tenantKeys  *xsync.Map[string, *keymanager.Manager]
	keySecrets  []string
	kmCfg       keymanager.Config
	breakerCfg  circuitbreaker.Config
	pool        *poolmanager.Manager
	concurrency *adaptiveconcurrency.Controller
	routerC     *modelrouter.Router
	traces      ports.TraceStore
	replay      *replayqueue.Queue
	handler     *requesthandler.Handler

	sizeLimiter  *RequestSizeLimiter
	rateLimiter  *security.RateLimitValidator
	adminLimiter *RateLimiter

	dashboard *eventbus.EventBus[DashboardSnapshot]

	stopTicks chan struct{}
	errCh     chan error
}

// New constructs every core component from cfg and wires them into one
// Application, ready for Start.
func New(cfg *config.Config, log *logger.StyledLogger) (*Application, error) {
	kf, err := loadKeysFile(cfg.KeyManager.KeysFile)
	if err != nil {
		return nil, fmt.Errorf("loading keys file: %w", err)
	}
	if cfg.RequestHandler.BaseURL == "" {
		cfg.RequestHandler.BaseURL = kf.BaseURL
	}

	breakerCfg := circuitbreaker.Config{
		ErrorThreshold:  cfg.KeyManager.CircuitErrorThreshold,
		WindowSize:      cfg.KeyManager.CircuitWindowSize,
		OpenDuration:    cfg.KeyManager.CircuitOpenDuration,
		MaxOpenDuration: cfg.KeyManager.CircuitMaxOpenDuration,
	}
	kmCfg := keymanager.DefaultConfig()
	kmCfg.CooldownBase = cfg.KeyManager.CooldownBase
	kmCfg.CooldownMax = cfg.KeyManager.CooldownMax
	kmCfg.CooldownJitter = cfg.KeyManager.CooldownJitter

	tenantKeys := xsync.NewMap[string, *keymanager.Manager]()
	defaultMgr := keymanager.New(kmCfg, breakerCfg, "", kf.Keys, keyscheduler.NewWeighted(), keyscheduler.NewRoundRobin())
	tenantKeys.Store("", defaultMgr)

	pool := poolmanager.New(poolmanager.Config{
		BaseDelay:     cfg.Pool.BaseDelay,
		MaxDelay:      cfg.Pool.MaxDelay,
		JitterPercent: cfg.Pool.JitterPercent,
		DecayWindow:   cfg.Pool.DecayWindow,
	})

	concCfg := adaptiveconcurrency.DefaultConfig()
	if cfg.Concurrency.MaxLimit > 0 {
		concCfg = adaptiveconcurrency.Config{
			MinLimit:        cfg.Concurrency.MinLimit,
			MaxLimit:        cfg.Concurrency.MaxLimit,
			InitialLimit:    cfg.Concurrency.InitialLimit,
			DecreaseFactor:  cfg.Concurrency.DecreaseFactor,
			GrowthThreshold: cfg.Concurrency.GrowthThreshold,
			IncreaseStep:    cfg.Concurrency.IncreaseStep,
			RecoveryDelay:   cfg.Concurrency.RecoveryDelay,
			TickInterval:    cfg.Concurrency.TickInterval,
			Mode:            ports.ConcurrencyMode(cfg.Concurrency.Mode),
		}
	}
	var poolInFlight func(string) int64 = pool.InFlight
	concurrency := adaptiveconcurrency.New(concCfg, poolInFlight)

	slogger := log.GetUnderlying()
	routerC := modelrouter.New(pool, concurrency, slogger)
	routerC.SetConfig(defaultRoutingConfig(cfg.Router))

	traces := tracestore.New(1024)
	replay := replayqueue.New(cfg.Replay.MaxQueueSize)

	hCfg := requesthandler.DefaultConfig()
	hCfg.BaseURL = cfg.RequestHandler.BaseURL
	if cfg.RequestHandler.MaxAttempts > 0 {
		hCfg.MaxAttempts = cfg.RequestHandler.MaxAttempts
	}
	if cfg.RequestHandler.BackoffBase > 0 {
		hCfg.HandlerBackoffBase = cfg.RequestHandler.BackoffBase
	}
	if cfg.RequestHandler.BackoffCap > 0 {
		hCfg.HandlerBackoffCap = cfg.RequestHandler.BackoffCap
	}
	if cfg.RequestHandler.BackoffJitter > 0 {
		hCfg.HandlerBackoffJitter = cfg.RequestHandler.BackoffJitter
	}
	if cfg.RequestHandler.TimeoutMode != "" {
		hCfg.TimeoutMode = requesthandler.TimeoutMode(cfg.RequestHandler.TimeoutMode)
	}
	if cfg.RequestHandler.FixedTimeout > 0 {
		hCfg.FixedTimeout = cfg.RequestHandler.FixedTimeout
	}
	if cfg.RequestHandler.MinTimeout > 0 {
		hCfg.MinTimeout = cfg.RequestHandler.MinTimeout
	}
	if cfg.RequestHandler.MaxTimeout > 0 {
		hCfg.MaxTimeout = cfg.RequestHandler.MaxTimeout
	}
	if cfg.RequestHandler.TimeoutK > 0 {
		hCfg.TimeoutK = cfg.RequestHandler.TimeoutK
	}
	hCfg.AccountScopeHeader = cfg.RequestHandler.AccountScopeHeader
	hCfg.AccountScopeValue = cfg.RequestHandler.AccountScopeValue
	hCfg.ReplayEnabled = cfg.Replay.Enabled
	hCfg.ReplayMaxRetries = cfg.Replay.MaxRetries
	hCfg.RateLimitHeaders = ports.RateLimitHeaderConfig{
		RemainingHeader:    cfg.Pool.RemainingHeader,
		RemainingThreshold: cfg.Pool.RemainingThreshold,
		PacingDelayMs:      cfg.Pool.PacingDelayMs,
	}

	hCfg.AdminBearerToken = cfg.Admin.BearerToken

	a := &Application{
		cfg:         cfg,
		log:         log,
		registry:    router.NewRouteRegistry(*log),
		tenantKeys:  tenantKeys,
		keySecrets:  kf.Keys,
		kmCfg:       kmCfg,
		breakerCfg:  breakerCfg,
		pool:        pool,
		concurrency: concurrency,
		routerC:     routerC,
		traces:      traces,
		replay:      replay,
		dashboard:   eventbus.New[DashboardSnapshot](),
		stopTicks:   make(chan struct{}),
		errCh:       make(chan error, 1),
	}

	a.handler = requesthandler.New(hCfg, a.keyManagerFor, pool, concurrency, routerC, traces, replay, &http.Client{}, slogger)
	a.sizeLimiter = NewRequestSizeLimiter(cfg.Server.RequestLimits, log)
	a.rateLimiter = security.NewRateLimitValidator(cfg.Server.RateLimits, security.NewSecurityMetricsAdapter(log), *log)
	a.adminLimiter = NewRateLimiter(cfg.Admin.RateLimits, log)

	return a, nil
}

// keyManagerFor resolves the Manager owning tenant's credential pool,
// creating one lazily from the same underlying secrets the default tenant
// uses but with its own circuit/cooldown/in-flight state. Satisfies
// ports.KeyManagerResolver.
func (a *Application) keyManagerFor(tenant string) ports.KeyManager {
	if mgr, ok := a.tenantKeys.Load(tenant); ok {
		return mgr
	}
	mgr := keymanager.New(a.kmCfg, a.breakerCfg, tenant, a.keySecrets, keyscheduler.NewWeighted(), keyscheduler.NewRoundRobin())
	actual, _ := a.tenantKeys.LoadOrStore(tenant, mgr)
	return actual
}

// Start wires the HTTP routes, binds the listener and kicks off the
// background tickers (AIMD growth, replay cleanup, dashboard snapshots).
func (a *Application) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	a.registerProxyRoutes()
	a.registerAdminRoutes()
	a.registry.WireUp(mux)

	var handler http.Handler = mux
	handler = a.sizeLimiter.Middleware(handler)
	handler = a.rateLimiter.CreateMiddleware()(handler)
	handler = middleware.EnhancedLoggingMiddleware(*a.log)(handler)
	handler = middleware.AccessLoggingMiddleware(*a.log)(handler)

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		Handler:      handler,
	}

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	go a.runTickers(ctx)

	a.log.Info("started", "bind", a.server.Addr)
	return nil
}

// Stop drains in-flight work: stops the tickers, closes the HTTP listener
// and leaves the trace store and replay queue intact in memory so a
// future Start (same process, e.g. in tests) sees consistent state.
func (a *Application) Stop(ctx context.Context) error {
	close(a.stopTicks)
	a.rateLimiter.Stop()
	a.adminLimiter.Stop()
	a.dashboard.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.server == nil {
		return nil
	}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

func (a *Application) runTickers(ctx context.Context) {
	concTick := time.NewTicker(a.concurrencyTickInterval())
	replayTick := time.NewTicker(a.replayCleanupInterval())
	snapshotTick := time.NewTicker(time.Second)
	defer concTick.Stop()
	defer replayTick.Stop()
	defer snapshotTick.Stop()

	for {
		select {
		case <-a.stopTicks:
			return
		case <-ctx.Done():
			return
		case <-concTick.C:
			a.concurrency.Tick()
		case <-replayTick.C:
			expired := a.replay.Cleanup(int64(a.cfg.Replay.EntryTTL.Seconds()))
			if expired > 0 {
				a.log.Debug("expired replay entries", "count", expired)
			}
		case <-snapshotTick.C:
			a.dashboard.Publish(a.snapshot())
		}
	}
}

func (a *Application) concurrencyTickInterval() time.Duration {
	if a.cfg.Concurrency.TickInterval > 0 {
		return a.cfg.Concurrency.TickInterval
	}
	return 2 * time.Second
}

func (a *Application) replayCleanupInterval() time.Duration {
	if a.cfg.Replay.RetryInterval > 0 {
		return a.cfg.Replay.RetryInterval
	}
	return 30 * time.Second
}

func (a *Application) registerProxyRoutes() {
	a.registry.RegisterWithMethod("/", a.proxyHandler, "Anthropic-compatible proxy endpoint", "POST")
}

func (a *Application) proxyHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.handler.Handle(r.Context(), w, r); err != nil {
		a.log.Debug("request failed", "error", err, "path", r.URL.Path)
	}
}
