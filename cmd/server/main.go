// Lookout triages screening captures by risk and dispatches escalation
// notifications to patients, emergency contacts and doctors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	vc "github.com/linnemanlabs/lookout/internal/cfg"
	"github.com/linnemanlabs/lookout/internal/escalation"
	"github.com/linnemanlabs/lookout/internal/livequeue"
	"github.com/linnemanlabs/lookout/internal/notify"
	"github.com/linnemanlabs/lookout/internal/postgres"
	"github.com/linnemanlabs/lookout/internal/scorer"
	"github.com/linnemanlabs/lookout/internal/screening"
	"github.com/linnemanlabs/lookout/internal/screening/memstore"
	"github.com/linnemanlabs/lookout/internal/screening/pgstore"
	"github.com/linnemanlabs/lookout/internal/screeningapi"
)

const appName = "lookout"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component

	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline flags win over env vars filled below
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "LOOKOUT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"store", storeKind(appCfg.DatabaseURL),
		"dispatch_workers", appCfg.DispatchWorkers,
		"analysis_max_retries", appCfg.AnalysisMaxRetries,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Persistence
	var store screening.Store
	closePool := func(context.Context) error { return nil }
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			URL:       appCfg.DatabaseURL,
			MaxConns:  int32(appCfg.DatabaseMaxConns), //nolint:gosec // validated > 0 and small
			SlowQuery: appCfg.SlowQuery,
		})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		closePool = func(context.Context) error { pool.Close(); return nil }
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lookout_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Redis backs the in-app channel only; without it the channel is disabled.
	var rdb redis.UniversalClient
	closeRedis := func(context.Context) error { return nil }
	if appCfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: appCfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			// the in-app sender reports transient failures until redis is reachable
			L.Warn(ctx, "redis ping failed", "redis_addr", appCfg.RedisAddr, "err", err)
		}
		rdb = client
		closeRedis = func(context.Context) error { return client.Close() }
	}

	dir, err := newDirectory(&appCfg)
	if err != nil {
		return fmt.Errorf("account directory: %w", err)
	}

	senders, err := newSenders(ctx, &appCfg, rdb, L)
	if err != nil {
		return fmt.Errorf("notification senders: %w", err)
	}

	policy, err := loadPolicy(&appCfg)
	if err != nil {
		return fmt.Errorf("priority policy: %w", err)
	}

	screeningMetrics := screening.NewMetrics(m.Registry())
	notifyMetrics := notify.NewMetrics(m.Registry())
	queueMetrics := livequeue.NewMetrics(m.Registry())

	// Live doctor queues, rebuilt from persisted state before any event flows.
	queues := livequeue.New(livequeue.Config{Hooks: queueMetrics.Hooks()}, L)
	active, err := store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active screenings: %w", err)
	}
	queues.Rebuild(active)
	L.Info(ctx, "doctor queues rebuilt", "records", len(active))

	// Notification dispatch runs on its own context so it keeps delivering
	// while the API drains after the shutdown signal.
	dispatcher := notify.New(store, dir, senders, notify.Config{
		Workers:     appCfg.DispatchWorkers,
		MaxAttempts: appCfg.DispatchMaxAttempts,
		RetryBase:   appCfg.DispatchRetryBase,
		Hooks:       notifyMetrics.Hooks(),
	}, L)
	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDispatch()
	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- dispatcher.Run(dispatchCtx) }()

	recovered, err := dispatcher.Recover(ctx)
	if err != nil {
		L.Error(ctx, err, "notification recovery failed")
	} else if recovered > 0 {
		L.Info(ctx, "replaying unresolved notifications", "count", recovered)
	}

	machine := screening.NewMachine(store, screening.MachineConfig{
		Policy:      policy,
		MaxRetries:  appCfg.AnalysisMaxRetries,
		LockTimeout: appCfg.LockTimeout,
		Assigner:    livequeue.NewLeastLoaded(queues, newRoster(&appCfg, dir)),
		Hooks:       screeningMetrics.MachineHooks(),
	}, L)
	machine.AddObserver(escalation.NewTrigger(dispatcher, L))
	machine.AddObserver(queues)

	svc := screening.NewService(machine, store,
		scorer.New(scorer.Config{BaseURL: appCfg.ScorerURL, Token: appCfg.ScorerToken, Timeout: appCfg.ScorerTimeout}),
		screening.ServiceConfig{RetryDelay: appCfg.AnalysisRetryDelay, Hooks: screeningMetrics.ServiceHooks()},
		L,
	)

	resumed, err := svc.Resume(ctx, active)
	if err != nil {
		L.Error(ctx, err, "resuming interrupted analyses")
	}
	if resumed > 0 {
		L.Info(ctx, "resumed interrupted analyses", "count", resumed)
	}

	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method and a per-request stats holder for DB query metrics.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rctx := postgres.WithHTTPMethod(req.Context(), req.Method)
			rctx = postgres.NewReqDBStatsContext(rctx)
			next.ServeHTTP(w, req.WithContext(rctx))
		})
	})

	r.Use(httpmw.AccessLog())

	// captures carry image URLs, not image bytes
	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api := screeningapi.New(L, svc, queues, screeningapi.Auth{
		ServiceToken: appCfg.ServiceToken,
		DoctorSecret: appCfg.JWTSecret,
	})
	api.RegisterRoutes(r)

	// order matters: outermost sees the raw request first and the response last
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}

	if err := sdNotify(sdReady); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case err := <-dispatchDone:
		L.Error(context.Background(), err, "notification dispatcher stopped unexpectedly")
	}

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")
	// tell systemd the drain has begun; no socket outside Type=notify units
	_ = sdNotify(sdStopping)

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// Analyses finish before dispatch drains so their escalations are delivered.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"queue streams", api.Close},
		{"api http server", apiHTTPStop},
		{"screening service", svc.Shutdown},
		{"notification dispatcher", func(ctx context.Context) error {
			err := dispatcher.Drain(ctx)
			if n := dispatcher.Pending(); n > 0 {
				L.Warn(ctx, "notifications left undelivered, replayed on next start if claimed", "pending", n)
			}
			cancelDispatch()
			return err
		}},
		{"postgres pool", closePool},
		{"redis", closeRedis},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}
