package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-translate/internal/assets"
	"github.com/keithlinneman/linnemanlabs-translate/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-translate/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-translate/internal/health"
	"github.com/keithlinneman/linnemanlabs-translate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-translate/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
	"github.com/keithlinneman/linnemanlabs-translate/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-translate/internal/ollama"
	"github.com/keithlinneman/linnemanlabs-translate/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-translate/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-translate/internal/prof"
	"github.com/keithlinneman/linnemanlabs-translate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-translate/internal/render"
	"github.com/keithlinneman/linnemanlabs-translate/internal/translate"
	v "github.com/keithlinneman/linnemanlabs-translate/internal/version"
	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

const (
	// time for the load balancer to see /-/ready fail before we stop accepting
	drainPeriod = 15 * time.Second
	// bounded so a hung inference call cannot hold shutdown open past the
	// supervisor's kill timeout
	shutdownTimeout = 10 * time.Second

	readinessTimeout = 2 * time.Second
)

func main() {
	// cancelled by the first SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (build_date=%s, go=%s, dirty=%v)\n",
			v.App, vi.Short(), vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// unprefixed names: PORT, HOST, TRUST_PROXY, ...
	cfg.FillFromEnv(flag.CommandLine, "", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             v.App,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSON:            conf.LogJSON,
		MaxErrorLinks:   conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"host", conf.Host,
		"port", conf.Port,
		"trust_proxy", conf.TrustProxy,
		"build_dir", conf.BuildDir,
		"render_upstream", conf.RenderUpstream,
		"ollama_url", conf.OllamaURL,
		"ollama_model", conf.OllamaModel,
		"rate_limit", conf.RateLimit,
		"rate_window", conf.RateWindow,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"bundle_enabled", conf.BundleEnabled(),
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.App,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.App,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.App,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.App, "server", &vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// swap BUILD_DIR for the released client build when one is published
	buildDir := conf.BuildDir
	if conf.BundleEnabled() {
		start := time.Now()
		rel, err := fetchClientBundle(ctx, L, conf)
		if err != nil {
			// the release is what we are meant to serve; systemd restarts us
			L.Error(ctx, err, "client bundle fetch failed")
			os.Exit(1)
		}
		m.SetClientBundle(rel.SHA256, rel.Signed, rel.LoadedAt, time.Since(start))
		buildDir = rel.Dir
	}

	staticAssets, err := assets.New(assets.Options{
		Logger:      L,
		Root:        buildDir,
		OnForbidden: m.IncStaticForbidden,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create asset server")
		os.Exit(1)
	}

	shell := render.NewShell(staticAssets.Root())
	renderer, err := newRenderer(conf, shell, m)
	if err != nil {
		L.Error(ctx, err, "failed to create renderer", "render_upstream", conf.RenderUpstream)
		os.Exit(1)
	}

	inference, err := ollama.New(ollama.Options{
		BaseURL:       conf.OllamaURL,
		Model:         conf.OllamaModel,
		Timeout:       conf.OllamaTimeout,
		RatePerSecond: conf.OllamaRate,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create inference client")
		os.Exit(1)
	}

	translator, err := translate.New(translate.Options{
		Generator: inference,
		OnResult:  m.ObserveTranslate,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create translate handler")
		os.Exit(1)
	}

	// runCtx outlives the signal so the sweeper keeps running through the drain
	runCtx, cancelRun := context.WithCancel(log.WithContext(context.Background(), L))
	defer cancelRun()

	limiter := ratelimit.New(
		ratelimit.WithLimit(conf.RateLimit, conf.RateWindow),
		ratelimit.WithMaxEntries(conf.RateMaxClients),
		ratelimit.WithOnDenied(func(string) {
			m.IncRateLimitDenied()
		}),
		// only log the first denial per client per window
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func(size int) {
			m.OnRateLimitCapacity(size)
			L.Warn(ctx, "rate limit capacity reached, rejecting new clients until the sweep", "clients", size)
		}),
	)
	go limiter.Run(runCtx, m.OnRateLimitSweep)

	var gate health.ShutdownGate

	// ready when not draining, the build is on disk, and inference answers
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(shell.Check),
		health.WithTimeout(inference, readinessTimeout),
	)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Host:         conf.Host,
		Port:         conf.Port,
		ClientIPOpts: httpmw.ClientIPOptions{TrustProxy: conf.TrustProxy},
		Limiter:      limiter,
		Assets:       staticAssets,
		Translate:    translator,
		Render:       renderer,
		MetricsMW:    m.Middleware,
		OnPanic:      m.IncHttpPanic,
		OnHostReject: m.IncHostRejected,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin listener: metrics, probes, pprof. Rejects public peers itself in
	// case a security group is ever misconfigured.
	opsHTTPStop := func(context.Context) error { return nil }
	if conf.AdminPort != 0 {
		opsHTTPStop, err = opshttp.Start(ctx, L, opshttp.Options{
			Port:        conf.AdminPort,
			Metrics:     m.Handler(),
			EnablePprof: conf.EnablePprof,
			Health:      health.Fixed(true, ""),
			Readiness:   readiness,
			OnPanic:     m.IncHttpPanic,
		})
		if err != nil {
			L.Error(ctx, err, "failed to start ops http listener")
			os.Exit(1)
		}
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	bg := log.WithContext(context.Background(), L)
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)

	L.Info(bg, "draining", "period", drainPeriod)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}

	shutdownCtx, cancel := context.WithTimeout(bg, shutdownTimeout)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	cancelRun()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

func fetchClientBundle(ctx context.Context, L log.Logger, conf cfg.App) (*bundle.Release, error) {
	loader, err := bundle.NewLoader(ctx, bundle.Options{
		Logger:        L,
		SSMParam:      conf.BundleSSMParam,
		S3Bucket:      conf.BundleS3Bucket,
		S3Prefix:      conf.BundleS3Prefix,
		ExtractDir:    conf.BuildDir,
		SigningKeyARN: conf.BundleSigningKeyARN,
	})
	if err != nil {
		return nil, err
	}
	rel, err := loader.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	L.Info(ctx, "client bundle ready",
		"sha256", rel.SHA256,
		"dir", rel.Dir,
		"signed", rel.Signed,
		"reused", rel.Reused,
	)
	return rel, nil
}

// newRenderer proxies to the SSR process when one is configured, otherwise
// serves the SPA shell from the client build.
func newRenderer(conf cfg.App, shell *render.Shell, m *metrics.ServerMetrics) (http.Handler, error) {
	if conf.RenderUpstream == "" {
		return shell, nil
	}
	return render.NewProxy(conf.RenderUpstream, render.ProxyOptions{
		OnError: m.IncRenderError,
	})
}

func notifySystemd() error {
	// set to a unix socket path when started under systemd with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify: dial")
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return xerrors.Wrap(err, "systemd notify: write")
	}
	if err := conn.Close(); err != nil {
		return xerrors.Wrap(err, "systemd notify: close")
	}
	return nil
}
