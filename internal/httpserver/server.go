package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-translate/internal/health"
	"github.com/keithlinneman/linnemanlabs-translate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
	"github.com/keithlinneman/linnemanlabs-translate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

const (
	HealthPath    = "/health"
	TranslatePath = "/api/translate"

	// bodies beyond this are refused before any handler reads them; the
	// translate handler applies its own tighter cap
	maxRequestBody = 1 << 20
)

// NewHandler builds the public handler. Order, outermost first: security
// headers, panic recovery, request plumbing (id, client ip, tracing, logger,
// metrics, access log), /health, host validation, POST rate limiting, router.
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New()
	}
	render := opts.Render
	if render == nil {
		render = http.NotFoundHandler()
	}

	r := chi.NewRouter()

	// Compress text responses (HTML/CSS/JS/JSON/SVG)
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"application/javascript",
		"text/javascript",
		"application/json",
		"image/svg+xml",
	))

	// rename the server span after the chi pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.MaxBody(maxRequestBody))

	if opts.Assets != nil {
		for _, p := range opts.Assets.Patterns() {
			r.With(httpmw.Scope("assets")).Method(http.MethodGet, p, opts.Assets)
			r.With(httpmw.Scope("assets")).Method(http.MethodHead, p, opts.Assets)
		}
	}
	if opts.Translate != nil {
		r.With(httpmw.Scope("translate")).Method(http.MethodPost, TranslatePath, opts.Translate)
	}

	// everything else, any method, goes to the renderer verbatim
	r.NotFound(httpmw.Scope("render")(render).ServeHTTP)
	r.MethodNotAllowed(httpmw.Scope("render")(render).ServeHTTP)

	var h http.Handler = r

	h = limiter.Middleware(h)
	h = httpmw.HostCheck(opts.OnHostReject)(h)
	h = healthFirst(h)

	// Access log innermost of the plumbing so it sees the final status
	h = httpmw.AccessLog()(h)
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	// Request-scoped logging (inner so it sees trace_id, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the final route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	// Client IP resolution (must be before rate limiter and logging in middleware chain)
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// lets the outer middleware read the chi pattern after routing
	h = httpmw.SeedRouteContext(h)

	h = httpmw.Recover(L, opts.OnPanic)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	return h
}

// healthFirst answers the liveness path before host validation, so probes
// that send a bare IP or no Host at all still get through.
func healthFirst(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == HealthPath {
			health.OK(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func shouldTrace(p string) bool {
	if p == HealthPath || p == "/favicon.svg" || p == "/favicon.ico" {
		return false
	}
	// hashed assets are high volume and never interesting
	return !strings.HasPrefix(p, "/assets/")
}

// Server timeout defaults. WriteTimeout leaves room for an inference
// round-trip on /api/translate.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server on Host:Port
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 3000
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(port))

	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			retErr = srv.Shutdown(sctx)
		})
		return retErr
	}
	return stop, nil
}
