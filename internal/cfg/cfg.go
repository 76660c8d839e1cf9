package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
)

type App struct {
	// public listener
	Port       int
	Host       string
	TrustProxy bool

	// content
	BuildDir       string
	RenderUpstream string

	// inference
	OllamaURL     string
	OllamaModel   string
	OllamaTimeout time.Duration
	OllamaRate    float64

	// POST budget per client
	RateLimit      int
	RateWindow     time.Duration
	RateMaxClients int

	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	MaxErrorLinks   int

	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	BundleSSMParam      string
	BundleS3Bucket      string
	BundleS3Prefix      string
	BundleSigningKeyARN string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.IntVar(&c.Port, "port", 3000, "listen TCP port (1..65535)")
	fs.StringVar(&c.Host, "host", "0.0.0.0", "listen address")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", false, "take the client address from X-Forwarded-For (only behind a proxy that sets it)")
	fs.StringVar(&c.BuildDir, "build-dir", "build/client", "client build directory (index.html, assets/)")
	fs.StringVar(&c.RenderUpstream, "render-upstream", "", "SSR upstream URL; empty serves index.html from build-dir")
	fs.StringVar(&c.OllamaURL, "ollama-url", "http://127.0.0.1:11434", "inference API base URL")
	fs.StringVar(&c.OllamaModel, "ollama-model", "gemma3:4b", "default model for translation")
	fs.DurationVar(&c.OllamaTimeout, "ollama-timeout", 2*time.Minute, "per-call inference timeout")
	fs.Float64Var(&c.OllamaRate, "ollama-rate", 0, "max inference calls per second across all clients (0 = unlimited)")
	fs.IntVar(&c.RateLimit, "rate-limit", 30, "POST requests allowed per client per window")
	fs.DurationVar(&c.RateWindow, "rate-window", time.Minute, "rate limit window")
	fs.IntVar(&c.RateMaxClients, "rate-max-clients", 100000, "max clients tracked by the rate limiter (0 = unbounded)")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth in logs (0..64, 0 disables)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (0 disables)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.BundleSSMParam, "bundle-ssm-param", "", "ssm parameter holding the client build sha256")
	fs.StringVar(&c.BundleS3Bucket, "bundle-s3-bucket", "", "s3 bucket holding client builds; empty serves build-dir as is")
	fs.StringVar(&c.BundleS3Prefix, "bundle-s3-prefix", "", "s3 key prefix for client builds")
	fs.StringVar(&c.BundleSigningKeyARN, "bundle-signing-key-arn", "", "KMS key ARN for client build signature verification")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// BundleEnabled reports whether the client build is fetched from S3 at startup.
func (c App) BundleEnabled() bool { return c.BundleS3Bucket != "" }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Listeners
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d (must be 1..65535)", c.Port))
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 0..65535)", c.AdminPort))
	}
	if c.AdminPort != 0 && c.AdminPort == c.Port {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and PORT must differ (both %d)", c.Port))
	}
	if c.Host == "" || strings.ContainsAny(c.Host, " /") {
		errs = append(errs, fmt.Errorf("invalid HOST %q", c.Host))
	}

	if c.BuildDir == "" {
		errs = append(errs, fmt.Errorf("BUILD_DIR is required"))
	}
	if c.RenderUpstream != "" {
		if err := httpURL(c.RenderUpstream); err != nil {
			errs = append(errs, fmt.Errorf("RENDER_UPSTREAM %w", err))
		}
	}

	// Inference
	if err := httpURL(c.OllamaURL); err != nil {
		errs = append(errs, fmt.Errorf("OLLAMA_URL %w", err))
	}
	if strings.TrimSpace(c.OllamaModel) == "" {
		errs = append(errs, fmt.Errorf("OLLAMA_MODEL is required"))
	}
	if c.OllamaTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid OLLAMA_TIMEOUT %s (must be > 0)", c.OllamaTimeout))
	}
	if c.OllamaRate < 0 {
		errs = append(errs, fmt.Errorf("invalid OLLAMA_RATE %.2f (must be >= 0)", c.OllamaRate))
	}

	// Rate limiter
	if c.RateLimit < 1 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT %d (must be >= 1)", c.RateLimit))
	}
	if c.RateWindow < time.Second {
		errs = append(errs, fmt.Errorf("invalid RATE_WINDOW %s (must be >= 1s)", c.RateWindow))
	}
	if c.RateMaxClients < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_MAX_CLIENTS %d (must be >= 0)", c.RateMaxClients))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.MaxErrorLinks < 0 || c.MaxErrorLinks > 64 {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 0..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Client build bundle
	if c.BundleEnabled() && c.BundleSSMParam == "" {
		errs = append(errs, fmt.Errorf("BUNDLE_SSM_PARAM is required when BUNDLE_S3_BUCKET is set"))
	}
	if !c.BundleEnabled() && c.BundleSigningKeyARN != "" {
		errs = append(errs, fmt.Errorf("BUNDLE_SIGNING_KEY_ARN set without BUNDLE_S3_BUCKET"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func httpURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a URL (got %q): %v", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http(s) URL (got %q)", raw)
	}
	return nil
}
