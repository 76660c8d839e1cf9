package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

const (
	DefaultBaseURL = "http://127.0.0.1:11434"
	DefaultModel   = "gemma3:4b"
	DefaultTimeout = 2 * time.Minute

	// cap on error bodies kept in APIError
	maxErrorBody = 4 << 10
	// cap on decoded generate responses
	maxResponseBody = 4 << 20
)

type Options struct {
	BaseURL string
	Model   string
	// Timeout bounds a whole call, on top of the caller's context.
	Timeout time.Duration

	// RatePerSecond and Burst pace outbound calls so one busy edge cannot
	// queue unbounded work on a single local GPU. RatePerSecond 0 disables.
	RatePerSecond float64
	Burst         int

	HTTPClient *http.Client
}

type Client struct {
	base    *url.URL
	model   string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, xerrors.Wrapf(err, "ollama: parse base url %q", opts.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, xerrors.Newf("ollama: base url %q must be an absolute http(s) URL", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	c := &Client{base: base, model: opts.Model, timeout: opts.Timeout, http: hc}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return c, nil
}

// Model is the model used when a request does not name one.
func (c *Client) Model() string { return c.model }

type GenerateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type GenerateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options GenerateOptions `json:"options"`
}

// GenerateResponse durations are nanoseconds, as Ollama reports them.
type GenerateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	TotalDuration int64  `json:"total_duration,omitempty"`
	EvalCount     int    `json:"eval_count,omitempty"`
	EvalDuration  int64  `json:"eval_duration,omitempty"`
}

// Generate runs a non-streaming completion. A non-200 answer is an *APIError;
// a 200 with no text is ErrEmptyResponse.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = false

	body, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(err, "ollama: encode generate request")
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/generate", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out GenerateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return nil, xerrors.Wrap(err, "ollama: decode generate response")
	}
	if strings.TrimSpace(out.Response) == "" {
		return nil, ErrEmptyResponse
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return &out, nil
}

// Ping checks that the server answers /api/version.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/version", nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return resp.Body.Close()
}

// Check lets the client serve as a readiness probe.
func (c *Client) Check(ctx context.Context) error { return c.Ping(ctx) }

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			cancel()
			return nil, xerrors.Wrap(err, "ollama: wait for rate limiter")
		}
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), rd)
	if err != nil {
		cancel()
		return nil, xerrors.Wrap(err, "ollama: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, xerrors.Wrapf(err, "ollama: %s %s", method, path)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	// the timeout context must outlive do; release it with the body
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
