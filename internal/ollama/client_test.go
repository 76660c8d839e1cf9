package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	o := Options{BaseURL: srv.URL + "/", Model: "test-model", HTTPClient: srv.Client()}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if c.base.String() != DefaultBaseURL || c.Model() != DefaultModel || c.timeout != DefaultTimeout || c.limiter != nil {
		t.Fatalf("base=%s model=%s timeout=%v limiter=%v", c.base, c.Model(), c.timeout, c.limiter)
	}
}

func TestNew_InvalidBaseURL(t *testing.T) {
	for _, u := range []string{"localhost:11434", "ftp://x", "http://", "://"} {
		if _, err := New(Options{BaseURL: u}); err == nil {
			t.Errorf("New(%q) should fail", u)
		}
	}
}

func TestGenerate_RequestAndResponse(t *testing.T) {
	var got GenerateRequest
	var gotPath, gotCT string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotCT = r.URL.Path, r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"test-model","response":"Bonjour","done":true,"total_duration":1500000000,"eval_count":7,"eval_duration":900000000}`))
	})

	resp, err := c.Generate(context.Background(), GenerateRequest{
		Prompt:  "Translate: Hello",
		Stream:  true,
		Options: GenerateOptions{Temperature: 0.3, NumPredict: 2048},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotPath != "/api/generate" || gotCT != "application/json" {
		t.Fatalf("path=%q content-type=%q", gotPath, gotCT)
	}
	if got.Model != "test-model" || got.Stream || got.Prompt != "Translate: Hello" {
		t.Fatalf("request = %+v", got)
	}
	if got.Options.Temperature != 0.3 || got.Options.NumPredict != 2048 {
		t.Fatalf("options = %+v", got.Options)
	}
	if resp.Response != "Bonjour" || !resp.Done || resp.EvalCount != 7 || resp.TotalDuration != 1500000000 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestGenerate_RequestModelOverrides(t *testing.T) {
	var got GenerateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"response":"x","done":true}`))
	})
	resp, err := c.Generate(context.Background(), GenerateRequest{Model: "other", Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "other" || resp.Model != "other" {
		t.Fatalf("sent %q, reported %q", got.Model, resp.Model)
	}
}

func TestGenerate_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model 'nope' not found"}`, http.StatusNotFound)
	})
	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Body != `{"error":"model 'nope' not found"}` {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if apiErr.Transient() {
		t.Fatal("404 is not transient")
	}
}

func TestAPIError(t *testing.T) {
	if got := (&APIError{StatusCode: 503}).Error(); got != "ollama: HTTP 503" {
		t.Fatalf("Error() = %q", got)
	}
	if got := (&APIError{StatusCode: 500, Body: "boom"}).Error(); got != "ollama: HTTP 500: boom" {
		t.Fatalf("Error() = %q", got)
	}
	if !(&APIError{StatusCode: 503}).Transient() {
		t.Fatal("503 should be transient")
	}
}

func TestGenerate_EmptyResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"  \n","done":true}`))
	})
	if _, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestGenerate_MalformedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":`))
	})
	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"})
	if err == nil || errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want a decode error", err)
	}
}

func TestGenerate_CancelledByCaller(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Generate(ctx, GenerateRequest{Prompt: "p"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not abort the call")
	}
}

func TestGenerate_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}, func(o *Options) { o.Timeout = 20 * time.Millisecond })
	defer close(release)

	if _, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestGenerate_RateLimiterRespectsContext(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"response":"ok","done":true}`))
	}, func(o *Options) { o.RatePerSecond = 0.001; o.Burst = 1 })

	if _, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Generate(ctx, GenerateRequest{Prompt: "p"}); err == nil {
		t.Fatal("second call should fail waiting for the limiter")
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"version":"0.6.0"}`))
	})
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	var apiErr *APIError
	if err := down.Ping(context.Background()); !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Fatalf("Ping on 503 = %v", err)
	}
}
