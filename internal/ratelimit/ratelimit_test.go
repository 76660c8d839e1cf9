package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-translate/internal/httpmw"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(base time.Time, offset time.Duration) {
	c.mu.Lock()
	c.t = base.Add(offset)
	c.mu.Unlock()
}

func TestNew_Defaults(t *testing.T) {
	l := New()
	if l.window != time.Minute || l.limit != 30 || l.maxEntries != DefaultMaxEntries {
		t.Fatalf("window=%v limit=%d maxEntries=%d", l.window, l.limit, l.maxEntries)
	}
}

func TestAllow_LimitThenDenyThenReset(t *testing.T) {
	clk := newFakeClock()
	l := New(WithClock(clk.Now))

	for i := 1; i <= 30; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("31st request in the window should be denied")
	}

	clk.Advance(59 * time.Second)
	if l.Allow("10.0.0.1") {
		t.Fatal("still inside the window at 59s")
	}

	clk.Advance(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("request at exactly 60s should open a new window")
	}
	for i := 2; i <= 30; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d of new window should be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("31st request in the new window should be denied")
	}
}

// 30 POSTs spread over t=0..59s, a 31st at 59.5s, then one at 61s.
func TestAllow_SpreadAcrossWindow(t *testing.T) {
	clk := newFakeClock()
	base := clk.Now()
	l := New(WithClock(clk.Now))

	for i := 0; i < 30; i++ {
		clk.Set(base, time.Duration(i)*59*time.Second/29)
		if !l.Allow("1.2.3.4") {
			t.Fatalf("POST %d at %v should be allowed", i+1, clk.Now().Sub(base))
		}
	}
	clk.Set(base, 59500*time.Millisecond)
	if l.Allow("1.2.3.4") {
		t.Fatal("31st POST at 59.5s should be denied")
	}
	clk.Set(base, 61*time.Second)
	if !l.Allow("1.2.3.4") {
		t.Fatal("POST at 61s should start a new window")
	}
}

func TestAllow_BoundaryLooseness(t *testing.T) {
	clk := newFakeClock()
	l := New(WithClock(clk.Now), WithLimit(3, time.Minute))

	allowed := 0
	for i := 0; i < 3; i++ {
		if l.Allow("k") {
			allowed++
		}
	}
	clk.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		if l.Allow("k") {
			allowed++
		}
	}
	// fixed windows admit up to 2x the limit across a boundary
	if allowed != 6 {
		t.Fatalf("allowed = %d, want 6", allowed)
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(WithLimit(2, time.Minute))
	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Fatal("a should be limited")
	}
	if !l.Allow("b") {
		t.Fatal("b should have its own window")
	}
}

func TestAllow_DeniedHooks(t *testing.T) {
	var denied, first atomic.Int32
	l := New(
		WithLimit(1, time.Minute),
		WithOnDenied(func(string) { denied.Add(1) }),
		WithOnFirstDenied(func(string) { first.Add(1) }),
	)

	l.Allow("ip")
	for i := 0; i < 4; i++ {
		l.Allow("ip")
	}
	if denied.Load() != 4 {
		t.Fatalf("OnDenied = %d, want 4", denied.Load())
	}
	if first.Load() != 1 {
		t.Fatalf("OnFirstDenied = %d, want 1", first.Load())
	}
}

func TestAllow_Concurrent(t *testing.T) {
	l := New(WithLimit(30, time.Minute))
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("same") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 30 {
		t.Fatalf("allowed = %d, want exactly 30", allowed.Load())
	}
}

func TestSweep_RemovesStaleKeepsFresh(t *testing.T) {
	clk := newFakeClock()
	l := New(WithClock(clk.Now))

	l.Allow("stale")
	clk.Advance(61 * time.Second)
	l.Allow("fresh")

	if n := l.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}

	// fresh still counts within its window
	l2 := New(WithClock(clk.Now), WithLimit(1, time.Minute))
	l2.Allow("fresh")
	l2.Sweep()
	if l2.Allow("fresh") {
		t.Fatal("sweep must not reset a live window")
	}
}

func TestMaxEntries_DeniesNewKeysWhenFull(t *testing.T) {
	clk := newFakeClock()
	var capacityCalls atomic.Int32
	l := New(WithClock(clk.Now), WithMaxEntries(2), WithOnCapacity(func(int) { capacityCalls.Add(1) }))

	l.Allow("a")
	l.Allow("b")
	if l.Allow("c") {
		t.Fatal("new key should be denied when the map is full")
	}
	if l.Allow("d") {
		t.Fatal("still full")
	}
	if capacityCalls.Load() != 1 {
		t.Fatalf("OnCapacity = %d, want once per episode", capacityCalls.Load())
	}
	if !l.Allow("a") {
		t.Fatal("existing keys keep normal accounting")
	}

	// once windows expire the inline sweep makes room
	clk.Advance(time.Minute)
	if !l.Allow("c") {
		t.Fatal("inline sweep should free space")
	}
}

func TestMaxEntries_ZeroDisables(t *testing.T) {
	l := New(WithMaxEntries(0))
	for i := 0; i < 1000; i++ {
		if !l.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256)) {
			t.Fatalf("key %d denied with no bound", i)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	l := New(WithLimit(1, 10*time.Millisecond))
	l.Allow("x")

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int, 16)
	done := make(chan struct{})
	go func() {
		l.Run(ctx, func(removed, _ int) { swept <- removed })
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("Run never swept")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if l.Len() != 0 {
		t.Fatalf("Len = %d after sweep", l.Len())
	}
}

func serve(h http.Handler, method, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/translate", nil)
	req = req.WithContext(httpmw.WithClientIP(req.Context(), ip))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_OnlyPOSTCounted(t *testing.T) {
	l := New(WithLimit(1, time.Minute))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		if rec := serve(h, http.MethodGet, "1.2.3.4"); rec.Code != http.StatusOK {
			t.Fatalf("GET %d = %d", i, rec.Code)
		}
	}
	if rec := serve(h, http.MethodPost, "1.2.3.4"); rec.Code != http.StatusOK {
		t.Fatalf("first POST = %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "1.2.3.4"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second POST = %d, want 429", rec.Code)
	}
}

func TestMiddleware_429Response(t *testing.T) {
	clk := newFakeClock()
	l := New(WithClock(clk.Now), WithLimit(1, time.Minute))
	called := 0
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called++ }))

	serve(h, http.MethodPost, "1.2.3.4")
	clk.Advance(20*time.Second + 300*time.Millisecond)
	rec := serve(h, http.MethodPost, "1.2.3.4")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if called != 1 {
		t.Fatalf("next called %d times, want 1", called)
	}
	if got := rec.Header().Get("Retry-After"); got != "40" {
		t.Fatalf("Retry-After = %q, want 40", got)
	}
	if got := rec.Body.String(); got != `{"error":"too many requests"}` {
		t.Fatalf("body = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       "1",
		-time.Second:            "1",
		500 * time.Millisecond:  "1",
		time.Second:             "1",
		1001 * time.Millisecond: "2",
		time.Minute:             "60",
	}
	for in, want := range tests {
		if got := retryAfterSeconds(in); got != want {
			t.Errorf("retryAfterSeconds(%v) = %q, want %q", in, got, want)
		}
	}
}
