package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-translate/internal/httpmw"
)

const (
	DefaultWindow     = time.Minute
	DefaultLimit      = 30
	DefaultMaxEntries = 100_000
)

// entry is one client's current window. count is only ever reset by replacing
// the window.
type entry struct {
	windowStart time.Time
	count       int
	// logged is set after the first denial in this entry's lifetime so the
	// offender is logged once, not once per request
	logged bool
}

// Limiter counts requests per client key in fixed windows. The zero value is
// not usable; call New.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	window     time.Duration
	limit      int
	maxEntries int
	now        func() time.Time

	// saturated is true while the map is full, so OnCapacity fires once per episode
	saturated bool

	onDenied      func(key string)
	onFirstDenied func(key string)
	onCapacity    func(size int)
}

type Option func(*Limiter)

// WithLimit sets how many requests each key may make per window.
func WithLimit(n int, window time.Duration) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.limit = n
		}
		if window > 0 {
			l.window = window
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxEntries bounds the number of tracked keys. 0 disables the bound.
func WithMaxEntries(n int) Option {
	return func(l *Limiter) {
		if n >= 0 {
			l.maxEntries = n
		}
	}
}

// WithOnDenied is called for every denied request (metrics).
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnFirstDenied is called once per entry lifetime on its first denial (logging).
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

// WithOnCapacity is called when a new key is turned away because the map is full.
func WithOnCapacity(fn func(size int)) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries:    make(map[string]*entry),
		window:     DefaultWindow,
		limit:      DefaultLimit,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Window is the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow records a request for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.check(key)
	return ok
}

// check is Allow plus the time until the key's window ends, for Retry-After.
func (l *Limiter) check(key string) (bool, time.Duration) {
	l.mu.Lock()
	now := l.now()

	e, exists := l.entries[key]
	if !exists || now.Sub(e.windowStart) >= l.window {
		if !exists && !l.roomLocked(now) {
			size := len(l.entries)
			notify := !l.saturated
			l.saturated = true
			l.mu.Unlock()

			if notify && l.onCapacity != nil {
				l.onCapacity(size)
			}
			if l.onDenied != nil {
				l.onDenied(key)
			}
			return false, l.window
		}
		l.entries[key] = &entry{windowStart: now, count: 1}
		l.mu.Unlock()
		return true, 0
	}

	e.count++
	if e.count <= l.limit {
		l.mu.Unlock()
		return true, 0
	}

	retry := e.windowStart.Add(l.window).Sub(now)
	first := !e.logged
	e.logged = true
	// hooks may log or touch metrics; run them without the lock
	l.mu.Unlock()

	if first && l.onFirstDenied != nil {
		l.onFirstDenied(key)
	}
	if l.onDenied != nil {
		l.onDenied(key)
	}
	return false, retry
}

// roomLocked reports whether a new key fits, sweeping inline once when full.
func (l *Limiter) roomLocked(now time.Time) bool {
	if l.maxEntries == 0 || len(l.entries) < l.maxEntries {
		l.saturated = false
		return true
	}
	l.sweepLocked(now)
	if len(l.entries) < l.maxEntries {
		l.saturated = false
		return true
	}
	return false
}

// Sweep drops every entry whose window has elapsed and returns how many it removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

func (l *Limiter) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range l.entries {
		if now.Sub(e.windowStart) >= l.window {
			delete(l.entries, k)
			n++
		}
	}
	if len(l.entries) < l.maxEntries {
		l.saturated = false
	}
	return n
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run sweeps once per window until ctx is cancelled. Start it on its own
// goroutine; it never blocks request handling beyond the sweep's lock hold.
// onSweep, if set, receives the number of entries removed and remaining.
func (l *Limiter) Run(ctx context.Context, onSweep func(removed, remaining int)) {
	t := time.NewTicker(l.window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed := l.Sweep()
			if onSweep != nil {
				onSweep(removed, l.Len())
			}
		}
	}
}

// Middleware counts POST requests against the client IP stored by
// httpmw.ClientIP and answers 429 once the window's budget is spent. Other
// methods pass through uncounted.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		ok, retry := l.check(httpmw.ClientIPFromContext(r.Context()))
		if !ok {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", retryAfterSeconds(retry))
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusTooManyRequests)
			// no detail about the budget or remaining count
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
