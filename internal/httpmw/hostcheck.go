package httpmw

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
)

// a bracketed IPv6 literal is at most 45 chars + brackets, plus ":65535"
const maxHostLen = 261

// hostname/IPv4 made of [A-Za-z0-9._-], or a bracketed IPv6 literal, either
// with an optional numeric port
var hostPattern = regexp.MustCompile(`^(?:[A-Za-z0-9._-]+|\[[0-9A-Fa-f:.]+\])(?::[0-9]{1,5})?$`)

// ValidHost reports whether h is a syntactically plausible host[:port].
func ValidHost(h string) bool {
	if h == "" || len(h) > maxHostLen {
		return false
	}
	return hostPattern.MatchString(h)
}

type requestURLKey struct{}

// RequestURLFromContext returns the absolute URL built by HostCheck, or nil.
func RequestURLFromContext(ctx context.Context) *url.URL {
	u, _ := ctx.Value(requestURLKey{}).(*url.URL)
	return u
}

func WithRequestURL(ctx context.Context, u *url.URL) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, requestURLKey{}, u)
}

// HostCheck rejects requests whose Host header is not a plausible host[:port]
// with 400, then builds the absolute request URL from the validated host.
// A URL that fails to parse is also a 400. onReject, if set, is called with
// the reason ("host" or "url") for metrics.
func HostCheck(onReject func(reason string)) func(http.Handler) http.Handler {
	reject := func(w http.ResponseWriter, r *http.Request, reason string) {
		log.FromContext(r.Context()).Debug(r.Context(), "request rejected", "reason", "invalid_"+reason)
		if onReject != nil {
			onReject(reason)
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ValidHost(r.Host) {
				reject(w, r, "host")
				return
			}

			u, err := url.Parse(requestScheme(r) + "://" + r.Host + requestTarget(r))
			if err != nil {
				reject(w, r, "url")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithRequestURL(r.Context(), u)))
		})
	}
}

// requestScheme trusts X-Forwarded-Proto only when it survived ClientIP,
// which strips it unless the proxy is trusted.
func requestScheme(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		p := strings.ToLower(strings.TrimSpace(strings.Split(xf, ",")[0]))
		if p == "http" || p == "https" {
			return p
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// requestTarget is the origin-form target as received. Absolute-form targets
// fall back to the parsed path so the validated Host is the only authority.
func requestTarget(r *http.Request) string {
	if strings.HasPrefix(r.RequestURI, "/") {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}
