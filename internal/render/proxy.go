package render

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

// ProxyOptions configures NewProxy.
type ProxyOptions struct {
	// Transport defaults to an otelhttp-wrapped http.DefaultTransport.
	Transport http.RoundTripper
	// OnError is called for every upstream failure (metrics).
	OnError func()
}

// NewProxy returns a handler that forwards requests to upstream, keeping the
// validated Host and setting X-Forwarded-*. Upstream responses, error
// statuses included, are returned verbatim. Failing to reach the upstream at
// all is logged and answered with a generic 500.
func NewProxy(upstream string, opts ProxyOptions) (http.Handler, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, xerrors.Wrapf(err, "render: parse upstream %q", upstream)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, xerrors.Newf("render: upstream %q must be an absolute http(s) URL", upstream)
	}

	rt := opts.Transport
	if rt == nil {
		rt = otelhttp.NewTransport(http.DefaultTransport)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if r.Context().Err() != nil {
				// client went away, nobody to answer
				return
			}
			log.FromContext(r.Context()).Error(r.Context(), xerrors.Wrap(err, "render upstream"), "render upstream failed",
				"upstream", u.Host)
			if opts.OnError != nil {
				opts.OnError()
			}
			w.Header().Set("Cache-Control", "no-store")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		},
	}
	return rp, nil
}
