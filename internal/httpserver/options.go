package httpserver

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-translate/internal/assets"
	"github.com/keithlinneman/linnemanlabs-translate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
	"github.com/keithlinneman/linnemanlabs-translate/internal/ratelimit"
)

type Options struct {
	Logger log.Logger
	Host   string
	Port   int

	ClientIPOpts httpmw.ClientIPOptions

	// Limiter budgets POSTs per client. nil gets a default limiter, which
	// then has no sweeper; main passes its own and runs Limiter.Run.
	Limiter *ratelimit.Limiter

	// Assets serves /assets/* and the allow-listed root files (GET/HEAD).
	Assets *assets.Server
	// Translate serves POST /api/translate. nil leaves the path to Render.
	Translate http.Handler
	// Render answers everything the router does not match.
	Render http.Handler

	MetricsMW    func(http.Handler) http.Handler
	OnPanic      func()
	OnHostReject func(reason string)
}
