// Package httpmw provides HTTP middleware for the public translate server.
//
// httpserver.NewHandler composes these outermost first: security headers,
// panic recovery, request ID, client IP, tracing, request logger, metrics,
// access log, then the host check that guards everything except /health.
//
// Request-controlled values other than the path (query strings, user agents,
// arbitrary headers) are kept out of log records.
package httpmw
