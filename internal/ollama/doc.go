// Package ollama is a small client for a local Ollama inference server. It
// covers the two calls the translate API needs: a non-streaming generate and
// a version ping used for readiness.
//
// Every call takes a context. The translate handler passes the inbound
// request's context, so a browser abandoning a superseded request cancels the
// upstream generation instead of letting it run to completion.
package ollama
