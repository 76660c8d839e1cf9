// Package render provides the handlers the edge server falls through to for
// every request it does not answer itself.
//
// [NewProxy] forwards to a separate server-side rendering process and returns
// its response untouched. [NewShell] serves the client build's index.html so
// the single-page app can route on the client. Either satisfies the
// dispatcher's contract: any http.Handler.
package render
