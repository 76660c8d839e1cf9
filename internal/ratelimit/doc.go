// Package ratelimit is a fixed-window, per-client request counter used to cap
// POSTs (translation calls) at the edge.
//
// Each client key gets a window that starts at its first counted request and
// lasts one window length. Within the window the first limit requests are
// allowed and the rest denied; once it elapses the next request starts a new
// window. A burst straddling a boundary can therefore see up to twice the
// limit in a short span. That looseness is accepted; a sliding window would
// change observable behavior.
//
// State is in-memory and single-instance. It gives no protection against
// distributed clients and forgets everything on restart.
package ratelimit
