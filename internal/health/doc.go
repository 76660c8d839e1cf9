// Package health provides composable probes and the HTTP handlers that expose
// them.
//
// Probes combine with [All] (AND) and [Any] (OR). [Fixed] is a static probe and
// [CheckFunc] adapts a plain function. [WithTimeout] bounds probes that reach
// across the network, such as the inference server ping.
//
// [ShutdownGate] fails readiness once set so load balancers stop routing
// new traffic while in-flight requests drain.
//
// [OK] is the public liveness endpoint. It never consults a probe: the edge
// server answers it before host validation so raw IP:port checks succeed.
package health
