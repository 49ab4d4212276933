// Package metrics exposes Prometheus collectors for the control plane
// along with liveness and readiness handlers used by the HTTP server.
package metrics
