// Package client provides a Go client for the control plane's public HTTP
// API. It is used by the CLI and by integration tooling; server errors are
// mapped back to errdefs kinds so callers can branch on them.
package client
