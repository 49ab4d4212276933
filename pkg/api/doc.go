/*
Package api exposes the control plane over HTTP.

Three surfaces share one chi router: the public /api/v1 tree used by clients
(JWT bearer auth), the /internal tree used by relays (shared API key), and
the operational endpoints /healthz, /readyz, and /metrics. Errors leave the
process in a single envelope shape carrying a stable error kind, a message,
and the request ID. Instance events stream to clients over a websocket at
/api/v1/events.
*/
package api
