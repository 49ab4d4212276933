// Package relay tracks the fleet of tunnel relay servers. The Registry keeps
// an in-memory view of every relay, smooths reported bandwidth with an
// exponential moving average, and picks the least-utilized relay for new
// connections. Each relay gets its own circuit breaker so a flapping relay
// stops receiving probes until its reset window passes.
package relay
