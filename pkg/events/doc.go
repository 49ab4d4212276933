// Package events implements the control plane's event bus. Events are
// routed per owning user so one tenant's subscribers never observe another
// tenant's activity, while admin subscribers see the full stream.
package events
