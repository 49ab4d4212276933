// Package types defines the core data model shared across bore-control
// components: users and plans, tunnel instances and their status universe,
// tunnel and refresh tokens, health samples, status history, and relays.
//
// Persisted field names are snake_case (db tags); over-the-wire names are
// owned by the API layer.
package types
