// Package log provides structured logging for bore-control built on zerolog.
//
// Call Init once at startup, then use the global Logger or the With* helpers
// to derive component-scoped child loggers. Production deployments use JSON
// output; development uses the zerolog console writer.
package log
