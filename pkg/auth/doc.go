// Package auth implements user authentication: signup, login, JWT access
// tokens, and rotating refresh tokens.
package auth
