package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"typed not found", NotFound("instance %s", "abc"), KindNotFound},
		{"typed conflict", Conflict("email taken"), KindConflict},
		{"wrapped typed error", fmt.Errorf("handler: %w", QuotaExceeded("limit reached")), KindQuotaExceeded},
		{"untyped error defaults to internal", errors.New("boom"), KindInternal},
		{"typed with cause keeps kind", Unavailable("db down").WithCause(errors.New("conn refused")), KindUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindValidation, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindInvalidCredentials, http.StatusUnauthorized},
		{KindInvalidToken, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindQuotaExceeded, http.StatusTooManyRequests},
		{KindCapacityExceeded, http.StatusServiceUnavailable},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindBreakerOpen, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.kind), "kind %s", tt.kind)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Unavailable("store unreachable").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "service_unavailable")
	assert.Contains(t, err.Error(), "connection reset")
}
