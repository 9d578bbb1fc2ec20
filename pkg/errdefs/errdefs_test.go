package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", fmt.Errorf("service %q: %w", "svc", ErrNotFound), KindNotFound},
		{"already exists", fmt.Errorf("tenant a: %w", ErrAlreadyExists), KindAlreadyExists},
		{"invalid input", Wrapf(ErrInvalidInput, "bad format %q", "elf"), KindInvalidInput},
		{"unauthorized", ErrUnauthorized, KindUnauthorized},
		{"permission denied", fmt.Errorf("cap: %w", ErrPermissionDenied), KindPermissionDenied},
		{"overloaded", ErrOverloaded, KindOverloaded},
		{"circuit open", fmt.Errorf("svc: %w", ErrCircuitOpen), KindCircuitOpen},
		{"transient", ErrTransient, KindTransient},
		{"fatal", ErrFatal, KindFatal},
		{"unknown", errors.New("plain"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestDeepWrappingPreservesKind(t *testing.T) {
	inner := fmt.Errorf("open segment: %w", ErrTransient)
	outer := fmt.Errorf("event store: %w", inner)
	assert.True(t, IsTransient(outer))
	assert.Equal(t, KindTransient, KindOf(outer))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrPermissionDenied, http.StatusForbidden},
		{ErrOverloaded, http.StatusServiceUnavailable},
		{ErrCircuitOpen, http.StatusServiceUnavailable},
		{ErrTransient, http.StatusServiceUnavailable},
		{ErrFatal, http.StatusInternalServerError},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "for %v", tt.err)
	}
}

func TestRetryableOnlyTransient(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("flush: %w", ErrTransient)))
	assert.False(t, Retryable(ErrOverloaded))
	assert.False(t, Retryable(ErrCircuitOpen))
	assert.False(t, Retryable(ErrFatal))
}

func TestEnvelopeCarriesKindAndMessage(t *testing.T) {
	err := fmt.Errorf("secret %q: %w", "db-pass", ErrNotFound)
	env := AsEnvelope(err)
	assert.Equal(t, KindNotFound, env.ErrorCode)
	assert.Contains(t, env.Message, "db-pass")
	assert.False(t, env.Timestamp.IsZero())
}
