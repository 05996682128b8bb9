package emapi

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   error
	}{
		{http.StatusUnauthorized, "", ErrUnauthorized},
		{http.StatusNotFound, "", ErrNotFound},
		{http.StatusBadRequest, "file_not_found", ErrNotFound},
		{http.StatusInternalServerError, "POD_NOT_FOUND", ErrNotFound},
		{http.StatusBadRequest, "", ErrRejected},
		{http.StatusConflict, "NAME_TAKEN", ErrRejected},
		{http.StatusBadGateway, "", ErrServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.status, tt.code), "status %d code %q", tt.status, tt.code)
	}
}

func TestAPIError_Message(t *testing.T) {
	e := newAPIError(http.StatusBadRequest, "rid-1", []byte(`{"message":"bad image"}`))
	assert.Equal(t, "emapi: HTTP 400 (request-id: rid-1): bad image", e.Error())

	e = newAPIError(http.StatusBadGateway, "", []byte("  upstream  "))
	assert.Equal(t, "emapi: HTTP 502: upstream", e.Error())
	assert.Empty(t, e.Code)
	assert.True(t, errors.Is(e, ErrServerError))

	e = newAPIError(http.StatusBadRequest, "", []byte(`{"error":{"nested":1}}`))
	assert.Empty(t, e.Code)
}

func TestAuthError_Unwrap(t *testing.T) {
	cause := errors.New("dial failed")
	e := &AuthError{Detail: "dial failed", Cause: cause}

	assert.ErrorIs(t, e, ErrAuthenticationFailed)
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, "emapi: authentication failed: dial failed", e.Error())

	e = &AuthError{StatusCode: 401, Detail: "bad creds"}
	assert.ErrorIs(t, e, ErrAuthenticationFailed)
	assert.Equal(t, "emapi: authentication failed (HTTP 401): bad creds", e.Error())
}
