// Package emapi provides an HTTP client for the EM execution gateway: bearer
// session management with a single re-authentication on token expiry,
// volume-scoped file transfer (upload, streaming download, delete, list),
// pod run/status, and image build/load/list.
package emapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for classification. Use errors.Is(err, emapi.ErrNotFound)
// to check.
var (
	ErrAuthenticationFailed = errors.New("emapi: authentication failed")
	ErrUnauthorized         = errors.New("emapi: unauthorized")
	ErrLocalFileUnavailable = errors.New("emapi: local file unavailable")
	ErrNotFound             = errors.New("emapi: not found")
	ErrRejected             = errors.New("emapi: request rejected")
	ErrServerError          = errors.New("emapi: server error")
	ErrTransport            = errors.New("emapi: transport failure")
	ErrInvalidRequest       = errors.New("emapi: invalid request")

	// ErrNoCredentials means a new token is needed but the session has no
	// password to log in with. It matches ErrAuthenticationFailed.
	ErrNoCredentials = fmt.Errorf("%w: session expired and no password is available", ErrAuthenticationFailed)
)

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 1 << 20

// APIError is a structured error reported by the gateway. Body holds the
// response body exactly as received so callers can branch on the gateway's
// own semantics; Code and Detail are convenience readings of it.
type APIError struct {
	StatusCode int
	RequestID  string
	Code       string // "error" field, when it is a string
	Detail     string // "detail" or "message" field
	Body       []byte
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Code
	}

	if msg == "" {
		msg = strings.TrimSpace(string(e.Body))
	}

	if e.RequestID != "" {
		return fmt.Sprintf("emapi: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, msg)
	}

	return fmt.Sprintf("emapi: HTTP %d: %s", e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// newAPIError builds an APIError from a status code and raw body.
func newAPIError(status int, requestID string, body []byte) *APIError {
	e := &APIError{
		StatusCode: status,
		RequestID:  requestID,
		Body:       body,
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(body, &fields) == nil {
		e.Code = stringField(fields, "error", "code")
		e.Detail = stringField(fields, "detail", "message")
	}

	e.Err = classify(status, e.Code)

	return e
}

// stringField returns the first of keys whose value is a JSON string.
func stringField(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}

		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}

	return ""
}

// classify maps a status code and gateway error code to a sentinel.
// The gateway reports some missing-resource conditions with a non-404
// status and a *_NOT_FOUND code, so the code is checked too.
func classify(status int, code string) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case strings.Contains(strings.ToUpper(code), "NOT_FOUND"):
		return ErrNotFound
	case status >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return ErrRejected
	}
}

// AuthError reports a failed login exchange. Detail carries the gateway's
// reason when it gave one.
type AuthError struct {
	StatusCode int // 0 when no response was received
	Detail     string
	Cause      error
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("emapi: authentication failed: %s", e.Detail)
	}

	return fmt.Sprintf("emapi: authentication failed (HTTP %d): %s", e.StatusCode, e.Detail)
}

func (e *AuthError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrAuthenticationFailed}
	}

	return []error{ErrAuthenticationFailed, e.Cause}
}
