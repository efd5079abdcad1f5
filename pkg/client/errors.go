package client

import (
	"encoding/json"
	"fmt"
)

// AuthenticationError reports a 401 or 403 from the upstream API. CanRefresh
// distinguishes an expired session (re-authentication may help) from a
// rejected one.
type AuthenticationError struct {
	StatusCode int
	CanRefresh bool
}

func (e *AuthenticationError) Error() string {
	if e.CanRefresh {
		return fmt.Sprintf("authentication expired (status %d), refresh required", e.StatusCode)
	}
	return fmt.Sprintf("authentication rejected (status %d)", e.StatusCode)
}

// APIError reports an upstream error response or a transport-level failure.
// StatusCode is zero when the request never produced an HTTP response; Body
// carries the upstream error payload when one was parseable.
type APIError struct {
	StatusCode int
	Body       json.RawMessage
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("api request failed: %v", e.Err)
	}
	if len(e.Body) > 0 {
		return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("api returned status %d", e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }
