package transport

import "fmt"

// Error is the typed error the transport raises for any non-2xx response or
// network failure. Code carries a machine-readable sentinel ("CONFLICT",
// "TIMEOUT", ...); Details carries the decoded error body when the server
// returned one.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("transport: %s: %s", e.Code, e.Message)
}

// CodeConflict is the sentinel the offline manager watches for to route a
// failed sync into its conflict-resolution policy.
const CodeConflict = "CONFLICT"

func (e *Error) IsConflict() bool      { return e != nil && e.Code == CodeConflict }
func (e *Error) IsUnauthorized() bool  { return e != nil && e.Status == 401 }
func (e *Error) IsForbidden() bool     { return e != nil && e.Status == 403 }
func (e *Error) IsNotFound() bool      { return e != nil && e.Status == 404 }
func (e *Error) IsBadRequest() bool    { return e != nil && e.Status == 400 }
func (e *Error) IsRateLimited() bool   { return e != nil && e.Status == 429 }
func (e *Error) IsClientError() bool   { return e != nil && e.Status >= 400 && e.Status < 500 }
func (e *Error) IsServerError() bool   { return e != nil && e.Status >= 500 }
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	return e.IsServerError() || e.Code == "TIMEOUT" || e.Code == "NETWORK_ERROR"
}
