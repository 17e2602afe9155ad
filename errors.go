package realtime

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for client and channel state.
var (
	ErrClientClosed    = errors.New("client is closed")
	ErrChannelReleased = errors.New("channel has been released")
	ErrInvalidState    = errors.New("operation not permitted in current state")
	ErrNoKeyOrToken    = errors.New("no key, token or auth callback configured")
)

// Error codes carried by ErrorInfo. The 4xxxx range mirrors HTTP client
// errors, 5xxxx server errors, 8xxxx connection errors and 9xxxx channel errors.
const (
	CodeBadRequest          = 40000
	CodeInvalidCredentials  = 40101
	CodeTokenErrorMin       = 40140
	CodeTokenExpired        = 40142
	CodeTokenErrorMax       = 40149
	CodeTokenNotRenewable   = 40171
	CodeForbidden           = 40300
	CodeNotFound            = 40400
	CodeInternal            = 50000
	CodeTimeout             = 50003
	CodeDisconnected        = 80003
	CodeSuspended           = 80002
	CodeConnectionFailed    = 80000
	CodeConnectionClosed    = 80017
	CodeUnableToResume      = 80008
	CodeAuthCallbackFailed  = 80019
	CodeChannelFailed       = 90000
	CodeChannelInvalidState = 90001
	CodeAttachTimeout       = 90007
	CodeDetachTimeout       = 90008
	CodeChannelDetached     = 90198
)

// ErrorInfo is the error type exchanged with the service and surfaced to
// callers and listeners.
type ErrorInfo struct {
	Code       int    `json:"code"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Cause      error  `json:"-"`
}

func (e *ErrorInfo) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d/%d] %s: %v", e.StatusCode, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%d/%d] %s", e.StatusCode, e.Code, e.Message)
}

func (e *ErrorInfo) Unwrap() error {
	return e.Cause
}

// Is makes every invalid-state ErrorInfo match ErrInvalidState.
func (e *ErrorInfo) Is(target error) bool {
	return target == ErrInvalidState && e.Code == CodeChannelInvalidState
}

func newError(code, status int, msg string, cause error) *ErrorInfo {
	if info, ok := cause.(*ErrorInfo); ok && info == nil {
		cause = nil
	}
	return &ErrorInfo{Code: code, StatusCode: status, Message: msg, Cause: cause}
}

// ConnectionError represents a failure to open or maintain a transport to a host.
type ConnectionError struct {
	URL    string
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error [%s]: %s", e.URL, e.Reason)
}

// asErrorInfo converts any error into an *ErrorInfo, treating unknown errors
// as transport-level (retriable) failures.
func asErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return newTransportError(err)
}

func newTransportError(err error) *ErrorInfo {
	return newError(CodeDisconnected, http.StatusServiceUnavailable, "transport unavailable", err)
}

// isTokenError reports whether e signals an expired or otherwise unusable token.
func isTokenError(e *ErrorInfo) bool {
	return e != nil && e.Code >= CodeTokenErrorMin && e.Code <= CodeTokenErrorMax
}

// isPermanent reports whether a connection-level error must drive the
// connection to failed. Token errors are excluded: they are handled by
// refreshing the credential.
func isPermanent(e *ErrorInfo) bool {
	if e == nil || isTokenError(e) {
		return false
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return true
	}
	return e.Code >= 40000 && e.Code < 50000
}

// isPermanentAuthError classifies failures of the credential exchange itself.
// Only an explicit 403 is permanent; network and callback failures are retried.
func isPermanentAuthError(e *ErrorInfo) bool {
	return e != nil && e.StatusCode == http.StatusForbidden
}
