package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeInvalidServerConfig  = "E1002"
	ErrCodeInvalidAllowlist     = "E1003"
	ErrCodeListenerCreateFailed = "E1004"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeDialFailed            = "E2001"
	ErrCodeUpstreamConnectFailed = "E2002"
	ErrCodeConnectionClosed      = "E2003"
	ErrCodeConnectionTimeout     = "E2004"

	// HTTP Forwarding Errors (E3000-E3999)
	ErrCodeMalformedDestination  = "E3001"
	ErrCodeHTTPForwardFailed     = "E3002"
	ErrCodeHTTPHijackFailed      = "E3003"
	ErrCodeHTTPHijackUnsupported = "E3004"
	ErrCodeHTTPClientNotFound    = "E3005"

	// Tunnel Errors (E4000-E4999)
	ErrCodeMalformedTarget    = "E4001"
	ErrCodeTunnelSetupFailed  = "E4002"
	ErrCodeTunnelRelayFailed  = "E4003"
	ErrCodeWebSocketTunneling = "E4004"

	// Access Control Errors (E5000-E5999)
	ErrCodeHostNotAllowed = "E5001"

	// Egress Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed     = "E6001"
	ErrCodeSOCKS5ConnectFailed    = "E6002"
	ErrCodeHTTPProxyDialFailed    = "E6003"
	ErrCodeCONNECTRequestFailed   = "E6004"
	ErrCodeCONNECTResponseFailed  = "E6005"
	ErrCodeUpstreamProxyDenied    = "E6006"

	// Internal Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled proxy servers configured",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeInvalidAllowlist:     "Invalid allowlist configuration",
	ErrCodeListenerCreateFailed: "Failed to create network listener",

	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeConnectionTimeout:     "Connection attempt timed out",

	ErrCodeMalformedDestination:  "Malformed destination URL",
	ErrCodeHTTPForwardFailed:     "Failed to forward HTTP request",
	ErrCodeHTTPHijackFailed:      "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackUnsupported: "HTTP connection hijacking not supported",
	ErrCodeHTTPClientNotFound:    "HTTP client not found in request context",

	ErrCodeMalformedTarget:    "Malformed CONNECT target",
	ErrCodeTunnelSetupFailed:  "Tunnel establishment failed",
	ErrCodeTunnelRelayFailed:  "Tunnel relay failed",
	ErrCodeWebSocketTunneling: "WebSocket tunnel establishment failed",

	ErrCodeHostNotAllowed: "Host access denied by policy",

	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial upstream HTTP proxy",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeUpstreamProxyDenied:   "Upstream proxy denied the request",

	ErrCodeInternalError: "Internal proxy error",
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewHTTPError creates an HTTP forwarding-related error
func NewHTTPError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewAccessControlError creates an access control-related error
func NewAccessControlError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewEgressError creates an egress dialing-related error
func NewEgressError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewInternalError creates an internal error
func NewInternalError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// IsAccessControlError checks if the error is access control-related
func IsAccessControlError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E5000" && proxyErr.Code < "E6000"
	}
	return false
}

// IsEgressError checks if the error is egress-related
func IsEgressError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E6000" && proxyErr.Code < "E7000"
	}
	return false
}

// httpStatusForCode maps an error code to the client-visible status code.
func httpStatusForCode(code string) int {
	switch code {
	case ErrCodeMalformedDestination, ErrCodeMalformedTarget:
		return http.StatusBadRequest
	case ErrCodeHostNotAllowed:
		return http.StatusForbidden
	case ErrCodeConnectionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeProxyErrorResponse writes a short plain-text error body with the
// status code mapped from the error's code. Tunnel-path failures use raw
// status lines instead; this is for the regular HTTP surface only.
func writeProxyErrorResponse(w http.ResponseWriter, originalErr error, defaultErrorCode string) {
	errorCode := defaultErrorCode
	var proxyErr *Error
	if errors.As(originalErr, &proxyErr) {
		errorCode = proxyErr.Code
	}

	description := GetErrorDescription(errorCode)
	status := httpStatusForCode(errorCode)
	http.Error(w, fmt.Sprintf("[%s] %s", errorCode, description), status)
}
