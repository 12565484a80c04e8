package proxy

import (
	"errors"
	"net/http"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
)

// DenialClass is the client-visible classification of a failed request.
// Authorization failures collapse into AccessDenied so a probing client
// cannot distinguish a wrong token from a revoked one, an exhausted link,
// or a connector that exists but forbids the operation.
type DenialClass int

const (
	// AccessDenied covers every authorization failure.
	AccessDenied DenialClass = iota
	// BadRequest is a malformed protocol message.
	BadRequest
	// ServerError covers backend and internal failures. The client learns
	// that the gateway could not serve the request, nothing more.
	ServerError
)

// Classify maps an internal error to its client-visible class. Listeners
// frame the class in their own protocol's vocabulary.
func Classify(err error) DenialClass {
	switch {
	case apperrors.IsAuthorizationFailure(err):
		return AccessDenied
	case errors.Is(err, apperrors.ErrMalformedRequest):
		return BadRequest
	default:
		return ServerError
	}
}

// ClientMessage is the only text a denied client ever sees for its class.
func ClientMessage(class DenialClass) string {
	switch class {
	case AccessDenied:
		return "access denied"
	case BadRequest:
		return "malformed request"
	default:
		return "internal error"
	}
}

// HTTPStatus maps a denial class to its HTTP status code.
func HTTPStatus(class DenialClass) int {
	switch class {
	case AccessDenied:
		return http.StatusForbidden
	case BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// WriteHTTPFailure frames err for an HTTP client: the uniform message for
// its class, 504 for backend timeouts. Returns the class for accounting.
func WriteHTTPFailure(w http.ResponseWriter, err error) DenialClass {
	class := Classify(err)
	status := HTTPStatus(class)
	if class == ServerError && errors.Is(err, apperrors.ErrBackendTimeout) {
		status = http.StatusGatewayTimeout
	}
	http.Error(w, ClientMessage(class), status)
	return class
}
