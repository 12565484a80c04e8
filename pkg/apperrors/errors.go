// Package apperrors defines the gateway's error taxonomy.
//
// Authorization failures (ErrTokenNotFound through ErrOperationNotAllowed)
// are terminal for a request and must be surfaced to clients in a form that
// does not reveal whether the connector exists. ErrConnectorUnavailable
// always indicates an internal problem (corrupted ciphertext or key rotation
// mismatch), never a client error.
package apperrors

import "errors"

var (
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenExhausted      = errors.New("token exhausted")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrOperationNotAllowed = errors.New("operation not allowed")

	ErrPasswordRequired       = errors.New("password required")
	ErrPasswordIncorrect      = errors.New("password incorrect")
	ErrAuthenticationRequired = errors.New("authentication required")

	ErrConnectorUnavailable = errors.New("connector unavailable")
	ErrBackendUnreachable   = errors.New("backend unreachable")
	ErrBackendTimeout       = errors.New("backend timeout")
	ErrMalformedRequest     = errors.New("malformed request")

	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrCredentialsKeyMismatch wraps decryption failures caused by records
	// encrypted under a different key. Treated as ErrConnectorUnavailable on
	// the request path.
	ErrCredentialsKeyMismatch = errors.New("connector credentials were encrypted with a different key")
)

// IsAuthorizationFailure reports whether err belongs to the class of
// failures that must be reported to clients without internal detail.
func IsAuthorizationFailure(err error) bool {
	for _, target := range []error{
		ErrTokenNotFound, ErrTokenExpired, ErrTokenExhausted, ErrTokenRevoked,
		ErrOperationNotAllowed, ErrPasswordRequired, ErrPasswordIncorrect,
		ErrAuthenticationRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
