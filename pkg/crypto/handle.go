package crypto

import (
	"errors"
	"sync"
)

var (
	// ErrHandleConsumed is returned when a secret handle is opened twice.
	ErrHandleConsumed = errors.New("secret handle already consumed")
)

// redacted is what a SecretHandle yields to any serialization attempt.
const redacted = "vault:[redacted]"

// SecretHandle is a single-use reference to a connector's encrypted
// credentials. The token resolver hands one to the forwarding step, which
// exchanges it for plaintext exactly once, at the moment a backend pool is
// created. If the pool already exists the handle is simply dropped, so
// credentials are decrypted once per pool rather than once per request.
//
// Handles deliberately cannot be logged or serialized: Stringer and JSON
// marshaling both produce a redaction marker, and the plaintext never
// leaves Open's caller.
type SecretHandle struct {
	mu         sync.Mutex
	enc        *CredentialEncryptor
	ciphertext string
	consumed   bool
}

// Handle wraps stored ciphertext in a single-use handle bound to this vault.
func (e *CredentialEncryptor) Handle(ciphertext string) *SecretHandle {
	return &SecretHandle{enc: e, ciphertext: ciphertext}
}

// Open decrypts and returns the credentials plaintext. It succeeds at most
// once; subsequent calls return ErrHandleConsumed. Decryption failures are
// reported as ErrDecryptionFailed and the handle is left consumed so the
// caller cannot retry against corrupted ciphertext.
func (h *SecretHandle) Open() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.consumed {
		return "", ErrHandleConsumed
	}
	h.consumed = true

	plaintext, err := h.enc.Decrypt(h.ciphertext)
	h.ciphertext = ""
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// Consumed reports whether the handle has been opened.
func (h *SecretHandle) Consumed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumed
}

// String implements fmt.Stringer. Always redacted.
func (h *SecretHandle) String() string { return redacted }

// MarshalJSON implements json.Marshaler. Always redacted.
func (h *SecretHandle) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// MarshalText implements encoding.TextMarshaler. Always redacted.
func (h *SecretHandle) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
