package decrypt

import (
	"errors"
	"fmt"

	"github.com/highesttt/matrix-e2ee-core/pkg/store"
)

// ErrorKind discriminates decryption failures. Kinds are data, not
// control flow: callers switch on the kind to decide what to render and
// whether a later key share could make the event decryptable.
type ErrorKind string

const (
	// KindMissingContent means the event carries no encrypted payload for
	// this device. Fatal, not retryable.
	KindMissingContent ErrorKind = "missing_content"
	// KindUnsupportedAlgorithm means no decryptor exists for the declared
	// algorithm. Fatal for this event.
	KindUnsupportedAlgorithm ErrorKind = "unsupported_algorithm"
	// KindBadEncryptedMessage is a decryption or MAC failure.
	KindBadEncryptedMessage ErrorKind = "bad_encrypted_message"
	// KindUnknownSession means the group session for the event has not
	// been received yet. Retryable if a key share arrives.
	KindUnknownSession ErrorKind = "unknown_session"
)

// DecryptionError wraps every failure crossing this package's boundary.
// Withheld is set on unknown-session errors when the sender explicitly
// refused to share the key, so the caller can render "permanently
// undecryptable" instead of "waiting for key".
type DecryptionError struct {
	Kind     ErrorKind
	Withheld *store.WithheldRecord
	cause    error
}

func (e *DecryptionError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("decryption failed (%s): %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("decryption failed (%s)", e.Kind)
}

func (e *DecryptionError) Unwrap() error {
	return e.cause
}

func newError(kind ErrorKind, cause error) *DecryptionError {
	return &DecryptionError{Kind: kind, cause: cause}
}

func errorf(kind ErrorKind, format string, args ...any) *DecryptionError {
	return &DecryptionError{Kind: kind, cause: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind, or "" if err is not a DecryptionError.
func KindOf(err error) ErrorKind {
	var de *DecryptionError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// WithheldOf returns the withheld record attached to err, if any.
func WithheldOf(err error) *store.WithheldRecord {
	var de *DecryptionError
	if errors.As(err, &de) {
		return de.Withheld
	}
	return nil
}
