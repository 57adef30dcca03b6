// Package cacheerr defines the error taxonomy shared by every cache
// component, matching the kinds a caller needs to distinguish: fatal
// construction errors that must propagate, versus internal degradation
// signals a tier absorbs on its own.
package cacheerr

import "fmt"

// Kind identifies which row of the error taxonomy an error belongs to.
type Kind string

const (
	// KindInvalidKey means the encryption key material was malformed.
	KindInvalidKey Kind = "invalid_key"
	// KindDecryptionFailed means ciphertext could not be decrypted with any known key.
	KindDecryptionFailed Kind = "decryption_failed"
	// KindInvalidEntry means a CacheEntry violated its construction invariants.
	KindInvalidEntry Kind = "invalid_entry"
	// KindTierDegraded means a tier disabled itself after repeated failures.
	KindTierDegraded Kind = "tier_degraded"
	// KindIOError means a disk or database operation failed.
	KindIOError Kind = "io_error"
	// KindTimeout means an advisory lock or database lock timed out.
	KindTimeout Kind = "timeout"
	// KindMalformedWarmFile means a cache-warming input file could not be parsed.
	KindMalformedWarmFile Kind = "malformed_warm_file"
)

// Error is a typed, wrapped error carrying one taxonomy Kind. Security
// sensitive kinds (InvalidKey, DecryptionFailed) never include the
// plaintext or key material that triggered them, only a remediation
// message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, cacheerr.KindX) style matching isn't idiomatic
// for a string-typed Kind, so callers should instead match with errors.As
// and inspect Kind. Is is implemented for the narrow case of comparing
// against another *Error with the same Kind, e.g. in tests.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// InvalidKey reports malformed encryption key material.
func InvalidKey(message string, cause error) *Error {
	return newErr(KindInvalidKey, message, cause)
}

// DecryptionFailed reports that no known key could decrypt a ciphertext.
func DecryptionFailed(message string, cause error) *Error {
	return newErr(KindDecryptionFailed, message, cause)
}

// InvalidEntry reports a CacheEntry invariant violation.
func InvalidEntry(message string, cause error) *Error {
	return newErr(KindInvalidEntry, message, cause)
}

// TierDegraded reports that a tier has disabled itself.
func TierDegraded(message string) *Error {
	return newErr(KindTierDegraded, message, nil)
}

// IOError wraps a disk/database failure observed by a tier.
func IOError(message string, cause error) *Error {
	return newErr(KindIOError, message, cause)
}

// Timeout wraps an advisory-lock or database-lock timeout.
func Timeout(message string, cause error) *Error {
	return newErr(KindTimeout, message, cause)
}

// MalformedWarmFile reports a cache-warming input that could not be parsed.
func MalformedWarmFile(message string, cause error) *Error {
	return newErr(KindMalformedWarmFile, message, cause)
}
