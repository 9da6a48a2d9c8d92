package faults

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure kinds the core surfaces. Every failure
// maps to exactly one Kind; the dispatcher derives its retry decision from it.
type Kind string

const (
	KindValidation              Kind = "VALIDATION"
	KindAuthExpired             Kind = "AUTH_EXPIRED"
	KindAuthRevoked             Kind = "AUTH_REVOKED"
	KindAuthStateInvalid        Kind = "AUTH_STATE_INVALID"
	KindInvalidGrant            Kind = "INVALID_GRANT"
	KindConfigMissing           Kind = "CONFIG_MISSING"
	KindRepostCooldown          Kind = "REPOST_COOLDOWN"
	KindMediaUnsupported        Kind = "MEDIA_UNSUPPORTED"
	KindUploadProcessingTimeout Kind = "UPLOAD_PROCESSING_TIMEOUT"
	KindRateLimited             Kind = "RATE_LIMITED"
	KindPlatformTransient       Kind = "PLATFORM_TRANSIENT"
	KindPlatformPermanent       Kind = "PLATFORM_PERMANENT"
	KindStorageUnavailable      Kind = "STORAGE_UNAVAILABLE"
	KindCryptoTamper            Kind = "CRYPTO_TAMPER"
	KindTimeout                 Kind = "TIMEOUT"
	KindInternal                Kind = "INTERNAL"
)

// Error is the typed failure value carried through the core. Message must
// never contain tokens, ciphertext or stack traces; callers store it on
// Post.last_error_message as-is (truncated).
type Error struct {
	Kind    Kind
	Message string
	// RetryAfterMS is a platform-supplied retry hint, 0 when absent.
	// Meaningful for RATE_LIMITED and other transient kinds.
	RetryAfterMS int64
	// HoursRemaining accompanies REPOST_COOLDOWN denials.
	HoursRemaining int
	// Err is the wrapped cause, if any. Not included in Message.
	Err error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fault with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. The cause is kept for
// errors.Is/As but excluded from the user-visible message.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// AsFault returns the *Error inside err, wrapping untyped errors as INTERNAL.
func AsFault(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindInternal, Message: Truncate(err.Error(), 300), Err: err}
}

// Transient reports whether the dispatcher should retry a publish attempt
// that failed with this kind.
func Transient(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindPlatformTransient, KindStorageUnavailable,
		KindUploadProcessingTimeout, KindTimeout, KindAuthExpired:
		return true
	}
	return false
}

// RetryAfterMS returns the retry hint carried by err, 0 when none.
func RetryAfterMS(err error) int64 {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfterMS
	}
	return 0
}

// Truncate caps s for storage in error columns and log lines.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
