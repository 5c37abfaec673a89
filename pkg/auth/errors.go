package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Verification outcomes. Every rejection returned by Verifier.Verify wraps one of these.
var (
	ErrUnknownApplication  = errors.New("unknown application")
	ErrApplicationDisabled = errors.New("application disabled")
	ErrStaleRequest        = errors.New("stale request")
	ErrFutureRequest       = errors.New("request timestamp in the future")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrSignatureExpired    = errors.New("signature expired")
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrUnsupportedScheme   = errors.New("unsupported signing scheme")
	ErrReplayedNonce       = errors.New("nonce already used")
	ErrKeyStoreUnavailable = errors.New("key store unavailable")
)

// SignatureError is the classified rejection surfaced to callers.
type SignatureError struct {
	Code      string
	Retryable bool
	Err       error
	Detail    string
}

func (e *SignatureError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Detail)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// HTTPStatus maps the classification onto a response code.
func (e *SignatureError) HTTPStatus() int {
	switch {
	case errors.Is(e.Err, ErrKeyStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(e.Err, ErrApplicationDisabled):
		return http.StatusForbidden
	case errors.Is(e.Err, ErrMalformedEnvelope):
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}

var codes = []struct {
	err       error
	code      string
	retryable bool
}{
	{ErrUnknownApplication, "UNKNOWN_APPLICATION", false},
	{ErrApplicationDisabled, "APPLICATION_DISABLED", false},
	{ErrStaleRequest, "STALE_REQUEST", true},
	{ErrFutureRequest, "FUTURE_REQUEST", true},
	{ErrInvalidSignature, "INVALID_SIGNATURE", false},
	{ErrSignatureExpired, "SIGNATURE_EXPIRED", false},
	{ErrMalformedEnvelope, "MALFORMED_ENVELOPE", false},
	{ErrUnsupportedScheme, "UNSUPPORTED_SCHEME", false},
	{ErrReplayedNonce, "REPLAYED_NONCE", false},
	{ErrKeyStoreUnavailable, "KEYSTORE_UNAVAILABLE", true},
}

func reject(sentinel error, detail string) *SignatureError {
	for _, c := range codes {
		if c.err == sentinel {
			return &SignatureError{Code: c.code, Retryable: c.retryable, Err: sentinel, Detail: detail}
		}
	}
	return &SignatureError{Code: "INVALID_SIGNATURE", Err: ErrInvalidSignature, Detail: detail}
}

// Classify turns any error into a SignatureError. Errors that match no sentinel
// become INVALID_SIGNATURE so nothing unstructured reaches the caller.
func Classify(err error) *SignatureError {
	if err == nil {
		return nil
	}
	var se *SignatureError
	if errors.As(err, &se) {
		return se
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return &SignatureError{Code: c.code, Retryable: c.retryable, Err: c.err, Detail: detailOf(err, c.err)}
		}
	}
	return &SignatureError{Code: "INVALID_SIGNATURE", Err: ErrInvalidSignature, Detail: err.Error()}
}

func detailOf(err, sentinel error) string {
	if err == sentinel {
		return ""
	}
	return err.Error()
}
