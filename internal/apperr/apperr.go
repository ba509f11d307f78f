// Package apperr defines the stable error taxonomy shared by every component
// of the trading core. Every user-visible failure carries one of these kinds
// plus a human-readable message; stack traces are logged, never returned.
package apperr

import "fmt"

// Kind is a stable error code surfaced to callers and logged for audit.
type Kind string

const (
	KindAuth            Kind = "AUTH_ERROR"
	KindSession         Kind = "SESSION_ERROR"
	KindValidation      Kind = "VALIDATION_ERROR"
	KindConflict        Kind = "CONFLICT"
	KindPermission      Kind = "PERMISSION_ERROR"
	KindNotFound        Kind = "NOT_FOUND_ERROR"
	KindRateLimit       Kind = "RATE_LIMIT_ERROR"
	KindAPI             Kind = "API_ERROR"
	KindNetwork         Kind = "NETWORK_ERROR"
	KindTimeout         Kind = "TIMEOUT_ERROR"
	KindWebsocket       Kind = "WEBSOCKET_ERROR"
	KindCrypto          Kind = "CRYPTO_ERROR"
	KindDatabase        Kind = "DATABASE_ERROR"
	KindSerialization   Kind = "SERIALIZATION_ERROR"
	KindTrading         Kind = "TRADING_ERROR"
	KindDataIntegrity   Kind = "DATA_INTEGRITY_ERROR"
	KindConcurrency     Kind = "CONCURRENCY_ERROR"
	KindCircuitOpen     Kind = "CIRCUIT_OPEN"
	KindInternal        Kind = "INTERNAL_ERROR"
)

// Error is the typed error value threaded through every component boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that carries err as its cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := As(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

// As is a small local helper so callers need not import the errors package
// just to unwrap a single level of *Error.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Envelope is the wire shape for a failed API response: {success:false, error, error_code}.
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    Kind   `json:"error_code"`
}

// ToEnvelope converts err into the stable user-visible failure shape.
func ToEnvelope(err error) Envelope {
	var e *Error
	if As(err, &e) {
		return Envelope{Success: false, Error: e.Message, Code: e.Kind}
	}
	return Envelope{Success: false, Error: err.Error(), Code: KindInternal}
}
