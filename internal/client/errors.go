package client

import "github.com/pkg/errors"

// Kind classifies client failures so callers can choose how to present them.
type Kind string

const (
	// KindConfig covers missing or malformed local configuration.
	KindConfig Kind = "config"
	// KindConnectivity covers unreachable or misbehaving nodes.
	KindConnectivity Kind = "connectivity"
	// KindPrecondition covers operations attempted before their requirements
	// hold, like submitting without a connected wallet.
	KindPrecondition Kind = "precondition"
	// KindValidation covers rejected user input.
	KindValidation Kind = "validation"
	// KindAuthorization covers denied decryption requests.
	KindAuthorization Kind = "authorization"
	// KindRuntime covers everything else.
	KindRuntime Kind = "runtime"
)

// Error is a classified client error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error. err may be nil.
func E(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or KindRuntime when err is unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindRuntime
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
