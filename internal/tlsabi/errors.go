package tlsabi

import "fmt"

// ErrorKind classifies a TLS resolution failure
type ErrorKind int

const (
	KindSymbolNotFound ErrorKind = iota
	KindModuleNotFound
	KindAccessorConflict
	KindProbeUnsupported
	KindProbeFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindSymbolNotFound:
		return "symbol not found"
	case KindModuleNotFound:
		return "TLS module not found"
	case KindAccessorConflict:
		return "TLS accessor conflict"
	case KindProbeUnsupported:
		return "TLS probe unsupported"
	case KindProbeFailed:
		return "TLS probe failed"
	default:
		return "unknown"
	}
}

// Error is returned by the Resolver variants
type Error struct {
	Kind    ErrorKind
	Symbol  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Symbol != "" {
		msg += ": " + e.Symbol
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrSymbolNotFound   = &Error{Kind: KindSymbolNotFound}
	ErrModuleNotFound   = &Error{Kind: KindModuleNotFound}
	ErrAccessorConflict = &Error{Kind: KindAccessorConflict}
	ErrProbeUnsupported = &Error{Kind: KindProbeUnsupported}
	ErrProbeFailed      = &Error{Kind: KindProbeFailed}
)

func errorf(kind ErrorKind, symbol, format string, args ...any) *Error {
	return &Error{Kind: kind, Symbol: symbol, Message: fmt.Sprintf(format, args...)}
}
