package compiler

import (
	"errors"
	"strings"
)

// Checking and compilation failures. Every failure returned by Check or
// Compile wraps exactly one of these.
var (
	ErrDuplicateType          = errors.New("duplicate type")
	ErrDuplicateAgent         = errors.New("duplicate agent")
	ErrDuplicateState         = errors.New("duplicate state variable")
	ErrDuplicateHandler       = errors.New("duplicate handler")
	ErrUnknownType            = errors.New("unknown type")
	ErrUnknownVariant         = errors.New("unknown variant")
	ErrAmbiguousVariant       = errors.New("ambiguous variant")
	ErrUndefinedVariable      = errors.New("undefined variable")
	ErrTypeMismatch           = errors.New("type mismatch")
	ErrArityMismatch          = errors.New("arity mismatch")
	ErrNonConstantInitializer = errors.New("non-constant initializer")
)

// Error locates a failure inside the program.
type Error struct {
	Type    string // set for failures in a type definition
	Agent   string
	Handler string // variant name of the handler, if any
	Err     error
}

func (e *Error) Error() string {
	var parts []string
	if e.Type != "" {
		parts = append(parts, "type "+e.Type)
	}
	if e.Agent != "" {
		parts = append(parts, "agent "+e.Agent)
	}
	if e.Handler != "" {
		parts = append(parts, "handler "+e.Handler)
	}
	if len(parts) == 0 {
		return e.Err.Error()
	}
	return strings.Join(parts, ", ") + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
