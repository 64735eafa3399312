package vm

import (
	"errors"
	"fmt"

	"github.com/ling0x/krill/pkg/bytecode"
)

// Execution failures. A failed run never commits its state changes.
var (
	ErrStackUnderflow    = errors.New("stack underflow")
	ErrTypeError         = errors.New("type error")
	ErrDivisionByZero    = errors.New("division by zero")
	ErrIntegerOverflow   = errors.New("integer overflow")
	ErrUnknownTarget     = errors.New("unknown send target")
	ErrNoSuchField       = errors.New("no such field")
	ErrEffectDenied      = errors.New("effect denied")
	ErrUndefinedVariable = errors.New("undefined variable")
)

// ExecError reports where in a handler execution failed.
type ExecError struct {
	Agent   string
	Handler string
	Offset  int
	Op      bytecode.Opcode
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s.%s @%04d %s: %v", e.Agent, e.Handler, e.Offset, e.Op, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
