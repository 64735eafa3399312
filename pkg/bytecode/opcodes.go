package bytecode

import (
	"fmt"
	"strings"

	"github.com/ling0x/krill/pkg/ast"
)

// Opcode identifies an instruction kind.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// Constants (0x10-0x1F)
	OpLoadConst Opcode = 0x10 // Push constant value

	// Variables (0x20-0x2F)
	OpLoadVar Opcode = 0x20 // Push state variable, else handler parameter
	OpStore   Opcode = 0x21 // Pop and store into a state variable

	// Records (0x40-0x4F)
	OpFieldAccess Opcode = 0x40 // Pop record, push named field

	// Binary operators (0x50-0x6F)
	OpBinOp Opcode = 0x50 // Pop right then left, push result

	// Message sends (0x90-0x9F)
	OpSend Opcode = 0x90 // Pop args (and target if not in a variable), enqueue message

	// Effects (0xA0-0xAF)
	OpEffect Opcode = 0xA0 // Pop args, execute capability-gated effect
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name      string // Human-readable name
	StackPop  int    // How many values popped from stack (-1 = variable)
	StackPush int    // How many values pushed to stack
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpLoadConst:   {"LOAD_CONST", 0, 1},
	OpLoadVar:     {"LOAD_VAR", 0, 1},
	OpStore:       {"STORE", 1, 0},
	OpFieldAccess: {"FIELD", 1, 1},
	OpBinOp:       {"BINOP", 2, 1},
	OpSend:        {"SEND", -1, 0},
	OpEffect:      {"EFFECT", -1, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Instruction is one step of a compiled handler. The set of implementations
// is closed; the VM switches over it exhaustively.
type Instruction interface {
	Opcode() Opcode
	String() string
	instruction() // marker method
}

// LoadConst pushes Value.
type LoadConst struct{ Value Value }

// LoadVar pushes the state variable Name, or the parameter Name if no state
// variable has that name.
type LoadVar struct{ Name string }

// Store pops the top of stack into the state variable Name.
type Store struct{ Name string }

// FieldAccess pops a record and pushes its Field.
type FieldAccess struct{ Field string }

// BinOp pops right then left and pushes left Op right.
type BinOp struct{ Op ast.BinOp }

// Send enqueues a Variant message. The VM pops as many values as the
// variant declares fields. When TargetVar is empty the target reference was
// pushed before the arguments and is popped last.
type Send struct {
	TargetVar string
	Variant   string
	Argc      int
}

// Effect pops Argc values and executes the named effect with them in source
// order.
type Effect struct {
	Name string
	Argc int
}

func (LoadConst) Opcode() Opcode   { return OpLoadConst }
func (LoadVar) Opcode() Opcode     { return OpLoadVar }
func (Store) Opcode() Opcode       { return OpStore }
func (FieldAccess) Opcode() Opcode { return OpFieldAccess }
func (BinOp) Opcode() Opcode       { return OpBinOp }
func (Send) Opcode() Opcode        { return OpSend }
func (Effect) Opcode() Opcode      { return OpEffect }

func (LoadConst) instruction()   {}
func (LoadVar) instruction()     {}
func (Store) instruction()       {}
func (FieldAccess) instruction() {}
func (BinOp) instruction()       {}
func (Send) instruction()        {}
func (Effect) instruction()      {}

func (i LoadConst) String() string {
	if s, ok := i.Value.(Str); ok {
		return fmt.Sprintf("%s %q", OpLoadConst, string(s))
	}
	return fmt.Sprintf("%s %s", OpLoadConst, i.Value)
}

func (i LoadVar) String() string     { return fmt.Sprintf("%s %s", OpLoadVar, i.Name) }
func (i Store) String() string       { return fmt.Sprintf("%s %s", OpStore, i.Name) }
func (i FieldAccess) String() string { return fmt.Sprintf("%s .%s", OpFieldAccess, i.Field) }

func (i BinOp) String() string {
	return fmt.Sprintf("%s %s ; %s", OpBinOp, strings.ToUpper(i.Op.String()), i.Op.Symbol())
}

func (i Send) String() string {
	target := i.TargetVar
	if target == "" {
		target = "<stack>"
	}
	return fmt.Sprintf("%s %s <- %s/%d", OpSend, target, i.Variant, i.Argc)
}

func (i Effect) String() string { return fmt.Sprintf("%s %s/%d", OpEffect, i.Name, i.Argc) }

// StackEffect returns the net stack depth change of executing ins.
func StackEffect(ins Instruction) int {
	return GetOpcodeInfo(ins.Opcode()).StackPush - stackPop(ins)
}

func stackPop(ins Instruction) int {
	switch i := ins.(type) {
	case Send:
		if i.TargetVar == "" {
			return i.Argc + 1
		}
		return i.Argc
	case Effect:
		return i.Argc
	}
	return GetOpcodeInfo(ins.Opcode()).StackPop
}

// CheckStack verifies that no instruction of h pops more values than the
// stack holds and that h leaves the stack empty.
func (h *CompiledHandler) CheckStack() error {
	depth := 0
	for n, ins := range h.Code {
		pop := stackPop(ins)
		if pop < 0 {
			return fmt.Errorf("%w: %04d %s has a negative argument count", ErrUnbalancedStack, n, ins)
		}
		if pop > depth {
			return fmt.Errorf("%w: %04d %s pops %d of %d", ErrUnbalancedStack, n, ins, pop, depth)
		}
		depth += StackEffect(ins)
	}
	if depth != 0 {
		return fmt.Errorf("%w: %d values left on exit", ErrUnbalancedStack, depth)
	}
	return nil
}
