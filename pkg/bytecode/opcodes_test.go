package bytecode

import (
	"errors"
	"strings"
	"testing"

	"github.com/ling0x/krill/pkg/ast"
)

func TestInstructionsHaveMetadata(t *testing.T) {
	for _, ins := range []Instruction{
		LoadConst{}, LoadVar{}, Store{}, FieldAccess{}, BinOp{}, Send{}, Effect{},
	} {
		info := GetOpcodeInfo(ins.Opcode())
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("%T has no metadata", ins)
		}
	}
	if len(opcodeInfoTable) != 7 {
		t.Errorf("expected 7 opcodes, got %d", len(opcodeInfoTable))
	}
}

func TestOpcodeString(t *testing.T) {
	tests := []struct {
		op   Opcode
		want string
	}{
		{OpLoadConst, "LOAD_CONST"},
		{OpLoadVar, "LOAD_VAR"},
		{OpStore, "STORE"},
		{OpFieldAccess, "FIELD"},
		{OpBinOp, "BINOP"},
		{OpSend, "SEND"},
		{OpEffect, "EFFECT"},
	}

	for _, tt := range tests {
		got := tt.op.String()
		if got != tt.want {
			t.Errorf("Opcode(0x%02X).String() = %q, want %q", byte(tt.op), got, tt.want)
		}
	}
}

func TestUnknownOpcodeString(t *testing.T) {
	op := Opcode(0xEE) // Not defined
	got := op.String()
	if !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("Unknown opcode should return UNKNOWN, got %q", got)
	}
}

func TestInstructionOpcodes(t *testing.T) {
	tests := []struct {
		ins  Instruction
		want Opcode
	}{
		{LoadConst{Value: Int(1)}, OpLoadConst},
		{LoadVar{Name: "n"}, OpLoadVar},
		{Store{Name: "n"}, OpStore},
		{FieldAccess{Field: "x"}, OpFieldAccess},
		{BinOp{Op: ast.OpAdd}, OpBinOp},
		{Send{TargetVar: "peer", Variant: "Ping"}, OpSend},
		{Effect{Name: "log", Argc: 2}, OpEffect},
	}
	for _, tt := range tests {
		if got := tt.ins.Opcode(); got != tt.want {
			t.Errorf("%T.Opcode() = %v, want %v", tt.ins, got, tt.want)
		}
	}
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		ins  Instruction
		want string
	}{
		{LoadConst{Value: Int(42)}, "LOAD_CONST 42"},
		{LoadConst{Value: Str("hi")}, `LOAD_CONST "hi"`},
		{LoadVar{Name: "n"}, "LOAD_VAR n"},
		{Store{Name: "n"}, "STORE n"},
		{FieldAccess{Field: "x"}, "FIELD .x"},
		{BinOp{Op: ast.OpSub}, "BINOP SUB ; -"},
		{Send{TargetVar: "peer", Variant: "Ping", Argc: 1}, "SEND peer <- Ping/1"},
		{Send{Variant: "Ping"}, "SEND <stack> <- Ping/0"},
		{Effect{Name: "log", Argc: 2}, "EFFECT log/2"},
	}
	for _, tt := range tests {
		if got := tt.ins.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestStackEffect(t *testing.T) {
	tests := []struct {
		ins  Instruction
		want int
	}{
		{LoadConst{Value: Int(1)}, 1},
		{LoadVar{Name: "n"}, 1},
		{Store{Name: "n"}, -1},
		{FieldAccess{Field: "x"}, 0},
		{BinOp{Op: ast.OpAdd}, -1},
		{Send{TargetVar: "p", Variant: "V", Argc: 2}, -2},
		{Send{Variant: "V", Argc: 2}, -3},
		{Effect{Name: "log", Argc: 3}, -3},
	}
	for _, tt := range tests {
		if got := StackEffect(tt.ins); got != tt.want {
			t.Errorf("StackEffect(%v) = %d, want %d", tt.ins, got, tt.want)
		}
	}
}

func TestCheckStack(t *testing.T) {
	if err := counterAgent().Handlers[0].CheckStack(); err != nil {
		t.Errorf("balanced handler rejected: %v", err)
	}

	tests := []struct {
		name string
		code []Instruction
	}{
		{"store from empty stack", []Instruction{Store{Name: "n"}}},
		{"binop with one operand", []Instruction{LoadConst{Value: Int(1)}, BinOp{Op: ast.OpAdd}, Store{Name: "n"}}},
		{"send missing target", []Instruction{LoadConst{Value: Int(1)}, Send{Variant: "V", Argc: 1}}},
		{"value left behind", []Instruction{LoadVar{Name: "n"}}},
		{"negative argc", []Instruction{Effect{Name: "log", Argc: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &CompiledHandler{Variant: "V", Code: tt.code}
			if err := h.CheckStack(); !errors.Is(err, ErrUnbalancedStack) {
				t.Errorf("CheckStack() = %v, want ErrUnbalancedStack", err)
			}
		})
	}
}
