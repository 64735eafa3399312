// Package ast defines the program tree consumed by the krill back end.
//
// The tree is produced by an external parser (or decoded from a program
// document, see Load) and is never mutated by the checker or the compiler.
package ast

import (
	"fmt"
	"strings"
)

// Program is a complete compilation unit: message schemas plus agents.
type Program struct {
	Types  []*TypeDef
	Agents []*AgentDef
}

// Type returns the type definition with the given name, or nil.
func (p *Program) Type(name string) *TypeDef {
	for _, t := range p.Types {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Agent returns the agent definition with the given name, or nil.
func (p *Program) Agent(name string) *AgentDef {
	for _, a := range p.Agents {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// TypeDef is a named set of message variants.
type TypeDef struct {
	Name     string
	Variants []*Variant
}

// Variant returns the variant with the given name, or nil.
func (t *TypeDef) Variant(name string) *Variant {
	for _, v := range t.Variants {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// Variant is one message shape of a type.
type Variant struct {
	Name   string
	Fields []*Field
}

// Field returns the field with the given name, or nil.
func (v *Variant) Field(name string) *Field {
	for _, f := range v.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// SameShape reports whether two variants declare the same fields in the
// same order with the same types.
func (v *Variant) SameShape(o *Variant) bool {
	if len(v.Fields) != len(o.Fields) {
		return false
	}
	for i, f := range v.Fields {
		if f.Name != o.Fields[i].Name || f.Type != o.Fields[i].Type {
			return false
		}
	}
	return true
}

// Field is a named, typed slot of a variant.
type Field struct {
	Name string
	Type Type
}

// ---------------------------------------------------------------------------
// Semantic types
// ---------------------------------------------------------------------------

// Kind discriminates semantic types.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindString
	KindBool
	KindRef   // handle to an agent accepting messages of Name
	KindNamed // user record type Name
)

// Type is a semantic type. Types compare nominally with ==.
type Type struct {
	Kind Kind
	Name string // only for KindRef and KindNamed
}

var (
	Int    = Type{Kind: KindInt}
	String = Type{Kind: KindString}
	Bool   = Type{Kind: KindBool}
)

// RefOf returns Ref[name].
func RefOf(name string) Type { return Type{Kind: KindRef, Name: name} }

// NamedOf returns the record type name.
func NamedOf(name string) Type { return Type{Kind: KindNamed, Name: name} }

// IsRef reports whether t is a reference type.
func (t Type) IsRef() bool { return t.Kind == KindRef }

func (t Type) String() string {
	switch t.Kind {
	case KindInt:
		return "Int"
	case KindString:
		return "String"
	case KindBool:
		return "Bool"
	case KindRef:
		return "Ref[" + t.Name + "]"
	case KindNamed:
		return t.Name
	default:
		return "<invalid>"
	}
}

// ParseType parses the textual type notation used by program documents:
// Int, String, Bool, Ref[T] or a bare type name.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return Type{}, fmt.Errorf("empty type")
	case "Int":
		return Int, nil
	case "String":
		return String, nil
	case "Bool":
		return Bool, nil
	}
	if strings.HasPrefix(s, "Ref[") && strings.HasSuffix(s, "]") {
		inner := strings.TrimSpace(s[4 : len(s)-1])
		if inner == "" {
			return Type{}, fmt.Errorf("empty reference type in %q", s)
		}
		return RefOf(inner), nil
	}
	if strings.ContainsAny(s, "[] ") {
		return Type{}, fmt.Errorf("malformed type %q", s)
	}
	return NamedOf(s), nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// AgentDef declares persistent state and one handler per accepted variant.
type AgentDef struct {
	Name     string
	State    []*StateVar
	Handlers []*Handler
}

// StateVar is a persistent agent variable. Init may be nil only for
// reference-typed variables, which then start unbound.
type StateVar struct {
	Name string
	Type Type
	Init Expr
}

// Handler runs when a message of Variant arrives. Params bind the
// variant's fields positionally.
type Handler struct {
	Variant string
	Params  []string
	Body    []Stmt
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// Stmt is the interface for statement nodes.
type Stmt interface {
	stmt() // marker method
}

// Assign stores Value into the state variable Target.
type Assign struct {
	Target string
	Value  Expr
}

// Send enqueues Variant{Args...} on the agent referenced by Target.
type Send struct {
	Target  Expr
	Variant string
	Args    []Expr
}

// Effect performs the named capability-gated effect.
type Effect struct {
	Name string
	Args []Expr
}

func (*Assign) stmt() {}
func (*Send) stmt()   {}
func (*Effect) stmt() {}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// Expr is the interface for expression nodes.
type Expr interface {
	expr() // marker method
}

// Var references a state variable or handler parameter.
type Var struct{ Name string }

// IntLit is an integer literal.
type IntLit struct{ Value int64 }

// StrLit is a string literal.
type StrLit struct{ Value string }

// BoolLit is a boolean literal.
type BoolLit struct{ Value bool }

// Binary applies Op to Left and Right.
type Binary struct {
	Op    BinOp
	Left  Expr
	Right Expr
}

// FieldAccess projects Field out of a record-valued Object.
type FieldAccess struct {
	Object Expr
	Field  string
}

func (*Var) expr()         {}
func (*IntLit) expr()      {}
func (*StrLit) expr()      {}
func (*BoolLit) expr()     {}
func (*Binary) expr()      {}
func (*FieldAccess) expr() {}

// IsLiteral reports whether e is a literal node.
func IsLiteral(e Expr) bool {
	switch e.(type) {
	case *IntLit, *StrLit, *BoolLit:
		return true
	}
	return false
}

// BinOp is a binary operator.
type BinOp uint8

const (
	OpAdd BinOp = iota + 1
	OpSub
	OpMul
	OpDiv
	OpEq
	OpNe
	OpLt
	OpGt
)

var binOpNames = map[BinOp]string{
	OpAdd: "add",
	OpSub: "sub",
	OpMul: "mul",
	OpDiv: "div",
	OpEq:  "eq",
	OpNe:  "ne",
	OpLt:  "lt",
	OpGt:  "gt",
}

var binOpSymbols = map[BinOp]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/",
	OpEq: "==", OpNe: "!=", OpLt: "<", OpGt: ">",
}

func (op BinOp) String() string {
	if s, ok := binOpNames[op]; ok {
		return s
	}
	return fmt.Sprintf("BinOp(%d)", uint8(op))
}

// Symbol returns the infix spelling of the operator.
func (op BinOp) Symbol() string {
	if s, ok := binOpSymbols[op]; ok {
		return s
	}
	return "?"
}

// IsArithmetic reports whether op is Int x Int -> Int.
func (op BinOp) IsArithmetic() bool { return op >= OpAdd && op <= OpDiv }

// IsComparison reports whether op yields Bool.
func (op BinOp) IsComparison() bool { return op >= OpEq && op <= OpGt }

// ParseBinOp accepts either the operator name (add) or its symbol (+).
func ParseBinOp(s string) (BinOp, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for op, name := range binOpNames {
		if s == name || s == binOpSymbols[op] {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", s)
}
