package bytecode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ling0x/krill/pkg/ast"
)

// ValueKind discriminates runtime values.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindInt
	KindStr
	KindBool
	KindRef
	KindRecord
)

func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "Int"
	case KindStr:
		return "String"
	case KindBool:
		return "Bool"
	case KindRef:
		return "Ref"
	case KindRecord:
		return "Record"
	default:
		return fmt.Sprintf("ValueKind(%d)", uint8(k))
	}
}

// Value is a runtime datum. The set of implementations is closed: Int, Str,
// Bool, Ref and Record.
type Value interface {
	Kind() ValueKind
	// String returns the displayable form used by effects.
	String() string
	value() // marker method
}

// Int is a 64-bit integer value.
type Int int64

// Str is a string value.
type Str string

// Bool is a boolean value.
type Bool bool

func (Int) Kind() ValueKind  { return KindInt }
func (Str) Kind() ValueKind  { return KindStr }
func (Bool) Kind() ValueKind { return KindBool }

func (v Int) String() string  { return strconv.FormatInt(int64(v), 10) }
func (v Str) String() string  { return string(v) }
func (v Bool) String() string { return strconv.FormatBool(bool(v)) }

func (Int) value()  {}
func (Str) value()  {}
func (Bool) value() {}

// Address identifies a live agent instance. The actor runtime implements it.
type Address interface {
	InstanceID() string
	AgentName() string
}

// Ref is a typed handle to an agent instance accepting messages of Type.
// A Ref with a nil Target is unbound.
type Ref struct {
	Type   string
	Target Address
}

func (Ref) Kind() ValueKind { return KindRef }
func (Ref) value()          {}

// Bound reports whether r points at an instance.
func (r Ref) Bound() bool { return r.Target != nil }

func (r Ref) String() string {
	if r.Target == nil {
		return "<unbound Ref[" + r.Type + "]>"
	}
	return fmt.Sprintf("<%s#%s>", r.Target.AgentName(), shortID(r.Target.InstanceID()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FieldValue is one named field of a record.
type FieldValue struct {
	Name  string
	Value Value
}

// Record is a value of a user record type: one variant of Type with its
// fields in declaration order.
type Record struct {
	Type    string
	Variant string
	Fields  []FieldValue
}

func (*Record) Kind() ValueKind { return KindRecord }
func (*Record) value()          {}

// Field returns the named field's value.
func (r *Record) Field(name string) (Value, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (r *Record) String() string {
	var sb strings.Builder
	sb.WriteString(r.Variant)
	sb.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		if f.Value == nil {
			sb.WriteString("<nil>")
		} else {
			sb.WriteString(f.Value.String())
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

// Equal compares two values of the same kind. Records compare field-wise,
// refs by instance identity.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Int, Str, Bool:
		return a == b
	case Ref:
		y := b.(Ref)
		if x.Type != y.Type {
			return false
		}
		if x.Target == nil || y.Target == nil {
			return x.Target == nil && y.Target == nil
		}
		return x.Target.InstanceID() == y.Target.InstanceID()
	case *Record:
		y := b.(*Record)
		if x.Type != y.Type || x.Variant != y.Variant || len(x.Fields) != len(y.Fields) {
			return false
		}
		for i := range x.Fields {
			if x.Fields[i].Name != y.Fields[i].Name || !Equal(x.Fields[i].Value, y.Fields[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Conforms reports whether v is a legal runtime value for the semantic type t.
func Conforms(v Value, t ast.Type) bool {
	switch t.Kind {
	case ast.KindInt:
		_, ok := v.(Int)
		return ok
	case ast.KindString:
		_, ok := v.(Str)
		return ok
	case ast.KindBool:
		_, ok := v.(Bool)
		return ok
	case ast.KindRef:
		r, ok := v.(Ref)
		return ok && r.Type == t.Name
	case ast.KindNamed:
		r, ok := v.(*Record)
		return ok && r.Type == t.Name
	}
	return false
}

// Literal converts a literal expression node into a value.
func Literal(e ast.Expr) (Value, bool) {
	switch n := e.(type) {
	case *ast.IntLit:
		return Int(n.Value), true
	case *ast.StrLit:
		return Str(n.Value), true
	case *ast.BoolLit:
		return Bool(n.Value), true
	}
	return nil, false
}

// CopyState returns a shallow copy of a state mapping. Values are immutable,
// so a shallow copy is an independent snapshot.
func CopyState(state map[string]Value) map[string]Value {
	out := make(map[string]Value, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
