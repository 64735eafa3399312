package bytecode

import (
	"testing"

	"github.com/ling0x/krill/pkg/ast"
)

type fakeAddr struct{ id, agent string }

func (a fakeAddr) InstanceID() string { return a.id }
func (a fakeAddr) AgentName() string  { return a.agent }

func point(x, y int64) *Record {
	return &Record{Type: "Point", Variant: "Pt", Fields: []FieldValue{
		{Name: "x", Value: Int(x)},
		{Name: "y", Value: Int(y)},
	}}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Int(-7), "-7"},
		{Str("hello"), "hello"},
		{Bool(true), "true"},
		{Ref{Type: "Msg"}, "<unbound Ref[Msg]>"},
		{Ref{Type: "Msg", Target: fakeAddr{id: "0123456789abcdef", agent: "Pinger"}}, "<Pinger#01234567>"},
		{point(1, 2), "Pt{x: 1, y: 2}"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("%#v.String() = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestValueKinds(t *testing.T) {
	tests := []struct {
		v    Value
		want ValueKind
	}{
		{Int(1), KindInt},
		{Str(""), KindStr},
		{Bool(false), KindBool},
		{Ref{}, KindRef},
		{&Record{}, KindRecord},
	}
	for _, tt := range tests {
		if got := tt.v.Kind(); got != tt.want {
			t.Errorf("Kind() = %v, want %v", got, tt.want)
		}
	}
}

func TestEqual(t *testing.T) {
	a := fakeAddr{id: "a", agent: "A"}
	b := fakeAddr{id: "b", agent: "A"}
	tests := []struct {
		name string
		x, y Value
		want bool
	}{
		{"ints", Int(3), Int(3), true},
		{"different ints", Int(3), Int(4), false},
		{"strings", Str("x"), Str("x"), true},
		{"bools", Bool(true), Bool(false), false},
		{"int vs string", Int(1), Str("1"), false},
		{"same ref", Ref{Type: "M", Target: a}, Ref{Type: "M", Target: a}, true},
		{"different ref", Ref{Type: "M", Target: a}, Ref{Type: "M", Target: b}, false},
		{"unbound refs", Ref{Type: "M"}, Ref{Type: "M"}, true},
		{"bound vs unbound", Ref{Type: "M", Target: a}, Ref{Type: "M"}, false},
		{"equal records", point(1, 2), point(1, 2), true},
		{"different records", point(1, 2), point(2, 1), false},
		{"nil", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.x, tt.y); got != tt.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestConforms(t *testing.T) {
	tests := []struct {
		v    Value
		t    ast.Type
		want bool
	}{
		{Int(1), ast.Int, true},
		{Int(1), ast.String, false},
		{Str("s"), ast.String, true},
		{Bool(true), ast.Bool, true},
		{Ref{Type: "M"}, ast.RefOf("M"), true},
		{Ref{Type: "M"}, ast.RefOf("N"), false},
		{point(0, 0), ast.NamedOf("Point"), true},
		{point(0, 0), ast.NamedOf("Other"), false},
	}
	for _, tt := range tests {
		if got := Conforms(tt.v, tt.t); got != tt.want {
			t.Errorf("Conforms(%v, %v) = %v, want %v", tt.v, tt.t, got, tt.want)
		}
	}
}

func TestRecordField(t *testing.T) {
	p := point(3, 4)
	if v, ok := p.Field("y"); !ok || v != Int(4) {
		t.Errorf("Field(y) = %v, %v", v, ok)
	}
	if _, ok := p.Field("z"); ok {
		t.Error("Field(z) should be absent")
	}
}

func TestLiteral(t *testing.T) {
	if v, ok := Literal(&ast.IntLit{Value: 5}); !ok || v != Int(5) {
		t.Errorf("Literal(5) = %v, %v", v, ok)
	}
	if v, ok := Literal(&ast.StrLit{Value: "s"}); !ok || v != Str("s") {
		t.Errorf("Literal(s) = %v, %v", v, ok)
	}
	if v, ok := Literal(&ast.BoolLit{Value: true}); !ok || v != Bool(true) {
		t.Errorf("Literal(true) = %v, %v", v, ok)
	}
	if _, ok := Literal(&ast.Var{Name: "x"}); ok {
		t.Error("a variable is not a literal")
	}
}

func TestCopyStateIsIndependent(t *testing.T) {
	orig := map[string]Value{"n": Int(1)}
	cp := CopyState(orig)
	cp["n"] = Int(2)
	if orig["n"] != Int(1) {
		t.Error("mutating the copy changed the original")
	}
}
