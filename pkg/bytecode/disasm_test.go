package bytecode

import (
	"strings"
	"testing"

	"github.com/ling0x/krill/pkg/ast"
)

func counterAgent() *CompiledAgent {
	return &CompiledAgent{
		Name: "Counter",
		StateInit: []StateInit{
			{Name: "n", Type: ast.Int, Value: Int(0)},
			{Name: "label", Type: ast.String, Value: Str("counter")},
		},
		Handlers: []*CompiledHandler{{
			Variant: "Bump",
			Params:  []string{"by"},
			Code: []Instruction{
				LoadVar{Name: "n"},
				LoadVar{Name: "by"},
				BinOp{Op: ast.OpAdd},
				Store{Name: "n"},
			},
		}},
	}
}

func TestDisassembleAgent(t *testing.T) {
	out := counterAgent().Disassemble()

	for _, want := range []string{
		"; === agent Counter ===",
		"; Krill Bytecode v1",
		"n : Int = 0",
		`label : String = "counter"`,
		"Bump(by):",
		"0000  LOAD_VAR n",
		"0001  LOAD_VAR by",
		"0002  BINOP ADD ; +",
		"0003  STORE n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleTruncatesLongConstants(t *testing.T) {
	a := &CompiledAgent{
		Name:      "A",
		StateInit: []StateInit{{Name: "s", Type: ast.String, Value: Str(strings.Repeat("x", 100))}},
	}
	out := a.Disassemble()
	if !strings.Contains(out, "...") {
		t.Errorf("long constant should be truncated:\n%s", out)
	}
}

func TestDisassembleTruncatesOnRuneBoundaries(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"two-byte", strings.Repeat("é", 50), `"` + strings.Repeat("é", 37) + `..."`},
		{"three-byte", strings.Repeat("日", 41), `"` + strings.Repeat("日", 37) + `..."`},
		{"offset emoji", "a" + strings.Repeat("🦐", 45), `"a` + strings.Repeat("🦐", 36) + `..."`},
		{"forty runes kept", strings.Repeat("ü", 40), `"` + strings.Repeat("ü", 40) + `"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := displayConst(Str(tt.in))
			if got != tt.want {
				t.Errorf("displayConst = %s, want %s", got, tt.want)
			}
			if strings.Contains(got, `\x`) {
				t.Errorf("split a multi-byte rune: %s", got)
			}
		})
	}
}

func TestDisassembleToLines(t *testing.T) {
	lines := counterAgent().Handlers[0].DisassembleToLines()
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4", len(lines))
	}
	if lines[3] != "0003  STORE n" {
		t.Errorf("last line = %q", lines[3])
	}
}
