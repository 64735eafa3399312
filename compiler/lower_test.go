package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ling0x/krill/pkg/ast"
	"github.com/ling0x/krill/pkg/bytecode"
)

func TestCompileCounter(t *testing.T) {
	prog, err := Compile(counterProgram())
	require.NoError(t, err)
	require.Len(t, prog.Agents, 1)
	assert.Equal(t, bytecode.BytecodeVersion, prog.Version)

	counter := prog.Agent("Counter")
	require.NotNil(t, counter)
	assert.Equal(t, []bytecode.StateInit{{Name: "n", Type: ast.Int, Value: bytecode.Int(0)}}, counter.StateInit)

	bump := counter.Handler("Bump")
	require.NotNil(t, bump)
	assert.Equal(t, []string{"by"}, bump.Params)
	assert.Equal(t, []bytecode.Instruction{
		bytecode.LoadVar{Name: "n"},
		bytecode.LoadVar{Name: "by"},
		bytecode.BinOp{Op: ast.OpAdd},
		bytecode.Store{Name: "n"},
	}, bump.Code)

	report := counter.Handler("Report")
	require.NotNil(t, report)
	assert.Equal(t, []bytecode.Instruction{
		bytecode.LoadConst{Value: bytecode.Str("n =")},
		bytecode.LoadVar{Name: "n"},
		bytecode.Effect{Name: "log", Argc: 2},
	}, report.Code)
}

func TestCompileSendThroughVariable(t *testing.T) {
	prog, err := Compile(pingPongProgram())
	require.NoError(t, err)

	ping := prog.Agent("Ponger").Handler("Ping")
	assert.Equal(t, []bytecode.Instruction{
		bytecode.LoadVar{Name: "seq"},
		bytecode.LoadConst{Value: bytecode.Int(1)},
		bytecode.BinOp{Op: ast.OpAdd},
		bytecode.Send{TargetVar: "from", Variant: "Pong", Argc: 1},
	}, ping.Code)

	// Unbound reference state without an initializer.
	pinger := prog.Agent("Pinger")
	assert.Equal(t, bytecode.Ref{Type: "PingMsg"}, pinger.InitialState()["peer"])
}

func TestCompileSendThroughExpression(t *testing.T) {
	p := pingPongProgram()
	p.Types = append(p.Types, &ast.TypeDef{Name: "Relay", Variants: []*ast.Variant{
		{Name: "Forward", Fields: []*ast.Field{{Name: "via", Type: ast.NamedOf("Route")}}},
	}}, &ast.TypeDef{Name: "Route", Variants: []*ast.Variant{
		{Name: "Hop", Fields: []*ast.Field{{Name: "next", Type: ast.RefOf("PongMsg")}}},
	}})
	p.Agents = append(p.Agents, &ast.AgentDef{
		Name: "Relayer",
		Handlers: []*ast.Handler{{Variant: "Forward", Params: []string{"via"}, Body: []ast.Stmt{
			&ast.Send{
				Target:  &ast.FieldAccess{Object: ref("via"), Field: "next"},
				Variant: "Pong",
				Args:    []ast.Expr{num(7)},
			},
		}}},
	})
	require.NoError(t, Check(p))

	prog, err := Compile(p)
	require.NoError(t, err)
	assert.Equal(t, []bytecode.Instruction{
		bytecode.LoadVar{Name: "via"},
		bytecode.FieldAccess{Field: "next"},
		bytecode.LoadConst{Value: bytecode.Int(7)},
		bytecode.Send{Variant: "Pong", Argc: 1},
	}, prog.Agent("Relayer").Handler("Forward").Code)
}

func TestCompileBinaryOperandOrder(t *testing.T) {
	p := counterProgram()
	p.Agents[0].Handlers[0].Body = []ast.Stmt{
		&ast.Assign{Target: "n", Value: bin(ast.OpSub, bin(ast.OpMul, ref("n"), num(2)), ref("by"))},
	}
	prog, err := Compile(p)
	require.NoError(t, err)
	assert.Equal(t, []bytecode.Instruction{
		bytecode.LoadVar{Name: "n"},
		bytecode.LoadConst{Value: bytecode.Int(2)},
		bytecode.BinOp{Op: ast.OpMul},
		bytecode.LoadVar{Name: "by"},
		bytecode.BinOp{Op: ast.OpSub},
		bytecode.Store{Name: "n"},
	}, prog.Agents[0].Handlers[0].Code)
}

func TestCompileNonConstantInitializer(t *testing.T) {
	tests := []struct {
		name string
		sv   *ast.StateVar
	}{
		{"expression", &ast.StateVar{Name: "m", Type: ast.Int, Init: bin(ast.OpAdd, num(1), num(2))}},
		{"variable", &ast.StateVar{Name: "m", Type: ast.Int, Init: ref("n")}},
		{"missing", &ast.StateVar{Name: "m", Type: ast.String}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := counterProgram()
			p.Agents[0].State = append(p.Agents[0].State, tt.sv)
			prog, err := Compile(p)
			assert.Nil(t, prog)
			assert.ErrorIs(t, err, ErrNonConstantInitializer)
			assert.Contains(t, err.Error(), "agent Counter")
			assert.Contains(t, err.Error(), "state m")
		})
	}
}

func TestCompileDoesNotMutateInput(t *testing.T) {
	p := counterProgram()
	before := counterProgram()
	_, err := Compile(p)
	require.NoError(t, err)
	assert.Equal(t, before, p)
}

func TestCompiledProgramRoundTrips(t *testing.T) {
	prog, err := Compile(pingPongProgram())
	require.NoError(t, err)
	data, err := bytecode.Marshal(prog)
	require.NoError(t, err)
	got, err := bytecode.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, prog, got)
}
