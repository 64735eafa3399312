package compiler

import (
	"errors"
	"fmt"

	"github.com/ling0x/krill/pkg/ast"
	"github.com/ling0x/krill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Lowering: checked AST to bytecode
// ---------------------------------------------------------------------------

// Compile lowers a checked program into bytecode. It fails only on state
// initializers that are not literal constants; every such failure is
// reported.
func Compile(p *ast.Program) (*bytecode.Program, error) {
	out := &bytecode.Program{
		Version: bytecode.BytecodeVersion,
		Types:   p.Types,
	}
	var errs []error
	for _, a := range p.Agents {
		ca, err := CompileAgent(a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Agents = append(out.Agents, ca)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// CompileAgent lowers one agent definition.
func CompileAgent(a *ast.AgentDef) (*bytecode.CompiledAgent, error) {
	ca := &bytecode.CompiledAgent{Name: a.Name}

	var errs []error
	for _, sv := range a.State {
		v, err := initialValue(sv)
		if err != nil {
			errs = append(errs, &Error{Agent: a.Name, Err: err})
			continue
		}
		ca.StateInit = append(ca.StateInit, bytecode.StateInit{Name: sv.Name, Type: sv.Type, Value: v})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, h := range a.Handlers {
		ca.Handlers = append(ca.Handlers, compileHandler(h))
	}
	return ca, nil
}

// initialValue reduces a state initializer to a constant. No folding is
// attempted: the initializer must itself be a literal. Reference variables
// without an initializer start unbound.
func initialValue(sv *ast.StateVar) (bytecode.Value, error) {
	if sv.Init == nil {
		if sv.Type.IsRef() {
			return bytecode.Ref{Type: sv.Type.Name}, nil
		}
		return nil, fmt.Errorf("%w: state %s has no initializer", ErrNonConstantInitializer, sv.Name)
	}
	v, ok := bytecode.Literal(sv.Init)
	if !ok {
		return nil, fmt.Errorf("%w: state %s", ErrNonConstantInitializer, sv.Name)
	}
	return v, nil
}

// emitter accumulates one handler's instruction sequence.
type emitter struct {
	code []bytecode.Instruction
}

func (e *emitter) emit(ins bytecode.Instruction) {
	e.code = append(e.code, ins)
}

func compileHandler(h *ast.Handler) *bytecode.CompiledHandler {
	e := &emitter{}
	for _, s := range h.Body {
		e.compileStmt(s)
	}
	return &bytecode.CompiledHandler{
		Variant: h.Variant,
		Params:  append([]string(nil), h.Params...),
		Code:    e.code,
	}
}

func (e *emitter) compileStmt(s ast.Stmt) {
	switch st := s.(type) {
	case *ast.Assign:
		e.compileExpr(st.Value)
		e.emit(bytecode.Store{Name: st.Target})

	case *ast.Send:
		// A target held in a variable is resolved by the send itself;
		// any other target expression is evaluated ahead of the arguments.
		target := ""
		if v, ok := st.Target.(*ast.Var); ok {
			target = v.Name
		} else {
			e.compileExpr(st.Target)
		}
		for _, arg := range st.Args {
			e.compileExpr(arg)
		}
		e.emit(bytecode.Send{TargetVar: target, Variant: st.Variant, Argc: len(st.Args)})

	case *ast.Effect:
		for _, arg := range st.Args {
			e.compileExpr(arg)
		}
		e.emit(bytecode.Effect{Name: st.Name, Argc: len(st.Args)})
	}
}

func (e *emitter) compileExpr(x ast.Expr) {
	switch ex := x.(type) {
	case *ast.Var:
		e.emit(bytecode.LoadVar{Name: ex.Name})
	case *ast.IntLit, *ast.StrLit, *ast.BoolLit:
		v, _ := bytecode.Literal(ex)
		e.emit(bytecode.LoadConst{Value: v})
	case *ast.Binary:
		e.compileExpr(ex.Left)
		e.compileExpr(ex.Right)
		e.emit(bytecode.BinOp{Op: ex.Op})
	case *ast.FieldAccess:
		e.compileExpr(ex.Object)
		e.emit(bytecode.FieldAccess{Field: ex.Field})
	}
}
