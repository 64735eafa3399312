// Package vm executes compiled handlers. One Run interprets one handler
// invocation against a working copy of an agent instance's state.
package vm

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/ling0x/krill/effects"
	"github.com/ling0x/krill/pkg/ast"
	"github.com/ling0x/krill/pkg/bytecode"
)

var log = commonlog.GetLogger("krill.vm")

// Sender delivers a message to a live agent instance. The actor runtime
// implements it and applies its backpressure policy.
type Sender interface {
	SendMessage(ctx context.Context, to bytecode.Address, msg *bytecode.Record) error
}

// Machine holds what every handler run shares: the program's message
// schemas, the effect authority and the message transport.
type Machine struct {
	Program *bytecode.Program
	Effects *effects.Context
	Sender  Sender
}

// New creates a Machine.
func New(prog *bytecode.Program, ec *effects.Context, sender Sender) *Machine {
	return &Machine{Program: prog, Effects: ec, Sender: sender}
}

// Invocation is one handler run.
type Invocation struct {
	Agent   *bytecode.CompiledAgent
	Handler *bytecode.CompiledHandler
	State   map[string]bytecode.Value // never modified
	Args    []bytecode.Value          // bound to Handler.Params positionally
	Grants  effects.Grants
	Self    bytecode.Address // the running instance, if any
}

// Interpreter is the per-invocation execution state.
type Interpreter struct {
	m      *Machine
	inv    *Invocation
	state  map[string]bytecode.Value
	params map[string]bytecode.Value
	stack  []bytecode.Value
	ip     int
}

// Run executes inv and returns the resulting state. On failure the returned
// state is nil and inv.State is untouched; sends and effects performed
// before the failure are not undone.
func (m *Machine) Run(ctx context.Context, inv *Invocation) (map[string]bytecode.Value, error) {
	h := inv.Handler
	if len(inv.Args) != len(h.Params) {
		return nil, &ExecError{
			Agent: inv.Agent.Name, Handler: h.Variant, Offset: 0,
			Err: fmt.Errorf("%w: %s binds %d parameters, message carries %d", ErrTypeError, h.Variant, len(h.Params), len(inv.Args)),
		}
	}

	interp := &Interpreter{
		m:      m,
		inv:    inv,
		state:  bytecode.CopyState(inv.State),
		params: make(map[string]bytecode.Value, len(h.Params)),
		stack:  make([]bytecode.Value, 0, 8),
	}
	for i, p := range h.Params {
		interp.params[p] = inv.Args[i]
	}

	if inv.Self != nil {
		ctx = effects.WithCaller(ctx, effects.Caller{Agent: inv.Self.AgentName(), Instance: inv.Self.InstanceID()})
	}

	for interp.ip = 0; interp.ip < len(h.Code); interp.ip++ {
		ins := h.Code[interp.ip]
		if err := interp.step(ctx, ins); err != nil {
			return nil, &ExecError{
				Agent:   inv.Agent.Name,
				Handler: h.Variant,
				Offset:  interp.ip,
				Op:      ins.Opcode(),
				Err:     err,
			}
		}
	}
	if len(interp.stack) != 0 {
		log.Debugf("%s.%s left %d values on the stack", inv.Agent.Name, h.Variant, len(interp.stack))
	}
	return interp.state, nil
}

func (i *Interpreter) push(v bytecode.Value) {
	i.stack = append(i.stack, v)
}

func (i *Interpreter) pop() (bytecode.Value, error) {
	if len(i.stack) == 0 {
		return nil, ErrStackUnderflow
	}
	v := i.stack[len(i.stack)-1]
	i.stack = i.stack[:len(i.stack)-1]
	return v, nil
}

// popN pops n values and returns them in the order they were pushed.
func (i *Interpreter) popN(n int) ([]bytecode.Value, error) {
	if n < 0 || len(i.stack) < n {
		return nil, fmt.Errorf("%w: need %d values, have %d", ErrStackUnderflow, n, len(i.stack))
	}
	out := make([]bytecode.Value, n)
	copy(out, i.stack[len(i.stack)-n:])
	i.stack = i.stack[:len(i.stack)-n]
	return out, nil
}

// lookup resolves a name against state first, then parameters.
func (i *Interpreter) lookup(name string) (bytecode.Value, error) {
	if v, ok := i.state[name]; ok {
		return v, nil
	}
	if v, ok := i.params[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUndefinedVariable, name)
}

func (i *Interpreter) step(ctx context.Context, ins bytecode.Instruction) error {
	switch in := ins.(type) {
	case bytecode.LoadConst:
		i.push(in.Value)
		return nil

	case bytecode.LoadVar:
		v, err := i.lookup(in.Name)
		if err != nil {
			return err
		}
		i.push(v)
		return nil

	case bytecode.Store:
		v, err := i.pop()
		if err != nil {
			return err
		}
		if _, ok := i.state[in.Name]; !ok {
			return fmt.Errorf("%w: %s is not a state variable", ErrUndefinedVariable, in.Name)
		}
		if t, ok := i.inv.Agent.StateType(in.Name); ok && !bytecode.Conforms(v, t) {
			return fmt.Errorf("%w: cannot store %s into %s of type %s", ErrTypeError, v.Kind(), in.Name, t)
		}
		i.state[in.Name] = v
		return nil

	case bytecode.FieldAccess:
		v, err := i.pop()
		if err != nil {
			return err
		}
		rec, ok := v.(*bytecode.Record)
		if !ok {
			return fmt.Errorf("%w: .%s on %s", ErrNoSuchField, in.Field, v.Kind())
		}
		fv, ok := rec.Field(in.Field)
		if !ok {
			return fmt.Errorf("%w: %s has no field %s", ErrNoSuchField, rec.Variant, in.Field)
		}
		i.push(fv)
		return nil

	case bytecode.BinOp:
		right, err := i.pop()
		if err != nil {
			return err
		}
		left, err := i.pop()
		if err != nil {
			return err
		}
		v, err := binary(in.Op, left, right)
		if err != nil {
			return err
		}
		i.push(v)
		return nil

	case bytecode.Send:
		return i.send(ctx, in)

	case bytecode.Effect:
		return i.effect(ctx, in)
	}
	return fmt.Errorf("%w: unknown instruction %T", ErrTypeError, ins)
}

func (i *Interpreter) send(ctx context.Context, in bytecode.Send) error {
	var target bytecode.Value
	if in.TargetVar != "" {
		v, err := i.lookup(in.TargetVar)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnknownTarget, err)
		}
		target = v
	} else {
		// The target was pushed before the arguments.
		depth := len(i.stack) - in.Argc - 1
		if in.Argc < 0 || depth < 0 {
			return fmt.Errorf("%w: send needs a target and %d arguments", ErrStackUnderflow, in.Argc)
		}
		target = i.stack[depth]
	}

	ref, ok := target.(bytecode.Ref)
	if !ok {
		return fmt.Errorf("%w: send target is %s, not a reference", ErrUnknownTarget, target.Kind())
	}
	if !ref.Bound() {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, ref)
	}
	variant := i.m.Program.Variant(ref.Type, in.Variant)
	if variant == nil {
		return fmt.Errorf("%w: Ref[%s] has no variant %s", ErrTypeError, ref.Type, in.Variant)
	}

	args, err := i.popN(len(variant.Fields))
	if err != nil {
		return err
	}
	if in.TargetVar == "" {
		if _, err := i.pop(); err != nil {
			return err
		}
	}

	msg := &bytecode.Record{Type: ref.Type, Variant: variant.Name, Fields: make([]bytecode.FieldValue, len(args))}
	for n, f := range variant.Fields {
		if !bytecode.Conforms(args[n], f.Type) {
			return fmt.Errorf("%w: %s.%s wants %s, got %s", ErrTypeError, variant.Name, f.Name, f.Type, args[n].Kind())
		}
		msg.Fields[n] = bytecode.FieldValue{Name: f.Name, Value: args[n]}
	}

	if i.m.Sender == nil {
		return fmt.Errorf("%w: no runtime to deliver %s", ErrUnknownTarget, variant.Name)
	}
	return i.m.Sender.SendMessage(ctx, ref.Target, msg)
}

func (i *Interpreter) effect(ctx context.Context, in bytecode.Effect) error {
	vals, err := i.popN(in.Argc)
	if err != nil {
		return err
	}
	args := make([]string, len(vals))
	for n, v := range vals {
		args[n] = v.String()
	}

	if i.m.Effects == nil {
		return fmt.Errorf("%w: %s: no effect authority", ErrEffectDenied, in.Name)
	}
	tok, err := i.inv.Grants.Lookup(in.Name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEffectDenied, err)
	}
	if _, err := i.m.Effects.Execute(ctx, tok, args); err != nil {
		return fmt.Errorf("%s: %w", strings.ToLower(in.Name), err)
	}
	return nil
}

// binary applies op to two operands. Arithmetic takes Int×Int; equality
// takes any two values of one kind; ordering takes Int×Int or Str×Str.
func binary(op ast.BinOp, left, right bytecode.Value) (bytecode.Value, error) {
	if op.IsArithmetic() {
		l, lok := left.(bytecode.Int)
		r, rok := right.(bytecode.Int)
		if !lok || !rok {
			return nil, fmt.Errorf("%w: %s %s %s", ErrTypeError, left.Kind(), op.Symbol(), right.Kind())
		}
		switch op {
		case ast.OpAdd:
			return l + r, nil
		case ast.OpSub:
			return l - r, nil
		case ast.OpMul:
			return l * r, nil
		case ast.OpDiv:
			if r == 0 {
				return nil, ErrDivisionByZero
			}
			if l == math.MinInt64 && r == -1 {
				return nil, fmt.Errorf("%w: %d / %d", ErrIntegerOverflow, l, r)
			}
			return l / r, nil
		}
	}

	if left.Kind() != right.Kind() {
		return nil, fmt.Errorf("%w: %s %s %s", ErrTypeError, left.Kind(), op.Symbol(), right.Kind())
	}
	switch op {
	case ast.OpEq:
		return bytecode.Bool(bytecode.Equal(left, right)), nil
	case ast.OpNe:
		return bytecode.Bool(!bytecode.Equal(left, right)), nil
	case ast.OpLt, ast.OpGt:
		var cmp int
		switch l := left.(type) {
		case bytecode.Int:
			r := right.(bytecode.Int)
			switch {
			case l < r:
				cmp = -1
			case l > r:
				cmp = 1
			}
		case bytecode.Str:
			cmp = strings.Compare(string(l), string(right.(bytecode.Str)))
		default:
			return nil, fmt.Errorf("%w: %s is not ordered", ErrTypeError, left.Kind())
		}
		if op == ast.OpLt {
			return bytecode.Bool(cmp < 0), nil
		}
		return bytecode.Bool(cmp > 0), nil
	}
	return nil, fmt.Errorf("%w: unknown operator %d", ErrTypeError, uint8(op))
}
