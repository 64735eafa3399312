package bytecode

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ling0x/krill/pkg/ast"
)

// Programs and state snapshots are encoded as canonical CBOR so that equal
// inputs always produce identical bytes.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

var (
	ErrVersionMismatch = errors.New("bytecode version mismatch")
	ErrCorruptProgram  = errors.New("corrupt bytecode program")
	ErrUnbalancedStack = errors.New("unbalanced handler stack")
)

type wireProgram struct {
	Version uint16         `cbor:"version"`
	Types   []*ast.TypeDef `cbor:"types"`
	Agents  []wireAgent    `cbor:"agents"`
}

type wireAgent struct {
	Name     string        `cbor:"name"`
	State    []wireState   `cbor:"state"`
	Handlers []wireHandler `cbor:"handlers"`
}

type wireState struct {
	Name  string    `cbor:"name"`
	Type  ast.Type  `cbor:"type"`
	Value wireValue `cbor:"value"`
}

type wireHandler struct {
	Variant string      `cbor:"variant"`
	Params  []string    `cbor:"params"`
	Code    []wireInstr `cbor:"code"`
}

type wireInstr struct {
	Op    Opcode     `cbor:"op"`
	Name  string     `cbor:"name,omitempty"`
	Var   string     `cbor:"var,omitempty"`
	BinOp ast.BinOp  `cbor:"binop,omitempty"`
	Argc  int        `cbor:"argc,omitempty"`
	Value *wireValue `cbor:"value,omitempty"`
}

type wireValue struct {
	K ValueKind   `cbor:"k"`
	I int64       `cbor:"i,omitempty"`
	S string      `cbor:"s,omitempty"`
	B bool        `cbor:"b,omitempty"`
	T string      `cbor:"t,omitempty"`
	V string      `cbor:"v,omitempty"`
	F []wireField `cbor:"f,omitempty"`
}

type wireField struct {
	Name  string    `cbor:"n"`
	Value wireValue `cbor:"v"`
}

// Marshal serializes a Program to CBOR bytes.
func Marshal(p *Program) ([]byte, error) {
	w := wireProgram{Version: p.Version, Types: p.Types}
	for _, a := range p.Agents {
		wa := wireAgent{Name: a.Name}
		for _, s := range a.StateInit {
			wa.State = append(wa.State, wireState{Name: s.Name, Type: s.Type, Value: encodeValue(s.Value)})
		}
		for _, h := range a.Handlers {
			wh := wireHandler{Variant: h.Variant, Params: h.Params}
			for _, ins := range h.Code {
				wh.Code = append(wh.Code, encodeInstr(ins))
			}
			wa.Handlers = append(wa.Handlers, wh)
		}
		w.Agents = append(w.Agents, wa)
	}
	return cborEncMode.Marshal(w)
}

// Unmarshal deserializes a Program from CBOR bytes.
func Unmarshal(data []byte) (*Program, error) {
	var w wireProgram
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal program: %w", err)
	}
	if w.Version != BytecodeVersion {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrVersionMismatch, w.Version, BytecodeVersion)
	}
	p := &Program{Version: w.Version, Types: w.Types}
	for _, wa := range w.Agents {
		a := &CompiledAgent{Name: wa.Name}
		for _, ws := range wa.State {
			v, err := decodeValue(ws.Value)
			if err != nil {
				return nil, fmt.Errorf("agent %s, state %s: %w", wa.Name, ws.Name, err)
			}
			a.StateInit = append(a.StateInit, StateInit{Name: ws.Name, Type: ws.Type, Value: v})
		}
		for _, wh := range wa.Handlers {
			h := &CompiledHandler{Variant: wh.Variant, Params: wh.Params}
			for i, wi := range wh.Code {
				ins, err := decodeInstr(wi)
				if err != nil {
					return nil, fmt.Errorf("agent %s, handler %s, instruction %d: %w", wa.Name, wh.Variant, i, err)
				}
				h.Code = append(h.Code, ins)
			}
			if err := h.CheckStack(); err != nil {
				return nil, fmt.Errorf("agent %s, handler %s: %w", wa.Name, wh.Variant, err)
			}
			a.Handlers = append(a.Handlers, h)
		}
		p.Agents = append(p.Agents, a)
	}
	return p, nil
}

// MarshalState serializes a state mapping. Bound references are written as
// unbound ones since instance identity does not survive a process.
func MarshalState(state map[string]Value) ([]byte, error) {
	m := make(map[string]wireValue, len(state))
	for k, v := range state {
		m[k] = encodeValue(v)
	}
	return cborEncMode.Marshal(m)
}

// UnmarshalState deserializes a state mapping written by MarshalState.
func UnmarshalState(data []byte) (map[string]Value, error) {
	var m map[string]wireValue
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal state: %w", err)
	}
	state := make(map[string]Value, len(m))
	for k, wv := range m {
		v, err := decodeValue(wv)
		if err != nil {
			return nil, fmt.Errorf("state %s: %w", k, err)
		}
		state[k] = v
	}
	return state, nil
}

func encodeValue(v Value) wireValue {
	switch x := v.(type) {
	case Int:
		return wireValue{K: KindInt, I: int64(x)}
	case Str:
		return wireValue{K: KindStr, S: string(x)}
	case Bool:
		return wireValue{K: KindBool, B: bool(x)}
	case Ref:
		return wireValue{K: KindRef, T: x.Type}
	case *Record:
		w := wireValue{K: KindRecord, T: x.Type, V: x.Variant}
		for _, f := range x.Fields {
			w.F = append(w.F, wireField{Name: f.Name, Value: encodeValue(f.Value)})
		}
		return w
	}
	return wireValue{}
}

func decodeValue(w wireValue) (Value, error) {
	switch w.K {
	case KindInt:
		return Int(w.I), nil
	case KindStr:
		return Str(w.S), nil
	case KindBool:
		return Bool(w.B), nil
	case KindRef:
		return Ref{Type: w.T}, nil
	case KindRecord:
		r := &Record{Type: w.T, Variant: w.V}
		for _, f := range w.F {
			fv, err := decodeValue(f.Value)
			if err != nil {
				return nil, err
			}
			r.Fields = append(r.Fields, FieldValue{Name: f.Name, Value: fv})
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: value kind %d", ErrCorruptProgram, w.K)
}

func encodeInstr(ins Instruction) wireInstr {
	w := wireInstr{Op: ins.Opcode()}
	switch i := ins.(type) {
	case LoadConst:
		v := encodeValue(i.Value)
		w.Value = &v
	case LoadVar:
		w.Name = i.Name
	case Store:
		w.Name = i.Name
	case FieldAccess:
		w.Name = i.Field
	case BinOp:
		w.BinOp = i.Op
	case Send:
		w.Var = i.TargetVar
		w.Name = i.Variant
		w.Argc = i.Argc
	case Effect:
		w.Name = i.Name
		w.Argc = i.Argc
	}
	return w
}

func decodeInstr(w wireInstr) (Instruction, error) {
	switch w.Op {
	case OpLoadConst:
		if w.Value == nil {
			return nil, fmt.Errorf("%w: LOAD_CONST without value", ErrCorruptProgram)
		}
		v, err := decodeValue(*w.Value)
		if err != nil {
			return nil, err
		}
		return LoadConst{Value: v}, nil
	case OpLoadVar:
		return LoadVar{Name: w.Name}, nil
	case OpStore:
		return Store{Name: w.Name}, nil
	case OpFieldAccess:
		return FieldAccess{Field: w.Name}, nil
	case OpBinOp:
		return BinOp{Op: w.BinOp}, nil
	case OpSend:
		return Send{TargetVar: w.Var, Variant: w.Name, Argc: w.Argc}, nil
	case OpEffect:
		return Effect{Name: w.Name, Argc: w.Argc}, nil
	}
	return nil, fmt.Errorf("%w: unknown opcode 0x%02x", ErrCorruptProgram, byte(w.Op))
}
