package bytecode

import (
	"github.com/ling0x/krill/pkg/ast"
)

// BytecodeVersion is the current program format version.
// Increment when making incompatible changes to the format.
const BytecodeVersion uint16 = 1

// Program is the compiled form of a checked program: the message schemas
// the VM needs for sends, plus one CompiledAgent per agent definition.
type Program struct {
	Version uint16
	Types   []*ast.TypeDef
	Agents  []*CompiledAgent
}

// Agent returns the compiled agent with the given name, or nil.
func (p *Program) Agent(name string) *CompiledAgent {
	for _, a := range p.Agents {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Type returns the schema with the given name, or nil.
func (p *Program) Type(name string) *ast.TypeDef {
	for _, t := range p.Types {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Variant resolves variant on the message type typeName.
func (p *Program) Variant(typeName, variant string) *ast.Variant {
	if t := p.Type(typeName); t != nil {
		return t.Variant(variant)
	}
	return nil
}

// FindVariant returns the first declaration of the named variant across all
// types. The checker guarantees repeated declarations share one shape.
func (p *Program) FindVariant(variant string) (*ast.TypeDef, *ast.Variant) {
	for _, t := range p.Types {
		if v := t.Variant(variant); v != nil {
			return t, v
		}
	}
	return nil, nil
}

// StateInit is one entry of an agent's state-initialization table.
type StateInit struct {
	Name  string
	Type  ast.Type
	Value Value
}

// CompiledAgent is the immutable bytecode form of an agent definition,
// shared read-only by every instance spawned from it.
type CompiledAgent struct {
	Name      string
	StateInit []StateInit
	Handlers  []*CompiledHandler
}

// CompiledHandler is the flat instruction sequence for one variant.
type CompiledHandler struct {
	Variant string
	Params  []string
	Code    []Instruction
}

// Handler returns the handler for variant, or nil.
func (a *CompiledAgent) Handler(variant string) *CompiledHandler {
	for _, h := range a.Handlers {
		if h.Variant == variant {
			return h
		}
	}
	return nil
}

// InitialState returns a fresh state mapping holding exactly the declared
// variables.
func (a *CompiledAgent) InitialState() map[string]Value {
	state := make(map[string]Value, len(a.StateInit))
	for _, s := range a.StateInit {
		state[s.Name] = s.Value
	}
	return state
}

// StateType returns the declared type of a state variable.
func (a *CompiledAgent) StateType(name string) (ast.Type, bool) {
	for _, s := range a.StateInit {
		if s.Name == name {
			return s.Type, true
		}
	}
	return ast.Type{}, false
}

// Accepts reports whether the agent has a handler for every variant of t,
// which is what a Ref[t] pointing at it requires.
func (a *CompiledAgent) Accepts(t *ast.TypeDef) bool {
	for _, v := range t.Variants {
		if a.Handler(v.Name) == nil {
			return false
		}
	}
	return true
}
