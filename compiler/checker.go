package compiler

import (
	"errors"
	"fmt"

	"github.com/ling0x/krill/pkg/ast"
)

// ---------------------------------------------------------------------------
// Checker: static typing of agent definitions
// ---------------------------------------------------------------------------

// Checker validates a program tree against its declared message schemas.
// It never mutates the tree. A Checker is single-use; call Check instead of
// reusing one.
type Checker struct {
	types    map[string]*ast.TypeDef
	variants map[string]*ast.Variant // first declaration of each variant name
	errs     []error

	// Current agent/handler context
	agent   string
	handler string
	state   map[string]ast.Type
	params  map[string]ast.Type
}

// NewChecker creates a checker with an empty type table.
func NewChecker() *Checker {
	return &Checker{
		types:    make(map[string]*ast.TypeDef),
		variants: make(map[string]*ast.Variant),
	}
}

// Check type checks p and returns every failure found, joined, or nil.
func Check(p *ast.Program) error {
	c := NewChecker()
	c.CheckProgram(p)
	return c.Err()
}

// Err returns the accumulated failures joined into one error, or nil.
func (c *Checker) Err() error {
	return errors.Join(c.errs...)
}

// Errors returns the accumulated failures.
func (c *Checker) Errors() []error {
	return c.errs
}

func (c *Checker) fail(err error) {
	c.errs = append(c.errs, &Error{Agent: c.agent, Handler: c.handler, Err: err})
}

func (c *Checker) failf(sentinel error, format string, args ...any) {
	c.fail(fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}

// CheckProgram registers every type definition and then checks each agent.
func (c *Checker) CheckProgram(p *ast.Program) {
	for _, t := range p.Types {
		c.registerType(t)
	}
	for _, t := range p.Types {
		for _, v := range t.Variants {
			for _, f := range v.Fields {
				if err := c.resolveType(f.Type); err != nil {
					c.errs = append(c.errs, &Error{Type: t.Name, Err: fmt.Errorf("variant %s, field %s: %w", v.Name, f.Name, err)})
				}
			}
		}
	}

	seen := make(map[string]bool)
	for _, a := range p.Agents {
		if seen[a.Name] {
			c.errs = append(c.errs, &Error{Err: fmt.Errorf("%w: %s", ErrDuplicateAgent, a.Name)})
			continue
		}
		seen[a.Name] = true
		c.checkAgent(a)
	}
}

func (c *Checker) registerType(t *ast.TypeDef) {
	if _, dup := c.types[t.Name]; dup {
		c.errs = append(c.errs, &Error{Err: fmt.Errorf("%w: %s", ErrDuplicateType, t.Name)})
		return
	}
	c.types[t.Name] = t

	local := make(map[string]bool)
	for _, v := range t.Variants {
		if local[v.Name] {
			c.errs = append(c.errs, &Error{Type: t.Name, Err: fmt.Errorf("%w: %s declared twice", ErrAmbiguousVariant, v.Name)})
			continue
		}
		local[v.Name] = true

		prev, ok := c.variants[v.Name]
		if !ok {
			c.variants[v.Name] = v
			continue
		}
		if !prev.SameShape(v) {
			c.errs = append(c.errs, &Error{Type: t.Name, Err: fmt.Errorf("%w: %s is declared elsewhere with different fields", ErrAmbiguousVariant, v.Name)})
		}
	}
}

// resolveType fails if t names a type that was never registered.
func (c *Checker) resolveType(t ast.Type) error {
	switch t.Kind {
	case ast.KindInt, ast.KindString, ast.KindBool:
		return nil
	case ast.KindRef, ast.KindNamed:
		if _, ok := c.types[t.Name]; ok {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownType, t.Name)
	}
	return fmt.Errorf("%w: %s", ErrUnknownType, t)
}

func (c *Checker) checkAgent(a *ast.AgentDef) {
	c.agent = a.Name
	c.handler = ""
	c.state = make(map[string]ast.Type, len(a.State))
	defer func() { c.agent = "" }()

	for _, sv := range a.State {
		if _, dup := c.state[sv.Name]; dup {
			c.failf(ErrDuplicateState, "%s", sv.Name)
			continue
		}
		c.state[sv.Name] = sv.Type
		if err := c.resolveType(sv.Type); err != nil {
			c.fail(fmt.Errorf("state %s: %w", sv.Name, err))
			continue
		}
		// Non-literal initializers are the compiler's concern.
		if ast.IsLiteral(sv.Init) {
			if got := literalType(sv.Init); got != sv.Type {
				c.failf(ErrTypeMismatch, "state %s declared %s, initialized with %s", sv.Name, sv.Type, got)
			}
		}
	}

	handled := make(map[string]bool)
	for _, h := range a.Handlers {
		if handled[h.Variant] {
			c.failf(ErrDuplicateHandler, "%s", h.Variant)
			continue
		}
		handled[h.Variant] = true
		c.checkHandler(h)
	}
}

func (c *Checker) checkHandler(h *ast.Handler) {
	c.handler = h.Variant
	defer func() { c.handler = "" }()

	v, ok := c.variants[h.Variant]
	if !ok {
		c.failf(ErrUnknownVariant, "no type declares %s", h.Variant)
		return
	}
	if len(h.Params) != len(v.Fields) {
		c.failf(ErrArityMismatch, "%s has %d fields, handler binds %d parameters", v.Name, len(v.Fields), len(h.Params))
		return
	}
	c.params = make(map[string]ast.Type, len(h.Params))
	for i, p := range h.Params {
		c.params[p] = v.Fields[i].Type
	}

	for _, s := range h.Body {
		c.checkStmt(s)
	}
}

func (c *Checker) checkStmt(s ast.Stmt) {
	switch st := s.(type) {
	case *ast.Assign:
		want, ok := c.state[st.Target]
		if !ok {
			c.failf(ErrUndefinedVariable, "cannot assign to %s", st.Target)
			c.infer(st.Value)
			return
		}
		got, ok := c.infer(st.Value)
		if ok && got != want {
			c.failf(ErrTypeMismatch, "cannot assign %s to %s of type %s", got, st.Target, want)
		}

	case *ast.Send:
		c.checkSend(st)

	case *ast.Effect:
		// Effect names are authorized at run time; only the arguments are typed.
		for _, arg := range st.Args {
			c.infer(arg)
		}
	}
}

func (c *Checker) checkSend(st *ast.Send) {
	target, ok := c.infer(st.Target)
	argTypes := make([]ast.Type, len(st.Args))
	argsOK := true
	for i, arg := range st.Args {
		var ok bool
		if argTypes[i], ok = c.infer(arg); !ok {
			argsOK = false
		}
	}
	if !ok {
		return
	}
	if !target.IsRef() {
		c.failf(ErrTypeMismatch, "send target must be a reference, got %s", target)
		return
	}
	td, ok := c.types[target.Name]
	if !ok {
		return // already reported where the reference type was declared
	}
	v := td.Variant(st.Variant)
	if v == nil {
		c.failf(ErrUnknownVariant, "%s has no variant %s", td.Name, st.Variant)
		return
	}
	if len(st.Args) != len(v.Fields) {
		c.failf(ErrArityMismatch, "%s takes %d arguments, got %d", v.Name, len(v.Fields), len(st.Args))
		return
	}
	if !argsOK {
		return
	}
	for i, f := range v.Fields {
		if argTypes[i] != f.Type {
			c.failf(ErrTypeMismatch, "argument %d (%s) of %s: want %s, got %s", i+1, f.Name, v.Name, f.Type, argTypes[i])
		}
	}
}

// infer returns the static type of e. ok is false when a failure was
// reported for e or one of its operands; callers then skip checks that
// would only repeat it.
func (c *Checker) infer(e ast.Expr) (t ast.Type, ok bool) {
	switch ex := e.(type) {
	case *ast.IntLit, *ast.StrLit, *ast.BoolLit:
		return literalType(ex), true

	case *ast.Var:
		// State shadows parameters, as at run time.
		if t, ok := c.state[ex.Name]; ok {
			return t, true
		}
		if t, ok := c.params[ex.Name]; ok {
			return t, true
		}
		c.failf(ErrUndefinedVariable, "%s", ex.Name)
		return ast.Type{}, false

	case *ast.Binary:
		l, lok := c.infer(ex.Left)
		r, rok := c.infer(ex.Right)
		if !lok || !rok {
			return ast.Type{}, false
		}
		return c.inferBinary(ex.Op, l, r)

	case *ast.FieldAccess:
		obj, ok := c.infer(ex.Object)
		if !ok {
			return ast.Type{}, false
		}
		return c.inferField(obj, ex.Field)
	}
	c.failf(ErrTypeMismatch, "unsupported expression %T", e)
	return ast.Type{}, false
}

func (c *Checker) inferBinary(op ast.BinOp, l, r ast.Type) (ast.Type, bool) {
	switch {
	case op.IsArithmetic():
		if l == ast.Int && r == ast.Int {
			return ast.Int, true
		}
	case op == ast.OpEq || op == ast.OpNe:
		if l == r {
			return ast.Bool, true
		}
	case op == ast.OpLt || op == ast.OpGt:
		if l == r && (l == ast.Int || l == ast.String) {
			return ast.Bool, true
		}
	}
	c.failf(ErrTypeMismatch, "operator %s not defined on %s and %s", op.Symbol(), l, r)
	return ast.Type{}, false
}

func (c *Checker) inferField(obj ast.Type, field string) (ast.Type, bool) {
	if obj.Kind != ast.KindNamed {
		c.failf(ErrTypeMismatch, "field access .%s on non-record type %s", field, obj)
		return ast.Type{}, false
	}
	td, ok := c.types[obj.Name]
	if !ok {
		return ast.Type{}, false
	}
	for _, v := range td.Variants {
		if f := v.Field(field); f != nil {
			return f.Type, true
		}
	}
	c.failf(ErrTypeMismatch, "type %s has no field %s", obj.Name, field)
	return ast.Type{}, false
}

func literalType(e ast.Expr) ast.Type {
	switch e.(type) {
	case *ast.IntLit:
		return ast.Int
	case *ast.StrLit:
		return ast.String
	case *ast.BoolLit:
		return ast.Bool
	}
	return ast.Type{}
}
