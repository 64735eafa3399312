package manifest

import (
	"errors"
	"fmt"

	"github.com/ling0x/krill/pkg/ast"
	"github.com/ling0x/krill/pkg/bytecode"
)

// ErrBootArg reports a boot argument that cannot become a program value.
var ErrBootArg = errors.New("invalid boot argument")

// Boot is one message delivered after every agent is spawned.
//
// Arguments are TOML integers, strings and booleans, or tables:
//
//	{ ref = "Agent", type = "T" }                        a reference to a running agent
//	{ record = "T", variant = "V", fields = { x = 1 } }  a record value
type Boot struct {
	Agent   string `toml:"agent"`
	Variant string `toml:"variant"`
	Args    []any  `toml:"args"`
}

// Binder supplies the program-dependent parts of boot argument conversion.
// *actor.System implements it.
type Binder interface {
	Program() *bytecode.Program
	RefTo(agent, typeName string) (bytecode.Ref, error)
}

// Values converts the boot arguments in order.
func (b Boot) Values(binder Binder) ([]bytecode.Value, error) {
	out := make([]bytecode.Value, len(b.Args))
	for i, raw := range b.Args {
		v, err := toValue(binder, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s arg %d: %w", b.Agent, b.Variant, i, err)
		}
		out[i] = v
	}
	return out, nil
}

func toValue(binder Binder, raw any) (bytecode.Value, error) {
	switch v := raw.(type) {
	case int64:
		return bytecode.Int(v), nil
	case string:
		return bytecode.Str(v), nil
	case bool:
		return bytecode.Bool(v), nil
	case map[string]any:
		if _, ok := v["ref"]; ok {
			return toRef(binder, v)
		}
		if _, ok := v["record"]; ok {
			return toRecord(binder, v)
		}
		return nil, fmt.Errorf("%w: table needs a ref or record key", ErrBootArg)
	}
	return nil, fmt.Errorf("%w: unsupported %T", ErrBootArg, raw)
}

func stringKey(table map[string]any, key string) (string, error) {
	s, ok := table[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrBootArg, key)
	}
	return s, nil
}

func toRef(binder Binder, table map[string]any) (bytecode.Value, error) {
	agent, err := stringKey(table, "ref")
	if err != nil {
		return nil, err
	}
	typeName, err := stringKey(table, "type")
	if err != nil {
		return nil, err
	}
	return binder.RefTo(agent, typeName)
}

func toRecord(binder Binder, table map[string]any) (bytecode.Value, error) {
	typeName, err := stringKey(table, "record")
	if err != nil {
		return nil, err
	}
	variant, err := stringKey(table, "variant")
	if err != nil {
		return nil, err
	}
	decl := binder.Program().Variant(typeName, variant)
	if decl == nil {
		return nil, fmt.Errorf("%w: no variant %s.%s", ErrBootArg, typeName, variant)
	}

	fields, _ := table["fields"].(map[string]any)
	if len(fields) != len(decl.Fields) {
		return nil, fmt.Errorf("%w: %s.%s has fields %s", ErrBootArg, typeName, variant, fieldNames(decl))
	}
	rec := &bytecode.Record{Type: typeName, Variant: variant, Fields: make([]bytecode.FieldValue, len(decl.Fields))}
	for i, f := range decl.Fields {
		raw, ok := fields[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s is missing field %s", ErrBootArg, typeName, variant, f.Name)
		}
		v, err := toValue(binder, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		if !bytecode.Conforms(v, f.Type) {
			return nil, fmt.Errorf("%w: field %s wants %s", ErrBootArg, f.Name, f.Type)
		}
		rec.Fields[i] = bytecode.FieldValue{Name: f.Name, Value: v}
	}
	return rec, nil
}

func fieldNames(v *ast.Variant) []string {
	names := make([]string, len(v.Fields))
	for i, f := range v.Fields {
		names[i] = f.Name
	}
	return names
}
