package ast

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// The program document is the serialized form of an already-parsed tree.
// YAML and JSON are both accepted.

//go:embed program.schema.json
var programSchema string

const programSchemaURL = "https://krill.schemas.local/program.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(programSchemaURL, strings.NewReader(programSchema)); err != nil {
			schemaErr = fmt.Errorf("program schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(programSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("program schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// LoadFile reads and decodes a program document from path.
func LoadFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	prog, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}

// Load decodes a program document from r.
func Load(r io.Reader) (*Program, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode validates data against the program schema and converts it into a
// Program tree.
func Decode(data []byte) (*Program, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}
	var doc programDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return doc.program()
}

func validateDocument(data []byte) error {
	schema, err := documentSchema()
	if err != nil {
		return err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	// Round-trip through JSON so the validator sees json.Number values.
	js, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid program document: %w", err)
	}
	return nil
}

// normalizeYAML converts map[any]any nodes into map[string]any.
func normalizeYAML(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeYAML(e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = normalizeYAML(e)
		}
		return m
	case []any:
		for i, e := range x {
			x[i] = normalizeYAML(e)
		}
		return x
	default:
		return v
	}
}

// ---------------------------------------------------------------------------
// Document shapes
// ---------------------------------------------------------------------------

type programDoc struct {
	Types  []typeDoc  `yaml:"types"`
	Agents []agentDoc `yaml:"agents"`
}

type typeDoc struct {
	Name     string       `yaml:"name"`
	Variants []variantDoc `yaml:"variants"`
}

type variantDoc struct {
	Name   string     `yaml:"name"`
	Fields []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type agentDoc struct {
	Name     string       `yaml:"name"`
	State    []stateDoc   `yaml:"state"`
	Handlers []handlerDoc `yaml:"handlers"`
}

type stateDoc struct {
	Name string   `yaml:"name"`
	Type string   `yaml:"type"`
	Init *exprDoc `yaml:"init"`
}

type handlerDoc struct {
	Variant string    `yaml:"variant"`
	Params  []string  `yaml:"params"`
	Body    []stmtDoc `yaml:"body"`
}

type stmtDoc struct {
	Assign *struct {
		Target string  `yaml:"target"`
		Value  exprDoc `yaml:"value"`
	} `yaml:"assign"`
	Send *struct {
		Target  exprDoc   `yaml:"target"`
		Variant string    `yaml:"variant"`
		Args    []exprDoc `yaml:"args"`
	} `yaml:"send"`
	Effect *struct {
		Name string    `yaml:"name"`
		Args []exprDoc `yaml:"args"`
	} `yaml:"effect"`
}

type exprDoc struct {
	Var   *string `yaml:"var"`
	Int   *int64  `yaml:"int"`
	Str   *string `yaml:"str"`
	Bool  *bool   `yaml:"bool"`
	BinOp *struct {
		Op    string  `yaml:"op"`
		Left  exprDoc `yaml:"left"`
		Right exprDoc `yaml:"right"`
	} `yaml:"binop"`
	Field *struct {
		Object exprDoc `yaml:"object"`
		Name   string  `yaml:"name"`
	} `yaml:"field"`
}

func (d *programDoc) program() (*Program, error) {
	p := &Program{}
	for _, td := range d.Types {
		t := &TypeDef{Name: td.Name}
		for _, vd := range td.Variants {
			v := &Variant{Name: vd.Name}
			for _, fd := range vd.Fields {
				ty, err := ParseType(fd.Type)
				if err != nil {
					return nil, fmt.Errorf("type %s, variant %s, field %s: %w", td.Name, vd.Name, fd.Name, err)
				}
				v.Fields = append(v.Fields, &Field{Name: fd.Name, Type: ty})
			}
			t.Variants = append(t.Variants, v)
		}
		p.Types = append(p.Types, t)
	}

	for _, ad := range d.Agents {
		a := &AgentDef{Name: ad.Name}
		for _, sd := range ad.State {
			ty, err := ParseType(sd.Type)
			if err != nil {
				return nil, fmt.Errorf("agent %s, state %s: %w", ad.Name, sd.Name, err)
			}
			sv := &StateVar{Name: sd.Name, Type: ty}
			if sd.Init != nil {
				if sv.Init, err = sd.Init.expr(); err != nil {
					return nil, fmt.Errorf("agent %s, state %s: %w", ad.Name, sd.Name, err)
				}
			}
			a.State = append(a.State, sv)
		}
		for _, hd := range ad.Handlers {
			h := &Handler{Variant: hd.Variant, Params: append([]string(nil), hd.Params...)}
			for i, sd := range hd.Body {
				s, err := sd.stmt()
				if err != nil {
					return nil, fmt.Errorf("agent %s, handler %s, statement %d: %w", ad.Name, hd.Variant, i, err)
				}
				h.Body = append(h.Body, s)
			}
			a.Handlers = append(a.Handlers, h)
		}
		p.Agents = append(p.Agents, a)
	}
	return p, nil
}

func (d *stmtDoc) stmt() (Stmt, error) {
	switch {
	case d.Assign != nil:
		v, err := d.Assign.Value.expr()
		if err != nil {
			return nil, err
		}
		return &Assign{Target: d.Assign.Target, Value: v}, nil
	case d.Send != nil:
		target, err := d.Send.Target.expr()
		if err != nil {
			return nil, err
		}
		args, err := exprList(d.Send.Args)
		if err != nil {
			return nil, err
		}
		return &Send{Target: target, Variant: d.Send.Variant, Args: args}, nil
	case d.Effect != nil:
		args, err := exprList(d.Effect.Args)
		if err != nil {
			return nil, err
		}
		return &Effect{Name: d.Effect.Name, Args: args}, nil
	}
	return nil, fmt.Errorf("empty statement")
}

func (d *exprDoc) expr() (Expr, error) {
	switch {
	case d.Var != nil:
		return &Var{Name: *d.Var}, nil
	case d.Int != nil:
		return &IntLit{Value: *d.Int}, nil
	case d.Str != nil:
		return &StrLit{Value: *d.Str}, nil
	case d.Bool != nil:
		return &BoolLit{Value: *d.Bool}, nil
	case d.BinOp != nil:
		op, err := ParseBinOp(d.BinOp.Op)
		if err != nil {
			return nil, err
		}
		l, err := d.BinOp.Left.expr()
		if err != nil {
			return nil, err
		}
		r, err := d.BinOp.Right.expr()
		if err != nil {
			return nil, err
		}
		return &Binary{Op: op, Left: l, Right: r}, nil
	case d.Field != nil:
		obj, err := d.Field.Object.expr()
		if err != nil {
			return nil, err
		}
		return &FieldAccess{Object: obj, Field: d.Field.Name}, nil
	}
	return nil, fmt.Errorf("empty expression")
}

func exprList(docs []exprDoc) ([]Expr, error) {
	out := make([]Expr, 0, len(docs))
	for i := range docs {
		e, err := docs[i].expr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
