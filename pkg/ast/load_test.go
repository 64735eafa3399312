package ast

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const counterDoc = `
types:
  - name: CounterMsg
    variants:
      - name: Bump
        fields:
          - { name: by, type: Int }
      - name: Report
agents:
  - name: Counter
    state:
      - { name: n, type: Int, init: { int: 0 } }
      - { name: peer, type: "Ref[CounterMsg]" }
    handlers:
      - variant: Bump
        params: [by]
        body:
          - assign:
              target: n
              value: { binop: { op: "+", left: { var: n }, right: { var: by } } }
      - variant: Report
        body:
          - effect: { name: log, args: [ { str: "n =" }, { var: n } ] }
          - send: { target: { var: peer }, variant: Bump, args: [ { int: 1 } ] }
`

func TestDecodeProgram(t *testing.T) {
	p, err := Decode([]byte(counterDoc))
	require.NoError(t, err)

	require.Len(t, p.Types, 1)
	msg := p.Type("CounterMsg")
	require.NotNil(t, msg)
	require.Len(t, msg.Variants, 2)
	assert.Equal(t, Int, msg.Variant("Bump").Field("by").Type)
	assert.Empty(t, msg.Variant("Report").Fields)

	a := p.Agent("Counter")
	require.NotNil(t, a)
	require.Len(t, a.State, 2)
	assert.Equal(t, &IntLit{Value: 0}, a.State[0].Init)
	assert.Equal(t, RefOf("CounterMsg"), a.State[1].Type)
	assert.Nil(t, a.State[1].Init)

	require.Len(t, a.Handlers, 2)
	bump := a.Handlers[0]
	assert.Equal(t, []string{"by"}, bump.Params)
	require.Len(t, bump.Body, 1)
	assign, ok := bump.Body[0].(*Assign)
	require.True(t, ok)
	assert.Equal(t, "n", assign.Target)
	assert.Equal(t, &Binary{Op: OpAdd, Left: &Var{Name: "n"}, Right: &Var{Name: "by"}}, assign.Value)

	report := a.Handlers[1]
	require.Len(t, report.Body, 2)
	eff, ok := report.Body[0].(*Effect)
	require.True(t, ok)
	assert.Equal(t, "log", eff.Name)
	assert.Equal(t, []Expr{&StrLit{Value: "n ="}, &Var{Name: "n"}}, eff.Args)
	send, ok := report.Body[1].(*Send)
	require.True(t, ok)
	assert.Equal(t, &Var{Name: "peer"}, send.Target)
	assert.Equal(t, "Bump", send.Variant)
}

func TestDecodeJSONDocument(t *testing.T) {
	doc := `{"types":[{"name":"P","variants":[{"name":"Pt","fields":[{"name":"x","type":"Int"}]}]}],
	"agents":[{"name":"A","state":[{"name":"ok","type":"Bool","init":{"bool":true}}],
	"handlers":[{"variant":"Pt","params":["p"],"body":[{"assign":{"target":"ok","value":{"field":{"object":{"var":"p"},"name":"x"}}}}]}]}]}`
	p, err := Decode([]byte(doc))
	require.NoError(t, err)
	h := p.Agents[0].Handlers[0]
	assign := h.Body[0].(*Assign)
	assert.Equal(t, &FieldAccess{Object: &Var{Name: "p"}, Field: "x"}, assign.Value)
	assert.Equal(t, &BoolLit{Value: true}, p.Agents[0].State[0].Init)
}

func TestDecodeEmptyDocument(t *testing.T) {
	p, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, p.Types)
	assert.Empty(t, p.Agents)
}

func TestDecodeRejectsMalformedDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown top-level key", "classes: []", "invalid program document"},
		{"expression with two kinds", `
agents:
  - name: A
    state:
      - { name: n, type: Int, init: { int: 1, str: "x" } }
`, "invalid program document"},
		{"statement without kind", `
agents:
  - name: A
    handlers:
      - variant: V
        body: [ {} ]
`, "invalid program document"},
		{"missing field type", `
types:
  - name: T
    variants:
      - name: V
        fields: [ { name: x } ]
`, "invalid program document"},
		{"bad operator", `
agents:
  - name: A
    handlers:
      - variant: V
        body:
          - assign: { target: n, value: { binop: { op: "%", left: { int: 1 }, right: { int: 2 } } } }
`, "unknown operator"},
		{"bad type syntax", `
types:
  - name: T
    variants:
      - name: V
        fields: [ { name: x, type: "Ref[]" } ]
`, "empty reference type"},
		{"not yaml", "agents: [", "parse error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(counterDoc), 0644))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.NotNil(t, p.Agent("Counter"))

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read")

	p, err = Load(strings.NewReader(counterDoc))
	require.NoError(t, err)
	assert.Len(t, p.Agents, 1)
}
