// Package effects is the capability-gated authority for externally visible
// operations. Agents never perform an effect directly: they present a
// Capability granted by a Context, and the Context verifies it before
// dispatching to the registered Executor.
package effects

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCapability = errors.New("invalid capability")
	ErrNoExecutor        = errors.New("no executor registered")
	ErrUnknownEffect     = errors.New("unknown effect")
	ErrNotGranted        = errors.New("effect not granted")
)

// Effect is a kind of externally visible operation.
type Effect uint8

const (
	Log Effect = iota + 1
	Http
	FileRead
	FileWrite
)

var effectNames = map[Effect]string{
	Log:       "log",
	Http:      "http",
	FileRead:  "file_read",
	FileWrite: "file_write",
}

// All returns every effect kind in declaration order.
func All() []Effect {
	return []Effect{Log, Http, FileRead, FileWrite}
}

// String returns the name programs use for the effect.
func (e Effect) String() string {
	if n, ok := effectNames[e]; ok {
		return n
	}
	return fmt.Sprintf("effect(%d)", uint8(e))
}

// ParseEffect resolves an effect name. Matching ignores case and
// underscores, so "file_read", "FileRead" and "FILE_READ" are the same.
func ParseEffect(name string) (Effect, error) {
	key := strings.ToLower(strings.ReplaceAll(name, "_", ""))
	for e, n := range effectNames {
		if strings.ReplaceAll(n, "_", "") == key {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEffect, name)
}

// ParseEffects resolves a list of effect names.
func ParseEffects(names []string) ([]Effect, error) {
	out := make([]Effect, 0, len(names))
	for _, n := range names {
		e, err := ParseEffect(n)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Capability is an unforgeable token authorizing one effect kind. The zero
// value and any value not returned by Grant fail verification.
type Capability struct {
	id     uint64
	effect Effect
	issuer *Context
}

// ID returns the identifier assigned at grant time.
func (c Capability) ID() uint64 { return c.id }

// Effect returns the effect kind the capability claims.
func (c Capability) Effect() Effect { return c.effect }

func (c Capability) String() string {
	return fmt.Sprintf("cap#%d(%s)", c.id, c.effect)
}

// Grants is the set of capabilities handed to one agent instance.
type Grants map[Effect]Capability

// Lookup returns the capability for the named effect.
func (g Grants) Lookup(name string) (Capability, error) {
	e, err := ParseEffect(name)
	if err != nil {
		return Capability{}, err
	}
	c, ok := g[e]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrNotGranted, e)
	}
	return c, nil
}
