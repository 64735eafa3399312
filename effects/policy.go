package effects

import (
	"errors"
	"fmt"
)

// ErrDeniedByPolicy reports an effect the context's policy forbids.
var ErrDeniedByPolicy = errors.New("effect denied by policy")

// Policy bounds which effects a Context will honor, whatever the grants
// say. A nil Allowed set means "allow all".
type Policy struct {
	Allowed map[Effect]bool // nil = allow all
	Denied  map[Effect]bool
}

// PermissivePolicy allows every effect.
func PermissivePolicy() *Policy {
	return &Policy{}
}

// RestrictedPolicy only allows the listed effects.
func RestrictedPolicy(allowed []Effect) *Policy {
	m := make(map[Effect]bool, len(allowed))
	for _, e := range allowed {
		m[e] = true
	}
	return &Policy{Allowed: m}
}

// Deny adds e to the deny list.
func (p *Policy) Deny(e Effect) {
	if p.Denied == nil {
		p.Denied = make(map[Effect]bool)
	}
	p.Denied[e] = true
}

// Allows reports whether e may be used. A nil policy allows everything.
func (p *Policy) Allows(e Effect) bool {
	if p == nil {
		return true
	}
	if p.Denied[e] {
		return false
	}
	return p.Allowed == nil || p.Allowed[e]
}

// Check verifies that every effect in required is allowed.
func (p *Policy) Check(required []Effect) error {
	for _, e := range required {
		if !p.Allows(e) {
			return fmt.Errorf("%w: %s", ErrDeniedByPolicy, e)
		}
	}
	return nil
}
