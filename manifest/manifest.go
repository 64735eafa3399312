// Package manifest handles krill.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ling0x/krill/actor"
	"github.com/ling0x/krill/effects"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "krill.toml"

// Manifest represents a krill.toml configuration.
type Manifest struct {
	Runtime Runtime `toml:"runtime"`
	Effects Effects `toml:"effects"`
	Store   Store   `toml:"store"`
	Log     Log     `toml:"log"`
	Boot    []Boot  `toml:"boot"`

	// Dir is the directory containing the krill.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime tunes the actor system.
type Runtime struct {
	MailboxCapacity int           `toml:"mailbox-capacity"`
	Backpressure    string        `toml:"backpressure"`
	SendTimeout     time.Duration `toml:"send-timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown-timeout"`
}

// Effects configures capability grants and host effect executors.
type Effects struct {
	Default     []string            `toml:"default"`
	Grants      map[string][]string `toml:"grants"`
	Allow       []string            `toml:"allow"` // empty allows every effect
	Deny        []string            `toml:"deny"`
	Sandbox     string              `toml:"sandbox"`
	HTTPTimeout time.Duration       `toml:"http-timeout"`
}

// Store configures the sqlite snapshot and audit store.
type Store struct {
	Path    string `toml:"path"`
	Restore bool   `toml:"restore"`
}

// Log configures verbosity.
type Log struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no krill.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Runtime.MailboxCapacity <= 0 {
		m.Runtime.MailboxCapacity = actor.DefaultMailboxCapacity
	}
	if m.Runtime.Backpressure == "" {
		m.Runtime.Backpressure = actor.Block.String()
	}
	if m.Runtime.ShutdownTimeout <= 0 {
		m.Runtime.ShutdownTimeout = 10 * time.Second
	}
	if m.Effects.Default == nil {
		m.Effects.Default = []string{effects.Log.String()}
	}
	if m.Effects.HTTPTimeout <= 0 {
		m.Effects.HTTPTimeout = 10 * time.Second
	}
	if m.Log.Verbosity == 0 {
		m.Log.Verbosity = 1
	}
}

// Load parses the krill.toml file in the given directory.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses a manifest at an explicit path. Relative paths inside it
// resolve against the file's directory.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		if isBootArg(key) {
			continue
		}
		return nil, fmt.Errorf("%s: unknown key %s", path, key)
	}

	m.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a krill.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks the values that cannot be checked by decoding alone.
func (m *Manifest) Validate() error {
	if _, err := actor.ParseBackpressure(m.Runtime.Backpressure); err != nil {
		return err
	}
	if _, err := effects.ParseEffects(m.Effects.Default); err != nil {
		return fmt.Errorf("effects.default: %w", err)
	}
	for agent, names := range m.Effects.Grants {
		if _, err := effects.ParseEffects(names); err != nil {
			return fmt.Errorf("effects.grants.%s: %w", agent, err)
		}
	}
	if _, err := m.EffectPolicy(); err != nil {
		return err
	}
	for i, b := range m.Boot {
		if b.Agent == "" || b.Variant == "" {
			return fmt.Errorf("boot[%d]: agent and variant are required", i)
		}
	}
	return nil
}

// ActorConfig converts the runtime and grant sections for actor.NewSystem.
func (m *Manifest) ActorConfig() (actor.Config, error) {
	bp, err := actor.ParseBackpressure(m.Runtime.Backpressure)
	if err != nil {
		return actor.Config{}, err
	}
	defaults, err := effects.ParseEffects(m.Effects.Default)
	if err != nil {
		return actor.Config{}, err
	}
	cfg := actor.Config{
		MailboxCapacity: m.Runtime.MailboxCapacity,
		Backpressure:    bp,
		SendTimeout:     m.Runtime.SendTimeout,
		DefaultGrants:   defaults,
		Grants:          make(map[string][]effects.Effect, len(m.Effects.Grants)),
	}
	for agent, names := range m.Effects.Grants {
		list, err := effects.ParseEffects(names)
		if err != nil {
			return actor.Config{}, err
		}
		cfg.Grants[agent] = list
	}
	return cfg, nil
}

// EffectPolicy builds the policy from the allow and deny lists.
func (m *Manifest) EffectPolicy() (*effects.Policy, error) {
	p := effects.PermissivePolicy()
	if len(m.Effects.Allow) > 0 {
		allowed, err := effects.ParseEffects(m.Effects.Allow)
		if err != nil {
			return nil, fmt.Errorf("effects.allow: %w", err)
		}
		p = effects.RestrictedPolicy(allowed)
	}
	denied, err := effects.ParseEffects(m.Effects.Deny)
	if err != nil {
		return nil, fmt.Errorf("effects.deny: %w", err)
	}
	for _, e := range denied {
		p.Deny(e)
	}
	return p, nil
}

// SandboxPath returns the absolute file-effect sandbox, or "" when unset.
func (m *Manifest) SandboxPath() string {
	return m.resolve(m.Effects.Sandbox)
}

// StorePath returns the absolute sqlite path, or "" when unset.
func (m *Manifest) StorePath() string {
	return m.resolve(m.Store.Path)
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// isBootArg reports whether key lies inside a boot argument table. Those
// tables decode into untyped maps, which toml always lists as undecoded;
// Boot.Values checks their contents.
func isBootArg(key toml.Key) bool {
	return len(key) > 2 && key[0] == "boot" && key[1] == "args"
}
