// Package actor runs compiled agents. Every instance gets its own goroutine,
// a bounded mailbox and a Ref; handlers execute one message at a time on
// the vm, so an instance's state is never touched concurrently.
package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ling0x/krill/effects"
	"github.com/ling0x/krill/pkg/bytecode"
	"github.com/ling0x/krill/vm"
)

var log = commonlog.GetLogger("krill.actor")

// Backpressure selects what a handler's send does when the target mailbox
// is full.
type Backpressure int

const (
	// Block suspends the sending handler until space frees.
	Block Backpressure = iota
	// Fail fails the send with ErrMailboxFull.
	Fail
)

// ParseBackpressure accepts "block" or "fail".
func ParseBackpressure(s string) (Backpressure, error) {
	switch strings.ToLower(s) {
	case "", "block":
		return Block, nil
	case "fail":
		return Fail, nil
	}
	return Block, fmt.Errorf("unknown backpressure policy %q", s)
}

func (b Backpressure) String() string {
	if b == Fail {
		return "fail"
	}
	return "block"
}

// DefaultMailboxCapacity is used when no capacity is configured.
const DefaultMailboxCapacity = 64

// Config tunes a System.
type Config struct {
	MailboxCapacity int
	Backpressure    Backpressure
	SendTimeout     time.Duration // 0 waits as long as the sender's context allows

	// DefaultGrants applies to agents with no entry in Grants.
	DefaultGrants []effects.Effect
	Grants        map[string][]effects.Effect
}

// Snapshotter persists committed instance state.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, agent, instance string, state map[string]bytecode.Value) error
	LoadSnapshot(ctx context.Context, agent string) (map[string]bytecode.Value, bool, error)
}

// ErrorFunc is called for every message an instance fails to process.
type ErrorFunc func(agent, instance string, msg *bytecode.Record, err error)

// Option configures a System.
type Option func(*System)

// WithConfig replaces the runtime configuration.
func WithConfig(cfg Config) Option {
	return func(s *System) { s.cfg = cfg }
}

// WithSnapshots saves state after every committed handler run. With
// restore, spawning an agent resumes from its latest compatible snapshot.
func WithSnapshots(snap Snapshotter, restore bool) Option {
	return func(s *System) {
		s.snapshots = snap
		s.restore = restore
	}
}

// WithMeter records runtime counters on m instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(s *System) { s.meter = m }
}

// WithErrorFunc observes message failures in addition to logging them.
func WithErrorFunc(fn ErrorFunc) Option {
	return func(s *System) { s.onError = fn }
}

type metrics struct {
	processed metric.Int64Counter
	failed    metric.Int64Counter
	full      metric.Int64Counter
	spawned   metric.Int64Counter
}

// System owns every running instance of a program.
type System struct {
	prog      *bytecode.Program
	effects   *effects.Context
	machine   *vm.Machine
	cfg       Config
	snapshots Snapshotter
	restore   bool
	meter     metric.Meter
	metrics   metrics
	onError   ErrorFunc

	// runCtx is cancelled only when a shutdown deadline expires, to
	// release handlers blocked on full mailboxes.
	runCtx    context.Context
	cancelRun context.CancelFunc

	// pending counts messages enqueued but not yet fully processed.
	pending atomic.Int64

	mu        sync.RWMutex
	instances []*Instance
	byAgent   map[string][]*Instance
	stopped   bool
}

// NewSystem creates a runtime for prog. Effects executed by handlers go
// through ec.
func NewSystem(prog *bytecode.Program, ec *effects.Context, opts ...Option) *System {
	s := &System{
		prog:    prog,
		effects: ec,
		cfg: Config{
			MailboxCapacity: DefaultMailboxCapacity,
			DefaultGrants:   []effects.Effect{effects.Log},
		},
		meter:   otel.Meter("krill.actor"),
		byAgent: make(map[string][]*Instance),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MailboxCapacity < 1 {
		s.cfg.MailboxCapacity = DefaultMailboxCapacity
	}
	s.machine = vm.New(prog, ec, s)
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	s.initMetrics()
	return s
}

func (s *System) initMetrics() {
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := s.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			log.Warningf("counter %s: %s", name, err)
		}
		return c
	}
	s.metrics = metrics{
		processed: counter("krill.actor.messages.processed", "Messages dequeued by agent instances", "{message}"),
		failed:    counter("krill.actor.messages.failed", "Messages whose handler failed or was missing", "{message}"),
		full:      counter("krill.actor.mailbox.full", "Sends rejected because the target mailbox was full", "{message}"),
		spawned:   counter("krill.actor.instances.spawned", "Agent instances started", "{instance}"),
	}
}

// Program returns the program the system runs.
func (s *System) Program() *bytecode.Program { return s.prog }

func (s *System) grantsFor(agent string) effects.Grants {
	if s.effects == nil {
		return nil
	}
	list, ok := s.cfg.Grants[agent]
	if !ok {
		list = s.cfg.DefaultGrants
	}
	return s.effects.GrantAll(list)
}

// Spawn starts one instance of the named agent.
func (s *System) Spawn(ctx context.Context, agent string) (Ref, *Handle, error) {
	ca := s.prog.Agent(agent)
	if ca == nil {
		return Ref{}, nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	return s.SpawnAgent(ctx, ca)
}

// SpawnAgent starts one instance of ca with its initial state, or its
// latest snapshot when restoring.
func (s *System) SpawnAgent(ctx context.Context, ca *bytecode.CompiledAgent) (Ref, *Handle, error) {
	state := ca.InitialState()
	if s.restore && s.snapshots != nil {
		snap, ok, err := s.snapshots.LoadSnapshot(ctx, ca.Name)
		switch {
		case err != nil:
			log.Warningf("%s: restore: %s", ca.Name, err)
		case ok && sameVariables(snap, state):
			log.Infof("%s: restored state from snapshot", ca.Name)
			state = snap
		case ok:
			log.Warningf("%s: snapshot does not match declared state, starting fresh", ca.Name)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Ref{}, nil, ErrClosed
	}
	in := newInstance(s, ca, state, s.grantsFor(ca.Name))
	s.instances = append(s.instances, in)
	s.byAgent[ca.Name] = append(s.byAgent[ca.Name], in)
	s.mu.Unlock()

	s.metrics.spawned.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", ca.Name)))
	log.Infof("spawned %s", in)
	go in.run(s.runCtx)
	return Ref{in: in}, &Handle{in: in}, nil
}

// sameVariables reports whether a snapshot has exactly the declared
// variables with conforming kinds.
func sameVariables(snap, declared map[string]bytecode.Value) bool {
	if len(snap) != len(declared) {
		return false
	}
	for k, v := range declared {
		sv, ok := snap[k]
		if !ok || sv == nil || v == nil || sv.Kind() != v.Kind() {
			return false
		}
	}
	return true
}

// SpawnAll starts one instance of every agent in the program, in
// declaration order.
func (s *System) SpawnAll(ctx context.Context) ([]*Handle, error) {
	handles := make([]*Handle, 0, len(s.prog.Agents))
	for _, ca := range s.prog.Agents {
		_, h, err := s.SpawnAgent(ctx, ca)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Lookup returns the first instance of the named agent.
func (s *System) Lookup(agent string) (Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byAgent[agent]
	if len(list) == 0 {
		return Ref{}, false
	}
	return Ref{in: list[0]}, true
}

// RefTo returns a typed reference to the first instance of agent.
func (s *System) RefTo(agent, typeName string) (bytecode.Ref, error) {
	r, ok := s.Lookup(agent)
	if !ok {
		return bytecode.Ref{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	return r.As(typeName)
}

// Handles returns every spawned instance.
func (s *System) Handles() []*Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Handle, len(s.instances))
	for i, in := range s.instances {
		out[i] = &Handle{in: in}
	}
	return out
}

// NewMessage builds a message for variant from positional arguments,
// checked against the variant's declared fields.
func (s *System) NewMessage(variant string, args ...bytecode.Value) (*bytecode.Record, error) {
	td, v := s.prog.FindVariant(variant)
	if v == nil {
		return nil, fmt.Errorf("%w: no variant %s", ErrBadMessage, variant)
	}
	if len(args) != len(v.Fields) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadMessage, variant, len(v.Fields), len(args))
	}
	msg := &bytecode.Record{Type: td.Name, Variant: v.Name, Fields: make([]bytecode.FieldValue, len(args))}
	for i, f := range v.Fields {
		if args[i] == nil || !bytecode.Conforms(args[i], f.Type) {
			return nil, fmt.Errorf("%w: %s.%s wants %s", ErrBadMessage, variant, f.Name, f.Type)
		}
		msg.Fields[i] = bytecode.FieldValue{Name: f.Name, Value: args[i]}
	}
	return msg, nil
}

// Send delivers variant to the first instance of agent, waiting while its
// mailbox is full.
func (s *System) Send(ctx context.Context, agent, variant string, args ...bytecode.Value) error {
	r, ok := s.Lookup(agent)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	msg, err := s.NewMessage(variant, args...)
	if err != nil {
		return err
	}
	return r.Send(ctx, msg)
}

// SendMessage delivers a message produced by a running handler. A full
// mailbox is handled per the backpressure policy; a handler sending to its
// own full mailbox always fails rather than waiting on itself.
func (s *System) SendMessage(ctx context.Context, to bytecode.Address, msg *bytecode.Record) error {
	target, ok := to.(*Instance)
	if !ok || target.sys != s {
		return fmt.Errorf("%w: %s is not an instance of this system", ErrUnknownAgent, to.AgentName())
	}

	if s.cfg.Backpressure == Fail || selfFrom(ctx) == target {
		err := target.enqueue(func() error { return target.mailbox.TrySend(msg) })
		if errors.Is(err, ErrMailboxFull) {
			s.metrics.full.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", target.agent.Name)))
			return fmt.Errorf("%w: %s", ErrMailboxFull, target)
		}
		return err
	}

	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}
	err := target.enqueue(func() error { return target.mailbox.Send(ctx, msg) })
	if errors.Is(err, context.DeadlineExceeded) {
		s.metrics.full.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", target.agent.Name)))
		return fmt.Errorf("%w: %s: timed out after %s", ErrMailboxFull, target, s.cfg.SendTimeout)
	}
	return err
}

func (s *System) report(in *Instance, msg *bytecode.Record, err error) {
	log.Errorf("%s: %s: %s", in, msg.Variant, err)
	if s.onError != nil {
		s.onError(in.agent.Name, in.id, msg, err)
	}
}

// Idle reports whether no message is queued or being handled.
func (s *System) Idle() bool { return s.pending.Load() == 0 }

// WaitIdle blocks until the system is idle or ctx is done.
func (s *System) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !s.Idle() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown closes every mailbox and waits for each instance to finish the
// messages already queued. Handlers are never interrupted mid-run unless
// ctx expires first, in which case sends blocked on full mailboxes are
// released and ctx's error is returned.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	instances := append([]*Instance(nil), s.instances...)
	s.mu.Unlock()

	for _, in := range instances {
		in.mailbox.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, in := range instances {
		h := &Handle{in: in}
		g.Go(func() error { return h.Wait(gctx) })
	}
	err := g.Wait()
	if err != nil {
		s.cancelRun()
		log.Warningf("shutdown: %s", err)
		return err
	}
	s.cancelRun()
	log.Infof("shutdown complete: %d instances", len(instances))
	return nil
}
