package actor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ling0x/krill/effects"
	"github.com/ling0x/krill/pkg/bytecode"
	"github.com/ling0x/krill/vm"
)

// Instance is one running copy of a compiled agent. Its state is owned by
// its scheduling loop; other goroutines only see published snapshots.
type Instance struct {
	id      string
	agent   *bytecode.CompiledAgent
	sys     *System
	mailbox *Mailbox
	grants  effects.Grants

	state    map[string]bytecode.Value // loop-owned
	snapshot atomic.Pointer[map[string]bytecode.Value]
	done     chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
}

func newInstance(sys *System, agent *bytecode.CompiledAgent, state map[string]bytecode.Value, grants effects.Grants) *Instance {
	in := &Instance{
		id:      uuid.NewString(),
		agent:   agent,
		sys:     sys,
		mailbox: NewMailbox(sys.cfg.MailboxCapacity),
		grants:  grants,
		state:   state,
		done:    make(chan struct{}),
	}
	in.publish()
	return in
}

// InstanceID returns the instance's unique identifier.
func (in *Instance) InstanceID() string { return in.id }

// AgentName returns the name of the agent definition the instance runs.
func (in *Instance) AgentName() string { return in.agent.Name }

func (in *Instance) String() string {
	return fmt.Sprintf("%s#%s", in.agent.Name, in.id[:8])
}

// enqueue counts a message as outstanding before put hands it to the
// mailbox; the count drops again when the message is processed.
func (in *Instance) enqueue(put func() error) error {
	in.sys.pending.Add(1)
	if err := put(); err != nil {
		in.sys.pending.Add(-1)
		return err
	}
	return nil
}

func (in *Instance) publish() {
	snap := bytecode.CopyState(in.state)
	in.snapshot.Store(&snap)
}

// run is the scheduling loop: one message at a time until the mailbox is
// closed and drained.
func (in *Instance) run(ctx context.Context) {
	defer close(in.done)
	ctx = withSelf(ctx, in)
	for {
		msg, ok := in.mailbox.Receive()
		if !ok {
			log.Debugf("%s stopped after %d messages", in, in.processed.Load())
			return
		}
		in.process(ctx, msg)
	}
}

func (in *Instance) process(ctx context.Context, msg *bytecode.Record) {
	defer in.sys.pending.Add(-1)
	attrs := metric.WithAttributes(attribute.String("agent", in.agent.Name))
	in.processed.Add(1)
	in.sys.metrics.processed.Add(ctx, 1, attrs)

	h := in.agent.Handler(msg.Variant)
	if h == nil {
		in.failed.Add(1)
		in.sys.metrics.failed.Add(ctx, 1, attrs)
		in.sys.report(in, msg, fmt.Errorf("%w: %s", ErrNoHandlerForVariant, msg.Variant))
		return
	}

	args := make([]bytecode.Value, len(msg.Fields))
	for i, f := range msg.Fields {
		args[i] = f.Value
	}
	next, err := in.sys.machine.Run(ctx, &vm.Invocation{
		Agent:   in.agent,
		Handler: h,
		State:   in.state,
		Args:    args,
		Grants:  in.grants,
		Self:    in,
	})
	if err != nil {
		in.failed.Add(1)
		in.sys.metrics.failed.Add(ctx, 1, attrs)
		in.sys.report(in, msg, err)
		return
	}

	in.state = next
	in.publish()
	if in.sys.snapshots != nil {
		if err := in.sys.snapshots.SaveSnapshot(ctx, in.agent.Name, in.id, next); err != nil {
			log.Warningf("%s: snapshot: %s", in, err)
		}
	}
}

type selfKey struct{}

func withSelf(ctx context.Context, in *Instance) context.Context {
	return context.WithValue(ctx, selfKey{}, in)
}

func selfFrom(ctx context.Context) *Instance {
	in, _ := ctx.Value(selfKey{}).(*Instance)
	return in
}

// Ref is the handle other parties use to message an instance.
type Ref struct {
	in *Instance
}

// Send enqueues msg, waiting while the mailbox is full. It fails with
// ErrClosed once the instance is shutting down.
func (r Ref) Send(ctx context.Context, msg *bytecode.Record) error {
	return r.in.enqueue(func() error { return r.in.mailbox.Send(ctx, msg) })
}

// TrySend enqueues msg or fails with ErrMailboxFull without waiting.
func (r Ref) TrySend(msg *bytecode.Record) error {
	return r.in.enqueue(func() error { return r.in.mailbox.TrySend(msg) })
}

// Address returns the instance the reference points to.
func (r Ref) Address() bytecode.Address { return r.in }

// As returns a typed reference value for programs. The instance must handle
// every variant of typeName.
func (r Ref) As(typeName string) (bytecode.Ref, error) {
	td := r.in.sys.prog.Type(typeName)
	if td == nil {
		return bytecode.Ref{}, fmt.Errorf("%w: no type %s", ErrRefType, typeName)
	}
	if !r.in.agent.Accepts(td) {
		return bytecode.Ref{}, fmt.Errorf("%w: %s does not handle every variant of %s", ErrRefType, r.in.agent.Name, typeName)
	}
	return bytecode.Ref{Type: typeName, Target: r.in}, nil
}

// Handle observes an instance's lifecycle.
type Handle struct {
	in *Instance
}

// Wait blocks until the instance's loop exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.in.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the loop exits.
func (h *Handle) Done() <-chan struct{} { return h.in.done }

// Ref returns the reference for the instance.
func (h *Handle) Ref() Ref { return Ref{in: h.in} }

// ID returns the instance identifier.
func (h *Handle) ID() string { return h.in.id }

// Agent returns the agent name.
func (h *Handle) Agent() string { return h.in.agent.Name }

// State returns the state as of the last committed handler run.
func (h *Handle) State() map[string]bytecode.Value {
	return bytecode.CopyState(*h.in.snapshot.Load())
}

// Stats is a point-in-time view of an instance.
type Stats struct {
	ID         string
	Agent      string
	Processed  uint64
	Failed     uint64
	MailboxLen int
	MailboxCap int
	Terminated bool
}

// Stats returns counters for the instance.
func (h *Handle) Stats() Stats {
	terminated := false
	select {
	case <-h.in.done:
		terminated = true
	default:
	}
	return Stats{
		ID:         h.in.id,
		Agent:      h.in.agent.Name,
		Processed:  h.in.processed.Load(),
		Failed:     h.in.failed.Load(),
		MailboxLen: h.in.mailbox.Len(),
		MailboxCap: h.in.mailbox.Cap(),
		Terminated: terminated,
	}
}
