package effects

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var log = commonlog.GetLogger("krill.effects")

// Executor performs one kind of effect. Args arrive in source order, already
// converted to their display form.
type Executor interface {
	Execute(ctx context.Context, args []string) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, args []string) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, args []string) (string, error) {
	return f(ctx, args)
}

// Caller identifies the agent instance on whose behalf an effect runs.
type Caller struct {
	Agent    string
	Instance string
}

type callerKey struct{}

// WithCaller attaches the calling instance to ctx for auditing.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// AuditRecord describes one Execute call, whether or not it was allowed.
type AuditRecord struct {
	Time         time.Time
	Caller       Caller
	CapabilityID uint64
	Effect       Effect
	Args         []string
	Result       string
	Err          error
}

// Auditor receives a record for every Execute call.
type Auditor interface {
	RecordEffect(ctx context.Context, rec AuditRecord) error
}

// Context is the process-wide effect authority. It owns the live capability
// table and the executors. Grants take the write lock; verification only
// reads.
type Context struct {
	mu        sync.RWMutex
	live      map[uint64]Effect
	nextID    uint64
	executors map[Effect]Executor
	auditor   Auditor
	policy    *Policy

	executed metric.Int64Counter
	denied   metric.Int64Counter
}

// Option configures a Context.
type Option func(*Context)

// WithLogWriter directs the Log effect's output to w instead of stdout.
func WithLogWriter(w io.Writer) Option {
	return func(c *Context) {
		c.executors[Log] = LogExecutor(w)
	}
}

// WithExecutor registers ex for e.
func WithExecutor(e Effect, ex Executor) Option {
	return func(c *Context) {
		c.executors[e] = ex
	}
}

// WithAuditor records every Execute call through a.
func WithAuditor(a Auditor) Option {
	return func(c *Context) {
		c.auditor = a
	}
}

// WithPolicy restricts the effects c honors. Capabilities for a forbidden
// effect are not issued by GrantAll and never verify.
func WithPolicy(p *Policy) Option {
	return func(c *Context) {
		c.policy = p
	}
}

// WithMeter records effect counters on m instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(c *Context) {
		c.initMetrics(m)
	}
}

// NewContext creates an effect authority with the built-in Log executor.
// Http, FileRead and FileWrite have no executor until one is registered.
func NewContext(opts ...Option) *Context {
	c := &Context{
		live:      make(map[uint64]Effect),
		nextID:    1,
		executors: map[Effect]Executor{Log: LogExecutor(os.Stdout)},
	}
	c.initMetrics(otel.Meter("krill.effects"))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Context) initMetrics(m metric.Meter) {
	var err error
	c.executed, err = m.Int64Counter("krill.effects.executed",
		metric.WithDescription("Effects executed after capability verification"),
		metric.WithUnit("{effect}"),
	)
	if err != nil {
		log.Warningf("effects counter: %s", err)
	}
	c.denied, err = m.Int64Counter("krill.effects.denied",
		metric.WithDescription("Effect executions rejected by capability verification"),
		metric.WithUnit("{effect}"),
	)
	if err != nil {
		log.Warningf("effects counter: %s", err)
	}
}

// Register installs or replaces the executor for e.
func (c *Context) Register(e Effect, ex Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[e] = ex
}

// Grant issues a fresh capability for e. Identifiers are never reused.
// Effects the policy forbids are refused with ErrDeniedByPolicy, so every
// capability Grant returns verifies until the policy changes.
func (c *Context) Grant(e Effect) (Capability, error) {
	if !c.policy.Allows(e) {
		return Capability{}, fmt.Errorf("%w: %s", ErrDeniedByPolicy, e)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.live[id] = e
	return Capability{id: id, effect: e, issuer: c}, nil
}

// GrantAll issues one capability per effect, skipping any the policy
// forbids.
func (c *Context) GrantAll(effects []Effect) Grants {
	g := make(Grants, len(effects))
	for _, e := range effects {
		tok, err := c.Grant(e)
		if err != nil {
			log.Warningf("not granting %s", err)
			continue
		}
		g[e] = tok
	}
	return g
}

// Verify succeeds iff tok was granted by c and still claims the effect it
// was granted for.
func (c *Context) Verify(tok Capability) error {
	if tok.issuer != c {
		return fmt.Errorf("%w: %s was not issued by this context", ErrInvalidCapability, tok)
	}
	c.mu.RLock()
	e, ok := c.live[tok.id]
	c.mu.RUnlock()
	if !ok || e != tok.effect {
		return fmt.Errorf("%w: %s", ErrInvalidCapability, tok)
	}
	return c.policy.Check([]Effect{e})
}

// Execute verifies tok and dispatches args to the executor for its effect.
func (c *Context) Execute(ctx context.Context, tok Capability, args []string) (string, error) {
	result, err := c.execute(ctx, tok, args)

	attrs := metric.WithAttributes(attribute.String("effect", tok.effect.String()))
	if err != nil {
		c.denied.Add(ctx, 1, attrs)
	} else {
		c.executed.Add(ctx, 1, attrs)
	}

	if c.auditor != nil {
		caller, _ := CallerFrom(ctx)
		rec := AuditRecord{
			Time:         time.Now(),
			Caller:       caller,
			CapabilityID: tok.id,
			Effect:       tok.effect,
			Args:         args,
			Result:       result,
			Err:          err,
		}
		if aerr := c.auditor.RecordEffect(ctx, rec); aerr != nil {
			log.Warningf("audit %s: %s", tok, aerr)
		}
	}
	return result, err
}

func (c *Context) execute(ctx context.Context, tok Capability, args []string) (string, error) {
	if err := c.Verify(tok); err != nil {
		return "", err
	}
	c.mu.RLock()
	ex, ok := c.executors[tok.effect]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoExecutor, tok.effect)
	}
	return ex.Execute(ctx, args)
}

// LogExecutor joins its arguments with spaces, writes "[LOG] <line>" to w
// and returns the joined line.
func LogExecutor(w io.Writer) Executor {
	effLog := commonlog.GetLogger("krill.effects.log")
	var mu sync.Mutex
	return ExecutorFunc(func(ctx context.Context, args []string) (string, error) {
		msg := strings.Join(args, " ")
		mu.Lock()
		_, err := fmt.Fprintf(w, "[LOG] %s\n", msg)
		mu.Unlock()
		if err != nil {
			return "", err
		}
		if caller, ok := CallerFrom(ctx); ok {
			effLog.Infof("%s: %s", caller.Agent, msg)
		} else {
			effLog.Info(msg)
		}
		return msg, nil
	})
}
