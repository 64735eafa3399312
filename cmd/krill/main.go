// Krill CLI - checks, compiles and runs agent programs
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/ling0x/krill/actor"
	"github.com/ling0x/krill/compiler"
	"github.com/ling0x/krill/effects"
	"github.com/ling0x/krill/effects/host"
	"github.com/ling0x/krill/manifest"
	"github.com/ling0x/krill/pkg/ast"
	"github.com/ling0x/krill/pkg/bytecode"
	"github.com/ling0x/krill/store"
)

var log = commonlog.GetLogger("krill.cli")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	config      string
	disassemble bool
	emit        string
	exec        string
	verbose     bool
	audit       bool
	reset       bool
	program     string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("krill", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.StringVar(&o.config, "config", "", "Path to krill.toml (default: search upwards from the program)")
	fs.BoolVar(&o.disassemble, "S", false, "Print the disassembled bytecode of every agent")
	fs.StringVar(&o.emit, "emit", "", "Write compiled bytecode to `file` and stop")
	fs.StringVar(&o.exec, "exec", "", "Run precompiled bytecode from `file` instead of a program document")
	fs.BoolVar(&o.verbose, "v", false, "Verbose output")
	fs.BoolVar(&o.audit, "audit", false, "After the run, list stored snapshots and the effect audit trail")
	fs.BoolVar(&o.reset, "reset", false, "Delete the stored snapshots of every agent before running")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: krill [options] program.yaml\n")
		fmt.Fprintf(stderr, "       krill [options] -exec program.krc\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  krill examples/counter.yaml                    # check, compile and run\n")
		fmt.Fprintf(stderr, "  krill -S examples/counter.yaml                 # also print bytecode\n")
		fmt.Fprintf(stderr, "  krill -emit counter.krc examples/counter.yaml  # compile only\n")
		fmt.Fprintf(stderr, "  krill -exec counter.krc                        # run compiled bytecode\n")
		fmt.Fprintf(stderr, "  krill -reset -audit examples/counter.yaml      # fresh state, then show the store\n")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch {
	case o.exec != "" && fs.NArg() == 0:
	case o.exec == "" && fs.NArg() == 1:
		o.program = fs.Arg(0)
	default:
		fs.Usage()
		return nil, errors.New("expected exactly one program document, or -exec")
	}
	if o.exec != "" && o.emit != "" {
		return nil, errors.New("-emit and -exec are mutually exclusive")
	}
	if o.emit != "" && (o.audit || o.reset) {
		return nil, errors.New("-audit and -reset need a run, not -emit")
	}
	return o, nil
}

// run drives every stage and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	m, err := loadManifest(o)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	verbosity := m.Log.Verbosity
	if o.verbose {
		verbosity = max(verbosity, 2)
	}
	commonlog.Configure(verbosity, nil)

	prog, err := buildProgram(o, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if o.disassemble {
		for _, a := range prog.Agents {
			fmt.Fprint(stdout, a.Disassemble())
		}
	}

	if o.emit != "" {
		data, err := bytecode.Marshal(prog)
		if err == nil {
			err = os.WriteFile(o.emit, data, 0644)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: emit: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Wrote %d bytes to %s\n", len(data), o.emit)
		return 0
	}

	fmt.Fprintln(stdout, "Executing...")
	if err := execute(ctx, o, m, prog, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func loadManifest(o *options) (*manifest.Manifest, error) {
	if o.config != "" {
		return manifest.LoadFile(o.config)
	}
	start := "."
	if o.program != "" {
		start = filepath.Dir(o.program)
	} else if o.exec != "" {
		start = filepath.Dir(o.exec)
	}
	m, err := manifest.FindAndLoad(start)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}

// buildProgram parses, checks and compiles the program document, printing a
// marker after each stage, or loads precompiled bytecode.
func buildProgram(o *options, stdout io.Writer) (*bytecode.Program, error) {
	if o.exec != "" {
		data, err := os.ReadFile(o.exec)
		if err != nil {
			return nil, err
		}
		prog, err := bytecode.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(stdout, "✓ Loaded bytecode (%d agents)\n", len(prog.Agents))
		return prog, nil
	}

	tree, err := ast.LoadFile(o.program)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	fmt.Fprintln(stdout, "✓ Parsed successfully")

	if err := compiler.Check(tree); err != nil {
		return nil, fmt.Errorf("type check:\n%w", err)
	}
	fmt.Fprintln(stdout, "✓ Type checked successfully")

	prog, err := compiler.Compile(tree)
	if err != nil {
		return nil, fmt.Errorf("compile:\n%w", err)
	}
	fmt.Fprintln(stdout, "✓ Compiled to bytecode")
	return prog, nil
}

// execute spawns every agent, delivers the boot messages and runs until
// the program goes idle or ctx is cancelled, then shuts down.
func execute(ctx context.Context, o *options, m *manifest.Manifest, prog *bytecode.Program, stdout io.Writer) error {
	policy, err := m.EffectPolicy()
	if err != nil {
		return err
	}
	ecOpts := []effects.Option{effects.WithLogWriter(stdout), effects.WithPolicy(policy)}
	var sysOpts []actor.Option

	var st *store.Store
	if path := m.StorePath(); path != "" {
		st, err = store.Open(path)
		if err != nil {
			return err
		}
		defer st.Close()
		ecOpts = append(ecOpts, effects.WithAuditor(st))
		sysOpts = append(sysOpts, actor.WithSnapshots(st, m.Store.Restore))
	} else if o.audit || o.reset {
		return errors.New("-audit and -reset need a [store] path in krill.toml")
	}

	if o.reset {
		for _, a := range prog.Agents {
			if err := st.DeleteSnapshot(ctx, a.Name); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
		}
	}

	ec := effects.NewContext(ecOpts...)
	if err := host.Install(ec, host.Config{Sandbox: m.SandboxPath(), HTTPTimeout: m.Effects.HTTPTimeout}); err != nil {
		return err
	}

	cfg, err := m.ActorConfig()
	if err != nil {
		return err
	}
	sys := actor.NewSystem(prog, ec, append(sysOpts, actor.WithConfig(cfg))...)

	runErr := boot(ctx, sys, m.Boot)
	if runErr == nil {
		if err := sys.WaitIdle(ctx); err != nil {
			log.Infof("interrupted: %s", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.Runtime.ShutdownTimeout)
	defer cancel()
	if err := sys.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown: %w", err)
	}
	summarize(sys)
	if runErr == nil && o.audit {
		runErr = report(ctx, st, stdout)
	}
	return runErr
}

// boot spawns every agent and delivers the boot messages. Messages for one
// agent keep their configured order; different agents are fed concurrently.
func boot(ctx context.Context, sys *actor.System, msgs []manifest.Boot) error {
	if _, err := sys.SpawnAll(ctx); err != nil {
		return err
	}

	byAgent := make(map[string][]manifest.Boot)
	var order []string
	for _, b := range msgs {
		if _, seen := byAgent[b.Agent]; !seen {
			order = append(order, b.Agent)
		}
		byAgent[b.Agent] = append(byAgent[b.Agent], b)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, agent := range order {
		list := byAgent[agent]
		g.Go(func() error {
			for _, b := range list {
				args, err := b.Values(sys)
				if err != nil {
					return err
				}
				if err := sys.Send(gctx, b.Agent, b.Variant, args...); err != nil {
					return fmt.Errorf("boot %s.%s: %w", b.Agent, b.Variant, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func summarize(sys *actor.System) {
	for _, h := range sys.Handles() {
		st := h.Stats()
		log.Infof("%s %s: %d processed, %d failed", st.Agent, st.ID, st.Processed, st.Failed)
	}
}

// report lists the stored snapshots and the effect audit trail.
func report(ctx context.Context, st *store.Store, stdout io.Writer) error {
	snaps, err := st.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	trail, err := st.AuditTrail(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	fmt.Fprintf(stdout, "Snapshots (%d):\n", len(snaps))
	for _, s := range snaps {
		fmt.Fprintf(stdout, "  %s v%d from %s\n", s.Agent, s.Version, s.Instance)
	}
	fmt.Fprintf(stdout, "Audit trail (%d):\n", len(trail))
	for _, e := range trail {
		outcome := fmt.Sprintf("-> %q", e.Result)
		if e.Error != "" {
			outcome = "failed: " + e.Error
		}
		fmt.Fprintf(stdout, "  #%d %s cap %d %s(%s) %s\n",
			e.ID, e.Agent, e.CapabilityID, e.Effect, strings.Join(e.Args, ", "), outcome)
	}
	return nil
}
