package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ling0x/krill/effects"
	"github.com/ling0x/krill/pkg/bytecode"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type addr string

func (a addr) InstanceID() string { return string(a) }
func (a addr) AgentName() string  { return "Peer" }

// --- Snapshot tests ---

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	state := map[string]bytecode.Value{
		"n":    bytecode.Int(42),
		"name": bytecode.Str("counter"),
		"on":   bytecode.Bool(true),
		"peer": bytecode.Ref{Type: "PingMsg", Target: addr("abc")},
		"at": &bytecode.Record{Type: "Point", Variant: "Pt", Fields: []bytecode.FieldValue{
			{Name: "x", Value: bytecode.Int(1)},
			{Name: "y", Value: bytecode.Int(2)},
		}},
	}
	if err := s.SaveSnapshot(ctx, "Counter", "i-1", state); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, ok, err := s.LoadSnapshot(ctx, "Counter")
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot: ok=%v err=%v", ok, err)
	}
	for _, name := range []string{"n", "name", "on", "at"} {
		if !bytecode.Equal(got[name], state[name]) {
			t.Errorf("%s = %v, want %v", name, got[name], state[name])
		}
	}
	peer, isRef := got["peer"].(bytecode.Ref)
	if !isRef || peer.Type != "PingMsg" || peer.Bound() {
		t.Errorf("peer = %v, want an unbound Ref[PingMsg]", got["peer"])
	}
}

func TestLoadSnapshot_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.LoadSnapshot(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if ok {
		t.Fatal("expected no snapshot")
	}
}

func TestSaveSnapshot_ReplacesAndCountsVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		state := map[string]bytecode.Value{"n": bytecode.Int(int64(i))}
		if err := s.SaveSnapshot(ctx, "Counter", "i-2", state); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveSnapshot(ctx, "Other", "i-3", map[string]bytecode.Value{}); err != nil {
		t.Fatal(err)
	}

	got, _, err := s.LoadSnapshot(ctx, "Counter")
	if err != nil {
		t.Fatal(err)
	}
	if !bytecode.Equal(got["n"], bytecode.Int(3)) {
		t.Fatalf("n = %v, want 3", got["n"])
	}

	infos, err := s.Snapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(infos))
	}
	if infos[0].Agent != "Counter" || infos[0].Version != 3 || infos[0].Instance != "i-2" {
		t.Errorf("Counter info = %+v, want version 3 from i-2", infos[0])
	}
	if infos[0].SavedAt.IsZero() {
		t.Error("saved_at not parsed")
	}

	if err := s.DeleteSnapshot(ctx, "Counter"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.LoadSnapshot(ctx, "Counter"); ok {
		t.Error("snapshot survived DeleteSnapshot")
	}
}

func TestReopenKeepsSnapshots(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(ctx, "Counter", "i-1", map[string]bytecode.Value{"n": bytecode.Int(7)}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, ok, err := s.LoadSnapshot(ctx, "Counter")
	if err != nil || !ok || !bytecode.Equal(got["n"], bytecode.Int(7)) {
		t.Fatalf("after reopen: %v ok=%v err=%v", got, ok, err)
	}
}

// --- Audit tests ---

func TestRecordEffect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []effects.AuditRecord{
		{Time: at, Caller: effects.Caller{Agent: "A", Instance: "a1"}, CapabilityID: 1, Effect: effects.Log, Args: []string{"x", "y"}, Result: "x y"},
		{Time: at, Caller: effects.Caller{Agent: "B", Instance: "b1"}, CapabilityID: 2, Effect: effects.Http, Args: []string{"http://x"}, Err: errors.New("boom")},
		{Caller: effects.Caller{Agent: "A", Instance: "a1"}, CapabilityID: 1, Effect: effects.Log},
	}
	for _, rec := range recs {
		if err := s.RecordEffect(ctx, rec); err != nil {
			t.Fatalf("RecordEffect: %v", err)
		}
	}

	all, err := s.AuditTrail(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	first := all[0]
	if !first.Time.Equal(at) || first.Effect != "log" || first.Result != "x y" || first.Error != "" {
		t.Errorf("first entry = %+v", first)
	}
	if len(first.Args) != 2 || first.Args[0] != "x" || first.Args[1] != "y" {
		t.Errorf("args = %v, want [x y]", first.Args)
	}
	if all[1].Error != "boom" || all[1].Effect != "http" || all[1].CapabilityID != 2 {
		t.Errorf("second entry = %+v", all[1])
	}
	if all[2].Time.IsZero() {
		t.Error("zero time should be stamped on insert")
	}

	onlyA, err := s.AuditTrail(ctx, "A", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyA) != 1 || onlyA[0].Instance != "a1" || onlyA[0].ID != all[0].ID {
		t.Errorf("filtered trail = %+v", onlyA)
	}
}

func TestStoreAuditsEffectContext(t *testing.T) {
	s := newTestStore(t)
	var out bytes.Buffer
	ec := effects.NewContext(effects.WithLogWriter(&out), effects.WithAuditor(s))
	tok, err := ec.Grant(effects.Log)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	ctx := effects.WithCaller(context.Background(), effects.Caller{Agent: "Counter", Instance: "c-1"})
	if _, err := ec.Execute(ctx, tok, []string{"n =", "3"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := ec.Execute(ctx, effects.Capability{}, []string{"forged"}); err == nil {
		t.Fatal("forged capability executed")
	}

	trail, err := s.AuditTrail(context.Background(), "Counter", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 2 {
		t.Fatalf("got %d entries, want 2", len(trail))
	}
	if trail[0].Result != "n = 3" || trail[0].CapabilityID != tok.ID() {
		t.Errorf("granted entry = %+v", trail[0])
	}
	if trail[1].Error == "" {
		t.Errorf("denied entry has no error: %+v", trail[1])
	}
}
