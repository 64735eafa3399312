// Package store persists agent state snapshots and the effect audit trail
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/ling0x/krill/effects"
	"github.com/ling0x/krill/pkg/bytecode"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("krill.store")

// Store manages all SQLite operations with WAL mode for concurrent access.
// It implements actor.Snapshotter and effects.Auditor.
type Store struct {
	db     *sql.DB
	writes writePolicy
}

// Open opens (or creates) the SQLite database and initializes the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, writes: defaultWritePolicy}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debugf("opened %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		agent      TEXT PRIMARY KEY,
		instance   TEXT NOT NULL,
		state      BLOB NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1,
		saved_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS effect_audit (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		at            TEXT NOT NULL,
		agent         TEXT NOT NULL,
		instance      TEXT NOT NULL,
		capability_id INTEGER NOT NULL,
		effect        TEXT NOT NULL,
		args          BLOB NOT NULL,
		result        TEXT NOT NULL,
		error         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON effect_audit(agent, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// SaveSnapshot replaces the agent's latest snapshot. Reference values are
// stored by type only and come back unbound.
func (s *Store) SaveSnapshot(ctx context.Context, agent, instance string, state map[string]bytecode.Value) error {
	blob, err := bytecode.MarshalState(state)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.write(ctx, "save snapshot "+agent, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO snapshots (agent, instance, state, version, saved_at)
			 VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT(agent) DO UPDATE SET
			   instance = excluded.instance,
			   state    = excluded.state,
			   version  = snapshots.version + 1,
			   saved_at = excluded.saved_at`,
			agent, instance, blob, now,
		)
		return err
	})
}

// LoadSnapshot returns the agent's latest snapshot, if any.
func (s *Store) LoadSnapshot(ctx context.Context, agent string) (map[string]bytecode.Value, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM snapshots WHERE agent = ?`, agent).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", agent, err)
	}
	state, err := bytecode.UnmarshalState(blob)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// SnapshotInfo describes a stored snapshot without decoding it.
type SnapshotInfo struct {
	Agent    string
	Instance string
	Version  int64
	SavedAt  time.Time
}

// Snapshots lists every stored snapshot ordered by agent name.
func (s *Store) Snapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent, instance, version, saved_at FROM snapshots ORDER BY agent`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var saved string
		if err := rows.Scan(&info.Agent, &info.Instance, &info.Version, &saved); err != nil {
			return nil, err
		}
		info.SavedAt, _ = time.Parse(time.RFC3339Nano, saved)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes the agent's snapshot.
func (s *Store) DeleteSnapshot(ctx context.Context, agent string) error {
	return s.write(ctx, "delete snapshot "+agent, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE agent = ?`, agent)
		return err
	})
}

// ---------------------------------------------------------------------------
// Effect audit
// ---------------------------------------------------------------------------

// AuditEntry is one stored effect execution.
type AuditEntry struct {
	ID           int64
	Time         time.Time
	Agent        string
	Instance     string
	CapabilityID uint64
	Effect       string
	Args         []string
	Result       string
	Error        string
}

// RecordEffect appends rec to the audit trail.
func (s *Store) RecordEffect(ctx context.Context, rec effects.AuditRecord) error {
	args, err := cbor.Marshal(rec.Args)
	if err != nil {
		return err
	}
	var errText sql.NullString
	if rec.Err != nil {
		errText = sql.NullString{String: rec.Err.Error(), Valid: true}
	}
	at := rec.Time
	if at.IsZero() {
		at = time.Now()
	}
	return s.write(ctx, "audit "+rec.Effect.String(), func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO effect_audit (at, agent, instance, capability_id, effect, args, result, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			at.UTC().Format(time.RFC3339Nano), rec.Caller.Agent, rec.Caller.Instance,
			int64(rec.CapabilityID), rec.Effect.String(), args, rec.Result, errText,
		)
		return err
	})
}

// AuditTrail returns audit entries in execution order. An empty agent
// selects every agent; limit <= 0 means no limit.
func (s *Store) AuditTrail(ctx context.Context, agent string, limit int) ([]AuditEntry, error) {
	query := `SELECT id, at, agent, instance, capability_id, effect, args, result, error FROM effect_audit`
	var params []any
	if agent != "" {
		query += ` WHERE agent = ?`
		params = append(params, agent)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		params = append(params, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		var capID int64
		var args []byte
		var errText sql.NullString
		if err := rows.Scan(&e.ID, &at, &e.Agent, &e.Instance, &capID, &e.Effect, &args, &e.Result, &errText); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, at)
		e.CapabilityID = uint64(capID)
		e.Error = errText.String
		if err := cbor.Unmarshal(args, &e.Args); err != nil {
			return nil, fmt.Errorf("audit entry %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
