package bus

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/petal-labs/procflow/runtime"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge drops whole runs whose last event is older than this
	// (0 = keep runs forever).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// PruneResult reports what a pruning pass removed.
type PruneResult struct {
	Runs   int64
	Events int64
}

// SQLiteEventStore journals run events in SQLite so finished runs can be
// inspected with the events command. Runs and their events live in two
// tables; retention works on whole runs by age and on events by count.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store and applies
// pending migrations.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlitestore: dsn is required")
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// SQLite has a single writer; one connection keeps transactions from
	// tripping over shared-cache table locks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// applyMigrations runs every embedded migration not yet recorded in
// schema_migrations, each in its own transaction.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlitestore: ensure migration table: %w", err)
	}

	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("sqlitestore: list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		if err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&applied); err != nil {
			return fmt.Errorf("sqlitestore: check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("sqlitestore: read migration %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("sqlitestore: begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlitestore: apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixNano()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlitestore: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlitestore: commit migration %s: %w", name, err)
		}
	}
	return nil
}

// Append records the event and touches its run.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}
	at := event.Time.UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, process_id, first_time, last_time) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
		   last_time  = max(runs.last_time, excluded.last_time),
		   process_id = CASE WHEN runs.process_id = '' THEN excluded.process_id ELSE runs.process_id END`,
		event.RunID, event.ProcessID, at, at,
	); err != nil {
		return fmt.Errorf("sqlitestore: touch run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, kind, element_id, element_type, execution_id, parent_id,
		                     time, elapsed, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, string(event.Kind),
		event.ElementID, event.ElementType, event.ExecutionID, event.ParentID,
		at, int64(event.Elapsed), string(payloadJSON), event.TraceID, event.SpanID,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: run %s seq %d", ErrDuplicateEvent, event.RunID, event.Seq)
		}
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return tx.Commit()
}

// List returns the events of a run in sequence order, after afterSeq and
// at most limit of them when limit is positive.
func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	query := `SELECT e.run_id, e.seq, e.kind, r.process_id, e.element_id, e.element_type, e.execution_id,
	                 e.parent_id, e.time, e.elapsed, e.payload, e.trace_id, e.span_id
	            FROM events e JOIN runs r ON r.run_id = e.run_id
	           WHERE e.run_id = ? AND e.seq > ?
	           ORDER BY e.seq, e.id`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var events []runtime.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- guarded above
}

// RunIDs returns the journaled run ids in lexical order.
func (s *SQLiteEventStore) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the background pruner and closes the database.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune applies the retention settings once.
func (s *SQLiteEventStore) Prune(ctx context.Context) (PruneResult, error) {
	var result PruneResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("sqlitestore: begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().UnixNano()
		res, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE run_id IN (SELECT run_id FROM runs WHERE last_time < ?)`, cutoff)
		if err != nil {
			return result, fmt.Errorf("sqlitestore: prune events by age: %w", err)
		}
		result.Events += rowsAffected(res)
		if res, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE last_time < ?`, cutoff); err != nil {
			return result, fmt.Errorf("sqlitestore: prune runs by age: %w", err)
		}
		result.Runs += rowsAffected(res)
	}

	if s.cfg.RetentionCount > 0 {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (
			   SELECT id FROM (
			     SELECT id, ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY seq DESC) AS n FROM events
			   ) WHERE n > ?
			 )`, s.cfg.RetentionCount)
		if err != nil {
			return result, fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
		result.Events += rowsAffected(res)
	}

	if err := tx.Commit(); err != nil {
		return PruneResult{}, fmt.Errorf("sqlitestore: commit prune: %w", err)
	}
	return result, nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_, _ = s.Prune(context.Background())
		}
	}
}

func scanEvent(rows *sql.Rows) (runtime.Event, error) {
	var (
		e           runtime.Event
		kind        string
		at          int64
		elapsed     int64
		payloadJSON string
	)
	if err := rows.Scan(&e.RunID, &e.Seq, &kind, &e.ProcessID, &e.ElementID, &e.ElementType,
		&e.ExecutionID, &e.ParentID, &at, &elapsed, &payloadJSON, &e.TraceID, &e.SpanID,
	); err != nil {
		return e, fmt.Errorf("sqlitestore: scan event: %w", err)
	}
	e.Kind = runtime.EventKind(kind)
	e.Time = time.Unix(0, at).UTC()
	e.Elapsed = time.Duration(elapsed)
	e.Payload = map[string]any{}
	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return e, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
		}
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
