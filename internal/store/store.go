// Package store persists the platform metadata catalog (operators, datasets,
// data fields) and the append-only run event log in a single SQLite file.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"alphaforge/internal/schema"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS operators (
    name TEXT PRIMARY KEY,
    category TEXT NOT NULL DEFAULT '',
    scope TEXT NOT NULL DEFAULT '',
    definition TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    level TEXT NOT NULL DEFAULT '',
    documentation TEXT NOT NULL DEFAULT '',
    arity INTEGER NOT NULL DEFAULT -1,
    fetched_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS datasets (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL,
    delay INTEGER NOT NULL,
    universe TEXT NOT NULL,
    subcategory TEXT NOT NULL DEFAULT '',
    coverage REAL NOT NULL DEFAULT 0,
    value_score REAL NOT NULL DEFAULT 0,
    field_count INTEGER NOT NULL DEFAULT 0,
    alpha_count INTEGER NOT NULL DEFAULT 0,
    user_count INTEGER NOT NULL DEFAULT 0,
    themes TEXT NOT NULL DEFAULT '',
    fetched_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS data_fields (
    id TEXT PRIMARY KEY,
    dataset_id TEXT NOT NULL,
    region TEXT NOT NULL,
    delay INTEGER NOT NULL,
    universe TEXT NOT NULL,
    type TEXT NOT NULL,
    subcategory TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    coverage REAL NOT NULL DEFAULT 0,
    alpha_count INTEGER NOT NULL DEFAULT 0,
    user_count INTEGER NOT NULL DEFAULT 0,
    fetched_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_data_fields_dataset ON data_fields(dataset_id);
CREATE INDEX IF NOT EXISTS idx_data_fields_target ON data_fields(region, delay, universe);

CREATE TABLE IF NOT EXISTS event_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    idea_id TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL DEFAULT 'info',
    payload_json TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_run ON event_log(run_id, id);
CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type);
`

// Store wraps the SQLite handle for catalog and event-log access.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with WAL journaling
// and a busy timeout, then ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ============================================================================
// CATALOG WRITES
// ============================================================================

// UpsertOperators inserts or refreshes operator rows in one transaction.
func (s *Store) UpsertOperators(ctx context.Context, ops []schema.OperatorMeta) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO operators (name, category, scope, definition, description, level, documentation, arity, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
    category=excluded.category, scope=excluded.scope, definition=excluded.definition,
    description=excluded.description, level=excluded.level,
    documentation=excluded.documentation, arity=excluded.arity,
    fetched_at=excluded.fetched_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := time.Now().UTC().Format(time.RFC3339)
		for _, op := range ops {
			arity := op.Arity
			if arity == 0 {
				arity = -1
			}
			if _, err := stmt.ExecContext(ctx, op.Name, op.Category,
				strings.Join(op.Scope, ","), op.Definition, op.Description,
				op.Level, op.Documentation, arity, now); err != nil {
				return fmt.Errorf("upsert operator %s: %w", op.Name, err)
			}
		}
		return nil
	})
}

// UpsertDatasets inserts or refreshes dataset rows in one transaction.
func (s *Store) UpsertDatasets(ctx context.Context, rows []schema.Dataset) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO datasets (id, name, description, region, delay, universe, subcategory,
    coverage, value_score, field_count, alpha_count, user_count, themes, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name=excluded.name, description=excluded.description, region=excluded.region,
    delay=excluded.delay, universe=excluded.universe, subcategory=excluded.subcategory,
    coverage=excluded.coverage, value_score=excluded.value_score,
    field_count=excluded.field_count, alpha_count=excluded.alpha_count,
    user_count=excluded.user_count, themes=excluded.themes, fetched_at=excluded.fetched_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := time.Now().UTC().Format(time.RFC3339)
		for _, d := range rows {
			if _, err := stmt.ExecContext(ctx, d.ID, d.Name, d.Description,
				d.Region, d.Delay, d.Universe, d.Subcategory, d.Coverage,
				d.ValueScore, d.FieldCount, d.AlphaCount, d.UserCount,
				strings.Join(d.Themes, ","), now); err != nil {
				return fmt.Errorf("upsert dataset %s: %w", d.ID, err)
			}
		}
		return nil
	})
}

// UpsertDataFields inserts or refreshes data-field rows in one transaction.
func (s *Store) UpsertDataFields(ctx context.Context, rows []schema.DataField) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO data_fields (id, dataset_id, region, delay, universe, type, subcategory,
    description, coverage, alpha_count, user_count, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    dataset_id=excluded.dataset_id, region=excluded.region, delay=excluded.delay,
    universe=excluded.universe, type=excluded.type, subcategory=excluded.subcategory,
    description=excluded.description, coverage=excluded.coverage,
    alpha_count=excluded.alpha_count, user_count=excluded.user_count,
    fetched_at=excluded.fetched_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := time.Now().UTC().Format(time.RFC3339)
		for _, f := range rows {
			if _, err := stmt.ExecContext(ctx, f.ID, f.DatasetID, f.Region,
				f.Delay, f.Universe, f.Type, f.Subcategory, f.Description,
				f.Coverage, f.AlphaCount, f.UserCount, now); err != nil {
				return fmt.Errorf("upsert data field %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ============================================================================
// CATALOG READS
// ============================================================================

// Operators returns every operator row.
func (s *Store) Operators(ctx context.Context) ([]schema.OperatorMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, category, scope, definition, description, level, documentation, arity
FROM operators ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query operators: %w", err)
	}
	defer rows.Close()
	var out []schema.OperatorMeta
	for rows.Next() {
		var op schema.OperatorMeta
		var scope string
		if err := rows.Scan(&op.Name, &op.Category, &scope, &op.Definition,
			&op.Description, &op.Level, &op.Documentation, &op.Arity); err != nil {
			return nil, err
		}
		if scope != "" {
			op.Scope = strings.Split(scope, ",")
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// DatasetsForTarget returns dataset rows matching the target slice.
func (s *Store) DatasetsForTarget(ctx context.Context, t schema.SimulationTarget) ([]schema.Dataset, error) {
	n := t.Normalized()
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, description, region, delay, universe, subcategory,
       coverage, value_score, field_count, alpha_count, user_count, themes
FROM datasets WHERE UPPER(region)=? AND delay=? AND UPPER(universe)=? ORDER BY id`,
		n.Region, n.Delay, n.Universe)
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer rows.Close()
	var out []schema.Dataset
	for rows.Next() {
		var d schema.Dataset
		var themes string
		if err := rows.Scan(&d.ID, &d.Name, &d.Description, &d.Region, &d.Delay,
			&d.Universe, &d.Subcategory, &d.Coverage, &d.ValueScore,
			&d.FieldCount, &d.AlphaCount, &d.UserCount, &themes); err != nil {
			return nil, err
		}
		if themes != "" {
			d.Themes = strings.Split(themes, ",")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FieldsForTarget returns data-field rows matching the target slice.
func (s *Store) FieldsForTarget(ctx context.Context, t schema.SimulationTarget) ([]schema.DataField, error) {
	n := t.Normalized()
	rows, err := s.db.QueryContext(ctx, `
SELECT id, dataset_id, region, delay, universe, type, subcategory,
       description, coverage, alpha_count, user_count
FROM data_fields WHERE UPPER(region)=? AND delay=? AND UPPER(universe)=? ORDER BY id`,
		n.Region, n.Delay, n.Universe)
	if err != nil {
		return nil, fmt.Errorf("query data fields: %w", err)
	}
	defer rows.Close()
	var out []schema.DataField
	for rows.Next() {
		var f schema.DataField
		if err := rows.Scan(&f.ID, &f.DatasetID, &f.Region, &f.Delay,
			&f.Universe, &f.Type, &f.Subcategory, &f.Description,
			&f.Coverage, &f.AlphaCount, &f.UserCount); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ============================================================================
// EVENT LOG
// ============================================================================

// AppendEvent persists one envelope to the run log.
func (s *Store) AppendEvent(ctx context.Context, ev schema.EventEnvelope) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO event_log (event_type, run_id, idea_id, stage, message, severity, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventType, ev.RunID, ev.IdeaID, ev.Stage, ev.Message, ev.Severity,
		string(payload), created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.EventType, err)
	}
	return nil
}

// EventsByRun returns a run's events in append order.
func (s *Store) EventsByRun(ctx context.Context, runID string) ([]schema.EventEnvelope, error) {
	return s.queryEvents(ctx, `
SELECT event_type, run_id, idea_id, stage, message, severity, payload_json, created_at
FROM event_log WHERE run_id=? ORDER BY id`, runID)
}

// EventsByTypePrefix returns events whose type starts with prefix, in append
// order. Used for usage aggregation (llm.*) and seen-combo recovery (budget.*).
func (s *Store) EventsByTypePrefix(ctx context.Context, prefix string) ([]schema.EventEnvelope, error) {
	return s.queryEvents(ctx, `
SELECT event_type, run_id, idea_id, stage, message, severity, payload_json, created_at
FROM event_log WHERE event_type LIKE ? ORDER BY id`, prefix+"%")
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]schema.EventEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []schema.EventEnvelope
	for rows.Next() {
		var ev schema.EventEnvelope
		var payload, created string
		if err := rows.Scan(&ev.EventType, &ev.RunID, &ev.IdeaID, &ev.Stage,
			&ev.Message, &ev.Severity, &payload, &created); err != nil {
			return nil, err
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &ev.Payload)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			ev.CreatedAt = ts
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
