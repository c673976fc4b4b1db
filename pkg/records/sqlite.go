package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS normalized_records (
	id          TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	fields      TEXT NOT NULL DEFAULT '{}',
	ts          INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_records_scope ON normalized_records(tenant_id, entity_type, ts, id);`

// SQLite is a Source backed by a local normalized_records table. It is used
// for development and single-node deployments where ingestion writes to the
// same SQLite file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the records table in the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open records database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Insert stores records for the scoped tenant. Record ids are unique per
// tenant; a record whose id the tenant already holds is replaced.
func (s *SQLite) Insert(ctx context.Context, scope tenant.Scope, recs ...model.NormalizedRecord) error {
	if err := scope.Check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin insert", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range recs {
		if r.TenantID == "" {
			r.TenantID = scope.ID()
		}
		if err := scope.Owns(r.TenantID); err != nil {
			return err
		}
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("encode fields of record %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO normalized_records (id, tenant_id, entity_type, fields, ts)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(tenant_id, id) DO UPDATE SET
			   entity_type = excluded.entity_type,
			   fields = excluded.fields,
			   ts = excluded.ts`,
			r.ID, r.TenantID, r.EntityType, string(fields), r.Timestamp.UTC().UnixNano(),
		)
		if err != nil {
			return unavailable("insert record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit insert", err)
	}
	return nil
}

// Fetch implements Source.
func (s *SQLite) Fetch(ctx context.Context, scope tenant.Scope, entityType string, r model.TimeRange) iter.Seq2[model.NormalizedRecord, error] {
	if err := scope.Check(); err != nil {
		return failed(err)
	}
	return func(yield func(model.NormalizedRecord, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, tenant_id, entity_type, fields, ts FROM normalized_records
			 WHERE tenant_id = ? AND entity_type = ? AND ts >= ? AND ts < ?
			 ORDER BY ts, id`,
			scope.ID(), entityType, r.Start.UTC().UnixNano(), r.End.UTC().UnixNano(),
		)
		if err != nil {
			yield(model.NormalizedRecord{}, unavailable("query records", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec    model.NormalizedRecord
				fields string
				ts     int64
			)
			if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.EntityType, &fields, &ts); err != nil {
				yield(model.NormalizedRecord{}, unavailable("scan record", err))
				return
			}
			rec.Timestamp = time.Unix(0, ts).UTC()
			if rec.Fields, err = decodeFields([]byte(fields)); err != nil {
				yield(model.NormalizedRecord{}, unavailable("decode record "+rec.ID, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.NormalizedRecord{}, unavailable("iterate records", err))
		}
	}
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
