package records

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"

	_ "github.com/lib/pq"
)

const postgresFetch = `SELECT id, tenant_id, entity_type, fields, "timestamp" FROM normalized_records WHERE tenant_id = $1 AND entity_type = $2 AND "timestamp" >= $3 AND "timestamp" < $4 ORDER BY "timestamp", id`

// Postgres reads the ingestion database's normalized_records table. The
// fields column is jsonb.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to the ingestion database.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping postgres", err)
	}
	return &Postgres{db: db}, nil
}

// Fetch implements Source.
func (p *Postgres) Fetch(ctx context.Context, scope tenant.Scope, entityType string, r model.TimeRange) iter.Seq2[model.NormalizedRecord, error] {
	if err := scope.Check(); err != nil {
		return failed(err)
	}
	return func(yield func(model.NormalizedRecord, error) bool) {
		rows, err := p.db.QueryContext(ctx, postgresFetch, scope.ID(), entityType, r.Start.UTC(), r.End.UTC())
		if err != nil {
			yield(model.NormalizedRecord{}, unavailable("query records", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec    model.NormalizedRecord
				fields []byte
			)
			if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.EntityType, &fields, &rec.Timestamp); err != nil {
				yield(model.NormalizedRecord{}, unavailable("scan record", err))
				return
			}
			rec.Timestamp = rec.Timestamp.UTC()
			if rec.Fields, err = decodeFields(fields); err != nil {
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
func (p *Postgres) Close() error {
	return p.db.Close()
}
