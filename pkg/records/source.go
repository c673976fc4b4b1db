// Package records reads tenant-scoped normalized records produced by ingestion.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
)

// Source yields the records of one entity type inside a time range.
//
// The sequence is ascending by timestamp, ties broken by id. It is finite and
// every iteration re-queries the backing store, so a sequence can be ranged
// over more than once. Backing failures are yielded as errors wrapping
// model.ErrStoreUnavailable and end the sequence.
type Source interface {
	Fetch(ctx context.Context, scope tenant.Scope, entityType string, r model.TimeRange) iter.Seq2[model.NormalizedRecord, error]
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrStoreUnavailable, err)
}

// failed returns a sequence that yields a single error.
func failed(err error) iter.Seq2[model.NormalizedRecord, error] {
	return func(yield func(model.NormalizedRecord, error) bool) {
		yield(model.NormalizedRecord{}, err)
	}
}

func decodeFields(raw []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Slice is an in-memory Source, mostly useful in tests and for one-off
// evaluations of records already held by the caller.
type Slice []model.NormalizedRecord

// Fetch filters the slice by tenant, entity type and range. The slice must
// already be sorted by timestamp.
func (s Slice) Fetch(ctx context.Context, scope tenant.Scope, entityType string, r model.TimeRange) iter.Seq2[model.NormalizedRecord, error] {
	if err := scope.Check(); err != nil {
		return failed(err)
	}
	return func(yield func(model.NormalizedRecord, error) bool) {
		for _, rec := range s {
			if err := ctx.Err(); err != nil {
				yield(model.NormalizedRecord{}, unavailable("fetch records", err))
				return
			}
			if rec.TenantID != scope.ID() || rec.EntityType != entityType || !r.Contains(rec.Timestamp) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
