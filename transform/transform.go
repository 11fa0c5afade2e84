// Package transform turns raw stream records into normalized ontology rows.
// Every transform is idempotent: re-running it over the same records is a
// no-op beyond the UPDATE half of an upsert, so a crash-and-retry of the
// archive/transform pipeline never double-counts data.
package transform

import (
	"context"
	"database/sql"

	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/registry"
)

// defaultBatchSize is the chunk size for flushing extracted rows via
// UpsertBuilder.
const defaultBatchSize = 500

// chunkRecords splits records into slices of at most size, preserving order.
func chunkRecords(records []registry.Record, size int) [][]registry.Record {
	if len(records) == 0 {
		return nil
	}
	var out [][]registry.Record
	for size < len(records) {
		records, out = records[size:], append(out, records[:size:size])
	}
	return append(out, records)
}

// execBatch runs one UpsertBuilder-built statement. A failure is logged and
// the batch's rows are not counted as written; the caller continues on to
// the next batch rather than aborting the whole Apply call.
func execBatch(ctx context.Context, db *sql.DB, log *logging.Logger, ontology, query string, args []any, rowCount int) int {
	if query == "" {
		return 0
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		log.Error(ctx, "transform: batch upsert failed", err, map[string]interface{}{
			"ontology": ontology, "batch_rows": rowCount,
		})
		return 0
	}
	return rowCount
}

// Transform writes one batch of records into its ontology table, returning
// the number of rows affected (inserted or updated).
type Transform interface {
	// Ontology is the name this transform writes to, used only for logging.
	Ontology() string
	Apply(ctx context.Context, sourceID string, records []registry.Record) (int, error)
}

// Registry maps "<provider>/<stream>" to the transform that owns it,
// assembled once at wiring time (cmd/syncd, cmd/ingestd) since transforms
// need a live *sql.DB unavailable at package init.
type Registry struct {
	byStream map[string]Transform
}

func NewRegistry() *Registry {
	return &Registry{byStream: make(map[string]Transform)}
}

func (r *Registry) Bind(provider, stream string, t Transform) {
	r.byStream[provider+"/"+stream] = t
}

func (r *Registry) For(provider, stream string) (Transform, bool) {
	t, ok := r.byStream[provider+"/"+stream]
	return t, ok
}
