package transform

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/pkg/storage/postgres"
	"github.com/virtues-os/core/registry"
)

// healthkitBatchSize is smaller than the default: HealthKit samples are the
// highest-cardinality stream this module ingests, so a smaller batch keeps
// each upsert's transaction bounded.
const healthkitBatchSize = 100

type healthSample struct {
	MetricType string  `json:"metric_type"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
}

// healthkitSourceProvider and healthkitSourceTable are the provenance
// values stamped on every health_metric row, matching the literals
// provider/ios/healthkit registers this stream under.
const (
	healthkitSourceProvider = "ios"
	healthkitSourceTable    = "ios_healthkit_samples"
)

// HealthkitTransform writes HealthKit samples into health_metric.
type HealthkitTransform struct {
	db  *sql.DB
	log *logging.Logger
}

func NewHealthkitTransform(db *sql.DB, log *logging.Logger) *HealthkitTransform {
	return &HealthkitTransform{db: db, log: log}
}

func (t *HealthkitTransform) Ontology() string { return "health_metric" }

func (t *HealthkitTransform) Apply(ctx context.Context, sourceID string, records []registry.Record) (int, error) {
	written := 0
	for _, batch := range chunkRecords(records, healthkitBatchSize) {
		b := postgres.NewUpsertBuilder(
			"health_metric",
			[]string{"source_stream_id", "source_id", "source_table", "source_provider", "occurred_at", "metric_type", "value", "unit", "metadata"},
			"source_stream_id",
			[]string{"occurred_at", "value", "metadata"},
		)

		for _, rec := range batch {
			var sm healthSample
			if err := json.Unmarshal(rec.Payload, &sm); err != nil || sm.MetricType == "" {
				continue
			}
			b.AddRow(rec.SourceStreamID, sourceID, healthkitSourceTable, healthkitSourceProvider, rec.OccurredAt, sm.MetricType, sm.Value, sm.Unit, rec.Payload)
		}

		query, args := b.Build()
		written += execBatch(ctx, t.db, t.log, t.Ontology(), query, args, b.Len())
	}
	return written, nil
}
