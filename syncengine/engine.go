// Package syncengine drives the pull side of the pipeline: for every
// enabled stream connection, it resolves a live stream through the Stream
// Factory, pages through SyncPull until the stream reports it's caught up,
// persists the new cursor, archives the batch, and runs the matching
// transform - logging the outcome of every attempt. Cursor encodings
// (Google sync token, Plaid page cursor) are opaque here; each provider
// package owns its own semantics.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/virtues-os/core/archive"
	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/datasource"
	"github.com/virtues-os/core/httpclient"
	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/infrastructure/metrics"
	"github.com/virtues-os/core/infrastructure/ratelimit"
	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamfactory"
	"github.com/virtues-os/core/streamwriter"
	"github.com/virtues-os/core/synclog"
	"github.com/virtues-os/core/transform"
)

// maxPagesPerRun caps how many pages a single RunOnce invocation will pull
// for one stream, so a misbehaving provider that never sets Done can't wedge
// the whole scheduler tick on one connection.
const maxPagesPerRun = 200

type Engine struct {
	sources     *database.SourceRepository
	connections *database.StreamConnectionRepository
	factory     *streamfactory.Factory
	writer      *streamwriter.Writer
	archiver    *archive.Archiver
	transforms  *transform.Registry
	synclog     *synclog.Logger
	log         *logging.Logger
	metrics     *metrics.Metrics
	caps        *ratelimit.DailyCapLimiter
}

func New(sources *database.SourceRepository, connections *database.StreamConnectionRepository, factory *streamfactory.Factory, writer *streamwriter.Writer, archiver *archive.Archiver, transforms *transform.Registry, syncLogger *synclog.Logger, log *logging.Logger) *Engine {
	return &Engine{sources: sources, connections: connections, factory: factory, writer: writer, archiver: archiver, transforms: transforms, synclog: syncLogger, log: log}
}

// WithMetrics attaches a Metrics recorder for per-stream records-written
// counters (sync run counts/durations are already captured by synclog.Logger
// itself, so the engine only needs to add the provider label here).
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithDailyCap attaches the per-day provider-request cap. A nil limiter
// (no REDIS_URL configured) leaves RunOnce uncapped.
func (e *Engine) WithDailyCap(caps *ratelimit.DailyCapLimiter) *Engine {
	e.caps = caps
	return e
}

// RunOnce pulls every enabled stream connection exactly once. It does not
// retry a connection that errors - the next scheduler tick will pick it up
// again, per the sync log's audit trail rather than an in-process retry.
func (e *Engine) RunOnce(ctx context.Context) error {
	conns, err := e.connections.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: list enabled connections: %w", err)
	}
	for _, conn := range conns {
		if err := e.syncOne(ctx, conn); err != nil {
			e.log.Error(ctx, "syncengine: stream sync failed", err, map[string]interface{}{
				"source_id": conn.SourceID, "stream": conn.StreamName,
			})
		}
	}
	return nil
}

func (e *Engine) syncOne(ctx context.Context, conn database.StreamConnection) error {
	source, err := e.sources.Get(ctx, conn.SourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	instance, err := e.factory.Create(ctx, conn.SourceID, source.Provider, conn.StreamName)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	if instance.Pull == nil {
		return fmt.Errorf("stream %s/%s is not a pull stream", source.Provider, conn.StreamName)
	}

	if e.caps != nil {
		allowed, err := e.caps.Allow(ctx, "requests:"+source.Provider)
		if err != nil {
			e.log.Error(ctx, "syncengine: daily cap check failed, proceeding uncapped", err, map[string]interface{}{"provider": source.Provider})
		} else if !allowed {
			e.metrics.RateLimitExceeded(source.Provider)
			e.log.Info(ctx, "syncengine: daily request cap exceeded, skipping this tick", map[string]interface{}{"provider": source.Provider, "stream": conn.StreamName})
			return nil
		}
	}

	attempt := e.synclog.Start(conn.SourceID, conn.StreamName, "incremental", conn.SyncCursor)
	records, nextCursor, err := e.page(ctx, instance.Pull, conn.SyncCursor)

	// A sync-token invalidation (e.g. Google's 410) means the cursor is
	// unusable server-side; the recovery is a single retry from an empty
	// cursor, not an unbounded retry loop.
	var respErr *httpclient.ResponseError
	if err != nil && errors.As(err, &respErr) && respErr.Class == httpclient.ClassSyncTokenError {
		attempt = e.synclog.Start(conn.SourceID, conn.StreamName, "full_refresh", "")
		records, nextCursor, err = e.page(ctx, instance.Pull, "")
	}
	if err != nil {
		e.synclog.Failure(ctx, attempt, err)
		return err
	}

	if len(records) == 0 {
		if err := e.connections.UpsertCursor(ctx, conn.SourceID, conn.StreamName, nextCursor); err != nil {
			e.synclog.Failure(ctx, attempt, err)
			return fmt.Errorf("persist cursor: %w", err)
		}
		return e.synclog.Success(ctx, attempt, 0, 0, nextCursor)
	}

	// Records land in the Stream Writer first, exactly as a push batch does
	// in ingest.Handler: it is the single shared hot-path buffer, and
	// draining it through MemoryDataSource (rather than handing the page
	// straight to the archiver/transform) keeps the pull and push paths
	// feeding the rest of the pipeline the same way.
	now := time.Now()
	e.writer.Append(conn.SourceID, conn.StreamName, records, now)
	drained, err := datasource.NewMemoryDataSource(e.writer, conn.SourceID, conn.StreamName).Records(ctx)
	if err != nil {
		e.synclog.Failure(ctx, attempt, err)
		return fmt.Errorf("drain stream writer: %w", err)
	}

	e.archiver.Spawn(ctx, conn.SourceID, source.Provider, conn.StreamName, drained, nil)

	// The cursor only advances once the transformed output is durably
	// committed: a failed transform leaves the previous cursor in place so
	// the next run re-processes this same page.
	written := len(drained)
	if t, ok := e.transforms.For(source.Provider, conn.StreamName); ok {
		start := time.Now()
		n, err := t.Apply(ctx, conn.SourceID, drained)
		if err != nil {
			e.metrics.TransformBatch(t.Ontology(), "failed", time.Since(start).Seconds())
			e.synclog.Failure(ctx, attempt, err)
			return fmt.Errorf("transform: %w", err)
		}
		e.metrics.TransformBatch(t.Ontology(), "success", time.Since(start).Seconds())
		written = n
	}

	if err := e.connections.UpsertCursor(ctx, conn.SourceID, conn.StreamName, nextCursor); err != nil {
		e.synclog.Failure(ctx, attempt, err)
		return fmt.Errorf("persist cursor: %w", err)
	}

	e.metrics.RecordsWritten(source.Provider, conn.StreamName, written)
	return e.synclog.Success(ctx, attempt, len(drained), written, nextCursor)
}

// page pages through SyncPull until the stream reports Done, returning the
// concatenation of every page's records and the final cursor to persist.
func (e *Engine) page(ctx context.Context, pull registry.PullStream, cursor string) ([]registry.Record, string, error) {
	var all []registry.Record
	for i := 0; i < maxPagesPerRun; i++ {
		result, err := pull.SyncPull(ctx, cursor)
		if err != nil {
			return nil, cursor, err
		}
		all = append(all, result.Records...)
		cursor = result.NextCursor
		if result.Done {
			return all, cursor, nil
		}
	}
	return all, cursor, fmt.Errorf("syncengine: exceeded %d pages without Done", maxPagesPerRun)
}
