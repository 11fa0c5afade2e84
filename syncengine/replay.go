package syncengine

import (
	"context"
	"fmt"

	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/datasource"
	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/synclog"
	"github.com/virtues-os/core/transform"
)

// replayCheckpointKey is the cold-path's own checkpoint key, distinct from
// a stream's sync cursor: the cursor tracks how far the provider API has
// been paged, this tracks how far archived objects have been replayed
// through their transform.
const replayCheckpointKey = "cold_replay"

// ColdReplay re-runs a stream's transform over archived objects it has not
// yet seen, the same transform body the hot path just ran over in-memory
// records. Its purpose is recovery: if a process crashes after the archive
// pipeline durably writes a stream_objects row but before the hot-path
// transform call completes, the next ColdReplay tick picks the object back
// up. Because every transform upserts on source_stream_id, replaying a
// batch the hot path already wrote is a no-op beyond the UPDATE half of the
// upsert.
type ColdReplay struct {
	sources     *database.SourceRepository
	connections *database.StreamConnectionRepository
	reader      *datasource.StreamReader
	transforms  *transform.Registry
	synclog     *synclog.Logger
	log         *logging.Logger
}

func NewColdReplay(sources *database.SourceRepository, connections *database.StreamConnectionRepository, reader *datasource.StreamReader, transforms *transform.Registry, syncLogger *synclog.Logger, log *logging.Logger) *ColdReplay {
	return &ColdReplay{sources: sources, connections: connections, reader: reader, transforms: transforms, synclog: syncLogger, log: log}
}

func (c *ColdReplay) RunOnce(ctx context.Context) error {
	conns, err := c.connections.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: list enabled connections for replay: %w", err)
	}
	for _, conn := range conns {
		if err := c.replayOne(ctx, conn); err != nil {
			c.log.Error(ctx, "syncengine: cold replay failed", err, map[string]interface{}{
				"source_id": conn.SourceID, "stream": conn.StreamName,
			})
		}
	}
	return nil
}

func (c *ColdReplay) replayOne(ctx context.Context, conn database.StreamConnection) error {
	source, err := c.sources.Get(ctx, conn.SourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	t, ok := c.transforms.For(source.Provider, conn.StreamName)
	if !ok {
		return nil
	}

	records, newest, err := c.reader.Read(ctx, conn.SourceID, conn.StreamName, replayCheckpointKey)
	if err != nil {
		return fmt.Errorf("read archived objects: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	attempt := c.synclog.Start(conn.SourceID, conn.StreamName, "cold_replay", "")
	written, err := t.Apply(ctx, conn.SourceID, records)
	if err != nil {
		c.synclog.Failure(ctx, attempt, err)
		return fmt.Errorf("transform: %w", err)
	}

	if err := c.reader.Advance(ctx, conn.SourceID, conn.StreamName, replayCheckpointKey, newest); err != nil {
		c.synclog.Failure(ctx, attempt, err)
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	return c.synclog.Success(ctx, attempt, len(records), written, "")
}
