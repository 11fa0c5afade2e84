// Package datasource provides a uniform read side over both record sources
// this pipeline produces: the hot in-memory buffer a sync has just written
// (MemoryDataSource) and the cold archived objects a transform replays from
// later (StreamReader, which reads stream_objects past a checkpoint,
// downloads, decrypts, and parses each one back into records).
package datasource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/virtues-os/core/archive"
	"github.com/virtues-os/core/checkpoint"
	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamwriter"
)

// DataSource yields records for one (sourceID, streamName) pair.
type DataSource interface {
	Records(ctx context.Context) ([]registry.Record, error)
}

// MemoryDataSource drains whatever the Stream Writer is currently holding -
// the hot path used immediately after a sync, before anything's archived.
type MemoryDataSource struct {
	writer     *streamwriter.Writer
	sourceID   string
	streamName string
}

func NewMemoryDataSource(w *streamwriter.Writer, sourceID, streamName string) *MemoryDataSource {
	return &MemoryDataSource{writer: w, sourceID: sourceID, streamName: streamName}
}

func (m *MemoryDataSource) Records(ctx context.Context) ([]registry.Record, error) {
	records, _ := m.writer.Collect(m.sourceID, m.streamName)
	return records, nil
}

// StreamReader replays every archived object newer than the named
// checkpoint - the cold path a transform uses to catch up after a restart
// or to reprocess a stream under a different checkpoint key. It does not
// advance the checkpoint itself; callers that successfully process a batch
// call Advance once they've committed the results.
type StreamReader struct {
	objects     *database.StreamObjectRepository
	checkpoints *checkpoint.Store
	archiver    *archive.Archiver
}

func NewStreamReader(objects *database.StreamObjectRepository, checkpoints *checkpoint.Store, archiver *archive.Archiver) *StreamReader {
	return &StreamReader{objects: objects, checkpoints: checkpoints, archiver: archiver}
}

// Read returns every record archived for (sourceID, streamName) since
// checkpointKey's last recorded position, along with the newest
// max_timestamp seen (for the caller to pass to Advance).
func (s *StreamReader) Read(ctx context.Context, sourceID, streamName, checkpointKey string) ([]registry.Record, time.Time, error) {
	at, found, err := s.checkpoints.Get(ctx, sourceID, streamName, checkpointKey)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("datasource: load checkpoint: %w", err)
	}

	var after *time.Time
	if found {
		after = &at
	}

	objs, err := s.objects.FindAfter(ctx, sourceID, streamName, after)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("datasource: find objects: %w", err)
	}

	var out []registry.Record
	newest := at
	for _, obj := range objs {
		date := time.Now()
		if obj.MaxTimestamp != nil {
			date = *obj.MaxTimestamp
		}
		plaintext, err := s.archiver.Download(ctx, sourceID, streamName, date, obj.ObjectKey)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("datasource: download %s: %w", obj.ObjectKey, err)
		}
		records, err := parseJSONL(plaintext)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("datasource: parse %s: %w", obj.ObjectKey, err)
		}
		out = append(out, records...)
		if obj.MaxTimestamp != nil && obj.MaxTimestamp.After(newest) {
			newest = *obj.MaxTimestamp
		}
	}
	return out, newest, nil
}

// Advance moves checkpointKey to at, typically the newest timestamp Read
// just returned once its records have been durably processed.
func (s *StreamReader) Advance(ctx context.Context, sourceID, streamName, checkpointKey string, at time.Time) error {
	return s.checkpoints.Advance(ctx, sourceID, streamName, checkpointKey, at)
}

func parseJSONL(data []byte) ([]registry.Record, error) {
	var out []registry.Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec registry.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
