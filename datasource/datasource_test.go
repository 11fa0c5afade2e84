package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/virtues-os/core/archive"
	"github.com/virtues-os/core/checkpoint"
	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/infrastructure/crypto"
	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/pkg/storage/blob"
	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamwriter"
)

func testMasterKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func TestMemoryDataSourceDrainsWriter(t *testing.T) {
	w := streamwriter.New()
	at := time.Now()
	w.Append("src-1", "calendar", []registry.Record{{SourceStreamID: "a", OccurredAt: at, Payload: json.RawMessage(`{}`)}}, at)

	ds := NewMemoryDataSource(w, "src-1", "calendar")
	records, err := ds.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	// A second Records call observes the writer's drain-on-collect contract.
	records, err = ds.Records(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestParseJSONLSkipsBlankLines(t *testing.T) {
	in := []byte(`{"source_stream_id":"a","occurred_at":"2026-01-01T00:00:00Z","payload":{"x":1}}
` + "\n" + `{"source_stream_id":"b","occurred_at":"2026-01-02T00:00:00Z","payload":{"x":2}}
`)
	out, err := parseJSONL(in)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].SourceStreamID)
	require.Equal(t, "b", out[1].SourceStreamID)
}

func TestStreamReaderReadsFromCheckpointAndAdvances(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	log := logging.New("datasource-test", "error", "json")
	a := archive.New(database.NewArchiveJobRepository(db), database.NewStreamObjectRepository(db), store, "archives", testMasterKey(), log)

	ctx := context.Background()
	maxTS := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	key := blob.ObjectKey("archives", "google", "src-1", "calendar", maxTS, "obj-1")

	records := []registry.Record{{SourceStreamID: "evt-1", OccurredAt: maxTS, Payload: json.RawMessage(`{"x":1}`)}}
	var buf []byte
	for _, r := range records {
		encoded, err := json.Marshal(r)
		require.NoError(t, err)
		buf = append(buf, encoded...)
		buf = append(buf, '\n')
	}
	subject := []byte("src-1" + "\x00" + "calendar" + "\x00" + maxTS.UTC().Format("2006-01-02"))
	ciphertext, err := crypto.EncryptEnvelope(testMasterKey(), subject, "archive_object", buf)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, key, bytes.NewReader(ciphertext), int64(len(ciphertext)), "application/octet-stream"))

	mock.ExpectQuery("SELECT last_processed_at FROM stream_checkpoints").
		WithArgs("src-1", "calendar", "cold_replay").
		WillReturnRows(sqlmock.NewRows([]string{"last_processed_at"}))

	mock.ExpectQuery("FROM stream_objects").
		WithArgs("src-1", "calendar").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_id", "stream_name", "object_key", "record_count", "size_bytes",
			"min_timestamp", "max_timestamp", "archive_job_id", "created_at",
		}).AddRow("obj-row-1", "src-1", "calendar", key, 1, int64(len(ciphertext)), maxTS, maxTS, "job-1", time.Now()))

	checkpoints := checkpoint.New(database.NewCheckpointRepository(db))
	reader := NewStreamReader(database.NewStreamObjectRepository(db), checkpoints, a)

	got, newest, err := reader.Read(ctx, "src-1", "calendar", "cold_replay")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "evt-1", got[0].SourceStreamID)
	require.True(t, maxTS.Equal(newest))

	mock.ExpectExec("INSERT INTO stream_checkpoints").
		WithArgs("src-1", "calendar", "cold_replay", newest).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, reader.Advance(ctx, "src-1", "calendar", "cold_replay", newest))
	require.NoError(t, mock.ExpectationsWereMet())
}
