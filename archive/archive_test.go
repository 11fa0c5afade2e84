package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/pkg/storage/blob"
	"github.com/virtues-os/core/registry"
)

func testMasterKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func newArchiver(t *testing.T) (*Archiver, sqlmock.Sqlmock, *blob.FileStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	a := New(
		database.NewArchiveJobRepository(db),
		database.NewStreamObjectRepository(db),
		store,
		"archives",
		testMasterKey(),
		logging.New("archive-test", "error", "json"),
	)
	return a, mock, store
}

func sampleRecords() []registry.Record {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	p1, _ := json.Marshal(map[string]string{"a": "1"})
	p2, _ := json.Marshal(map[string]string{"a": "2"})
	return []registry.Record{
		{SourceStreamID: "s1", OccurredAt: now, Payload: p1},
		{SourceStreamID: "s2", OccurredAt: now.Add(time.Hour), Payload: p2},
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	a, _, _ := newArchiver(t)
	ctx := context.Background()

	date := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	key := "archives/google/src-1/calendar/date=2026-07-30/obj-1.jsonl.enc"
	size, err := a.upload(ctx, "src-1", "calendar", date, key, sampleRecords())
	require.NoError(t, err)
	require.Positive(t, size)

	plaintext, err := a.Download(ctx, "src-1", "calendar", date, key)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(plaintext)), "\n")
	require.Len(t, lines, 2)

	var first struct {
		SourceStreamID string `json:"source_stream_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "s1", first.SourceStreamID)
}

func TestDownloadWrongSubjectFails(t *testing.T) {
	a, _, _ := newArchiver(t)
	ctx := context.Background()

	date := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	key := "archives/google/src-1/calendar/date=2026-07-30/obj-2.jsonl.enc"
	_, err := a.upload(ctx, "src-1", "calendar", date, key, sampleRecords())
	require.NoError(t, err)

	_, err = a.Download(ctx, "src-other", "calendar", date, key)
	require.Error(t, err)
}

func TestSpawnSkipsEmptyBatch(t *testing.T) {
	a, mock, _ := newArchiver(t)
	a.Spawn(context.Background(), "src-1", "google", "calendar", nil, nil)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteMarksCompletedOnSuccess(t *testing.T) {
	a, mock, _ := newArchiver(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec("UPDATE archive_jobs SET status = 'in_progress'").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO stream_objects").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE archive_jobs SET status = 'completed'").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	a.execute(ctx, "job-1", "src-1", "calendar", "archives/google/src-1/calendar/date=2026-07-30/obj-3.jsonl.enc", sampleRecords(), now, now)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRequeuesOnUploadFailure(t *testing.T) {
	a, mock, _ := newArchiver(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec("UPDATE archive_jobs SET status = 'in_progress'").
		WithArgs("job-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := sqlmock.NewRows([]string{
		"id", "sync_log_id", "source_id", "stream_name", "object_key", "status",
		"retry_count", "max_retries", "record_count", "size_bytes", "min_timestamp", "max_timestamp",
		"error_message", "started_at", "completed_at", "created_at",
	}).AddRow("job-2", nil, "src-1", "calendar", "bad/key", "in_progress", 0, 3, 2, 0, now, now, "", now, nil, now)
	mock.ExpectQuery("SELECT (.+) FROM archive_jobs WHERE id = \\$1").
		WithArgs("job-2").
		WillReturnRows(rows)

	mock.ExpectExec("UPDATE archive_jobs SET status = 'pending'").
		WithArgs("job-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Force the upload to fail with a store whose Put always returns an
	// error.
	a.store = brokenStore{}

	a.execute(ctx, "job-2", "src-1", "calendar", "archives/google/src-1/calendar/date=2026-07-30/obj-4.jsonl.enc", sampleRecords(), now, now)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadKeyDiffersByDate(t *testing.T) {
	a, _, _ := newArchiver(t)
	ctx := context.Background()

	day1 := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	key := "archives/google/src-1/calendar/date=2026-07-30/obj-5.jsonl.enc"
	_, err := a.upload(ctx, "src-1", "calendar", day1, key, sampleRecords())
	require.NoError(t, err)

	// Decrypting under the wrong day's derived key must fail: each day gets
	// its own key, so an object encrypted under day1 can't be read back as
	// if it were day2's.
	_, err = a.Download(ctx, "src-1", "calendar", day2, key)
	require.Error(t, err)
}

func TestReapResetsToPendingWithoutIncrementingRetryCount(t *testing.T) {
	a, mock, _ := newArchiver(t)
	ctx := context.Background()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "sync_log_id", "source_id", "stream_name", "object_key", "status",
		"retry_count", "max_retries", "record_count", "size_bytes", "min_timestamp", "max_timestamp",
		"error_message", "started_at", "completed_at", "created_at",
	}).AddRow("job-3", nil, "src-1", "calendar", "archives/obj-6.jsonl.enc", "in_progress", 2, 3, 2, 0, now, now, "", now, nil, now)
	mock.ExpectQuery("FROM archive_jobs WHERE status = 'in_progress'").WillReturnRows(rows)

	mock.ExpectExec("UPDATE archive_jobs SET status = 'pending', error_message").
		WithArgs("job-3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := a.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

type brokenStore struct{ blob.Store }

func (brokenStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	return errors.New("put failed")
}
