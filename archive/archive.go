// Package archive uploads drained stream records as encrypted JSONL blobs
// and tracks each upload as a durable archive_jobs row. A failed upload or
// a job orphaned by a crash is set back to pending, but this package does
// not re-execute pending jobs: the records exist only in the memory of the
// goroutine Spawn started, not in the job row.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/infrastructure/crypto"
	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/infrastructure/metrics"
	"github.com/virtues-os/core/infrastructure/ratelimit"
	"github.com/virtues-os/core/infrastructure/resilience"
	"github.com/virtues-os/core/pkg/storage/blob"
	"github.com/virtues-os/core/registry"
)

// reaperGrace is the window after which an in_progress job with no
// completion is assumed to belong to a crashed worker. No upload takes
// anywhere near this long; a job still in_progress past it is orphaned.
const reaperGrace = 15 * time.Minute

// envelopeInfo namespaces archive object encryption keys separately from
// the auth package's oauth token envelope, even though both derive from the
// same master key.
const envelopeInfo = "archive_object"

// Archiver uploads record batches to blob storage and records their
// archive_jobs/stream_objects bookkeeping.
type Archiver struct {
	jobs      *database.ArchiveJobRepository
	objects   *database.StreamObjectRepository
	store     blob.Store
	prefix    string
	masterKey []byte
	log       *logging.Logger
	metrics   *metrics.Metrics
	caps      *ratelimit.DailyCapLimiter
}

func New(jobs *database.ArchiveJobRepository, objects *database.StreamObjectRepository, store blob.Store, prefix string, masterKey []byte, log *logging.Logger) *Archiver {
	return &Archiver{jobs: jobs, objects: objects, store: store, prefix: prefix, masterKey: masterKey, log: log}
}

// WithMetrics attaches a Metrics recorder for archive job state transitions.
func (a *Archiver) WithMetrics(m *metrics.Metrics) *Archiver {
	a.metrics = m
	return a
}

// WithDailyCap attaches the per-day job-count cap. A nil limiter (no
// REDIS_URL configured) leaves Spawn uncapped.
func (a *Archiver) WithDailyCap(caps *ratelimit.DailyCapLimiter) *Archiver {
	a.caps = caps
	return a
}

// Spawn creates a pending archive_jobs row for one drained batch and
// executes it in a detached goroutine: the caller (sync engine or ingest
// handler) does not block on the upload completing. The row is inserted
// before the goroutine starts so a crash right after Spawn returns still
// leaves a durable pending job row. Reap does not touch pending rows; it
// only resets stuck in_progress ones.
func (a *Archiver) Spawn(ctx context.Context, sourceID, provider, streamName string, records []registry.Record, syncLogID *string) {
	if len(records) == 0 {
		return
	}

	if a.caps != nil {
		if allowed, err := a.caps.Allow(ctx, "archive_jobs"); err != nil {
			a.log.WithError(err).Warn("archive: daily cap check failed, proceeding uncapped")
		} else if !allowed {
			a.metrics.RateLimitExceeded("archive_jobs")
			a.log.WithFields(map[string]interface{}{"source_id": sourceID, "stream": streamName}).Warn("archive: daily job cap exceeded, dropping spawn")
			return
		}
	}

	minTS, maxTS := records[0].OccurredAt, records[0].OccurredAt
	for _, r := range records[1:] {
		if r.OccurredAt.Before(minTS) {
			minTS = r.OccurredAt
		}
		if r.OccurredAt.After(maxTS) {
			maxTS = r.OccurredAt
		}
	}

	objectID := uuid.NewString()
	key := blob.ObjectKey(a.prefix, provider, sourceID, streamName, maxTS, objectID)

	job := database.ArchiveJob{
		SyncLogID:    syncLogID,
		SourceID:     sourceID,
		StreamName:   streamName,
		ObjectKey:    key,
		RecordCount:  len(records),
		MinTimestamp: &minTS,
		MaxTimestamp: &maxTS,
		MaxRetries:   3,
	}
	jobID, err := a.jobs.Create(ctx, job)
	if err != nil {
		a.log.WithError(err).Error("archive: create job failed")
		return
	}

	go a.execute(context.Background(), jobID, sourceID, streamName, key, records, minTS, maxTS)
}

// execute runs one archive job to completion: mark in_progress, upload,
// mark completed, or requeue/fail depending on retry_count vs max_retries.
func (a *Archiver) execute(ctx context.Context, jobID, sourceID, streamName, key string, records []registry.Record, minTS, maxTS time.Time) {
	if err := a.jobs.MarkInProgress(ctx, jobID); err != nil {
		a.log.WithError(err).Error("archive: mark in_progress failed")
		return
	}

	sizeBytes, err := a.upload(ctx, sourceID, streamName, maxTS, key, records)
	if err != nil {
		a.fail(ctx, jobID, err)
		return
	}

	if _, err := a.objects.Create(ctx, database.StreamObject{
		SourceID:     sourceID,
		StreamName:   streamName,
		ObjectKey:    key,
		RecordCount:  len(records),
		SizeBytes:    sizeBytes,
		MinTimestamp: &minTS,
		MaxTimestamp: &maxTS,
		ArchiveJobID: jobID,
	}); err != nil {
		a.fail(ctx, jobID, fmt.Errorf("record stream object: %w", err))
		return
	}

	if err := a.jobs.MarkCompleted(ctx, jobID); err != nil {
		a.log.WithError(err).Error("archive: mark completed failed")
		return
	}
	a.metrics.ArchiveJob("completed", sizeBytes)
}

func (a *Archiver) fail(ctx context.Context, jobID string, cause error) {
	job, err := a.jobs.Get(ctx, jobID)
	if err != nil {
		a.log.WithError(err).Error("archive: load job for failure handling")
		return
	}
	if err := a.jobs.MarkFailed(ctx, jobID, cause.Error(), job.RetryCount, job.MaxRetries); err != nil {
		a.log.WithError(err).Error("archive: mark failed")
		return
	}
	status := "pending"
	if job.RetryCount >= job.MaxRetries {
		status = "failed"
	}
	a.metrics.ArchiveJob(status, 0)
}

// upload serializes records as newline-delimited JSON, encrypts the whole
// blob under a key derived from (sourceID, streamName, date), and puts it.
func (a *Archiver) upload(ctx context.Context, sourceID, streamName string, date time.Time, key string, records []registry.Record) (int64, error) {
	var buf bytes.Buffer
	for _, r := range records {
		encoded, err := json.Marshal(r)
		if err != nil {
			return 0, fmt.Errorf("encode record: %w", err)
		}
		buf.Write(encoded)
		buf.WriteByte('\n')
	}

	ciphertext, err := crypto.EncryptEnvelope(a.masterKey, archiveSubject(sourceID, streamName, date), envelopeInfo, buf.Bytes())
	if err != nil {
		return 0, fmt.Errorf("encrypt archive object: %w", err)
	}

	// Blob backends fail transiently (connection resets, S3 500s); a short
	// in-process retry here keeps most jobs off the slower durable requeue
	// path. A job that still fails after these attempts re-enters the
	// pending/failed state machine with retry_count incremented.
	putErr := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		return a.store.Put(ctx, key, bytes.NewReader(ciphertext), int64(len(ciphertext)), "application/octet-stream")
	})
	if putErr != nil {
		return 0, putErr
	}
	return int64(len(ciphertext)), nil
}

// Download fetches and decrypts an archived object back into its JSONL
// plaintext, the inverse of upload; used by the cold-path StreamReader.
// date must be the same UTC day encoded in the object's key (date=YYYY-MM-DD)
// so the derived key matches the one upload encrypted under.
func (a *Archiver) Download(ctx context.Context, sourceID, streamName string, date time.Time, key string) ([]byte, error) {
	r, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}

	return crypto.DecryptEnvelope(a.masterKey, archiveSubject(sourceID, streamName, date), envelopeInfo, buf.Bytes())
}

// archiveSubject is the per-(source, stream, date) key-derivation salt, so
// every day's archive object for a stream gets its own derived encryption
// key and the object key alone carries everything needed to re-derive it.
func archiveSubject(sourceID, streamName string, date time.Time) []byte {
	return []byte(sourceID + "\x00" + streamName + "\x00" + date.UTC().Format("2006-01-02"))
}

// Reap finds archive_jobs stuck in_progress past reaperGrace - the worker
// that owned them crashed before marking completion - and resets them to
// pending with retry_count unchanged: the in-progress attempt is presumed
// crashed, not failed, so it doesn't spend a retry.
func (a *Archiver) Reap(ctx context.Context) (int, error) {
	stuck, err := a.jobs.FetchStuckInProgress(ctx, reaperGrace)
	if err != nil {
		return 0, err
	}
	for _, job := range stuck {
		if err := a.jobs.MarkReaped(ctx, job.ID); err != nil {
			a.log.WithError(err).WithField("job_id", job.ID).Error("archive: reap failed")
		}
	}
	return len(stuck), nil
}
