package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/virtues-os/core/pkg/storage/postgres"
)

// SourceRepository persists SourceConnection rows: token load/store for the
// auth package plus activation and error-marking bookkeeping.
type SourceRepository struct {
	*postgres.BaseStore
}

func NewSourceRepository(db *sql.DB) *SourceRepository {
	return &SourceRepository{BaseStore: postgres.NewBaseStore(db, "source_connections")}
}

func (r *SourceRepository) Get(ctx context.Context, id string) (*SourceConnection, error) {
	row := r.QueryRowContext(ctx, `
		SELECT id, provider, name, access_token, refresh_token, token_expires_at,
		       is_active, error_message, error_at, created_at, updated_at
		FROM source_connections WHERE id = $1`, id)
	return scanSource(row)
}

func scanSource(row *sql.Row) (*SourceConnection, error) {
	var s SourceConnection
	var refreshToken, errorMessage sql.NullString
	var expiresAt, errorAt sql.NullTime
	err := row.Scan(&s.ID, &s.Provider, &s.Name, &s.AccessToken, &refreshToken, &expiresAt,
		&s.IsActive, &errorMessage, &errorAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.RefreshToken = refreshToken.String
	s.ErrorMessage = errorMessage.String
	s.TokenExpiresAt = postgres.NullTimeToPtr(expiresAt)
	s.ErrorAt = postgres.NullTimeToPtr(errorAt)
	return &s, nil
}

// UpdateTokens writes back a refreshed access/refresh token pair,
// preserving the stored refresh_token via COALESCE when the provider
// doesn't rotate it.
func (r *SourceRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	_, err := r.ExecContext(ctx, `
		UPDATE source_connections
		SET access_token = $1,
		    refresh_token = COALESCE(NULLIF($2, ''), refresh_token),
		    token_expires_at = $3,
		    updated_at = NOW()
		WHERE id = $4`,
		accessToken, refreshToken, postgres.PtrToNullTime(expiresAt), id)
	return err
}

// StoreInitial upserts a source on (provider, name): re-authenticating an
// existing connection replaces its tokens and clears any recorded error
// rather than creating a duplicate row.
func (r *SourceRepository) StoreInitial(ctx context.Context, provider, name, accessToken, refreshToken string, expiresAt *time.Time) (string, error) {
	id := uuid.NewString()
	var returnedID string
	err := r.QueryRowContext(ctx, `
		INSERT INTO source_connections (id, provider, name, access_token, refresh_token, token_expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		ON CONFLICT (provider, name) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), source_connections.refresh_token),
			token_expires_at = EXCLUDED.token_expires_at,
			is_active = true,
			error_message = NULL,
			error_at = NULL,
			updated_at = NOW()
		RETURNING id`,
		id, provider, name, accessToken, refreshToken, postgres.PtrToNullTime(expiresAt),
	).Scan(&returnedID)
	return returnedID, err
}

// MarkError records an authentication failure on the source.
func (r *SourceRepository) MarkError(ctx context.Context, id, message string) error {
	_, err := r.ExecContext(ctx, `
		UPDATE source_connections SET error_message = $1, error_at = NOW(), updated_at = NOW() WHERE id = $2`,
		message, id)
	return err
}

// ClearError clears a previously recorded authentication failure.
func (r *SourceRepository) ClearError(ctx context.Context, id string) error {
	_, err := r.ExecContext(ctx, `
		UPDATE source_connections SET error_message = NULL, error_at = NULL, updated_at = NOW() WHERE id = $1`,
		id)
	return err
}

// ListActiveByProvider returns all active sources for a provider. Nothing in
// this module calls it; syncengine iterates stream connections instead.
func (r *SourceRepository) ListActiveByProvider(ctx context.Context, provider string) ([]SourceConnection, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT id, provider, name, access_token, refresh_token, token_expires_at,
		       is_active, error_message, error_at, created_at, updated_at
		FROM source_connections WHERE provider = $1 AND is_active = true`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceConnection
	for rows.Next() {
		var s SourceConnection
		var refreshToken, errorMessage sql.NullString
		var expiresAt, errorAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.Provider, &s.Name, &s.AccessToken, &refreshToken, &expiresAt,
			&s.IsActive, &errorMessage, &errorAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.RefreshToken = refreshToken.String
		s.ErrorMessage = errorMessage.String
		s.TokenExpiresAt = postgres.NullTimeToPtr(expiresAt)
		s.ErrorAt = postgres.NullTimeToPtr(errorAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// StreamConnectionRepository tracks sync cursors per (source, stream).
type StreamConnectionRepository struct {
	*postgres.BaseStore
}

func NewStreamConnectionRepository(db *sql.DB) *StreamConnectionRepository {
	return &StreamConnectionRepository{BaseStore: postgres.NewBaseStore(db, "stream_connections")}
}

func (r *StreamConnectionRepository) Get(ctx context.Context, sourceID, streamName string) (*StreamConnection, error) {
	row := r.QueryRowContext(ctx, `
		SELECT id, source_id, stream_name, enabled, sync_cursor, last_synced_at, created_at, updated_at
		FROM stream_connections WHERE source_id = $1 AND stream_name = $2`, sourceID, streamName)

	var c StreamConnection
	var cursor sql.NullString
	var lastSynced sql.NullTime
	err := row.Scan(&c.ID, &c.SourceID, &c.StreamName, &c.Enabled, &cursor, &lastSynced, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.SyncCursor = cursor.String
	c.LastSyncedAt = postgres.NullTimeToPtr(lastSynced)
	return &c, nil
}

// UpsertCursor persists the cursor returned by a sync_pull, creating the
// stream_connections row on first sync.
func (r *StreamConnectionRepository) UpsertCursor(ctx context.Context, sourceID, streamName, cursor string) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO stream_connections (id, source_id, stream_name, enabled, sync_cursor, last_synced_at)
		VALUES ($1, $2, $3, true, $4, NOW())
		ON CONFLICT (source_id, stream_name) DO UPDATE SET
			sync_cursor = EXCLUDED.sync_cursor,
			last_synced_at = NOW(),
			updated_at = NOW()`,
		uuid.NewString(), sourceID, streamName, cursor)
	return err
}

// ListEnabled returns every enabled stream connection, the driving set for
// the sync scheduler loop.
func (r *StreamConnectionRepository) ListEnabled(ctx context.Context) ([]StreamConnection, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT id, source_id, stream_name, enabled, sync_cursor, last_synced_at, created_at, updated_at
		FROM stream_connections WHERE enabled = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamConnection
	for rows.Next() {
		var c StreamConnection
		var cursor sql.NullString
		var lastSynced sql.NullTime
		if err := rows.Scan(&c.ID, &c.SourceID, &c.StreamName, &c.Enabled, &cursor, &lastSynced, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.SyncCursor = cursor.String
		c.LastSyncedAt = postgres.NullTimeToPtr(lastSynced)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SyncLogRepository is the append-only audit trail written by synclog.Logger.
type SyncLogRepository struct {
	*postgres.BaseStore
}

func NewSyncLogRepository(db *sql.DB) *SyncLogRepository {
	return &SyncLogRepository{BaseStore: postgres.NewBaseStore(db, "sync_logs")}
}

func (r *SyncLogRepository) Insert(ctx context.Context, log SyncLog) (string, error) {
	id := uuid.NewString()
	_, err := r.ExecContext(ctx, `
		INSERT INTO sync_logs (
			id, source_id, stream_name, sync_mode, started_at, completed_at, duration_ms,
			status, records_fetched, records_written, records_failed,
			error_message, error_class, sync_cursor_before, sync_cursor_after, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW())`,
		id, log.SourceID, log.StreamName, log.SyncMode, log.StartedAt, postgres.PtrToNullTime(log.CompletedAt), log.DurationMS,
		log.Status, log.RecordsFetched, log.RecordsWritten, log.RecordsFailed,
		nullableString(log.ErrorMessage), nullableString(log.ErrorClass),
		nullableString(log.SyncCursorBefore), nullableString(log.SyncCursorAfter),
	)
	return id, err
}

func (r *SyncLogRepository) Recent(ctx context.Context, sourceID string, limit int) ([]SyncLog, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT id, source_id, stream_name, sync_mode, started_at, completed_at, duration_ms,
		       status, records_fetched, records_written, records_failed,
		       error_message, error_class, sync_cursor_before, sync_cursor_after, created_at
		FROM sync_logs WHERE source_id = $1 ORDER BY started_at DESC LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncLog
	for rows.Next() {
		var l SyncLog
		var completedAt sql.NullTime
		var errMsg, errClass, curBefore, curAfter sql.NullString
		if err := rows.Scan(&l.ID, &l.SourceID, &l.StreamName, &l.SyncMode, &l.StartedAt, &completedAt, &l.DurationMS,
			&l.Status, &l.RecordsFetched, &l.RecordsWritten, &l.RecordsFailed,
			&errMsg, &errClass, &curBefore, &curAfter, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CompletedAt = postgres.NullTimeToPtr(completedAt)
		l.ErrorMessage, l.ErrorClass, l.SyncCursorBefore, l.SyncCursorAfter = errMsg.String, errClass.String, curBefore.String, curAfter.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// ArchiveJobRepository manages the archive job state machine driven by
// archive.Spawn and archive.Reap.
type ArchiveJobRepository struct {
	*postgres.BaseStore
}

func NewArchiveJobRepository(db *sql.DB) *ArchiveJobRepository {
	return &ArchiveJobRepository{BaseStore: postgres.NewBaseStore(db, "archive_jobs")}
}

func (r *ArchiveJobRepository) Create(ctx context.Context, job ArchiveJob) (string, error) {
	id := uuid.NewString()
	_, err := r.ExecContext(ctx, `
		INSERT INTO archive_jobs (
			id, sync_log_id, source_id, stream_name, object_key, status,
			retry_count, max_retries, record_count, size_bytes, min_timestamp, max_timestamp, created_at
		) VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$7,$8,$9,$10,NOW())`,
		id, postgres.PtrToNullString(job.SyncLogID), job.SourceID, job.StreamName, job.ObjectKey,
		job.MaxRetries, job.RecordCount, job.SizeBytes,
		postgres.PtrToNullTime(job.MinTimestamp), postgres.PtrToNullTime(job.MaxTimestamp),
	)
	return id, err
}

func (r *ArchiveJobRepository) Get(ctx context.Context, id string) (*ArchiveJob, error) {
	row := r.QueryRowContext(ctx, `
		SELECT id, sync_log_id, source_id, stream_name, object_key, status,
		       retry_count, max_retries, record_count, size_bytes, min_timestamp, max_timestamp,
		       error_message, started_at, completed_at, created_at
		FROM archive_jobs WHERE id = $1`, id)
	return scanArchiveJob(row)
}

func scanArchiveJob(row *sql.Row) (*ArchiveJob, error) {
	var j ArchiveJob
	var syncLogID, errMsg sql.NullString
	var minTS, maxTS, startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &syncLogID, &j.SourceID, &j.StreamName, &j.ObjectKey, &j.Status,
		&j.RetryCount, &j.MaxRetries, &j.RecordCount, &j.SizeBytes, &minTS, &maxTS,
		&errMsg, &startedAt, &completedAt, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.SyncLogID = postgres.NullStringToPtr(syncLogID)
	j.ErrorMessage = errMsg.String
	j.MinTimestamp, j.MaxTimestamp = postgres.NullTimeToPtr(minTS), postgres.NullTimeToPtr(maxTS)
	j.StartedAt, j.CompletedAt = postgres.NullTimeToPtr(startedAt), postgres.NullTimeToPtr(completedAt)
	return &j, nil
}

func (r *ArchiveJobRepository) MarkInProgress(ctx context.Context, id string) error {
	_, err := r.ExecContext(ctx, `UPDATE archive_jobs SET status = 'in_progress', started_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *ArchiveJobRepository) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.ExecContext(ctx, `UPDATE archive_jobs SET status = 'completed', completed_at = NOW() WHERE id = $1`, id)
	return err
}

// MarkFailed either requeues the job (status -> pending, retry_count++) or
// marks it permanently failed, depending on whether retries remain.
func (r *ArchiveJobRepository) MarkFailed(ctx context.Context, id, errMessage string, retryCount, maxRetries int) error {
	if retryCount < maxRetries {
		_, err := r.ExecContext(ctx, `
			UPDATE archive_jobs SET status = 'pending', retry_count = retry_count + 1, error_message = $2 WHERE id = $1`,
			id, errMessage)
		return err
	}
	_, err := r.ExecContext(ctx, `
		UPDATE archive_jobs SET status = 'failed', error_message = $2, completed_at = NOW() WHERE id = $1`,
		id, errMessage)
	return err
}

// MarkReaped resets a job stuck in_progress past the reaper's grace window
// back to pending without touching retry_count: the in-progress attempt is
// presumed crashed, not failed, so it shouldn't count against the job's
// retry budget.
func (r *ArchiveJobRepository) MarkReaped(ctx context.Context, id string) error {
	_, err := r.ExecContext(ctx, `
		UPDATE archive_jobs SET status = 'pending', error_message = 'reaped: stuck in_progress past grace window' WHERE id = $1`,
		id)
	return err
}

// FetchPending returns pending/failed jobs eligible for (re)execution.
func (r *ArchiveJobRepository) FetchPending(ctx context.Context, limit int) ([]ArchiveJob, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT id, sync_log_id, source_id, stream_name, object_key, status,
		       retry_count, max_retries, record_count, size_bytes, min_timestamp, max_timestamp,
		       error_message, started_at, completed_at, created_at
		FROM archive_jobs WHERE status IN ('pending', 'failed') AND retry_count < max_retries
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArchiveJobRows(rows)
}

// FetchStuckInProgress finds jobs stuck in_progress beyond grace, the
// reaper's crash-recovery query.
func (r *ArchiveJobRepository) FetchStuckInProgress(ctx context.Context, grace time.Duration) ([]ArchiveJob, error) {
	cutoff := time.Now().Add(-grace)
	rows, err := r.QueryContext(ctx, `
		SELECT id, sync_log_id, source_id, stream_name, object_key, status,
		       retry_count, max_retries, record_count, size_bytes, min_timestamp, max_timestamp,
		       error_message, started_at, completed_at, created_at
		FROM archive_jobs WHERE status = 'in_progress' AND started_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArchiveJobRows(rows)
}

func scanArchiveJobRows(rows *sql.Rows) ([]ArchiveJob, error) {
	var out []ArchiveJob
	for rows.Next() {
		var j ArchiveJob
		var syncLogID, errMsg sql.NullString
		var minTS, maxTS, startedAt, completedAt sql.NullTime
		if err := rows.Scan(&j.ID, &syncLogID, &j.SourceID, &j.StreamName, &j.ObjectKey, &j.Status,
			&j.RetryCount, &j.MaxRetries, &j.RecordCount, &j.SizeBytes, &minTS, &maxTS,
			&errMsg, &startedAt, &completedAt, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.SyncLogID = postgres.NullStringToPtr(syncLogID)
		j.ErrorMessage = errMsg.String
		j.MinTimestamp, j.MaxTimestamp = postgres.NullTimeToPtr(minTS), postgres.NullTimeToPtr(maxTS)
		j.StartedAt, j.CompletedAt = postgres.NullTimeToPtr(startedAt), postgres.NullTimeToPtr(completedAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

// StreamObjectRepository indexes completed archive uploads, read by
// datasource.StreamReader for cold-path access.
type StreamObjectRepository struct {
	*postgres.BaseStore
}

func NewStreamObjectRepository(db *sql.DB) *StreamObjectRepository {
	return &StreamObjectRepository{BaseStore: postgres.NewBaseStore(db, "stream_objects")}
}

func (r *StreamObjectRepository) Create(ctx context.Context, obj StreamObject) (string, error) {
	id := uuid.NewString()
	_, err := r.ExecContext(ctx, `
		INSERT INTO stream_objects (
			id, source_id, stream_name, object_key, record_count, size_bytes,
			min_timestamp, max_timestamp, archive_job_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())`,
		id, obj.SourceID, obj.StreamName, obj.ObjectKey, obj.RecordCount, obj.SizeBytes,
		postgres.PtrToNullTime(obj.MinTimestamp), postgres.PtrToNullTime(obj.MaxTimestamp), obj.ArchiveJobID,
	)
	return id, err
}

// FindAfter returns objects whose max_timestamp is after the given
// checkpoint (or all objects, if checkpoint is nil), ordered for replay.
func (r *StreamObjectRepository) FindAfter(ctx context.Context, sourceID, streamName string, after *time.Time) ([]StreamObject, error) {
	var rows *sql.Rows
	var err error
	if after != nil {
		rows, err = r.QueryContext(ctx, `
			SELECT id, source_id, stream_name, object_key, record_count, size_bytes,
			       min_timestamp, max_timestamp, archive_job_id, created_at
			FROM stream_objects
			WHERE source_id = $1 AND stream_name = $2 AND max_timestamp > $3
			ORDER BY max_timestamp ASC`, sourceID, streamName, *after)
	} else {
		rows, err = r.QueryContext(ctx, `
			SELECT id, source_id, stream_name, object_key, record_count, size_bytes,
			       min_timestamp, max_timestamp, archive_job_id, created_at
			FROM stream_objects
			WHERE source_id = $1 AND stream_name = $2
			ORDER BY max_timestamp ASC`, sourceID, streamName)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamObject
	for rows.Next() {
		var o StreamObject
		var minTS, maxTS sql.NullTime
		if err := rows.Scan(&o.ID, &o.SourceID, &o.StreamName, &o.ObjectKey, &o.RecordCount, &o.SizeBytes,
			&minTS, &maxTS, &o.ArchiveJobID, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.MinTimestamp, o.MaxTimestamp = postgres.NullTimeToPtr(minTS), postgres.NullTimeToPtr(maxTS)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CheckpointRepository tracks per-transform progress through archived
// stream objects.
type CheckpointRepository struct {
	*postgres.BaseStore
}

func NewCheckpointRepository(db *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{BaseStore: postgres.NewBaseStore(db, "stream_checkpoints")}
}

func (r *CheckpointRepository) Get(ctx context.Context, sourceID, streamName, checkpointKey string) (*time.Time, error) {
	var ts sql.NullTime
	err := r.QueryRowContext(ctx, `
		SELECT last_processed_at FROM stream_checkpoints
		WHERE source_id = $1 AND stream_name = $2 AND checkpoint_key = $3`,
		sourceID, streamName, checkpointKey).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return postgres.NullTimeToPtr(ts), nil
}

func (r *CheckpointRepository) Update(ctx context.Context, sourceID, streamName, checkpointKey string, at time.Time) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO stream_checkpoints (source_id, stream_name, checkpoint_key, last_processed_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (source_id, stream_name, checkpoint_key)
		DO UPDATE SET last_processed_at = EXCLUDED.last_processed_at, updated_at = NOW()`,
		sourceID, streamName, checkpointKey, at)
	return err
}

// DeviceRepository authenticates push-stream requests by hashed device
// token. Only the hash is ever stored; the raw token lives on the device.
type DeviceRepository struct {
	*postgres.BaseStore
}

func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{BaseStore: postgres.NewBaseStore(db, "devices")}
}

// FindByTokenHash maps a token hash back to its owning source, so
// the ingest handler can resolve source_id from a bearer device token.
func (r *DeviceRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*Device, string, error) {
	var d Device
	var provider string
	var lastSeen sql.NullTime
	err := r.QueryRowContext(ctx, `
		SELECT d.id, d.source_connection_id, d.device_name, d.device_token_hash, d.platform,
		       d.last_seen_at, d.created_at, s.provider
		FROM devices d JOIN source_connections s ON s.id = d.source_connection_id
		WHERE d.device_token_hash = $1`, tokenHash).
		Scan(&d.ID, &d.SourceConnectionID, &d.DeviceName, &d.DeviceTokenHash, &d.Platform, &lastSeen, &d.CreatedAt, &provider)
	if err != nil {
		return nil, "", err
	}
	d.LastSeenAt = postgres.NullTimeToPtr(lastSeen)
	return &d, provider, nil
}

func (r *DeviceRepository) TouchLastSeen(ctx context.Context, id string) error {
	_, err := r.ExecContext(ctx, `UPDATE devices SET last_seen_at = NOW() WHERE id = $1`, id)
	return err
}
