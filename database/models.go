// Package database holds the entity models and repositories backing the
// stream registry's runtime state: source connections, stream connections,
// sync logs, archive jobs, stream objects, checkpoints and devices.
package database

import (
	"encoding/json"
	"time"
)

// SourceConnection is one authenticated account for a provider (e.g. a
// specific Google account, a specific Plaid Item, a specific iOS device).
type SourceConnection struct {
	ID             string
	Provider       string
	Name           string
	AccessToken    string // envelope-encrypted at rest, see auth.TokenManager
	RefreshToken   string // envelope-encrypted at rest, may be empty
	TokenExpiresAt *time.Time
	IsActive       bool
	ErrorMessage   string
	ErrorAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StreamConnection tracks per-stream sync state for a source: the cursor
// used for incremental pulls and whether the stream is currently enabled.
type StreamConnection struct {
	ID           string
	SourceID     string
	StreamName   string
	Enabled      bool
	SyncCursor   string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SyncLog is one append-only record of a sync attempt, successful, partial
// or failed, written by synclog.Logger.
type SyncLog struct {
	ID               string
	SourceID         string
	StreamName       string
	SyncMode         string // "full_refresh" | "incremental"
	StartedAt        time.Time
	CompletedAt      *time.Time
	DurationMS       int
	Status           string // "success" | "partial" | "failed"
	RecordsFetched   int
	RecordsWritten   int
	RecordsFailed    int
	ErrorMessage     string
	ErrorClass       string
	SyncCursorBefore string
	SyncCursorAfter  string
	CreatedAt        time.Time
}

// ArchiveJob is one pending/in-flight/completed upload of a stream batch to
// blob storage, per the state machine in archive.Spawn.
type ArchiveJob struct {
	ID           string
	SyncLogID    *string
	SourceID     string
	StreamName   string
	ObjectKey    string
	Status       string // "pending" | "in_progress" | "completed" | "failed"
	RetryCount   int
	MaxRetries   int
	RecordCount  int
	SizeBytes    int64
	MinTimestamp *time.Time
	MaxTimestamp *time.Time
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}

// StreamObject indexes one successfully archived blob so StreamReader can
// find it again without listing the bucket.
type StreamObject struct {
	ID           string
	SourceID     string
	StreamName   string
	ObjectKey    string
	RecordCount  int
	SizeBytes    int64
	MinTimestamp *time.Time
	MaxTimestamp *time.Time
	ArchiveJobID string
	CreatedAt    time.Time
}

// StreamCheckpoint records how far a named transform has progressed through
// a stream's archived objects.
type StreamCheckpoint struct {
	SourceID        string
	StreamName      string
	CheckpointKey   string
	LastProcessedAt *time.Time
	UpdatedAt       time.Time
}

// Device is a registered push-stream endpoint (an iOS/Mac app instance)
// authenticated by a hashed device token rather than OAuth.
type Device struct {
	ID                 string
	SourceConnectionID string
	DeviceName         string
	DeviceTokenHash    string
	Platform           string
	LastSeenAt         *time.Time
	CreatedAt          time.Time
}

// OntologyRow is the generic shape shared by all ontology upserts: a stable
// identity derived from the originating stream record plus a JSON payload.
// The transforms in package transform do not use this type; they build
// their upserts with postgres.UpsertBuilder directly.
type OntologyRow struct {
	SourceStreamID string // idempotency key, e.g. "<source_id>:<stream>:<external_id>"
	SourceID       string
	OccurredAt     time.Time
	Payload        json.RawMessage
}
