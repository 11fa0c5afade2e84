// Package synclog records the outcome of every sync attempt - pull or push -
// into an append-only audit trail, and classifies failures into the closed
// tag set operators filter on.
package synclog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/httpclient"
	svcerrors "github.com/virtues-os/core/infrastructure/errors"
	"github.com/virtues-os/core/infrastructure/metrics"
)

// Error classes are a closed set; anything that doesn't match a known
// pattern is tagged "unknown_error" rather than growing the set ad hoc.
const (
	ClassAuthError        = "auth_error"
	ClassRateLimit        = "rate_limit"
	ClassSyncTokenError   = "sync_token_error"
	ClassServerError      = "server_error"
	ClassClientError      = "client_error"
	ClassNetworkError     = "network_error"
	ClassDatabaseError    = "database_error"
	ClassStorageError     = "storage_error"
	ClassSerializationErr = "serialization_error"
	ClassConfigError      = "config_error"
	ClassUnknownError     = "unknown_error"
)

// Logger persists sync_logs rows.
type Logger struct {
	repo    *database.SyncLogRepository
	metrics *metrics.Metrics
}

func New(repo *database.SyncLogRepository) *Logger {
	return &Logger{repo: repo}
}

// WithMetrics attaches a Metrics recorder so every finished attempt also
// updates the elt_sync_runs_total / elt_sync_duration_seconds collectors,
// without changing the constructor signature existing callers already use.
func (l *Logger) WithMetrics(m *metrics.Metrics) *Logger {
	l.metrics = m
	return l
}

// Attempt accumulates one sync run's outcome until Success, Partial or
// Failure is called.
type Attempt struct {
	SourceID     string
	StreamName   string
	SyncMode     string // e.g. "incremental", "full_refresh", "cold_replay", "push"
	StartedAt    time.Time
	CursorBefore string
}

func (l *Logger) Start(sourceID, streamName, syncMode, cursorBefore string) *Attempt {
	return &Attempt{SourceID: sourceID, StreamName: streamName, SyncMode: syncMode, StartedAt: time.Now(), CursorBefore: cursorBefore}
}

// Success logs a fully successful run.
func (l *Logger) Success(ctx context.Context, a *Attempt, fetched, written int, cursorAfter string) error {
	return l.finish(ctx, a, "success", fetched, written, 0, "", "", cursorAfter)
}

// Partial logs a run that wrote some records but also rejected or failed
// others - the device-ingest equivalent of a pull stream's partial page.
func (l *Logger) Partial(ctx context.Context, a *Attempt, fetched, written, failed int, cursorAfter string) error {
	return l.finish(ctx, a, "partial", fetched, written, failed, "", "", cursorAfter)
}

// Failure logs a run that produced nothing, classifying err into one of the
// closed error tags.
func (l *Logger) Failure(ctx context.Context, a *Attempt, err error) error {
	class := Classify(err)
	return l.finish(ctx, a, "failed", 0, 0, 0, err.Error(), class, a.CursorBefore)
}

func (l *Logger) finish(ctx context.Context, a *Attempt, status string, fetched, written, failed int, errMsg, errClass, cursorAfter string) error {
	now := time.Now()
	log := database.SyncLog{
		SourceID:         a.SourceID,
		StreamName:       a.StreamName,
		SyncMode:         a.SyncMode,
		StartedAt:        a.StartedAt,
		CompletedAt:      &now,
		DurationMS:       int(now.Sub(a.StartedAt).Milliseconds()),
		Status:           status,
		RecordsFetched:   fetched,
		RecordsWritten:   written,
		RecordsFailed:    failed,
		ErrorMessage:     errMsg,
		ErrorClass:       errClass,
		SyncCursorBefore: a.CursorBefore,
		SyncCursorAfter:  cursorAfter,
	}
	l.metrics.SyncRun(a.StreamName, a.SyncMode, status, now.Sub(a.StartedAt).Seconds())

	_, err := l.repo.Insert(ctx, log)
	return err
}

// Classify maps an error to one of the 11 closed error tags: a
// *svcerrors.ServiceError maps directly by its code, an
// *httpclient.ResponseError by its classified ErrorClass; anything else
// falls back to substring sniffing on the error text, for errors that only
// carry an HTTP status in their message.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var svcErr *svcerrors.ServiceError
	if errors.As(err, &svcErr) {
		switch svcErr.Code {
		case svcerrors.ErrCodeUnauthorized, svcerrors.ErrCodeInvalidToken,
			svcerrors.ErrCodeTokenExpired, svcerrors.ErrCodeReauthRequired,
			svcerrors.ErrCodeDeviceTokenInvalid:
			return ClassAuthError
		case svcerrors.ErrCodeSyncTokenInvalid:
			return ClassSyncTokenError
		case svcerrors.ErrCodeDatabaseError:
			return ClassDatabaseError
		case svcerrors.ErrCodeStorageError, svcerrors.ErrCodeEncryptionFailed,
			svcerrors.ErrCodeDecryptionFailed:
			return ClassStorageError
		case svcerrors.ErrCodeConfigError:
			return ClassConfigError
		case svcerrors.ErrCodeRateLimitExceeded:
			return ClassRateLimit
		case svcerrors.ErrCodeTimeout, svcerrors.ErrCodeExternalAPI:
			return ClassNetworkError
		}
		// codes without a tag of their own fall through to text sniffing
	}

	var respErr *httpclient.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.Class {
		case httpclient.ClassAuthError:
			return ClassAuthError
		case httpclient.ClassRateLimit:
			return ClassRateLimit
		case httpclient.ClassSyncTokenError:
			return ClassSyncTokenError
		case httpclient.ClassServerError:
			return ClassServerError
		case httpclient.ClassClientError:
			return ClassClientError
		default:
			return ClassNetworkError
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database") || strings.Contains(msg, "sql"):
		return ClassDatabaseError
	case strings.Contains(msg, "storage") || strings.Contains(msg, "s3") || strings.Contains(msg, "blob"):
		return ClassStorageError
	case strings.Contains(msg, "decode") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "serializ"):
		return ClassSerializationErr
	case strings.Contains(msg, "config") || strings.Contains(msg, "missing") && strings.Contains(msg, "env"):
		return ClassConfigError
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "reauth"):
		return ClassAuthError
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return ClassRateLimit
	case strings.Contains(msg, "sync token") || strings.Contains(msg, "gone"):
		return ClassSyncTokenError
	case strings.Contains(msg, "5xx") || strings.Contains(msg, "server error"):
		return ClassServerError
	case strings.Contains(msg, "4xx") || strings.Contains(msg, "client error"):
		return ClassClientError
	default:
		return ClassUnknownError
	}
}
