package synclog

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/httpclient"
)

func newTestLogger(t *testing.T) (*Logger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(database.NewSyncLogRepository(db)), mock
}

func TestSuccessInsertsSuccessRow(t *testing.T) {
	l, mock := newTestLogger(t)
	mock.ExpectExec("INSERT INTO sync_logs").
		WithArgs(sqlmock.AnyArg(), "src-1", "items", "pull", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"success", 10, 10, 0, nil, nil, "cursor-0", "cursor-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := l.Start("src-1", "items", "pull", "cursor-0")
	err := l.Success(context.Background(), a, 10, 10, "cursor-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartialInsertsPartialRowWithFailedCount(t *testing.T) {
	l, mock := newTestLogger(t)
	mock.ExpectExec("INSERT INTO sync_logs").
		WithArgs(sqlmock.AnyArg(), "src-1", "items", "push", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"partial", 10, 7, 3, nil, nil, nil, "checkpoint-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := l.Start("src-1", "items", "push", "")
	err := l.Partial(context.Background(), a, 10, 7, 3, "checkpoint-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailureInsertsFailedRowWithClassifiedError(t *testing.T) {
	l, mock := newTestLogger(t)
	mock.ExpectExec("INSERT INTO sync_logs").
		WithArgs(sqlmock.AnyArg(), "src-1", "items", "pull", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"failed", 0, 0, 0, "401 unauthorized", ClassAuthError, "cursor-0", "cursor-0").
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := l.Start("src-1", "items", "pull", "cursor-0")
	err := l.Failure(context.Background(), a, errors.New("401 unauthorized"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyTypedResponseError(t *testing.T) {
	cases := []struct {
		class httpclient.ErrorClass
		want  string
	}{
		{httpclient.ClassAuthError, ClassAuthError},
		{httpclient.ClassRateLimit, ClassRateLimit},
		{httpclient.ClassSyncTokenError, ClassSyncTokenError},
		{httpclient.ClassServerError, ClassServerError},
		{httpclient.ClassClientError, ClassClientError},
		{httpclient.ClassNetworkError, ClassNetworkError},
		{httpclient.ClassNone, ClassNetworkError},
	}
	for _, c := range cases {
		err := &httpclient.ResponseError{Class: c.class, StatusCode: 0, Body: ""}
		require.Equal(t, c.want, Classify(err))
	}
}

func TestClassifySubstringFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"database: connection refused", ClassDatabaseError},
		{"sql: no rows in result set", ClassDatabaseError},
		{"storage: upload failed", ClassStorageError},
		{"s3: bucket not found", ClassStorageError},
		{"blob: write timeout", ClassStorageError},
		{"decode: unexpected token", ClassSerializationErr},
		{"json: cannot unmarshal", ClassSerializationErr},
		{"serialization failed", ClassSerializationErr},
		{"config: missing required env var", ClassConfigError},
		{"401 unauthorized", ClassAuthError},
		{"oauth proxy: reauth required", ClassAuthError},
		{"429 too many requests", ClassRateLimit},
		{"provider returned rate limit", ClassRateLimit},
		{"sync token invalidated", ClassSyncTokenError},
		{"resource gone", ClassSyncTokenError},
		{"5xx from upstream", ClassServerError},
		{"server error returned", ClassServerError},
		{"4xx from upstream", ClassClientError},
		{"client error returned", ClassClientError},
		{"something totally unexpected", ClassUnknownError},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Classify(errors.New(c.msg)), "msg=%q", c.msg)
	}
}

func TestClassifyNilErrorReturnsEmptyString(t *testing.T) {
	require.Equal(t, "", Classify(nil))
}
