package calendar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/virtues-os/core/auth"
	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/httpclient"
	"github.com/virtues-os/core/infrastructure/crypto"
	"github.com/virtues-os/core/infrastructure/logging"
)

func testMasterKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func encryptedToken(t *testing.T, sourceID, plaintext string) string {
	t.Helper()
	ct, err := crypto.EncryptEnvelope(testMasterKey(), []byte(sourceID), "oauth_token", []byte(plaintext))
	require.NoError(t, err)
	return string(ct)
}

func sourceRow(t *testing.T, sourceID string) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{
		"id", "provider", "name", "access_token", "refresh_token", "token_expires_at",
		"is_active", "error_message", "error_at", "created_at", "updated_at",
	}).AddRow(sourceID, Provider, "Test Google", encryptedToken(t, sourceID, "access-tok"),
		encryptedToken(t, sourceID, "refresh-tok"), time.Now().Add(time.Hour), true, "", nil, time.Now(), time.Now())
}

// testStream points a Stream at an httptest server standing in for the
// Calendar API, with a real token manager backed by sqlmock behind it.
func testStream(t *testing.T, providerURL string) (*Stream, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logging.New("calendar-test", "error", "json")
	tokens := auth.NewTokenManager(database.NewSourceRepository(db), testMasterKey(), log, "http://proxy.invalid")
	client := httpclient.New("src-1", Provider, tokens,
		httpclient.WithBaseURL(providerURL),
		httpclient.WithClassifier(classify),
	)
	return &Stream{sourceID: "src-1", calendarID: "primary", client: client}, mock
}

func TestClassifyMapsGoneToSyncTokenError(t *testing.T) {
	require.Equal(t, httpclient.ClassSyncTokenError, classify(http.StatusGone, []byte(`{"error":"fullSyncRequired"}`)))
	require.Equal(t, httpclient.ClassAuthError, classify(http.StatusUnauthorized, nil))
	require.Equal(t, httpclient.ClassServerError, classify(http.StatusBadGateway, nil))
	require.Equal(t, httpclient.ClassClientError, classify(http.StatusForbidden, nil))
}

func TestSyncPullIncrementalAdvancesSyncToken(t *testing.T) {
	var gotSyncToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSyncToken = r.URL.Query().Get("syncToken")
		w.Write([]byte(`{
			"items": [
				{"id": "evt1", "status": "confirmed", "summary": "Standup", "updated": "2026-07-01T09:00:00Z"},
				{"id": "evt2", "status": "confirmed", "summary": "Review", "updated": "2026-07-01T10:00:00Z"}
			],
			"nextSyncToken": "syncTokenB"
		}`))
	}))
	defer server.Close()

	s, mock := testStream(t, server.URL)
	mock.ExpectQuery("FROM source_connections").WithArgs("src-1").WillReturnRows(sourceRow(t, "src-1"))

	result, err := s.SyncPull(context.Background(), "syncTokenA")
	require.NoError(t, err)
	require.Equal(t, "syncTokenA", gotSyncToken)
	require.Len(t, result.Records, 2)
	require.Equal(t, "src-1:evt1", result.Records[0].SourceStreamID)
	require.Equal(t, "src-1:evt2", result.Records[1].SourceStreamID)
	require.Equal(t, "syncTokenB", result.NextCursor)
	require.True(t, result.Done)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncPullSkipsCancelledEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"items": [
				{"id": "evt1", "status": "cancelled", "updated": "2026-07-01T09:00:00Z"},
				{"id": "evt2", "status": "confirmed", "updated": "2026-07-01T10:00:00Z"}
			],
			"nextSyncToken": "syncTokenB"
		}`))
	}))
	defer server.Close()

	s, mock := testStream(t, server.URL)
	mock.ExpectQuery("FROM source_connections").WithArgs("src-1").WillReturnRows(sourceRow(t, "src-1"))

	result, err := s.SyncPull(context.Background(), "syncTokenA")
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.Equal(t, "src-1:evt2", result.Records[0].SourceStreamID)
}

func TestSyncPullPaginationContinuesWithPageToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"items": [{"id": "evt1", "status": "confirmed", "updated": "2026-07-01T09:00:00Z"}],
			"nextPageToken": "page2"
		}`))
	}))
	defer server.Close()

	s, mock := testStream(t, server.URL)
	mock.ExpectQuery("FROM source_connections").WithArgs("src-1").WillReturnRows(sourceRow(t, "src-1"))

	result, err := s.SyncPull(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "page2", result.NextCursor)
	require.False(t, result.Done)
}

func TestSyncPullFullSyncBoundsTimeWindow(t *testing.T) {
	var gotTimeMin, gotSyncToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTimeMin = r.URL.Query().Get("timeMin")
		gotSyncToken = r.URL.Query().Get("syncToken")
		w.Write([]byte(`{"items": [], "nextSyncToken": "fresh"}`))
	}))
	defer server.Close()

	s, mock := testStream(t, server.URL)
	mock.ExpectQuery("FROM source_connections").WithArgs("src-1").WillReturnRows(sourceRow(t, "src-1"))

	result, err := s.SyncPull(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, gotTimeMin)
	require.Empty(t, gotSyncToken)
	require.Empty(t, result.Records)
	require.Equal(t, "fresh", result.NextCursor)
}
