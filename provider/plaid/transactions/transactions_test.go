package transactions

import (
	"context"
	"encoding/json"
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
	}).AddRow(sourceID, Provider, "Test Plaid", encryptedToken(t, sourceID, "access-tok"),
		encryptedToken(t, sourceID, "refresh-tok"), time.Now().Add(time.Hour), true, "", nil, time.Now(), time.Now())
}

func testStream(t *testing.T, providerURL string) (*Stream, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logging.New("transactions-test", "error", "json")
	tokens := auth.NewTokenManager(database.NewSourceRepository(db), testMasterKey(), log, "http://proxy.invalid")
	client := httpclient.New("src-1", Provider, tokens,
		httpclient.WithBaseURL(providerURL),
		httpclient.WithClassifier(classify),
		httpclient.WithRetryPolicy(httpclient.NoRetryPolicy()),
	)
	return &Stream{sourceID: "src-1", client: client}, mock
}

func TestClassifyMapsItemLoginRequiredToAuthError(t *testing.T) {
	body := []byte(`{"error_code": "ITEM_LOGIN_REQUIRED", "error_type": "ITEM_ERROR"}`)
	require.Equal(t, httpclient.ClassAuthError, classify(http.StatusBadRequest, body))

	// Any other Plaid 400 is a plain client error, not worth retrying.
	other := []byte(`{"error_code": "INVALID_REQUEST"}`)
	require.Equal(t, httpclient.ClassClientError, classify(http.StatusBadRequest, other))
	require.Equal(t, httpclient.ClassServerError, classify(http.StatusInternalServerError, nil))
}

func TestSyncPullPagesWithCursor(t *testing.T) {
	var gotCursors []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Cursor string `json:"cursor"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotCursors = append(gotCursors, req.Cursor)

		if req.Cursor == "" {
			w.Write([]byte(`{
				"added": [
					{"transaction_id": "t1", "account_id": "acc", "amount": 12.5, "date": "2026-07-01"},
					{"transaction_id": "t2", "account_id": "acc", "amount": 3.0, "date": "2026-07-02"}
				],
				"next_cursor": "C1", "has_more": true
			}`))
			return
		}
		w.Write([]byte(`{
			"added": [{"transaction_id": "t3", "account_id": "acc", "amount": 7.25, "date": "2026-07-03"}],
			"next_cursor": "C2", "has_more": false
		}`))
	}))
	defer server.Close()

	s, mock := testStream(t, server.URL)
	mock.ExpectQuery("FROM source_connections").WithArgs("src-1").WillReturnRows(sourceRow(t, "src-1"))

	first, err := s.SyncPull(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, first.Records, 2)
	require.Equal(t, "plaid:t1", first.Records[0].SourceStreamID)
	require.Equal(t, "plaid:t2", first.Records[1].SourceStreamID)
	require.Equal(t, "C1", first.NextCursor)
	require.False(t, first.Done)

	second, err := s.SyncPull(context.Background(), first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Records, 1)
	require.Equal(t, "plaid:t3", second.Records[0].SourceStreamID)
	require.Equal(t, "C2", second.NextCursor)
	require.True(t, second.Done)

	require.Equal(t, []string{"", "C1"}, gotCursors)
}

func TestSyncPullIncludesModifiedTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"added": [{"transaction_id": "t1", "date": "2026-07-01"}],
			"modified": [{"transaction_id": "t2", "date": "2026-07-02"}],
			"next_cursor": "C1", "has_more": false
		}`))
	}))
	defer server.Close()

	s, mock := testStream(t, server.URL)
	mock.ExpectQuery("FROM source_connections").WithArgs("src-1").WillReturnRows(sourceRow(t, "src-1"))

	result, err := s.SyncPull(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	require.Equal(t, "plaid:t2", result.Records[1].SourceStreamID)
}

func TestSyncPullSkipsUnparseableDates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"added": [
				{"transaction_id": "bad", "date": "not-a-date"},
				{"transaction_id": "good", "date": "2026-07-01"}
			],
			"next_cursor": "C1", "has_more": false
		}`))
	}))
	defer server.Close()

	s, mock := testStream(t, server.URL)
	mock.ExpectQuery("FROM source_connections").WithArgs("src-1").WillReturnRows(sourceRow(t, "src-1"))

	result, err := s.SyncPull(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.Equal(t, "plaid:good", result.Records[0].SourceStreamID)
}
