// Package transactions implements the Plaid transactions pull stream:
// cursor-based pagination via Plaid's /transactions/sync endpoint, with
// ITEM_LOGIN_REQUIRED mapped to an auth error so the sync engine marks the
// source for reauthorization instead of retrying forever.
package transactions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/virtues-os/core/httpclient"
	"github.com/virtues-os/core/infrastructure/ratelimit"
	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamfactory"
)

const (
	Provider   = "plaid"
	StreamName = "transactions"
	baseURL    = "https://production.plaid.com"
)

func init() {
	registry.RegisterSource(registry.NewSource(Provider, "Plaid").
		OAuth2(registry.OAuthConfig{
			ClientIDEnv:     "PLAID_CLIENT_ID",
			ClientSecretEnv: "PLAID_SECRET",
		}).
		Build())

	registry.RegisterStream(Provider, registry.NewStream(StreamName).
		Table("plaid_transactions").
		Pull(registry.CursorStylePageToken).
		Description("Plaid transactions via cursor-based /transactions/sync pagination").
		Ontologies("financial_transaction").
		Build(), CreateStream)

	registry.RegisterOntology(registry.NewOntology("financial_transaction").
		Table("financial_transaction").
		Domain("finance").
		SourceStreams("plaid/transactions").
		Build())
}

type transaction struct {
	TransactionID string   `json:"transaction_id"`
	AccountID     string   `json:"account_id"`
	Amount        float64  `json:"amount"`
	ISOCurrency   string   `json:"iso_currency_code"`
	Date          string   `json:"date"`
	MerchantName  string   `json:"merchant_name"`
	Category      []string `json:"category"`
	Pending       bool     `json:"pending"`
}

type syncResponse struct {
	Added    []transaction `json:"added"`
	Modified []transaction `json:"modified"`
	Removed  []struct {
		TransactionID string `json:"transaction_id"`
	} `json:"removed"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
	ErrorCode  string `json:"error_code"`
}

// Stream implements registry.PullStream for one Plaid item's transactions.
type Stream struct {
	sourceID string
	client   *httpclient.Client
}

// CreateStream is the registry.StreamCreator registered for plaid/transactions.
func CreateStream(fctx registry.StreamFactoryContext) (registry.StreamInstance, error) {
	oauthAuth, ok := fctx.Auth.(streamfactory.OAuthAuth)
	if !ok {
		return registry.StreamInstance{}, fmt.Errorf("transactions: expected OAuth2 auth")
	}
	client := httpclient.New(fctx.SourceID, oauthAuth.Provider, oauthAuth.Tokens,
		httpclient.WithBaseURL(baseURL),
		httpclient.WithClassifier(classify),
		httpclient.WithRetryPolicy(httpclient.NoRetryPolicy()),
		httpclient.WithRateLimiter(ratelimit.ForProvider(Provider)),
	)
	return registry.StreamInstance{Pull: &Stream{sourceID: fctx.SourceID, client: client}}, nil
}

// classify maps Plaid's ITEM_LOGIN_REQUIRED error (the item's access token
// is revoked or needs re-linking) to ClassAuthError; Plaid reports it with
// a 400, which the generic classifier would treat as non-retryable.
func classify(statusCode int, body []byte) httpclient.ErrorClass {
	var payload struct {
		ErrorCode string `json:"error_code"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.ErrorCode == "ITEM_LOGIN_REQUIRED" {
		return httpclient.ClassAuthError
	}
	if statusCode == http.StatusBadRequest {
		return httpclient.ClassClientError
	}
	return httpclient.DefaultClassifier(statusCode, body)
}

// SyncPull calls /transactions/sync with the previous call's cursor; an
// empty cursor starts a fresh sync from the item's transaction history.
func (s *Stream) SyncPull(ctx context.Context, cursor string) (registry.SyncResult, error) {
	reqBody, err := json.Marshal(map[string]string{"cursor": cursor})
	if err != nil {
		return registry.SyncResult{}, err
	}

	respBody, err := s.client.Post(ctx, "/transactions/sync", reqBody)
	if err != nil {
		return registry.SyncResult{}, err
	}

	var resp syncResponse
	if err := json.NewDecoder(bytes.NewReader(respBody)).Decode(&resp); err != nil {
		return registry.SyncResult{}, fmt.Errorf("transactions: decode response: %w", err)
	}

	all := append(append([]transaction{}, resp.Added...), resp.Modified...)
	records := make([]registry.Record, 0, len(all))
	for _, tx := range all {
		occurred, err := time.Parse("2006-01-02", tx.Date)
		if err != nil {
			continue
		}
		payload, err := json.Marshal(tx)
		if err != nil {
			continue
		}
		records = append(records, registry.Record{
			SourceStreamID: Provider + ":" + tx.TransactionID,
			OccurredAt:     occurred,
			Payload:        payload,
		})
	}

	return registry.SyncResult{Records: records, NextCursor: resp.NextCursor, Done: !resp.HasMore}, nil
}
