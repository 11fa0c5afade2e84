package transform

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/pkg/storage/postgres"
	"github.com/virtues-os/core/registry"
)

type plaidTransaction struct {
	TransactionID string   `json:"transaction_id"`
	AccountID     string   `json:"account_id"`
	Amount        float64  `json:"amount"`
	ISOCurrency   string   `json:"iso_currency_code"`
	MerchantName  string   `json:"merchant_name"`
	Category      []string `json:"category"`
	Pending       bool     `json:"pending"`
}

// transactionsSourceProvider and transactionsSourceTable are the provenance
// values stamped on every ontology row, matching the literals
// provider/plaid/transactions registers this stream under.
const (
	transactionsSourceProvider = "plaid"
	transactionsSourceTable    = "plaid_transactions"
)

// TransactionsTransform writes Plaid transactions into financial_transaction.
// Plaid reports amounts as a decimal in major units; amount_cents stores the
// integer minor-unit form every downstream consumer expects.
type TransactionsTransform struct {
	db  *sql.DB
	log *logging.Logger
}

func NewTransactionsTransform(db *sql.DB, log *logging.Logger) *TransactionsTransform {
	return &TransactionsTransform{db: db, log: log}
}

func (t *TransactionsTransform) Ontology() string { return "financial_transaction" }

func (t *TransactionsTransform) Apply(ctx context.Context, sourceID string, records []registry.Record) (int, error) {
	written := 0
	for _, batch := range chunkRecords(records, defaultBatchSize) {
		b := postgres.NewUpsertBuilder(
			"financial_transaction",
			[]string{"source_stream_id", "source_id", "source_table", "source_provider", "occurred_at", "amount_cents", "currency", "merchant_name", "category", "account_id", "pending", "metadata"},
			"source_stream_id",
			[]string{"occurred_at", "amount_cents", "currency", "merchant_name", "category", "account_id", "pending", "metadata"},
		)

		for _, rec := range batch {
			var tx plaidTransaction
			if err := json.Unmarshal(rec.Payload, &tx); err != nil {
				continue
			}
			currency := tx.ISOCurrency
			if currency == "" {
				currency = "USD"
			}
			category := ""
			if len(tx.Category) > 0 {
				category = tx.Category[0]
			}
			amountCents := int64(tx.Amount * 100)

			b.AddRow(rec.SourceStreamID, sourceID, transactionsSourceTable, transactionsSourceProvider, rec.OccurredAt, amountCents, currency, tx.MerchantName, category, tx.AccountID, tx.Pending, rec.Payload)
		}

		query, args := b.Build()
		written += execBatch(ctx, t.db, t.log, t.Ontology(), query, args, b.Len())
	}
	return written, nil
}
