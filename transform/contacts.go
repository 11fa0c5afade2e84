package transform

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/registry"
)

// contactsSourceProvider and contactsSourceTable are the provenance values
// stamped on every ontology row, matching the literals
// provider/ios/contacts registers this stream under.
const (
	contactsSourceProvider = "ios"
	contactsSourceTable    = "ios_contacts"
)

type contact struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

// ContactsTransform writes iOS address book contacts into wiki_people,
// resolving each contact against any existing row sharing its email or
// phone number rather than blindly inserting - the one ontology in this
// catalog fed by entity resolution instead of a one-to-one upsert, enforced
// at the schema level by wiki_people's partial unique indexes. The row's
// source_stream_id stays pinned to whichever contact record first created
// it; later contacts that merge into the same person update its fields and
// record their own id in metadata rather than displacing the primary key,
// so a repeated run over the same input set converges on the same row.
type ContactsTransform struct {
	db  *sql.DB
	log *logging.Logger
}

func NewContactsTransform(db *sql.DB, log *logging.Logger) *ContactsTransform {
	return &ContactsTransform{db: db, log: log}
}

func (t *ContactsTransform) Ontology() string { return "wiki_people" }

// Apply resolves each contact one at a time against the existing wiki_people
// table (entity resolution needs to see every prior write before deciding
// whether the next row merges or inserts, so unlike the other ontologies
// there's no multi-row UpsertBuilder batch to build). A single contact's
// failure is logged and that row is not counted as written; it doesn't stop
// the rest of the batch from resolving.
func (t *ContactsTransform) Apply(ctx context.Context, sourceID string, records []registry.Record) (int, error) {
	written := 0
	for _, rec := range records {
		var c contact
		if err := json.Unmarshal(rec.Payload, &c); err != nil || c.DisplayName == "" {
			continue
		}
		if err := t.upsertPerson(ctx, rec, c); err != nil {
			t.log.Error(ctx, "transform: contact upsert failed", err, map[string]interface{}{
				"ontology": t.Ontology(), "source_stream_id": rec.SourceStreamID,
			})
			continue
		}
		written++
	}
	return written, nil
}

func (t *ContactsTransform) upsertPerson(ctx context.Context, rec registry.Record, c contact) error {
	var existingStreamID string
	var existingMetadata []byte
	err := t.db.QueryRowContext(ctx, `
		SELECT source_stream_id, metadata FROM wiki_people
		WHERE (primary_email = $1 AND $1 != '') OR (primary_phone = $2 AND $2 != '')
		LIMIT 1`,
		c.Email, c.Phone,
	).Scan(&existingStreamID, &existingMetadata)

	switch {
	case err == sql.ErrNoRows:
		metadata, mErr := mergeContactMetadata(nil, rec)
		if mErr != nil {
			return mErr
		}
		_, err = t.db.ExecContext(ctx, `
			INSERT INTO wiki_people (source_stream_id, source_table, source_provider, display_name, primary_email, primary_phone, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NOW(), NOW())`,
			rec.SourceStreamID, contactsSourceTable, contactsSourceProvider, c.DisplayName, c.Email, c.Phone, metadata,
		)
		return err
	case err != nil:
		return err
	default:
		metadata, mErr := mergeContactMetadata(existingMetadata, rec)
		if mErr != nil {
			return mErr
		}
		_, err = t.db.ExecContext(ctx, `
			UPDATE wiki_people
			SET display_name = $2,
			    primary_email = COALESCE(primary_email, NULLIF($3, '')),
			    primary_phone = COALESCE(primary_phone, NULLIF($4, '')),
			    metadata = $5,
			    updated_at = NOW()
			WHERE source_stream_id = $1`,
			existingStreamID, c.DisplayName, c.Email, c.Phone, metadata,
		)
		return err
	}
}

// mergeContactMetadata unions the incoming record's raw fields into the
// row's existing metadata, preferring already-present non-null values, and
// appends rec's id to a merged_source_stream_ids list so the row's
// provenance of every contributing contact record survives the merge
// even though only the first contact's id remains the row's primary key.
func mergeContactMetadata(existing []byte, rec registry.Record) ([]byte, error) {
	merged := map[string]interface{}{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			merged = map[string]interface{}{}
		}
	}

	var incoming map[string]interface{}
	if err := json.Unmarshal(rec.Payload, &incoming); err != nil {
		incoming = map[string]interface{}{}
	}
	for k, v := range incoming {
		if cur, ok := merged[k]; !ok || cur == nil || cur == "" {
			merged[k] = v
		}
	}

	ids, _ := merged["merged_source_stream_ids"].([]interface{})
	for _, id := range ids {
		if s, ok := id.(string); ok && s == rec.SourceStreamID {
			return json.Marshal(merged)
		}
	}
	merged["merged_source_stream_ids"] = append(ids, rec.SourceStreamID)
	return json.Marshal(merged)
}
