package transform

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/pkg/storage/postgres"
	"github.com/virtues-os/core/registry"
)

// calendarEvent mirrors the fields provider/google/calendar marshals into
// each Record's Payload.
type calendarEvent struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Start   struct {
		DateTime time.Time `json:"dateTime"`
	} `json:"start"`
	End struct {
		DateTime time.Time `json:"dateTime"`
	} `json:"end"`
	Location  string `json:"location"`
	Attendees []struct {
		Email string `json:"email"`
	} `json:"attendees"`
}

// calendarSourceProvider and calendarSourceTable are the provenance values
// stamped on every ontology row, matching the literals
// provider/google/calendar registers this stream under.
const (
	calendarSourceProvider = "google"
	calendarSourceTable    = "google_calendar_events"
)

// CalendarTransform writes Google Calendar events into activity_calendar_entry.
type CalendarTransform struct {
	db  *sql.DB
	log *logging.Logger
}

func NewCalendarTransform(db *sql.DB, log *logging.Logger) *CalendarTransform {
	return &CalendarTransform{db: db, log: log}
}

func (t *CalendarTransform) Ontology() string { return "activity_calendar_entry" }

func (t *CalendarTransform) Apply(ctx context.Context, sourceID string, records []registry.Record) (int, error) {
	written := 0
	for _, batch := range chunkRecords(records, defaultBatchSize) {
		b := postgres.NewUpsertBuilder(
			"activity_calendar_entry",
			[]string{"source_stream_id", "source_id", "source_table", "source_provider", "occurred_at", "title", "start_time", "end_time", "location", "attendees", "metadata"},
			"source_stream_id",
			[]string{"occurred_at", "title", "start_time", "end_time", "location", "attendees", "metadata"},
		)

		for _, rec := range batch {
			var ev calendarEvent
			if err := json.Unmarshal(rec.Payload, &ev); err != nil {
				continue
			}
			attendeeEmails := make([]string, 0, len(ev.Attendees))
			for _, a := range ev.Attendees {
				attendeeEmails = append(attendeeEmails, a.Email)
			}
			attendees, _ := json.Marshal(attendeeEmails)

			b.AddRow(rec.SourceStreamID, sourceID, calendarSourceTable, calendarSourceProvider, rec.OccurredAt, ev.Summary, ev.Start.DateTime, ev.End.DateTime, ev.Location, attendees, rec.Payload)
		}

		query, args := b.Build()
		written += execBatch(ctx, t.db, t.log, t.Ontology(), query, args, b.Len())
	}
	return written, nil
}
