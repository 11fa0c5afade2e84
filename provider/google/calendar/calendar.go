// Package calendar implements the Google Calendar pull stream: incremental
// sync via Google's syncToken cursor, with a 410 Gone response (the
// provider's "token too old" signal) mapped to a forced full resync.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/virtues-os/core/httpclient"
	"github.com/virtues-os/core/infrastructure/ratelimit"
	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamfactory"
)

const (
	Provider   = "google"
	StreamName = "calendar"
	baseURL    = "https://www.googleapis.com/calendar/v3"
)

func init() {
	registry.RegisterSource(registry.NewSource(Provider, "Google").
		OAuth2(registry.OAuthConfig{
			ClientIDEnv:     "GOOGLE_OAUTH_CLIENT_ID",
			ClientSecretEnv: "GOOGLE_OAUTH_CLIENT_SECRET",
			Scopes:          []string{"https://www.googleapis.com/auth/calendar.readonly"},
			AuthURL:         "https://accounts.google.com/o/oauth2/auth",
			TokenURL:        "https://oauth2.googleapis.com/token",
		}).
		Build())

	registry.RegisterStream(Provider, registry.NewStream(StreamName).
		Table("google_calendar_events").
		Pull(registry.CursorStyleSyncToken).
		Description("Google Calendar events via incremental sync tokens").
		Ontologies("activity_calendar_entry").
		Build(), CreateStream)

	registry.RegisterOntology(registry.NewOntology("activity_calendar_entry").
		Table("activity_calendar_entry").
		Domain("activity").
		SourceStreams("google/calendar").
		Build())
}

// event is the subset of Google's Calendar API event resource this stream
// cares about; the provider returns many more fields we don't model.
type event struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Summary string `json:"summary"`
	Start   struct {
		DateTime time.Time `json:"dateTime"`
		Date     string    `json:"date"`
	} `json:"start"`
	End struct {
		DateTime time.Time `json:"dateTime"`
		Date     string    `json:"date"`
	} `json:"end"`
	Location  string `json:"location"`
	Attendees []struct {
		Email string `json:"email"`
	} `json:"attendees"`
	Updated time.Time `json:"updated"`
}

type listResponse struct {
	Items         []event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
	NextSyncToken string  `json:"nextSyncToken"`
}

// Stream implements registry.PullStream for one calendar's events.
type Stream struct {
	sourceID   string
	calendarID string
	client     *httpclient.Client
}

// CreateStream is the registry.StreamCreator registered for google/calendar.
func CreateStream(fctx registry.StreamFactoryContext) (registry.StreamInstance, error) {
	oauthAuth, ok := fctx.Auth.(streamfactory.OAuthAuth)
	if !ok {
		return registry.StreamInstance{}, fmt.Errorf("calendar: expected OAuth2 auth")
	}
	client := httpclient.New(fctx.SourceID, oauthAuth.Provider, oauthAuth.Tokens,
		httpclient.WithBaseURL(baseURL),
		httpclient.WithClassifier(classify),
		httpclient.WithRateLimiter(ratelimit.ForProvider(Provider)),
	)
	s := &Stream{sourceID: fctx.SourceID, calendarID: "primary", client: client}
	return registry.StreamInstance{Pull: s}, nil
}

// classify maps Google's "410 Gone, fullSyncRequired" response - the signal
// a syncToken has expired server-side - to ClassSyncTokenError so the
// sync engine knows to clear the cursor and restart from a full sync,
// instead of retrying the stale token forever.
func classify(statusCode int, body []byte) httpclient.ErrorClass {
	if statusCode == http.StatusGone {
		return httpclient.ClassSyncTokenError
	}
	return httpclient.DefaultClassifier(statusCode, body)
}

// SyncPull fetches one page of events. An empty cursor performs an initial
// full sync; a non-empty cursor is the syncToken from the previous call's
// SyncResult.NextCursor. A ClassSyncTokenError from the provider bubbles up
// as-is; the sync engine is responsible for clearing the cursor and retrying
// once as a full resync.
func (s *Stream) SyncPull(ctx context.Context, cursor string) (registry.SyncResult, error) {
	params := url.Values{"maxResults": {"250"}, "singleEvents": {"true"}}
	if cursor != "" {
		params.Set("syncToken", cursor)
	} else {
		params.Set("timeMin", time.Now().AddDate(-1, 0, 0).Format(time.RFC3339))
	}

	body, err := s.client.Get(ctx, fmt.Sprintf("/calendars/%s/events", url.PathEscape(s.calendarID)), params)
	if err != nil {
		return registry.SyncResult{}, err
	}

	var resp listResponse
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&resp); err != nil {
		return registry.SyncResult{}, fmt.Errorf("calendar: decode response: %w", err)
	}

	records := make([]registry.Record, 0, len(resp.Items))
	for _, ev := range resp.Items {
		if ev.Status == "cancelled" {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		records = append(records, registry.Record{
			SourceStreamID: s.sourceID + ":" + ev.ID,
			OccurredAt:     ev.Updated,
			Payload:        payload,
		})
	}

	next := resp.NextSyncToken
	done := next != ""
	if resp.NextPageToken != "" {
		next = resp.NextPageToken
		done = false
	}

	return registry.SyncResult{Records: records, NextCursor: next, Done: done}, nil
}
