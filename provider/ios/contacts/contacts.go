// Package contacts implements the iOS Contacts push stream. Its transform
// feeds wiki_people, the one ontology resolved across multiple source
// streams: contacts sharing an email or phone number with a person already
// known from another provider collapse into the same row instead of
// duplicating it, enforced by the partial unique indexes on wiki_people.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamfactory"
)

const (
	Provider   = "ios"
	StreamName = "contacts"
)

func init() {
	registry.RegisterStream(Provider, registry.NewStream(StreamName).
		Table("ios_contacts").
		Push().
		Description("Address book contacts pushed from the iOS companion app").
		Ontologies("wiki_people").
		Build(), CreateStream)

	registry.RegisterOntology(registry.NewOntology("wiki_people").
		Table("wiki_people").
		Domain("identity").
		SourceStreams("ios/contacts").
		Build())
}

// contact is the wire shape the iOS app posts for one address book entry.
type contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

// Stream implements registry.PushStream for device-pushed contacts.
type Stream struct {
	sourceID string
}

// CreateStream is the registry.StreamCreator registered for ios/contacts.
func CreateStream(fctx registry.StreamFactoryContext) (registry.StreamInstance, error) {
	deviceAuth, ok := fctx.Auth.(streamfactory.DeviceAuth)
	if !ok {
		return registry.StreamInstance{}, fmt.Errorf("contacts: expected device auth")
	}
	return registry.StreamInstance{Push: &Stream{sourceID: deviceAuth.SourceID}}, nil
}

// ReceivePush accepts any contact record with at least a display name; the
// entity-resolution decision (merge into an existing wiki_people row or
// create a new one) happens downstream in the transform, not here.
func (s *Stream) ReceivePush(ctx context.Context, records []registry.Record) (registry.PushResult, error) {
	result := registry.PushResult{}
	for _, rec := range records {
		var c contact
		if err := json.Unmarshal(rec.Payload, &c); err != nil || c.DisplayName == "" {
			result.Rejected++
			continue
		}
		result.Accepted++
	}
	return result, nil
}
