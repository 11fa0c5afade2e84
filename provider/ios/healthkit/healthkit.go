// Package healthkit implements the iOS HealthKit push stream: the device
// posts batches of HealthKit samples directly to /ingest, authenticated by
// its hashed device token rather than OAuth2.
package healthkit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamfactory"
)

const (
	Provider   = "ios"
	StreamName = "healthkit"
)

func init() {
	registry.RegisterSource(registry.NewSource(Provider, "iOS Device").
		Device().
		Build())

	registry.RegisterStream(Provider, registry.NewStream(StreamName).
		Table("ios_healthkit_samples").
		Push().
		Description("HealthKit samples pushed from the iOS companion app").
		Ontologies("health_metric").
		Build(), CreateStream)

	registry.RegisterOntology(registry.NewOntology("health_metric").
		Table("health_metric").
		Domain("health").
		SourceStreams("ios/healthkit").
		Build())
}

// sample is the wire shape the iOS app posts for one HealthKit reading.
type sample struct {
	ID         string  `json:"id"`
	MetricType string  `json:"metric_type"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	OccurredAt string  `json:"occurred_at"`
}

// Stream implements registry.PushStream for device-pushed HealthKit samples.
type Stream struct {
	sourceID string
}

// CreateStream is the registry.StreamCreator registered for ios/healthkit.
func CreateStream(fctx registry.StreamFactoryContext) (registry.StreamInstance, error) {
	deviceAuth, ok := fctx.Auth.(streamfactory.DeviceAuth)
	if !ok {
		return registry.StreamInstance{}, fmt.Errorf("healthkit: expected device auth")
	}
	return registry.StreamInstance{Push: &Stream{sourceID: deviceAuth.SourceID}}, nil
}

// ReceivePush validates and accepts device-submitted records. Records that
// fail to parse are counted as rejected rather than failing the whole
// batch.
func (s *Stream) ReceivePush(ctx context.Context, records []registry.Record) (registry.PushResult, error) {
	result := registry.PushResult{}
	for _, rec := range records {
		var sm sample
		if err := json.Unmarshal(rec.Payload, &sm); err != nil || sm.MetricType == "" {
			result.Rejected++
			continue
		}
		result.Accepted++
	}
	return result, nil
}
