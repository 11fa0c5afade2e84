// Package streamfactory resolves a (source, stream) pair into a runnable
// stream instance: it loads the source row, builds the right kind of auth,
// looks the stream up in the registry, and hands both to the stream's
// registered creator.
package streamfactory

import (
	"context"
	"fmt"

	"github.com/virtues-os/core/auth"
	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamwriter"
)

// Factory binds the registry to the runtime dependencies every stream
// creator needs: the source repository (to load credentials), the token
// manager (OAuth2 sources), and the shared stream writer (hot-path buffer).
type Factory struct {
	reg     *registry.Registry
	sources *database.SourceRepository
	tokens  *auth.TokenManager
	writer  *streamwriter.Writer
}

func New(reg *registry.Registry, sources *database.SourceRepository, tokens *auth.TokenManager, writer *streamwriter.Writer) *Factory {
	return &Factory{reg: reg, sources: sources, tokens: tokens, writer: writer}
}

// Create resolves provider/stream for sourceID into a registry.StreamInstance:
// load source -> validate against the registry -> build auth -> invoke the
// registered creator.
func (f *Factory) Create(ctx context.Context, sourceID, provider, streamName string) (registry.StreamInstance, error) {
	src, err := f.sources.Get(ctx, sourceID)
	if err != nil {
		return registry.StreamInstance{}, fmt.Errorf("streamfactory: load source: %w", err)
	}
	if !src.IsActive {
		return registry.StreamInstance{}, fmt.Errorf("streamfactory: source %s is not active", sourceID)
	}

	sourceDesc, ok := f.reg.GetSource(provider)
	if !ok {
		return registry.StreamInstance{}, fmt.Errorf("streamfactory: unknown provider %q", provider)
	}

	streamDesc, creator, err := f.reg.GetStream(provider, streamName)
	if err != nil {
		return registry.StreamInstance{}, err
	}
	if creator == nil {
		return registry.StreamInstance{}, fmt.Errorf("streamfactory: stream %s/%s has no creator", provider, streamName)
	}

	var authObj interface{}
	switch sourceDesc.Auth {
	case registry.AuthOAuth2:
		if sourceDesc.OAuth == nil {
			return registry.StreamInstance{}, fmt.Errorf("streamfactory: source %q has no oauth config", provider)
		}
		authObj = OAuthAuth{Tokens: f.tokens, Provider: provider}
	case registry.AuthDevice:
		authObj = DeviceAuth{SourceID: sourceID}
	default:
		return registry.StreamInstance{}, fmt.Errorf("streamfactory: unknown auth type for %q", provider)
	}

	fctx := registry.StreamFactoryContext{
		SourceID: sourceID,
		Auth:     authObj,
		Deps: FactoryDeps{
			Writer: f.writer,
			Stream: streamDesc,
		},
	}
	return creator(fctx)
}

// FactoryDeps is the concrete value registry.StreamFactoryContext.Deps
// carries for every stream_creator in this module's catalog.
type FactoryDeps struct {
	Writer *streamwriter.Writer
	Stream registry.StreamDescriptor
}

// OAuthAuth is the concrete value registry.StreamFactoryContext.Auth carries
// for AuthOAuth2 sources: everything a provider's stream creator needs to
// build an httpclient.Client. Provider is the registry source name the
// token manager forwards to the OAuth refresh proxy (<base>/<provider>/refresh)
// - the provider's client id/secret/token URL never leave the proxy.
type OAuthAuth struct {
	Tokens   *auth.TokenManager
	Provider string
}

// DeviceAuth is the concrete value registry.StreamFactoryContext.Auth
// carries for AuthDevice sources; the device token itself was already
// validated upstream by the ingest handler.
type DeviceAuth struct {
	SourceID string
}
