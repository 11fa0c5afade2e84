package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the validated, queryable view over the compiled-in catalog of
// sources, streams and ontologies. It is built once via MustInit and never
// mutated afterward, so lookups are safe without locking.
type Registry struct {
	sources    map[string]SourceDescriptor
	ontologies map[string]OntologyDescriptor
	creators   map[string]StreamCreator
}

// StreamCreator instantiates a stream implementation for one (source, stream)
// pair. Concrete providers register one per stream from their own init();
// the factory package looks these up by key, never constructing stream
// types directly.
type StreamCreator func(ctx StreamFactoryContext) (StreamInstance, error)

// StreamInstance is the tagged-union result handed back to the caller: the
// streamfactory package type-switches on whichever of Pull/Push is non-nil.
type StreamInstance struct {
	Pull PullStream
	Push PushStream
}

// Record is one decoded row produced or accepted by a stream, prior to
// transform. Payload carries the provider's native JSON shape; transforms
// know how to decode it for their own ontology. OccurredAt drives both the
// archive pipeline's date=YYYY-MM-DD object key partitioning and the
// checkpoint watermark.
type Record struct {
	SourceStreamID string          `json:"source_stream_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload"`
}

// SyncResult is returned by a PullStream.SyncPull call: the records fetched
// this page/run and the cursor to persist for the next invocation.
type SyncResult struct {
	Records    []Record
	NextCursor string
	Done       bool
}

// PushResult is returned by a PushStream.ReceivePush call.
type PushResult struct {
	Accepted       int
	Rejected       int
	NextCheckpoint string
}

// PullStream is implemented by backend-initiated sources (cloud sync loop).
type PullStream interface {
	SyncPull(ctx context.Context, cursor string) (SyncResult, error)
}

// PushStream is implemented by client-initiated sources (device /ingest).
type PushStream interface {
	ReceivePush(ctx context.Context, records []Record) (PushResult, error)
}

// StreamFactoryContext carries everything a stream_creator needs to build a
// stream instance without importing the factory package, avoiding an import
// cycle between registry and streamfactory.
type StreamFactoryContext struct {
	SourceID string
	Auth     interface{}
	Deps     interface{}
}

var (
	once    sync.Once
	current *Registry
	initErr error

	regMu         sync.Mutex
	pendingSource = map[string]SourceDescriptor{}
	pendingStream []streamContribution
	pendingOnto   []OntologyDescriptor
)

type streamContribution struct {
	provider string
	desc     StreamDescriptor
	creator  StreamCreator
}

// RegisterSource declares a provider's identity and auth style. Each
// provider package calls this once, typically from the init() of whichever
// file is most central to it; streams are attached separately via
// RegisterStream so the two calls can happen in any package-load order.
func RegisterSource(desc SourceDescriptor) {
	regMu.Lock()
	defer regMu.Unlock()
	desc.Streams = nil
	pendingSource[desc.Name] = desc
}

// RegisterStream attaches one stream and its creator to provider. Called
// from a provider package's init(), mirroring how database/sql drivers
// self-register: this package never imports a provider package directly.
func RegisterStream(provider string, desc StreamDescriptor, creator StreamCreator) {
	regMu.Lock()
	defer regMu.Unlock()
	pendingStream = append(pendingStream, streamContribution{provider, desc, creator})
}

// RegisterOntology declares one normalized output table and the streams
// that feed it.
func RegisterOntology(desc OntologyDescriptor) {
	regMu.Lock()
	defer regMu.Unlock()
	pendingOnto = append(pendingOnto, desc)
}

// MustInit builds and validates the registry singleton from everything
// registered by provider package init()s, panicking on any inconsistency.
// It is idempotent: subsequent calls are no-ops. The binary's main() must
// blank-import every provider package before calling this so their init()s
// have run.
func MustInit() *Registry {
	once.Do(func() {
		regMu.Lock()
		defer regMu.Unlock()

		sources := make([]SourceDescriptor, 0, len(pendingSource))
		for _, s := range pendingSource {
			sources = append(sources, s)
		}
		byProvider := make(map[string][]StreamDescriptor)
		creators := make(map[string]StreamCreator)
		for _, c := range pendingStream {
			byProvider[c.provider] = append(byProvider[c.provider], c.desc)
			creators[c.provider+"/"+c.desc.Name] = c.creator
		}
		for i := range sources {
			sources[i].Streams = byProvider[sources[i].Name]
		}

		r, err := build(sources, pendingOnto, creators)
		if err != nil {
			initErr = err
			return
		}
		current = r
	})
	if initErr != nil {
		panic(initErr)
	}
	return current
}

func build(sources []SourceDescriptor, ontologies []OntologyDescriptor, creators map[string]StreamCreator) (*Registry, error) {
	r := &Registry{
		sources:    make(map[string]SourceDescriptor, len(sources)),
		ontologies: make(map[string]OntologyDescriptor, len(ontologies)),
		creators:   creators,
	}

	streamKeys := make(map[string]bool)
	for _, s := range sources {
		if _, dup := r.sources[s.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate source %q", s.Name)
		}
		r.sources[s.Name] = s
		for _, st := range s.Streams {
			key := s.Name + "/" + st.Name
			streamKeys[key] = true
			if _, ok := creators[key]; !ok {
				return nil, fmt.Errorf("registry: stream %q has no registered creator", key)
			}
		}
	}

	for _, o := range ontologies {
		if _, dup := r.ontologies[o.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate ontology %q", o.Name)
		}
		r.ontologies[o.Name] = o
		for _, key := range o.SourceStreams {
			if !streamKeys[key] {
				return nil, fmt.Errorf("registry: ontology %q references unknown stream %q", o.Name, key)
			}
		}
	}

	// Bidirectional check: every ontology a stream claims to feed must
	// actually list that stream as one of its source streams, and vice
	// versa every ontology must be fed by at least one real stream.
	for _, s := range sources {
		for _, st := range s.Streams {
			key := s.Name + "/" + st.Name
			for _, ontologyName := range st.Ontologies {
				o, ok := r.ontologies[ontologyName]
				if !ok {
					return nil, fmt.Errorf("registry: stream %q feeds unknown ontology %q", key, ontologyName)
				}
				if !contains(o.SourceStreams, key) {
					return nil, fmt.Errorf("registry: stream %q claims to feed ontology %q, but %q does not list it as a source stream", key, ontologyName, ontologyName)
				}
			}
		}
	}
	for _, o := range r.ontologies {
		if len(o.SourceStreams) == 0 {
			return nil, fmt.Errorf("registry: ontology %q has no source streams", o.Name)
		}
	}

	return r, nil
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// GetSource looks up a source by provider name.
func (r *Registry) GetSource(name string) (SourceDescriptor, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// GetStream looks up a stream descriptor and its creator by provider/name.
func (r *Registry) GetStream(provider, stream string) (StreamDescriptor, StreamCreator, error) {
	s, ok := r.sources[provider]
	if !ok {
		return StreamDescriptor{}, nil, fmt.Errorf("registry: unknown source %q", provider)
	}
	for _, st := range s.Streams {
		if st.Name == stream {
			key := provider + "/" + stream
			return st, r.creators[key], nil
		}
	}
	return StreamDescriptor{}, nil, fmt.Errorf("registry: source %q has no stream %q", provider, stream)
}

// GetOntology looks up an ontology descriptor by name.
func (r *Registry) GetOntology(name string) (OntologyDescriptor, bool) {
	o, ok := r.ontologies[name]
	return o, ok
}

// Snapshot returns the full catalog sorted for stable, deterministic output -
// used by operator-facing inspection tooling, never by hot-path code.
func (r *Registry) Snapshot() ([]SourceDescriptor, []OntologyDescriptor) {
	sources := make([]SourceDescriptor, 0, len(r.sources))
	for _, s := range r.sources {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })

	ontologies := make([]OntologyDescriptor, 0, len(r.ontologies))
	for _, o := range r.ontologies {
		ontologies = append(ontologies, o)
	}
	sort.Slice(ontologies, func(i, j int) bool { return ontologies[i].Name < ontologies[j].Name })

	return sources, ontologies
}
