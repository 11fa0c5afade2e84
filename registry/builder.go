package registry

// StreamBuilder is a fluent constructor for StreamDescriptor, used by each
// provider package's init() registration.
type StreamBuilder struct {
	desc StreamDescriptor
}

func NewStream(name string) *StreamBuilder {
	return &StreamBuilder{desc: StreamDescriptor{Name: name, TableName: "stream_" + name}}
}

func (b *StreamBuilder) Table(name string) *StreamBuilder {
	b.desc.TableName = name
	return b
}

func (b *StreamBuilder) Pull(cursor CursorStyle) *StreamBuilder {
	b.desc.Direction = DirectionPull
	b.desc.Cursor = cursor
	return b
}

func (b *StreamBuilder) Push() *StreamBuilder {
	b.desc.Direction = DirectionPush
	b.desc.Cursor = CursorStyleNone
	return b
}

func (b *StreamBuilder) Description(d string) *StreamBuilder {
	b.desc.Description = d
	return b
}

func (b *StreamBuilder) Ontologies(names ...string) *StreamBuilder {
	b.desc.Ontologies = names
	return b
}

func (b *StreamBuilder) Build() StreamDescriptor {
	return b.desc
}

// SourceBuilder is a fluent constructor for SourceDescriptor.
type SourceBuilder struct {
	desc SourceDescriptor
}

func NewSource(name, displayName string) *SourceBuilder {
	return &SourceBuilder{desc: SourceDescriptor{Name: name, DisplayName: displayName, Enabled: true}}
}

func (b *SourceBuilder) OAuth2(cfg OAuthConfig) *SourceBuilder {
	b.desc.Auth = AuthOAuth2
	b.desc.OAuth = &cfg
	return b
}

func (b *SourceBuilder) Device() *SourceBuilder {
	b.desc.Auth = AuthDevice
	b.desc.OAuth = nil
	return b
}

func (b *SourceBuilder) Disabled() *SourceBuilder {
	b.desc.Enabled = false
	return b
}

func (b *SourceBuilder) Stream(s StreamDescriptor) *SourceBuilder {
	b.desc.Streams = append(b.desc.Streams, s)
	return b
}

func (b *SourceBuilder) Build() SourceDescriptor {
	return b.desc
}

// OntologyBuilder is a fluent constructor for OntologyDescriptor.
type OntologyBuilder struct {
	desc OntologyDescriptor
}

func NewOntology(name string) *OntologyBuilder {
	return &OntologyBuilder{desc: OntologyDescriptor{Name: name, TableName: name}}
}

func (b *OntologyBuilder) Table(name string) *OntologyBuilder {
	b.desc.TableName = name
	return b
}

func (b *OntologyBuilder) Domain(d string) *OntologyBuilder {
	b.desc.Domain = d
	return b
}

func (b *OntologyBuilder) SourceStreams(pairs ...string) *OntologyBuilder {
	b.desc.SourceStreams = pairs
	return b
}

func (b *OntologyBuilder) Build() OntologyDescriptor {
	return b.desc
}
