// Package registry is the static, compile-time catalog of every known
// source, stream and ontology. It exists so stream creation never depends on
// runtime configuration: a stream is either known at build time or it is not
// instantiable at all.
package registry

// AuthType describes how a source authenticates.
type AuthType int

const (
	// AuthOAuth2 sources use auth.TokenManager-backed bearer tokens.
	AuthOAuth2 AuthType = iota
	// AuthDevice sources push data authenticated by a hashed device token.
	AuthDevice
)

func (a AuthType) String() string {
	switch a {
	case AuthOAuth2:
		return "oauth2"
	case AuthDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Direction distinguishes backend-initiated streams from client-initiated
// ones: Pull (cloud sync loop calls the provider) vs Push (device calls
// /ingest).
type Direction int

const (
	DirectionPull Direction = iota
	DirectionPush
)

func (d Direction) String() string {
	if d == DirectionPush {
		return "push"
	}
	return "pull"
}

// CursorStyle documents how a pull stream tracks incremental progress, used
// only for operator visibility (Snapshot output) - the actual cursor value
// is an opaque string owned by each stream implementation.
type CursorStyle int

const (
	CursorStyleNone CursorStyle = iota
	CursorStyleSyncToken
	CursorStylePageToken
	CursorStyleTimestamp
)

// OAuthConfig names the environment variables a Pull source's OAuth2 flow
// reads its client credentials from.
type OAuthConfig struct {
	ClientIDEnv     string
	ClientSecretEnv string
	Scopes          []string
	AuthURL         string
	TokenURL        string
}

// StreamDescriptor is the immutable metadata for one stream within a
// source: its name, table, direction and the ontologies it feeds.
type StreamDescriptor struct {
	Name        string
	TableName   string
	Direction   Direction
	Cursor      CursorStyle
	Description string
	// Ontologies lists the ontology table names this stream's transform(s)
	// write into; used by the registry's bidirectional consistency check.
	Ontologies []string
}

// SourceDescriptor is the immutable metadata for one provider.
type SourceDescriptor struct {
	Name        string
	DisplayName string
	Auth        AuthType
	OAuth       *OAuthConfig // nil when Auth == AuthDevice
	Streams     []StreamDescriptor
	Enabled     bool
}

// OntologyDescriptor is the immutable metadata for one normalized output
// table consumed by downstream services.
type OntologyDescriptor struct {
	Name          string
	TableName     string
	Domain        string
	SourceStreams []string // "<provider>/<stream>" pairs that feed this table
}
