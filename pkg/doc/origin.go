package doc

import "fmt"

// OriginKind discriminates who produced a mutation.
type OriginKind int

const (
	// OriginLocal marks mutations made through the in-process API, e.g. the
	// snapshot import surface.
	OriginLocal OriginKind = iota
	// OriginRemote marks mutations received from a peer connection. ConnID
	// identifies the connection so the broadcaster can suppress the echo.
	OriginRemote
	// OriginSystem marks mutations made by the server itself, e.g. seeding a
	// fresh room or replaying persisted updates.
	OriginSystem
)

// Origin tags a transaction or remote update with its producer.
type Origin struct {
	Kind   OriginKind
	ConnID string
}

func Local() Origin               { return Origin{Kind: OriginLocal} }
func System() Origin              { return Origin{Kind: OriginSystem} }
func Remote(connID string) Origin { return Origin{Kind: OriginRemote, ConnID: connID} }

func (o Origin) String() string {
	switch o.Kind {
	case OriginRemote:
		return fmt.Sprintf("remote(%s)", o.ConnID)
	case OriginSystem:
		return "system"
	default:
		return "local"
	}
}
