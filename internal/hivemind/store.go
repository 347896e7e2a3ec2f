package hivemind

import "context"

// Logger is the minimal logging surface components accept. A nil Logger
// is silent. log.Default() satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// ContentStore is the remote CRDT-backed content store the core pushes to
// and pulls from. Concurrent-edit merging happens behind this interface;
// the core only decides when to push and pull.
type ContentStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	// Subscribe registers onChange for pushes to key and returns the
	// unsubscribe handle. onChange receives the full new content.
	Subscribe(ctx context.Context, key string, onChange func(data []byte)) (func(), error)
}

// ContentKey is the identifier-scoped store key for a document's content
// under its team namespace.
func ContentKey(teamID, documentID string) string {
	return "teams/" + teamID + "/docs/" + documentID + "/content"
}

// MetadataKey is the store key for a document's shared metadata record.
func MetadataKey(teamID, documentID string) string {
	return "teams/" + teamID + "/docs/" + documentID + "/meta"
}
