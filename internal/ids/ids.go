package ids

import (
	"github.com/google/uuid"
)

// Generator produces identifiers for runs, subscriptions and bus clients.
type Generator interface {
	Generate() string
}

// UUIDv7 generates time-sortable UUIDv7 identifiers.
//
// Sortable ids make it easy to line up harness logs with broker and
// push-channel logs from the same run.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// OrUUIDv7 returns g, or UUIDv7 when g is nil.
func OrUUIDv7(g Generator) Generator {
	if g == nil {
		return UUIDv7{}
	}
	return g
}
