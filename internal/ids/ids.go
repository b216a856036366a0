// Package ids generates the identifiers used across the platform.
//
// Run and turn identifiers are ULIDs so that lexicographic order matches
// creation order; this is what makes run listings and event replay cheap to
// sort. Opaque identifiers (trash entries, stream tokens) are UUIDs.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewRunID returns a ULID-ordered run identifier prefixed with "run_".
func NewRunID() string {
	return "run_" + newULID()
}

// NewTurnID returns a ULID-ordered turn identifier prefixed with "turn_".
func NewTurnID() string {
	return "turn_" + newULID()
}

// NewChatID returns a chat session identifier prefixed with "chat-".
func NewChatID() string {
	return "chat-" + strings.ToLower(newULID())
}

// NewOpaque returns a random UUID string for non-ordered identifiers
// (trash entries, stream tokens, hook registrations).
func NewOpaque() string {
	return uuid.New().String()
}

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
