package clock

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ActorID identifies one replica. It is a 32-character lowercase hex string.
type ActorID string

const (
	// InitialActorID is the placeholder actor used before a client is
	// activated, and by the service when it materializes snapshots.
	InitialActorID ActorID = "00000000000000000000000000000000"

	// MaxActorID sorts after every real actor; used for tie-breaking.
	MaxActorID ActorID = "ffffffffffffffffffffffffffffffff"

	actorIDLength = 32
)

// ErrInvalidActorID is returned when parsing a malformed actor id.
var ErrInvalidActorID = errors.New("invalid actor id")

// NewActorID returns a fresh random actor id.
func NewActorID() ActorID {
	return ActorID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ParseActorID validates s and returns it in canonical form.
func ParseActorID(s string) (ActorID, error) {
	if len(s) != actorIDLength {
		return "", fmt.Errorf("%w: %q: want %d hex chars", ErrInvalidActorID, s, actorIDLength)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidActorID, s, err)
	}
	return ActorID(strings.ReplaceAll(id.String(), "-", "")), nil
}

// Compare returns -1, 0 or 1 by lexicographic order.
func (a ActorID) Compare(other ActorID) int {
	return strings.Compare(string(a), string(other))
}

// IsInitial reports whether a is the unassigned placeholder.
func (a ActorID) IsInitial() bool {
	return a == InitialActorID
}

func (a ActorID) String() string { return string(a) }
