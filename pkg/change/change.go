package change

import (
	"fmt"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
	"github.com/daviddao/docsync/pkg/operations"
)

// PresenceChangeType distinguishes a presence update from its removal.
type PresenceChangeType int

const (
	PresencePut PresenceChangeType = iota + 1
	PresenceClear
)

// PresenceChange is the ephemeral per-actor metadata riding on a change.
// It is applied outside the CRDT root and never garbage collected.
type PresenceChange struct {
	Type     PresenceChangeType
	Presence map[string]string
}

// Change is an ordered batch of operations with an identity. It is the unit
// replayed to mutate a document root.
type Change struct {
	id             ID
	message        string
	operations     []operations.Operation
	presenceChange *PresenceChange
}

// New creates a Change.
func New(id ID, message string, ops []operations.Operation, pc *PresenceChange) *Change {
	return &Change{
		id:             id,
		message:        message,
		operations:     ops,
		presenceChange: pc,
	}
}

// Execute runs every operation against root in list order. The first
// failing operation aborts the change.
func (c *Change) Execute(root *crdt.Root) ([]operations.OpInfo, error) {
	var infos []operations.OpInfo
	for i, op := range c.operations {
		opInfos, err := op.Execute(root)
		if err != nil {
			return nil, fmt.Errorf("change %s: operation %d: %w", c.id, i, err)
		}
		infos = append(infos, opInfos...)
	}
	return infos, nil
}

// SetActor restamps the change and all of its operations.
func (c *Change) SetActor(actor clock.ActorID) {
	c.id = c.id.SetActor(actor)
	for _, op := range c.operations {
		op.SetActor(actor)
	}
}

// SetServerSeq records the sequence the service assigned to the change.
func (c *Change) SetServerSeq(serverSeq int64) {
	c.id = c.id.SetServerSeq(serverSeq)
}

func (c *Change) ID() ID { return c.id }
func (c *Change) Message() string { return c.message }
func (c *Change) Operations() []operations.Operation { return c.operations }
func (c *Change) PresenceChange() *PresenceChange { return c.presenceChange }
func (c *Change) ClientSeq() uint32 { return c.id.ClientSeq() }
func (c *Change) ServerSeq() int64 { return c.id.ServerSeq() }

// IsPresenceOnly reports whether the change carries no operations.
func (c *Change) IsPresenceOnly() bool {
	return len(c.operations) == 0
}
