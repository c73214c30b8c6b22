package converter

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
)

// SnapshotToBytes encodes a root, tombstones included, together with the
// presences of its actors.
func SnapshotToBytes(root *crdt.Root, presences map[clock.ActorID]map[string]string) ([]byte, error) {
	rw, err := toElementWire(root.Object())
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	w := snapshotWire{Root: rw}
	if len(presences) > 0 {
		w.Presences = make(map[string]map[string]string, len(presences))
		for actor, p := range presences {
			w.Presences[actor.String()] = p
		}
	}
	return msgpack.Marshal(&w)
}

// BytesToSnapshot decodes the output of SnapshotToBytes. Empty input yields
// an empty root.
func BytesToSnapshot(data []byte) (*crdt.Root, map[clock.ActorID]map[string]string, error) {
	presences := make(map[clock.ActorID]map[string]string)
	if len(data) == 0 {
		return crdt.NewEmptyRoot(), presences, nil
	}

	var w snapshotWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	elem, err := fromElementWire(w.Root)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot root: %w", err)
	}
	obj, ok := elem.(*crdt.Object)
	if !ok {
		return nil, nil, fmt.Errorf("snapshot root is %T: %w", elem, ErrUnsupportedElement)
	}
	for s, p := range w.Presences {
		actor, err := clock.ParseActorID(s)
		if err != nil {
			return nil, nil, err
		}
		presences[actor] = p
	}
	return crdt.NewRoot(obj), presences, nil
}
