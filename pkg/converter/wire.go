package converter

// Wire structs. Field names are short on the wire; a pack of a few hundred
// changes repeats them for every ticket.

type actorWire struct {
	ID string `msgpack:"id"`
}

type ticketWire struct {
	Lamport   int64  `msgpack:"l"`
	Delimiter uint32 `msgpack:"d"`
	Actor     string `msgpack:"a"`
}

type changeIDWire struct {
	ClientSeq     uint32           `msgpack:"cs"`
	Lamport       int64            `msgpack:"l"`
	Actor         string           `msgpack:"a"`
	VersionVector map[string]int64 `msgpack:"vv"`
	ServerSeq     int64            `msgpack:"ss"`
}

type checkPointWire struct {
	ServerSeq int64  `msgpack:"ss"`
	ClientSeq uint32 `msgpack:"cs"`
}

const (
	elementObject    uint8 = 1
	elementArray     uint8 = 2
	elementPrimitive uint8 = 3
)

type elementWire struct {
	Kind      uint8         `msgpack:"k"`
	CreatedAt ticketWire    `msgpack:"c"`
	RemovedAt *ticketWire   `msgpack:"r,omitempty"`
	ValueType int           `msgpack:"vt,omitempty"`
	Value     []byte        `msgpack:"v,omitempty"`
	Members   []memberWire  `msgpack:"m,omitempty"`
	Elements  []elementWire `msgpack:"e,omitempty"`
}

type memberWire struct {
	Key     string      `msgpack:"k"`
	Element elementWire `msgpack:"e"`
}

type operationWire struct {
	Type            string       `msgpack:"t"`
	ParentCreatedAt ticketWire   `msgpack:"p"`
	ExecutedAt      ticketWire   `msgpack:"x"`
	Key             string       `msgpack:"k,omitempty"`
	PrevCreatedAt   *ticketWire  `msgpack:"pv,omitempty"`
	CreatedAt       *ticketWire  `msgpack:"c,omitempty"`
	Value           *elementWire `msgpack:"v,omitempty"`
}

type presenceChangeWire struct {
	Type     int               `msgpack:"t"`
	Presence map[string]string `msgpack:"p,omitempty"`
}

type changeWire struct {
	ID             changeIDWire        `msgpack:"id"`
	Message        string              `msgpack:"m,omitempty"`
	Operations     []operationWire     `msgpack:"ops,omitempty"`
	PresenceChange *presenceChangeWire `msgpack:"pc,omitempty"`
}

// packWire keeps nil and empty apart for changes and vectors: a nil
// MinSyncedVector means no frontier, an empty one collects nothing.
type packWire struct {
	DocumentKey     string           `msgpack:"key"`
	CheckPoint      checkPointWire   `msgpack:"cp"`
	Changes         []changeWire     `msgpack:"changes"`
	SnapshotSet     bool             `msgpack:"hs,omitempty"`
	Snapshot        []byte           `msgpack:"snapshot,omitempty"`
	MinSyncedVector map[string]int64 `msgpack:"msv"`
	VersionVector   map[string]int64 `msgpack:"vv"`
	IsRemoved       bool             `msgpack:"removed,omitempty"`
}

type snapshotWire struct {
	Root      elementWire                  `msgpack:"root"`
	Presences map[string]map[string]string `msgpack:"presences,omitempty"`
}
