package converter

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
	"github.com/daviddao/docsync/pkg/operations"
	"github.com/daviddao/docsync/pkg/proxy"
)

const (
	actorA clock.ActorID = "000000000000000000000000000000aa"
	actorB clock.ActorID = "000000000000000000000000000000bb"
)

// edit builds a change the way a document does: through proxies on a
// scratch root.
func edit(t *testing.T, prev change.ID, root *crdt.Root, fn func(*proxy.Object)) *change.Change {
	t.Helper()
	ctx := change.NewContext(prev, "edit", root)
	fn(proxy.NewObject(ctx, root.Object()))
	c, err := ctx.ToChange()
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTicketRoundTrip(t *testing.T) {
	for _, tk := range []clock.Ticket{
		clock.InitialTicket,
		clock.MaxTicket,
		clock.NewTicket(math.MaxInt64-1, math.MaxUint32, actorA),
		clock.NewTicket(-5, 0, actorB),
	} {
		b, err := MarshalTicket(tk)
		if err != nil {
			t.Fatal(err)
		}
		got, err := UnmarshalTicket(b)
		if err != nil {
			t.Fatal(err)
		}
		if got != tk {
			t.Fatalf("round trip: got %s, want %s", got, tk)
		}
	}
}

func TestActorIDRoundTrip(t *testing.T) {
	actor := clock.NewActorID()
	b, err := MarshalActorID(actor)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalActorID(b)
	if err != nil || got != actor {
		t.Fatalf("got %s, %v, want %s", got, err, actor)
	}

	bad, _ := MarshalActorID("nope")
	if _, err := UnmarshalActorID(bad); !errors.Is(err, clock.ErrInvalidActorID) {
		t.Fatalf("invalid actor: got %v", err)
	}
}

func TestChangeIDAndCheckPointRoundTrip(t *testing.T) {
	id := change.NewID(7, 42, actorA, clock.VersionVector{actorA: 42, actorB: 3}).SetServerSeq(99)
	b, err := MarshalChangeID(id)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalChangeID(b)
	if err != nil || !got.Equal(id) {
		t.Fatalf("change id: got %s %v, %v", got, got.VersionVector(), err)
	}

	cp := change.NewCheckPoint(math.MaxInt64, math.MaxUint32)
	b, err = MarshalCheckPoint(cp)
	if err != nil {
		t.Fatal(err)
	}
	gotCP, err := UnmarshalCheckPoint(b)
	if err != nil || !gotCP.Equals(cp) {
		t.Fatalf("checkpoint: got %s, %v", gotCP, err)
	}
}

func TestChangeRoundTrip(t *testing.T) {
	root := crdt.NewEmptyRoot()
	prev := change.InitialID.SetActor(actorA)
	first := edit(t, prev, root, func(o *proxy.Object) {
		o.SetInteger("i", -3).SetDouble("d", 0.1).SetBytes("b", []byte{0, 255}).SetNull("n")
		o.SetNewObject("obj").SetBool("ok", true)
		o.SetNewArray("arr").AddString("x").AddLong(math.MinInt64)
	})
	second := edit(t, first.ID(), root, func(o *proxy.Object) {
		o.Delete("obj")
		o.GetArray("arr").Delete(0)
	})

	want := crdt.NewEmptyRoot()
	got := crdt.NewEmptyRoot()
	for _, c := range []*change.Change{first, second} {
		b, err := MarshalChange(c)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := UnmarshalChange(b)
		if err != nil {
			t.Fatal(err)
		}
		assertChangeEqual(t, decoded, c)
		if _, err := c.Execute(want); err != nil {
			t.Fatal(err)
		}
		if _, err := decoded.Execute(got); err != nil {
			t.Fatal(err)
		}
	}
	if got.Marshal() != want.Marshal() {
		t.Fatalf("replay: got %s, want %s", got.Marshal(), want.Marshal())
	}
}

func TestPackRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	minSynced := clock.VersionVector{actorA: 2, actorB: 3}

	for i := 0; i < 20; i++ {
		root := crdt.NewEmptyRoot()
		prev := change.InitialID.SetActor(actorA)
		var changes []*change.Change
		for j, n := 0, r.Intn(5); j < n; j++ {
			c := edit(t, prev, root, func(o *proxy.Object) {
				o.SetLong("k", int64(j))
			})
			prev = c.ID()
			changes = append(changes, c)
		}

		pack := change.NewPack("doc-1", change.NewCheckPoint(int64(i), uint32(len(changes))), changes, prev.VersionVector(), nil)
		switch i % 3 {
		case 1:
			pack.Snapshot = []byte{}
		case 2:
			pack.Snapshot = []byte{1, 2, 3}
			pack.MinSyncedVersionVector = minSynced
		}

		b, err := MarshalPack(pack)
		if err != nil {
			t.Fatal(err)
		}
		got, err := UnmarshalPack(b)
		if err != nil {
			t.Fatal(err)
		}

		if got.DocumentKey != pack.DocumentKey || !got.CheckPoint.Equals(pack.CheckPoint) {
			t.Fatalf("header: got %s %s", got.DocumentKey, got.CheckPoint)
		}
		if (got.Snapshot == nil) != (pack.Snapshot == nil) || !bytes.Equal(got.Snapshot, pack.Snapshot) {
			t.Fatalf("snapshot: got %v, want %v", got.Snapshot, pack.Snapshot)
		}
		if got.HasSnapshot() != pack.HasSnapshot() {
			t.Fatalf("HasSnapshot: got %v", got.HasSnapshot())
		}
		if (got.MinSyncedVersionVector == nil) != (pack.MinSyncedVersionVector == nil) ||
			!got.MinSyncedVersionVector.Equal(pack.MinSyncedVersionVector) {
			t.Fatalf("min synced: got %v, want %v", got.MinSyncedVersionVector, pack.MinSyncedVersionVector)
		}
		if !got.VersionVector.Equal(pack.VersionVector) {
			t.Fatalf("vector: got %v, want %v", got.VersionVector, pack.VersionVector)
		}
		if got.ChangesLen() != pack.ChangesLen() {
			t.Fatalf("changes: got %d, want %d", got.ChangesLen(), pack.ChangesLen())
		}
		for j := range got.Changes {
			assertChangeEqual(t, got.Changes[j], pack.Changes[j])
		}
	}
}

func TestPackKeepsEmptyApartFromNil(t *testing.T) {
	cases := []struct {
		name string
		pack *change.Pack
	}{
		{"nil", change.NewPack("doc-1", change.InitialCheckPoint, nil, nil, nil)},
		{"empty", &change.Pack{
			DocumentKey:            "doc-1",
			Changes:                []*change.Change{},
			VersionVector:          clock.NewVersionVector(),
			MinSyncedVersionVector: clock.NewVersionVector(),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := MarshalPack(tc.pack)
			if err != nil {
				t.Fatal(err)
			}
			got, err := UnmarshalPack(b)
			if err != nil {
				t.Fatal(err)
			}
			if (got.Changes == nil) != (tc.pack.Changes == nil) {
				t.Fatalf("changes: got %#v, want %#v", got.Changes, tc.pack.Changes)
			}
			if (got.VersionVector == nil) != (tc.pack.VersionVector == nil) {
				t.Fatalf("vector: got %#v, want %#v", got.VersionVector, tc.pack.VersionVector)
			}
			if (got.MinSyncedVersionVector == nil) != (tc.pack.MinSyncedVersionVector == nil) {
				t.Fatalf("min synced: got %#v, want %#v", got.MinSyncedVersionVector, tc.pack.MinSyncedVersionVector)
			}
		})
	}
}

func TestSnapshotKeepsTombstones(t *testing.T) {
	root := crdt.NewEmptyRoot()
	prev := change.InitialID.SetActor(actorA)
	edit(t, prev, root, func(o *proxy.Object) {
		o.SetString("a", "1")
		o.SetNewArray("list").AddString("x").AddString("y").Delete(0)
		o.Delete("a")
	})

	presences := map[clock.ActorID]map[string]string{actorA: {"name": "ann"}}
	b, err := SnapshotToBytes(root, presences)
	if err != nil {
		t.Fatal(err)
	}
	got, gotPresences, err := BytesToSnapshot(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Marshal() != `{"list":["y"]}` {
		t.Fatalf("Marshal: got %s", got.Marshal())
	}
	if got.GarbageLen() != root.GarbageLen() || got.GarbageLen() != 2 {
		t.Fatalf("GarbageLen: got %d, want %d", got.GarbageLen(), root.GarbageLen())
	}
	if gotPresences[actorA]["name"] != "ann" {
		t.Fatalf("presences: got %v", gotPresences)
	}

	empty, _, err := BytesToSnapshot(nil)
	if err != nil || empty.Marshal() != "{}" {
		t.Fatalf("empty snapshot: %v, %v", empty, err)
	}
}

func assertChangeEqual(t *testing.T, got, want *change.Change) {
	t.Helper()
	if !got.ID().Equal(want.ID()) || got.Message() != want.Message() {
		t.Fatalf("change: got %s %q, want %s %q", got.ID(), got.Message(), want.ID(), want.Message())
	}
	if len(got.Operations()) != len(want.Operations()) {
		t.Fatalf("operations: got %d, want %d", len(got.Operations()), len(want.Operations()))
	}
	for i, op := range got.Operations() {
		w := want.Operations()[i]
		if op.ExecutedAt() != w.ExecutedAt() || op.ParentCreatedAt() != w.ParentCreatedAt() {
			t.Fatalf("operation %d: got %s/%s, want %s/%s", i, op.ParentCreatedAt(), op.ExecutedAt(), w.ParentCreatedAt(), w.ExecutedAt())
		}
		switch o := op.(type) {
		case *operations.Set:
			if o.Key() != w.(*operations.Set).Key() || o.Value().Marshal() != w.(*operations.Set).Value().Marshal() {
				t.Fatalf("set %d: got %s=%s", i, o.Key(), o.Value().Marshal())
			}
		case *operations.Add:
			if o.PrevCreatedAt() != w.(*operations.Add).PrevCreatedAt() {
				t.Fatalf("add %d: prev %s", i, o.PrevCreatedAt())
			}
		case *operations.Remove:
			if o.CreatedAt() != w.(*operations.Remove).CreatedAt() {
				t.Fatalf("remove %d: target %s", i, o.CreatedAt())
			}
		}
	}
}

func TestVersionVectorRoundTrip(t *testing.T) {
	for _, v := range []clock.VersionVector{
		{actorA: 3, actorB: 9},
		clock.NewVersionVector(),
	} {
		data, err := MarshalVersionVector(v)
		if err != nil {
			t.Fatal(err)
		}
		got, err := UnmarshalVersionVector(data)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(v) {
			t.Fatalf("round trip: got %v, want %v", got, v)
		}
	}

	empty, err := UnmarshalVersionVector(nil)
	if err != nil || empty == nil || empty.Len() != 0 {
		t.Fatalf("empty input: got %v, %v", empty, err)
	}
}
